// Command visage-relay runs the signaling relay.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/relay"
)

func main() {
	configPath := flag.String("config", "", "path to JSON config file")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	cfg := relay.DefaultConfig()
	if *configPath != "" {
		loaded, err := relay.LoadConfig(*configPath)
		if err != nil {
			log.WithError(err).Fatal("cannot load config")
		}
		cfg = loaded
	}

	server, err := relay.NewServer(cfg)
	if err != nil {
		log.WithError(err).Fatal("cannot create relay")
	}
	if err := server.Start(); err != nil {
		log.WithError(err).Fatal("cannot start relay")
	}
	log.WithField("addr", server.Addr()).Info("relay listening")

	if cfg.MetricsPort > 0 {
		go func() {
			if err := server.ServeMetrics(cfg.MetricsPort); err != nil {
				log.WithError(err).Error("metrics endpoint stopped")
			}
		}()
		log.WithField("port", cfg.MetricsPort).Info("metrics exposed")
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.WithField("signal", sig).Info("shutting down")

	if err := server.Close(); err != nil {
		log.WithError(err).Error("shutdown error")
		os.Exit(1)
	}
}

// Command visage-stunprobe gathers ICE candidates and prints them,
// which exercises the STUN and TURN paths against real servers.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/visage-chat/visage/ice"
)

func main() {
	stunServers := flag.String("stun", "stun.l.google.com:19302", "comma-separated STUN servers")
	turnServer := flag.String("turn", "", "TURN server (host:port), optional")
	turnUser := flag.String("turn-user", "", "TURN username")
	turnPass := flag.String("turn-pass", "", "TURN password")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "main")

	cfg := ice.Config{
		Controlling: true,
		StunServers: strings.Split(*stunServers, ","),
	}
	if *turnServer != "" {
		cfg.Turn = &ice.TurnConfig{
			Server:   *turnServer,
			Username: *turnUser,
			Password: *turnPass,
		}
	}

	agent, err := ice.NewAgent(cfg)
	if err != nil {
		log.WithError(err).Fatal("cannot create agent")
	}
	defer agent.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := agent.Gather(ctx); err != nil {
		log.WithError(err).Fatal("gathering failed")
	}

	candidates := agent.LocalCandidates()
	if len(candidates) == 0 {
		fmt.Fprintln(os.Stderr, "no candidates gathered")
		os.Exit(1)
	}
	ufrag, pwd := agent.LocalCredentials()
	fmt.Printf("ice-ufrag: %s\nice-pwd: %s\n", ufrag, pwd)
	for _, cand := range candidates {
		fmt.Println(cand.Marshal())
	}
}

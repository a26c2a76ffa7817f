package relay

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// Config controls the relay process. It is loaded from a JSON file.
type Config struct {
	BindAddress    string `json:"bind_address"`
	Port           int    `json:"port"`
	EnableTLS      bool   `json:"enable_tls"`
	PKCS12Path     string `json:"pkcs12_path,omitempty"`
	PKCS12Password string `json:"pkcs12_password,omitempty"`

	// DirectoryPath is the user directory file. Defaults to "users.txt"
	// in the working directory.
	DirectoryPath string `json:"directory_path,omitempty"`

	// MetricsPort exposes Prometheus metrics when non-zero.
	MetricsPort int `json:"metrics_port,omitempty"`

	// QueueDepth is the per-session outbound queue capacity.
	QueueDepth int `json:"queue_depth,omitempty"`
}

// DefaultConfig returns a config suitable for local use.
func DefaultConfig() *Config {
	return &Config{
		BindAddress:   "0.0.0.0",
		Port:          5060,
		DirectoryPath: "users.txt",
		QueueDepth:    64,
	}
}

// LoadConfig reads and validates a JSON config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the config for internal consistency.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port.
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	if c.EnableTLS && c.PKCS12Path == "" {
		return errors.New("config: enable_tls requires pkcs12_path")
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 64
	}
	if c.DirectoryPath == "" {
		c.DirectoryPath = "users.txt"
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// TLSConfig builds a server TLS config from the PKCS#12 identity file,
// or returns nil when TLS is disabled.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.EnableTLS {
		return nil, nil
	}
	data, err := os.ReadFile(c.PKCS12Path)
	if err != nil {
		return nil, fmt.Errorf("read pkcs12 identity %s: %w", c.PKCS12Path, err)
	}
	key, cert, err := pkcs12.Decode(data, c.PKCS12Password)
	if err != nil {
		return nil, fmt.Errorf("decode pkcs12 identity: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{cert.Raw},
			PrivateKey:  key,
			Leaf:        cert,
		}},
		MinVersion: tls.VersionTLS12,
	}, nil
}

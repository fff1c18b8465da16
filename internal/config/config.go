// Package config holds the spork-server runtime configuration: built-in
// defaults, an optional YAML file, and command-line overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultListen   = "[::1]:4433"
	DefaultALPN     = "hq-29"
	DefaultHostname = "localhost"
)

// Validation errors.
var (
	ErrKeyCertPair = errors.New("key and cert must be provided together")
	ErrListen      = errors.New("invalid listen address")
	ErrALPN        = errors.New("invalid ALPN protocol")
	ErrLimit       = errors.New("invalid limit")
)

// MDNSSection configures DNS-SD advertisement of the endpoint.
type MDNSSection struct {
	Enabled   bool   `yaml:"enabled"`
	Instance  string `yaml:"instance,omitempty"`
	Interface string `yaml:"interface,omitempty"`
}

// Config is the server configuration.
type Config struct {
	// Listen is the UDP address the endpoint binds to.
	Listen string `yaml:"listen"`

	// Key and Cert are PEM file paths. Both or neither.
	Key  string `yaml:"key,omitempty"`
	Cert string `yaml:"cert,omitempty"`

	// ALPN is the single application protocol identifier advertised.
	ALPN string `yaml:"alpn"`

	// Hostname is used when generating a self-signed identity.
	Hostname string `yaml:"hostname"`

	// MaxConnections bounds in-flight handshakes. Zero means unlimited.
	MaxConnections int `yaml:"max_connections,omitempty"`

	// HandshakeTimeout bounds the handshake wait. Zero leaves it to the transport.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty"`

	// EventLog is an optional path for the CBOR connection event trace.
	EventLog string `yaml:"event_log,omitempty"`

	MDNS MDNSSection `yaml:"mdns"`

	Debug bool `yaml:"debug,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:   DefaultListen,
		ALPN:     DefaultALPN,
		Hostname: DefaultHostname,
	}
}

// Load reads a YAML configuration file on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Merge returns c with every non-zero field of o applied on top.
func (c Config) Merge(o Config) Config {
	if o.Listen != "" {
		c.Listen = o.Listen
	}
	if o.Key != "" {
		c.Key = o.Key
	}
	if o.Cert != "" {
		c.Cert = o.Cert
	}
	if o.ALPN != "" {
		c.ALPN = o.ALPN
	}
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MaxConnections != 0 {
		c.MaxConnections = o.MaxConnections
	}
	if o.HandshakeTimeout != 0 {
		c.HandshakeTimeout = o.HandshakeTimeout
	}
	if o.EventLog != "" {
		c.EventLog = o.EventLog
	}
	if o.MDNS.Enabled {
		c.MDNS.Enabled = true
	}
	if o.MDNS.Instance != "" {
		c.MDNS.Instance = o.MDNS.Instance
	}
	if o.MDNS.Interface != "" {
		c.MDNS.Interface = o.MDNS.Interface
	}
	if o.Debug {
		c.Debug = true
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if (c.Key == "") != (c.Cert == "") {
		return ErrKeyCertPair
	}
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return fmt.Errorf("%w %q: %v", ErrListen, c.Listen, err)
	}
	if c.ALPN == "" || len(c.ALPN) > 255 {
		return fmt.Errorf("%w %q: must be 1-255 bytes", ErrALPN, c.ALPN)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("%w: max_connections must not be negative", ErrLimit)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("%w: handshake_timeout must not be negative", ErrLimit)
	}
	return nil
}

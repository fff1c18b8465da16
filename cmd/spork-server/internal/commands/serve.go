package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/spork-protocol/spork-go/internal/config"
	"github.com/spork-protocol/spork-go/pkg/cert"
	"github.com/spork-protocol/spork-go/pkg/discovery"
	"github.com/spork-protocol/spork-go/pkg/log"
	"github.com/spork-protocol/spork-go/pkg/transport"
)

// announceTries bounds mDNS announcement attempts at startup.
const announceTries = 4

// ServeCmd runs the endpoint. Flags left unset fall back to the config file
// and then to the built-in defaults.
type ServeCmd struct {
	Config string `help:"YAML configuration file." type:"existingfile" env:"SPORK_CONFIG"`

	Listen   string `help:"Address to listen on (default [::1]:4433)." env:"SPORK_LISTEN"`
	Key      string `short:"k" help:"TLS private key in PEM format." type:"path" env:"SPORK_KEY"`
	Cert     string `short:"c" help:"TLS certificate chain in PEM format." type:"path" env:"SPORK_CERT"`
	ALPN     string `name:"alpn" help:"Application protocol to advertise (default hq-29)." env:"SPORK_ALPN"`
	Hostname string `help:"Name a generated certificate is issued for (default localhost)." env:"SPORK_HOSTNAME"`

	MaxConnections   int           `help:"Refuse attempts beyond this many in-flight connections (0 = unlimited)." env:"SPORK_MAX_CONNECTIONS"`
	HandshakeTimeout time.Duration `help:"Give up on handshakes that take longer (0 = transport default)." env:"SPORK_HANDSHAKE_TIMEOUT"`

	EventLog string `help:"Append the connection event trace to this CBOR file." type:"path" env:"SPORK_EVENT_LOG"`

	MDNS          bool   `name:"mdns" help:"Announce the endpoint over mDNS." env:"SPORK_MDNS"`
	MDNSInstance  string `name:"mdns-instance" help:"mDNS instance name." env:"SPORK_MDNS_INSTANCE"`
	MDNSInterface string `name:"mdns-interface" help:"Network interface to announce on." env:"SPORK_MDNS_INTERFACE"`
}

// Run resolves the identity, binds the endpoint and serves until SIGINT or
// SIGTERM. Identity, configuration and bind failures are returned.
func (c *ServeCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := c.resolveConfig(globals)
	if err != nil {
		return err
	}

	logger := globals.Logger
	if cfg.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	}

	id, err := cert.Resolve(cfg.Key, cfg.Cert,
		cert.WithHostname(cfg.Hostname),
		cert.WithLogger(logger))
	if err != nil {
		return err
	}
	if info := id.Info(); info != nil {
		logger.Info().
			Str("subject", info.CommonName).
			Time("not_after", info.NotAfter).
			Str("fingerprint", info.Fingerprint).
			Bool("generated", info.SelfSigned).
			Msg("identity ready")
		if info.ExpiresWithin(7*24*time.Hour, time.Now()) {
			logger.Warn().Time("not_after", info.NotAfter).Msg("certificate expires soon")
		}
	}

	events, closeEvents, err := openEventLog(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server, err := transport.NewServer(serverConfig(cfg, id, &logger, events))
	if err != nil {
		return err
	}
	if err := server.Listen(); err != nil {
		return err
	}

	if cfg.MDNS.Enabled {
		if err := announce(ctx, cfg, server, id, globals.Version, logger); err != nil {
			// Serving continues without discovery.
			logger.Warn().Err(err).Msg("mdns announcement failed")
		}
	}

	return server.Serve(ctx)
}

// resolveConfig layers defaults, the config file and flags, then validates.
func (c *ServeCmd) resolveConfig(globals *Globals) (config.Config, error) {
	cfg := config.Default()
	if c.Config != "" {
		loaded, err := config.Load(c.Config)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	cfg = cfg.Merge(config.Config{
		Listen:           c.Listen,
		Key:              c.Key,
		Cert:             c.Cert,
		ALPN:             c.ALPN,
		Hostname:         c.Hostname,
		MaxConnections:   c.MaxConnections,
		HandshakeTimeout: c.HandshakeTimeout,
		EventLog:         c.EventLog,
		MDNS: config.MDNSSection{
			Enabled:   c.MDNS,
			Instance:  c.MDNSInstance,
			Interface: c.MDNSInterface,
		},
		Debug: globals.Debug,
	})

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func serverConfig(cfg config.Config, id *cert.Identity, logger *zerolog.Logger, events log.Logger) transport.ServerConfig {
	return transport.ServerConfig{
		Address:          cfg.Listen,
		Identity:         id,
		ALPNProtocol:     cfg.ALPN,
		MaxConnections:   cfg.MaxConnections,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           logger,
		EventLogger:      events,
	}
}

// openEventLog builds the event sink: the CBOR file when configured, and
// the operational logger when debugging.
func openEventLog(cfg config.Config, logger zerolog.Logger) (log.Logger, func(), error) {
	var sinks []log.Logger
	closeFn := func() {}

	if cfg.EventLog != "" {
		fl, err := log.NewFileLogger(cfg.EventLog)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open event log: %w", err)
		}
		sinks = append(sinks, fl)
		closeFn = func() {
			if dropped := fl.Dropped(); dropped > 0 {
				logger.Warn().Uint64("dropped", dropped).Msg("event log dropped events")
			}
			if err := fl.Close(); err != nil {
				logger.Warn().Err(err).Msg("failed to close event log")
			}
		}
	}
	if cfg.Debug {
		sinks = append(sinks, log.NewZerologAdapter(logger))
	}

	switch len(sinks) {
	case 0:
		return log.NoopLogger{}, closeFn, nil
	case 1:
		return sinks[0], closeFn, nil
	default:
		return log.NewMultiLogger(sinks...), closeFn, nil
	}
}

func announce(ctx context.Context, cfg config.Config, server *transport.Server, id *cert.Identity, version string, logger zerolog.Logger) error {
	info, err := discovery.NewServiceInfo(cfg.MDNS.Instance, server.Addr(), cfg.ALPN, id.Fingerprint(), version)
	if err != nil {
		return err
	}

	advCfg := discovery.DefaultAdvertiserConfig()
	advCfg.Interface = cfg.MDNS.Interface
	adv, err := discovery.NewMDNSAdvertiser(advCfg)
	if err != nil {
		return err
	}
	if _, err := discovery.Announce(ctx, adv, info, discovery.WithRetry(announceTries, time.Second)); err != nil {
		return errors.Join(err, adv.Stop())
	}

	logger.Info().
		Str("instance", info.Instance).
		Str("service", discovery.ServiceType).
		Uint16("port", info.Port).
		Msg("announced over mdns")
	return nil
}

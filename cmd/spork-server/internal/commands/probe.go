package commands

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spork-protocol/spork-go/pkg/cert"
	"github.com/spork-protocol/spork-go/pkg/transport"
)

// ErrFingerprintMismatch is returned when the server certificate does not
// match the pinned fingerprint.
var ErrFingerprintMismatch = errors.New("server certificate fingerprint mismatch")

// ProbeCmd dials an endpoint and prints what was negotiated.
type ProbeCmd struct {
	Address     string        `arg:"" default:"[::1]:4433" help:"Endpoint address (host:port)."`
	ALPN        []string      `name:"alpn" default:"hq-29" help:"Protocols to propose, in preference order."`
	ServerName  string        `default:"localhost" help:"Server name to send and verify."`
	CA          string        `type:"existingfile" help:"PEM file with trusted CA certificates. Without it the server certificate is not verified."`
	Fingerprint string        `help:"Expected SHA-256 fingerprint of the server certificate (hex)."`
	Timeout     time.Duration `default:"10s" help:"Dial timeout."`
}

// Run dials the endpoint once.
func (c *ProbeCmd) Run(ctx context.Context, globals *Globals) error {
	cfg, err := c.clientConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	result, err := transport.Probe(ctx, c.Address, cfg)
	if err != nil {
		return err
	}

	fp := leafFingerprint(result.PeerCertificates)
	printProbe(globals.Out, result, fp)

	if c.Fingerprint != "" && !strings.EqualFold(c.Fingerprint, fp) {
		return fmt.Errorf("%w: got %s", ErrFingerprintMismatch, fp)
	}
	return nil
}

func (c *ProbeCmd) clientConfig() (transport.ClientTLSConfig, error) {
	cfg := transport.ClientTLSConfig{
		ALPN:               c.ALPN,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.CA == "",
	}
	if c.CA != "" {
		chain, err := cert.ReadCertFile(c.CA)
		if err != nil {
			return cfg, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		for _, ca := range chain {
			pool.AddCert(ca)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func leafFingerprint(chain []*x509.Certificate) string {
	if len(chain) == 0 {
		return ""
	}
	sum := sha256.Sum256(chain[0].Raw)
	return hex.EncodeToString(sum[:])
}

func printProbe(w io.Writer, r transport.ProbeResult, fingerprint string) {
	fmt.Fprintf(w, "remote:      %s\n", r.RemoteAddr)
	fmt.Fprintf(w, "local:       %s\n", r.LocalAddr)
	fmt.Fprintf(w, "protocol:    %s\n", r.Protocol)
	fmt.Fprintf(w, "tls:         %s\n", tls.VersionName(r.TLSVersion))
	fmt.Fprintf(w, "handshake:   %s\n", r.Elapsed.Round(time.Microsecond))
	if fingerprint != "" {
		fmt.Fprintf(w, "fingerprint: %s\n", fingerprint)
	}
	if r.ServerClosed {
		fmt.Fprintf(w, "closed:      by server (code 0x%x)\n", uint64(r.CloseCode))
	}
}

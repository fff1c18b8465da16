package transport

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/spork-protocol/spork-go/pkg/cert"
)

// TLS constants for the spork endpoint.
const (
	// DefaultALPN is the application protocol identifier advertised when
	// none is configured.
	DefaultALPN = "hq-29"

	// NoProtocol is recorded when the handshake negotiated no application
	// protocol.
	NoProtocol = "<none>"
)

// ErrConfig is returned when the identity or settings cannot be turned into
// a valid transport configuration.
var ErrConfig = errors.New("invalid transport configuration")

// NewServerTLSConfig wraps id into a TLS 1.3 server configuration that
// advertises exactly one application protocol. The key/certificate match is
// checked here so a mismatched pair from disk fails before binding.
func NewServerTLSConfig(id *cert.Identity, alpn string) (*tls.Config, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: identity is required", ErrConfig)
	}
	if alpn == "" || len(alpn) > 255 {
		return nil, fmt.Errorf("%w: ALPN protocol must be 1-255 bytes", ErrConfig)
	}
	if err := id.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	return &tls.Config{
		// QUIC mandates TLS 1.3.
		MinVersion: tls.VersionTLS13,

		Certificates: []tls.Certificate{id.TLSCertificate()},

		// Peers are not asked for certificates.
		ClientAuth: tls.NoClientCert,

		NextProtos: []string{alpn},

		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}, nil
}

// ClientTLSConfig holds the settings used by Dial.
type ClientTLSConfig struct {
	// ALPN lists the protocols proposed to the server, in preference order.
	ALPN []string

	// ServerName is sent as SNI and used for verification.
	ServerName string

	// RootCAs verifies the server chain. Nil uses the system pool.
	RootCAs *x509.CertPool

	// InsecureSkipVerify disables certificate verification, for talking
	// to servers with a generated identity.
	InsecureSkipVerify bool
}

// NewClientTLSConfig creates the TLS configuration for dialing an endpoint.
func NewClientTLSConfig(cfg ClientTLSConfig) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         cfg.ALPN,
		ServerName:         cfg.ServerName,
		RootCAs:            cfg.RootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
}

// NegotiatedProtocol returns the application protocol agreed during the
// handshake, or NoProtocol when there was none.
func NegotiatedProtocol(state tls.ConnectionState) string {
	if state.NegotiatedProtocol == "" {
		return NoProtocol
	}
	return state.NegotiatedProtocol
}

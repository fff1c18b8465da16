package transport

import (
	"crypto/tls"
	"time"

	"github.com/quic-go/quic-go"
)

// QUIC application error codes used when the server closes a connection.
const (
	// CodeNoError closes a connection that has nothing more to do.
	CodeNoError quic.ApplicationErrorCode = 0x0
	// CodeRefused closes a connection turned away by the admission limit.
	CodeRefused quic.ApplicationErrorCode = 0x1
	// CodeShutdown closes connections still in flight when the server stops.
	CodeShutdown quic.ApplicationErrorCode = 0x2
)

// noUniStreams is how quic-go spells "peers may open zero unidirectional
// streams"; zero would select the library default instead.
const noUniStreams = -1

// ServerTransportConfig is the read-only configuration shared by every
// connection on an endpoint.
type ServerTransportConfig struct {
	TLS  *tls.Config
	QUIC *quic.Config
}

// NewQUICConfig returns the transport parameters for the endpoint.
// A zero handshakeTimeout keeps the library default.
func NewQUICConfig(handshakeTimeout time.Duration) *quic.Config {
	conf := &quic.Config{
		MaxIncomingUniStreams: noUniStreams,
	}
	if handshakeTimeout > 0 {
		conf.HandshakeIdleTimeout = handshakeTimeout
	}
	return conf
}

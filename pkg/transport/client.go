package transport

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// DefaultDialTimeout bounds Probe when ctx has no deadline.
	DefaultDialTimeout = 10 * time.Second

	// ProbeLinger is how long Probe waits for the server to end the
	// connection before closing it itself.
	ProbeLinger = 2 * time.Second
)

// Dial opens a QUIC connection to address and completes the handshake.
func Dial(ctx context.Context, address string, cfg ClientTLSConfig) (*quic.Conn, error) {
	conn, err := quic.DialAddr(ctx, address, NewClientTLSConfig(cfg), &quic.Config{})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

// ProbeResult describes a connection made by Probe.
type ProbeResult struct {
	LocalAddr  net.Addr
	RemoteAddr net.Addr
	Protocol   string
	TLSVersion uint16
	Elapsed    time.Duration

	// PeerCertificates is the chain the server presented, leaf first.
	PeerCertificates []*x509.Certificate

	// ServerClosed is set when the server ended the connection within
	// ProbeLinger; CloseCode is the application code it used.
	ServerClosed bool
	CloseCode    quic.ApplicationErrorCode
}

// Probe connects to address, records what was negotiated and closes the
// connection again.
func Probe(ctx context.Context, address string, cfg ClientTLSConfig) (ProbeResult, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultDialTimeout)
		defer cancel()
	}

	start := time.Now()
	conn, err := Dial(ctx, address, cfg)
	if err != nil {
		return ProbeResult{}, err
	}
	defer conn.CloseWithError(CodeNoError, "")

	state := conn.ConnectionState().TLS
	result := ProbeResult{
		LocalAddr:  conn.LocalAddr(),
		RemoteAddr: conn.RemoteAddr(),
		Protocol:   NegotiatedProtocol(state),
		TLSVersion: state.Version,
		Elapsed:    time.Since(start),

		PeerCertificates: state.PeerCertificates,
	}

	// Closing right away could race our last handshake flight.
	linger := time.NewTimer(ProbeLinger)
	defer linger.Stop()
	select {
	case <-conn.Context().Done():
		var appErr *quic.ApplicationError
		if errors.As(context.Cause(conn.Context()), &appErr) && appErr.Remote {
			result.ServerClosed = true
			result.CloseCode = appErr.ErrorCode
		}
	case <-linger.C:
	case <-ctx.Done():
	}
	return result, nil
}

package transport

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/spork-protocol/spork-go/pkg/log"
)

// ErrHandshakeTimeout is the cause reported when HandshakeTimeout expires.
var ErrHandshakeTimeout = errors.New("handshake timeout")

// handshakeConn is the part of *quic.Conn a connection handler uses.
type handshakeConn interface {
	HandshakeComplete() <-chan struct{}
	Context() context.Context
	ConnectionState() quic.ConnectionState
	RemoteAddr() net.Addr
	CloseWithError(quic.ApplicationErrorCode, string) error
}

var _ handshakeConn = (*quic.Conn)(nil)

// handleConnection owns conn for its whole life. Failures are logged and
// never returned.
func (s *Server) handleConnection(ctx context.Context, conn handshakeConn, id string, accepted time.Time) {
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Str("conn_id", id).Str("remote", remote).Logger()

	if err := awaitHandshake(ctx, conn, s.config.HandshakeTimeout); err != nil {
		if ctx.Err() != nil && s.closed.Load() {
			logger.Debug().Err(err).Msg("connection abandoned at shutdown")
			_ = conn.CloseWithError(CodeShutdown, "server shutting down")
		} else {
			logger.Error().Err(err).Msg("connection failed")
			_ = conn.CloseWithError(CodeNoError, "")
		}
		s.logError(id, remote, log.StageHandshake, err)
		s.logConnState(id, remote, log.StateAccepted, log.StateFailed, err.Error())
		return
	}

	state := conn.ConnectionState().TLS
	protocol := NegotiatedProtocol(state)
	elapsed := time.Since(accepted)

	logger = logger.With().Str("protocol", protocol).Logger()
	ctx = logger.WithContext(ctx)

	zerolog.Ctx(ctx).Info().
		Dur("handshake", elapsed).
		Str("sni", state.ServerName).
		Msg("connection established")

	s.events.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: id,
		Category:     log.CategoryHandshake,
		RemoteAddr:   remote,
		LocalAddr:    s.localAddr(),
		Handshake: &log.HandshakeEvent{
			Protocol:    protocol,
			TLSVersion:  state.Version,
			CipherSuite: state.CipherSuite,
			ServerName:  state.ServerName,
			Duration:    elapsed,
		},
	})
	s.logConnState(id, remote, log.StateAccepted, log.StateEstablished, "")

	if s.config.OnConnection != nil {
		s.config.OnConnection(ctx, ConnectionInfo{
			ID:         id,
			RemoteAddr: conn.RemoteAddr(),
			Protocol:   protocol,
			TLS:        state,
		})
	}

	// No application protocol is spoken yet.
	_ = conn.CloseWithError(CodeNoError, "")
	zerolog.Ctx(ctx).Debug().Msg("connection closed")
	s.logConnState(id, remote, log.StateEstablished, log.StateClosed, "")
}

// awaitHandshake blocks until the handshake completes, the connection dies,
// ctx is cancelled, or timeout (if non-zero) expires.
func awaitHandshake(ctx context.Context, conn handshakeConn, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrHandshakeTimeout)
		defer cancel()
	}

	select {
	case <-conn.HandshakeComplete():
		return nil
	case <-conn.Context().Done():
		// A connection closed right after completing is still a success.
		select {
		case <-conn.HandshakeComplete():
			return nil
		default:
		}
		return context.Cause(conn.Context())
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/spork-protocol/spork-go/pkg/cert"
	"github.com/spork-protocol/spork-go/pkg/log"
)

// DefaultAddress is the listen address used when none is configured.
const DefaultAddress = "[::1]:4433"

// Server errors.
var (
	ErrBind          = errors.New("could not bind endpoint")
	ErrNotListening  = errors.New("server is not listening")
	ErrServerRunning = errors.New("server already running")

	// ErrConnectionLimit is recorded for attempts refused by MaxConnections.
	ErrConnectionLimit = errors.New("connection limit reached")
)

// ConnectionInfo describes an established connection.
type ConnectionInfo struct {
	// ID is the identifier used in logs and events.
	ID string

	// RemoteAddr is the peer address.
	RemoteAddr net.Addr

	// Protocol is the negotiated ALPN identifier, or NoProtocol.
	Protocol string

	// TLS is the handshake result.
	TLS tls.ConnectionState
}

// ServerConfig configures a spork endpoint.
type ServerConfig struct {
	// Address to listen on (e.g., "[::1]:4433" or "127.0.0.1:0").
	Address string

	// Identity is presented to every peer.
	Identity *cert.Identity

	// ALPNProtocol is the single advertised application protocol.
	ALPNProtocol string

	// MaxConnections bounds the number of connection handlers in flight.
	// Zero means unlimited. Attempts arriving while the limit is reached
	// are refused.
	MaxConnections int

	// HandshakeTimeout bounds how long a handler waits for the handshake.
	// Zero leaves it to the transport's idle timeout.
	HandshakeTimeout time.Duration

	// Logger for operational logging (optional).
	Logger *zerolog.Logger

	// EventLogger receives the connection event trace (optional).
	EventLogger log.Logger

	// OnConnection is called from the connection's handler once the
	// handshake has completed. ctx carries the connection logger.
	OnConnection func(ctx context.Context, info ConnectionInfo)
}

// Server accepts QUIC connections and hands each one to its own handler.
type Server struct {
	config    ServerConfig
	transport ServerTransportConfig
	logger    zerolog.Logger
	events    log.Logger

	mu       sync.Mutex
	listener *quic.EarlyListener
	ctx      context.Context
	cancel   context.CancelFunc

	tasks   errgroup.Group
	running atomic.Bool
	closed  atomic.Bool
	active  atomic.Int64
}

// NewServer validates config and builds the shared transport configuration.
// Errors wrap ErrConfig.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Address == "" {
		config.Address = DefaultAddress
	}
	if config.ALPNProtocol == "" {
		config.ALPNProtocol = DefaultALPN
	}
	if config.MaxConnections < 0 {
		return nil, fmt.Errorf("%w: negative connection limit", ErrConfig)
	}
	if config.HandshakeTimeout < 0 {
		return nil, fmt.Errorf("%w: negative handshake timeout", ErrConfig)
	}

	tlsConf, err := NewServerTLSConfig(config.Identity, config.ALPNProtocol)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	var events log.Logger = log.NoopLogger{}
	if config.EventLogger != nil {
		events = config.EventLogger
	}

	s := &Server{
		config: config,
		transport: ServerTransportConfig{
			TLS:  tlsConf,
			QUIC: NewQUICConfig(config.HandshakeTimeout),
		},
		logger: logger,
		events: events,
	}
	if config.MaxConnections > 0 {
		s.tasks.SetLimit(config.MaxConnections)
	}
	return s, nil
}

// Listen binds the endpoint. Errors wrap ErrBind and are not retried.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return ErrServerRunning
	}

	listener, err := quic.ListenAddrEarly(s.config.Address, s.transport.TLS, s.transport.QUIC)
	if err != nil {
		return fmt.Errorf("%w on %s: %w", ErrBind, s.config.Address, err)
	}
	s.listener = listener

	s.logger.Info().
		Str("addr", listener.Addr().String()).
		Str("alpn", s.config.ALPNProtocol).
		Msg("listening")
	s.logListenerState("", log.StateListening, "")

	return nil
}

// Serve runs the accept loop until the listener is closed or ctx is
// cancelled, then waits for in-flight handlers. Deliberate closure is not
// an error.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listener := s.listener
	if listener == nil {
		s.mu.Unlock()
		return ErrNotListening
	}
	if !s.running.CompareAndSwap(false, true) {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	serveCtx := s.ctx
	s.mu.Unlock()

	stop := context.AfterFunc(serveCtx, func() { _ = s.Close() })
	defer stop()

	var serveErr error
	for {
		conn, err := listener.Accept(serveCtx)
		if err != nil {
			if !s.closed.Load() && !errors.Is(err, quic.ErrServerClosed) && serveCtx.Err() == nil {
				s.logger.Error().Err(err).Msg("accept failed")
				s.logError("", "", log.StageAccept, err)
				serveErr = fmt.Errorf("accept: %w", err)
			}
			break
		}
		s.dispatch(serveCtx, conn)
	}

	_ = s.Close()
	_ = s.tasks.Wait()

	s.logListenerState(log.StateListening, log.StateClosed, "")
	s.logger.Info().Msg("listener closed")

	return serveErr
}

// dispatch hands conn to its own task and returns immediately.
func (s *Server) dispatch(ctx context.Context, conn *quic.Conn) {
	id := uuid.NewString()
	accepted := time.Now()
	remote := conn.RemoteAddr().String()

	s.logConnState(id, remote, "", log.StateAccepted, "")

	started := s.tasks.TryGo(func() error {
		s.active.Add(1)
		defer s.active.Add(-1)
		s.handleConnection(ctx, conn, id, accepted)
		return nil
	})
	if started {
		return
	}

	_ = conn.CloseWithError(CodeRefused, ErrConnectionLimit.Error())
	s.logger.Warn().
		Str("conn_id", id).
		Str("remote", remote).
		Int("limit", s.config.MaxConnections).
		Msg("connection refused")
	s.logError(id, remote, log.StageAdmission, ErrConnectionLimit)
	s.logConnState(id, remote, log.StateAccepted, log.StateRefused, ErrConnectionLimit.Error())
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of connection handlers in flight.
func (s *Server) ActiveConnections() int {
	return int(s.active.Load())
}

// Close stops accepting connections and cancels in-flight handlers.
// It is safe to call more than once.
func (s *Server) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	listener, cancel := s.listener, s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		return listener.Close()
	}
	return nil
}

// Run builds a server from config, binds it and serves until ctx is
// cancelled. Only configuration and bind failures are returned.
func Run(ctx context.Context, config ServerConfig) error {
	s, err := NewServer(config)
	if err != nil {
		return err
	}
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) localAddr() string {
	if addr := s.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

func (s *Server) logListenerState(oldState, newState, reason string) {
	s.events.Log(log.Event{
		Timestamp: time.Now(),
		Category:  log.CategoryState,
		LocalAddr: s.localAddr(),
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityListener,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (s *Server) logConnState(connID, remote, oldState, newState, reason string) {
	s.events.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Category:     log.CategoryState,
		RemoteAddr:   remote,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: oldState,
			NewState: newState,
			Reason:   reason,
		},
	})
}

func (s *Server) logError(connID, remote string, stage log.ErrorStage, err error) {
	data := &log.ErrorEventData{
		Stage:   stage,
		Message: err.Error(),
	}
	var appErr *quic.ApplicationError
	var transportErr *quic.TransportError
	switch {
	case errors.As(err, &appErr):
		code := uint64(appErr.ErrorCode)
		data.Code = &code
	case errors.As(err, &transportErr):
		code := uint64(transportErr.ErrorCode)
		data.Code = &code
	}

	s.events.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Category:     log.CategoryError,
		RemoteAddr:   remote,
		LocalAddr:    s.localAddr(),
		Error:        data,
	})
}

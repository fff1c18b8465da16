package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spork-protocol/spork-go/pkg/cert"
	"github.com/spork-protocol/spork-go/pkg/log"
)

// fakeConn drives a connection handler without a network.
type fakeConn struct {
	handshake chan struct{}
	ctx       context.Context
	cancel    context.CancelCauseFunc
	state     tls.ConnectionState
	remote    net.Addr

	mu     sync.Mutex
	closed bool
	code   quic.ApplicationErrorCode
}

func newFakeConn() *fakeConn {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &fakeConn{
		handshake: make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		remote:    &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000},
	}
}

func (c *fakeConn) HandshakeComplete() <-chan struct{} { return c.handshake }
func (c *fakeConn) Context() context.Context           { return c.ctx }
func (c *fakeConn) RemoteAddr() net.Addr               { return c.remote }

func (c *fakeConn) ConnectionState() quic.ConnectionState {
	return quic.ConnectionState{TLS: c.state}
}

func (c *fakeConn) CloseWithError(code quic.ApplicationErrorCode, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.code = code
	c.cancel(errors.New("closed locally"))
	return nil
}

func (c *fakeConn) closedWith() (bool, quic.ApplicationErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

type eventRecorder struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *eventRecorder) Log(e log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) newStates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.StateChange != nil {
			out = append(out, e.StateChange.NewState)
		}
	}
	return out
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func newTestServer(t *testing.T, config ServerConfig) (*Server, *eventRecorder, *lockedBuffer) {
	t.Helper()

	id, err := cert.GenerateSelfSigned("localhost")
	require.NoError(t, err)

	out := &lockedBuffer{}
	logger := zerolog.New(out)
	events := &eventRecorder{}

	config.Identity = id
	config.Logger = &logger
	config.EventLogger = events

	s, err := NewServer(config)
	require.NoError(t, err)
	return s, events, out
}

func TestHandleConnectionNoProtocol(t *testing.T) {
	var got ConnectionInfo
	s, events, out := newTestServer(t, ServerConfig{
		OnConnection: func(ctx context.Context, info ConnectionInfo) {
			got = info
		},
	})

	conn := newFakeConn()
	close(conn.handshake)

	s.handleConnection(context.Background(), conn, "conn-1", time.Now())

	assert.Equal(t, NoProtocol, got.Protocol)
	assert.Equal(t, "conn-1", got.ID)
	assert.Contains(t, out.String(), `"protocol":"<none>"`)
	assert.Contains(t, out.String(), `"remote":"127.0.0.1:50000"`)
	assert.Equal(t, []string{log.StateEstablished, log.StateClosed}, events.newStates())

	closed, code := conn.closedWith()
	assert.True(t, closed)
	assert.Equal(t, CodeNoError, code)
}

func TestHandleConnectionNegotiatedProtocol(t *testing.T) {
	var got ConnectionInfo
	s, _, out := newTestServer(t, ServerConfig{
		OnConnection: func(ctx context.Context, info ConnectionInfo) {
			zerolog.Ctx(ctx).Info().Msg("inside hook")
			got = info
		},
	})

	conn := newFakeConn()
	conn.state = tls.ConnectionState{NegotiatedProtocol: "hq-29", Version: tls.VersionTLS13}
	close(conn.handshake)

	s.handleConnection(context.Background(), conn, "conn-2", time.Now())

	assert.Equal(t, "hq-29", got.Protocol)
	assert.Contains(t, out.String(), `"protocol":"hq-29","message":"inside hook"`)
}

func TestHandleConnectionFailure(t *testing.T) {
	called := false
	s, events, out := newTestServer(t, ServerConfig{
		OnConnection: func(context.Context, ConnectionInfo) { called = true },
	})

	conn := newFakeConn()
	conn.cancel(&quic.TransportError{ErrorCode: quic.TransportErrorCode(0x178), ErrorMessage: "no application protocol"})

	s.handleConnection(context.Background(), conn, "conn-3", time.Now())

	assert.False(t, called)
	assert.Contains(t, out.String(), `"message":"connection failed"`)
	assert.Contains(t, out.String(), `"conn_id":"conn-3"`)
	assert.Equal(t, []string{log.StateFailed}, events.newStates())

	events.mu.Lock()
	defer events.mu.Unlock()
	var errEvent *log.ErrorEventData
	for _, e := range events.events {
		if e.Error != nil {
			errEvent = e.Error
		}
	}
	require.NotNil(t, errEvent)
	assert.Equal(t, log.StageHandshake, errEvent.Stage)
	require.NotNil(t, errEvent.Code)
	assert.Equal(t, uint64(quic.TransportErrorCode(0x178)), *errEvent.Code)
}

func TestHandleConnectionTimeout(t *testing.T) {
	s, events, out := newTestServer(t, ServerConfig{HandshakeTimeout: 20 * time.Millisecond})

	conn := newFakeConn()
	s.handleConnection(context.Background(), conn, "conn-4", time.Now())

	assert.Contains(t, out.String(), ErrHandshakeTimeout.Error())
	assert.Equal(t, []string{log.StateFailed}, events.newStates())

	closed, _ := conn.closedWith()
	assert.True(t, closed)
}

func TestAwaitHandshake(t *testing.T) {
	t.Run("complete", func(t *testing.T) {
		conn := newFakeConn()
		close(conn.handshake)
		assert.NoError(t, awaitHandshake(context.Background(), conn, 0))
	})

	t.Run("completed then closed", func(t *testing.T) {
		conn := newFakeConn()
		close(conn.handshake)
		conn.cancel(errors.New("peer went away"))
		assert.NoError(t, awaitHandshake(context.Background(), conn, 0))
	})

	t.Run("connection error", func(t *testing.T) {
		cause := errors.New("handshake failed")
		conn := newFakeConn()
		conn.cancel(cause)
		assert.ErrorIs(t, awaitHandshake(context.Background(), conn, 0), cause)
	})

	t.Run("timeout", func(t *testing.T) {
		err := awaitHandshake(context.Background(), newFakeConn(), 10*time.Millisecond)
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := awaitHandshake(ctx, newFakeConn(), 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

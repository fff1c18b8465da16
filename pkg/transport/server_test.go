package transport_test

import (
	"bufio"
	"bytes"
	"context"
	"crypto/x509"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/spork-protocol/spork-go/pkg/log"
	"github.com/spork-protocol/spork-go/pkg/transport"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of a server.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

// lines decodes every JSON log line written so far.
func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	data := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	var out []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var line map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("log line %q is not JSON: %v", scanner.Text(), err)
		}
		out = append(out, line)
	}
	return out
}

// recordingEvents keeps every event it is given.
type recordingEvents struct {
	mu     sync.Mutex
	events []log.Event
}

func (r *recordingEvents) Log(event log.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingEvents) connStates(newState string) []log.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []log.Event
	for _, e := range r.events {
		if e.StateChange != nil && e.StateChange.Entity == log.StateEntityConnection && e.StateChange.NewState == newState {
			out = append(out, e)
		}
	}
	return out
}

func (r *recordingEvents) errorEvents(connID string) []*log.ErrorEventData {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*log.ErrorEventData
	for _, e := range r.events {
		if e.Error != nil && e.ConnectionID == connID {
			out = append(out, e.Error)
		}
	}
	return out
}

// startServer binds config on a random loopback port and serves it until
// the test ends.
func startServer(t *testing.T, config transport.ServerConfig) *transport.Server {
	t.Helper()

	if config.Address == "" {
		config.Address = "127.0.0.1:0"
	}
	if config.Identity == nil {
		config.Identity = generateIdentity(t)
	}

	server, err := transport.NewServer(config)
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return server
}

func clientConfig(alpn ...string) transport.ClientTLSConfig {
	if len(alpn) == 0 {
		alpn = []string{transport.DefaultALPN}
	}
	return transport.ClientTLSConfig{
		ALPN:               alpn,
		ServerName:         "localhost",
		InsecureSkipVerify: true,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func port(t *testing.T, addr net.Addr) int {
	t.Helper()
	_, p, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("SplitHostPort(%s) error = %v", addr, err)
	}
	n, err := strconv.Atoi(p)
	if err != nil {
		t.Fatalf("port %q: %v", p, err)
	}
	return n
}

func TestServerEstablishesConnection(t *testing.T) {
	var out syncBuffer
	logger := zerolog.New(&out)

	infos := make(chan transport.ConnectionInfo, 1)
	server := startServer(t, transport.ServerConfig{
		Logger: &logger,
		OnConnection: func(ctx context.Context, info transport.ConnectionInfo) {
			zerolog.Ctx(ctx).Info().Msg("hook")
			infos <- info
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := transport.Probe(ctx, server.Addr().String(), clientConfig())
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.Protocol != "hq-29" {
		t.Errorf("client Protocol = %q, want hq-29", result.Protocol)
	}
	if !result.ServerClosed || result.CloseCode != transport.CodeNoError {
		t.Errorf("server close = %v/%d, want closed with CodeNoError", result.ServerClosed, result.CloseCode)
	}

	var info transport.ConnectionInfo
	select {
	case info = <-infos:
	case <-ctx.Done():
		t.Fatal("OnConnection was not called")
	}

	if info.Protocol != "hq-29" {
		t.Errorf("server Protocol = %q, want hq-29", info.Protocol)
	}
	if got, want := port(t, info.RemoteAddr), port(t, result.LocalAddr); got != want {
		t.Errorf("remote port = %d, want client port %d", got, want)
	}
	if info.ID == "" {
		t.Error("connection ID should be set")
	}

	remote := info.RemoteAddr.String()
	waitFor(t, "connection log", func() bool {
		for _, line := range out.lines(t) {
			if line["message"] == "connection established" {
				return true
			}
		}
		return false
	})

	for _, line := range out.lines(t) {
		switch line["message"] {
		case "connection established", "hook":
			if line["remote"] != remote {
				t.Errorf("%s: remote = %v, want %s", line["message"], line["remote"], remote)
			}
			if line["protocol"] != "hq-29" {
				t.Errorf("%s: protocol = %v, want hq-29", line["message"], line["protocol"])
			}
			if line["conn_id"] != info.ID {
				t.Errorf("%s: conn_id = %v, want %s", line["message"], line["conn_id"], info.ID)
			}
		}
	}
}

func TestServerCustomALPN(t *testing.T) {
	server := startServer(t, transport.ServerConfig{ALPNProtocol: "spork/1"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := transport.Probe(ctx, server.Addr().String(), clientConfig("h3", "spork/1"))
	if err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	if result.Protocol != "spork/1" {
		t.Errorf("Protocol = %q, want spork/1", result.Protocol)
	}
}

// TestServerFailureIsolation verifies a failing handshake does not disturb
// the accept loop or other connections.
func TestServerFailureIsolation(t *testing.T) {
	const (
		clients   = 8
		wrongALPN = 2
		untrusted = 5
	)

	var established atomic.Int32
	events := &recordingEvents{}
	server := startServer(t, transport.ServerConfig{
		EventLogger: events,
		OnConnection: func(context.Context, transport.ConnectionInfo) {
			established.Add(1)
		},
	})
	addr := server.Addr().String()

	// Garbage datagrams are dropped by the transport.
	raw, err := net.Dial("udp", addr)
	if err != nil {
		t.Fatalf("Dial udp: %v", err)
	}
	_, _ = raw.Write([]byte("definitely not quic"))
	raw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errs := make([]error, clients)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cfg := clientConfig()
			switch i {
			case wrongALPN:
				// Rejected while the server reads the ClientHello, before Accept.
				cfg = clientConfig("h3")
			case untrusted:
				// Accepted, then aborted by the client when the server's
				// certificate does not verify.
				cfg.InsecureSkipVerify = false
				cfg.RootCAs = x509.NewCertPool()
			}
			_, errs[i] = transport.Probe(ctx, addr, cfg)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if i == wrongALPN || i == untrusted {
			if err == nil {
				t.Errorf("client %d should fail", i)
			}
			continue
		}
		if err != nil {
			t.Errorf("client %d: %v", i, err)
		}
	}

	waitFor(t, "established connections", func() bool {
		return established.Load() == clients-2
	})
	waitFor(t, "failed handshake", func() bool {
		return len(events.connStates(log.StateFailed)) == 1
	})
	failed := events.connStates(log.StateFailed)[0]
	if failed.StateChange.OldState != log.StateAccepted {
		t.Errorf("failed connection came from %q, want %q", failed.StateChange.OldState, log.StateAccepted)
	}
	if errs := events.errorEvents(failed.ConnectionID); len(errs) != 1 || errs[0].Stage != log.StageHandshake {
		t.Errorf("error events for failed connection = %+v, want one handshake error", errs)
	}

	// The listener still accepts after the failures.
	if _, err := transport.Probe(ctx, addr, clientConfig()); err != nil {
		t.Fatalf("Probe after failure: %v", err)
	}
	waitFor(t, "late connection", func() bool {
		return established.Load() == clients-1
	})
}

func TestServerRefusesOverLimit(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	events := &recordingEvents{}

	server := startServer(t, transport.ServerConfig{
		MaxConnections: 1,
		EventLogger:    events,
		OnConnection: func(context.Context, transport.ConnectionInfo) {
			entered <- struct{}{}
			<-release
		},
	})
	defer close(release)
	addr := server.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := transport.Dial(ctx, addr, clientConfig())
	if err != nil {
		t.Fatalf("first Dial: %v", err)
	}
	defer first.CloseWithError(0, "")

	select {
	case <-entered:
	case <-ctx.Done():
		t.Fatal("first connection never reached its handler")
	}
	if n := server.ActiveConnections(); n != 1 {
		t.Errorf("ActiveConnections() = %d, want 1", n)
	}

	// The second attempt may finish its side of the handshake before the
	// refusal arrives, so the outcome is read from the server's events.
	second, err := transport.Dial(ctx, addr, clientConfig())
	if err == nil {
		defer second.CloseWithError(0, "")
	}

	waitFor(t, "refusal", func() bool {
		return len(events.connStates(log.StateRefused)) == 1
	})

	select {
	case <-entered:
		t.Error("refused connection reached its handler")
	default:
	}
}

func TestServerBindError(t *testing.T) {
	taken, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket: %v", err)
	}
	defer taken.Close()

	server, err := transport.NewServer(transport.ServerConfig{
		Address:  taken.LocalAddr().String(),
		Identity: generateIdentity(t),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	err = server.Listen()
	if !errors.Is(err, transport.ErrBind) {
		t.Fatalf("Listen() error = %v, want ErrBind", err)
	}
	if server.Addr() != nil {
		t.Error("Addr() should be nil after a failed bind")
	}
}

func TestRunReturnsConfigError(t *testing.T) {
	err := transport.Run(context.Background(), transport.ServerConfig{Address: "127.0.0.1:0"})
	if !errors.Is(err, transport.ErrConfig) {
		t.Errorf("Run() error = %v, want ErrConfig", err)
	}
}

func TestNewServerRejectsNegativeLimits(t *testing.T) {
	id := generateIdentity(t)

	if _, err := transport.NewServer(transport.ServerConfig{Identity: id, MaxConnections: -1}); !errors.Is(err, transport.ErrConfig) {
		t.Errorf("MaxConnections -1: error = %v, want ErrConfig", err)
	}
	if _, err := transport.NewServer(transport.ServerConfig{Identity: id, HandshakeTimeout: -time.Second}); !errors.Is(err, transport.ErrConfig) {
		t.Errorf("HandshakeTimeout -1s: error = %v, want ErrConfig", err)
	}
}

func TestServeBeforeListen(t *testing.T) {
	server, err := transport.NewServer(transport.ServerConfig{Identity: generateIdentity(t)})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := server.Serve(context.Background()); !errors.Is(err, transport.ErrNotListening) {
		t.Errorf("Serve() error = %v, want ErrNotListening", err)
	}
}

func TestServerListenTwice(t *testing.T) {
	server := startServer(t, transport.ServerConfig{})
	if err := server.Listen(); !errors.Is(err, transport.ErrServerRunning) {
		t.Errorf("second Listen() error = %v, want ErrServerRunning", err)
	}
}

func TestServerRejectsUniStreams(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	server := startServer(t, transport.ServerConfig{
		OnConnection: func(context.Context, transport.ConnectionInfo) {
			entered <- struct{}{}
			<-release
		},
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := transport.Dial(ctx, server.Addr().String(), clientConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseWithError(0, "")
	<-entered

	if _, err := conn.OpenUniStream(); err == nil {
		t.Error("OpenUniStream() should fail against a zero stream limit")
	}
}

func TestServerEventTrace(t *testing.T) {
	events := &recordingEvents{}
	done := make(chan struct{}, 1)
	server := startServer(t, transport.ServerConfig{
		EventLogger: events,
		OnConnection: func(context.Context, transport.ConnectionInfo) {
			done <- struct{}{}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := transport.Probe(ctx, server.Addr().String(), clientConfig()); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}
	<-done

	waitFor(t, "closed event", func() bool {
		return len(events.connStates(log.StateClosed)) == 1
	})

	for _, state := range []string{log.StateAccepted, log.StateEstablished} {
		if n := len(events.connStates(state)); n != 1 {
			t.Errorf("%s events = %d, want 1", state, n)
		}
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	var handshakes int
	for _, e := range events.events {
		if e.Category == log.CategoryHandshake {
			handshakes++
			if e.Handshake.Protocol != "hq-29" {
				t.Errorf("handshake protocol = %q", e.Handshake.Protocol)
			}
		}
	}
	if handshakes != 1 {
		t.Errorf("handshake events = %d, want 1", handshakes)
	}
}

func TestServerCloseIdempotent(t *testing.T) {
	server, err := transport.NewServer(transport.ServerConfig{
		Address:  "127.0.0.1:0",
		Identity: generateIdentity(t),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	if err := server.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- server.Serve(context.Background()) }()

	if err := server.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil after Close", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Close")
	}
}

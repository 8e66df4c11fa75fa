package controller_test

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/rfsync/internal/controller"
	"github.com/bamsammich/rfsync/internal/registry"
	"github.com/bamsammich/rfsync/internal/upstream"
	"github.com/bamsammich/rfsync/internal/wire"
)

// fakeLocalController stands in for the IDE side of the line protocol. It
// answers REQUEST lines with answer(path) and tracks how many requests are
// waiting for their answer at once.
type fakeLocalController struct {
	answer     func(path string) byte
	cond       *sync.Cond
	lines      []string
	answers    []byte
	delay      time.Duration
	pending    int
	maxPending int
	mu         sync.Mutex
	closed     bool
	failWrites bool
}

func newFakeLocalController(answer func(string) byte) *fakeLocalController {
	f := &fakeLocalController{answer: answer}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func acceptAll(string) byte { return upstream.Accept }

func (f *fakeLocalController) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return 0, io.ErrClosedPipe
	}
	for _, line := range strings.Split(strings.TrimSuffix(string(p), "\n"), "\n") {
		f.lines = append(f.lines, line)
		if path, ok := strings.CutPrefix(line, upstream.TagRequest+" "); ok {
			f.pending++
			f.maxPending = max(f.maxPending, f.pending)
			f.answers = append(f.answers, f.answer(path))
			f.cond.Broadcast()
		}
	}
	return len(p), nil
}

func (f *fakeLocalController) Read(p []byte) (int, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.answers) == 0 && !f.closed {
		f.cond.Wait()
	}
	if len(f.answers) == 0 {
		return 0, io.EOF
	}
	p[0] = f.answers[0]
	f.answers = f.answers[1:]
	f.pending--
	return 1, nil
}

func (f *fakeLocalController) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.cond.Broadcast()
}

func (f *fakeLocalController) setFailWrites() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = true
}

// linesWith returns the recorded lines starting with prefix.
func (f *fakeLocalController) linesWith(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, l := range f.lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

func (f *fakeLocalController) peakPending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxPending
}

func frozenRegistry(t *testing.T, entries map[string]registry.State) *registry.Registry {
	t.Helper()
	reg := registry.New()
	reg.Begin()
	for p, s := range entries {
		reg.Insert(p, s)
	}
	require.NoError(t, reg.Freeze())
	return reg
}

func newTestSession(
	t *testing.T, entries map[string]registry.State, lc *fakeLocalController,
) *controller.Session {
	t.Helper()
	t.Cleanup(lc.Close)
	return controller.NewSession(frozenRegistry(t, entries), upstream.NewChannel(lc, lc))
}

// startServer runs a server on a loopback port until the test ends.
func startServer(
	t *testing.T, session *controller.Session, cfg controller.Config,
) (*controller.Server, <-chan error) {
	t.Helper()
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = time.Hour
	}
	srv, err := controller.NewServer(cfg, session)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		done <- srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(10 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, done
}

// dialShim connects and performs the handshake the way the shim does.
func dialShim(t *testing.T, srv *controller.Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, wire.Send(conn, wire.Package{Kind: wire.KindHandshake, Payload: "1234"}))
	return conn
}

func request(t *testing.T, conn net.Conn, path string) bool {
	t.Helper()
	require.NoError(t, wire.Send(conn, wire.Package{Kind: wire.KindRequest, Payload: path}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	reply, err := wire.Receive(conn, wire.MaxPayload)
	require.NoError(t, err)
	require.Equal(t, wire.KindReply, reply.Kind)
	return reply.ReplyOK()
}

func written(t *testing.T, conn net.Conn, path string) {
	t.Helper()
	require.NoError(t, wire.Send(conn, wire.Package{Kind: wire.KindWritten, Payload: path}))
}

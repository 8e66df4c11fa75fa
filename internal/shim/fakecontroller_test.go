package shim

import (
	"log/slog"
	"net"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/bamsammich/rfsync/internal/platform"
	"github.com/bamsammich/rfsync/internal/wire"
)

// fakeController accepts shim connections and records every package. Each
// request is answered with grant(path).
type fakeController struct {
	ln       net.Listener
	grant    func(path string) bool
	received []wire.Package
	accepted int
	mu       sync.Mutex
	// hangUp closes each connection right after the handshake.
	hangUp bool
}

func newFakeController(t *testing.T, grant func(string) bool) *fakeController {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeController{ln: ln, grant: grant}
	t.Cleanup(func() { ln.Close() })
	go f.serve()
	return f
}

func (f *fakeController) port() int {
	return f.ln.Addr().(*net.TCPAddr).Port
}

func (f *fakeController) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.accepted++
		hangUp := f.hangUp
		f.mu.Unlock()
		go f.handle(conn, hangUp)
	}
}

func (f *fakeController) handle(conn net.Conn, hangUp bool) {
	defer conn.Close()
	for {
		p, err := wire.Receive(conn, 0)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.received = append(f.received, p)
		f.mu.Unlock()

		switch {
		case p.Kind == wire.KindHandshake && hangUp:
			return
		case p.Kind == wire.KindRequest:
			reply := wire.FailReply()
			if f.grant(p.Payload) {
				reply = wire.OKReply()
			}
			if err := wire.Send(conn, reply); err != nil {
				return
			}
		}
	}
}

func (f *fakeController) packages() []wire.Package {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Package(nil), f.received...)
}

func (f *fakeController) connections() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.accepted
}

func (f *fakeController) setHangUp() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangUp = true
}

func grantAll(string) bool { return true }

// newTestGate returns a gate for a fresh controlled root and the canonical
// form of that root. The calling goroutine is pinned to its thread, since
// contexts are per OS thread.
func newTestGate(t *testing.T, port int) (*Gate, string) {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)

	root := t.TempDir()
	g := NewGate(Config{Root: root, Host: DefaultHost, Port: port}, slog.New(slog.DiscardHandler))
	t.Cleanup(g.ThreadDone)

	canon, err := platform.Canonical(root)
	require.NoError(t, err)
	require.Equal(t, canon, g.Root())
	return g, canon
}

// freePort returns a loopback port with nothing listening on it.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// roundTrip makes sure every package sent so far has been read by the fake.
func roundTrip(t *testing.T, g *Gate, root string) {
	t.Helper()
	require.True(t, g.PreOpen(atCWD, filepath.Join(root, ".sync-barrier"), ReadOnly))
}

const atCWD = unix.AT_FDCWD

// Package controller serves file synchronization decisions to the build
// hosts' interposition shims.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bamsammich/rfsync/internal/wire"
)

var (
	// ErrBind is returned when no port in the configured range is free.
	ErrBind = errors.New("cannot bind controller socket")

	// ErrUpstreamLost is returned by Serve when the keep-alive write to the
	// Local Controller fails.
	ErrUpstreamLost = errors.New("local controller channel lost")
)

const (
	// DefaultPingInterval is how often the watchdog pings the Local Controller.
	DefaultPingInterval = 5 * time.Second

	// DefaultPortRange is how many consecutive ports are tried.
	DefaultPortRange = 100

	// shutdownGrace bounds how long Serve waits for connection goroutines
	// after closing their sockets.
	shutdownGrace = 5 * time.Second
)

// Config configures a controller server.
type Config struct {
	// ExitFlag is polled by the watchdog; when the file exists the server
	// shuts down cleanly. Empty disables polling.
	ExitFlag     string
	Host         string
	Port         int
	PortRange    int
	PingInterval time.Duration
}

// Server accepts shim connections and answers them from a Session.
type Server struct {
	listener net.Listener
	session  *Session
	conns    map[net.Conn]struct{}
	cfg      Config
	mu       sync.Mutex
}

// NewServer binds the listening socket. If the configured port is taken the
// next PortRange-1 ports are tried in order.
func NewServer(cfg Config, session *Session) (*Server, error) {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.PortRange <= 0 {
		cfg.PortRange = DefaultPortRange
	}

	ln, err := listen(cfg.Host, cfg.Port, cfg.PortRange)
	if err != nil {
		return nil, err
	}
	return &Server{
		listener: ln,
		session:  session,
		conns:    make(map[net.Conn]struct{}),
		cfg:      cfg,
	}, nil
}

func listen(host string, port, attempts int) (net.Listener, error) {
	if port == 0 {
		attempts = 1
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", ErrBind, port)
	}
	var lastErr error
	for i := range attempts {
		p := port + i
		if p > 65535 {
			break
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(p)))
		if err == nil {
			return ln, nil
		}
		lastErr = err
		if !errors.Is(err, syscall.EADDRINUSE) {
			break
		}
		slog.Debug("port in use, trying next", "port", p)
	}
	return nil, fmt.Errorf("%w: %w", ErrBind, lastErr)
}

// Addr returns the listener's address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcp, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// Close releases the listening socket of a server that will not Serve.
func (s *Server) Close() error {
	return s.listener.Close()
}

// Serve accepts connections until ctx is cancelled, the exit flag appears,
// or the Local Controller channel breaks. Only the last case returns an
// error (wrapping ErrUpstreamLost).
func (s *Server) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("controller listening", "addr", s.listener.Addr(), "files", s.session.Registry.Len())

	var watchdogErr error
	var bg sync.WaitGroup
	bg.Go(func() {
		watchdogErr = s.watchdog(ctx)
		cancel()
	})

	// Shutdown goroutine: when ctx is cancelled, stop the listener and drop
	// connections. Shims fail open, so there is nothing to drain.
	bg.Go(func() {
		<-ctx.Done()
		s.listener.Close()

		s.mu.Lock()
		defer s.mu.Unlock()
		for conn := range s.conns {
			conn.Close()
		}
	})

	var connWg sync.WaitGroup
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			conn.Close()
			break
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		connWg.Go(func() {
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
			}()
			s.handleConn(conn)
		})
	}

	cancel()
	bg.Wait()
	if !waitTimeout(&connWg, shutdownGrace) {
		// A connection is stuck in a Local Controller round trip.
		slog.Warn("connections still busy at shutdown")
	}
	return watchdogErr
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// handleConn serves one shim connection: a handshake followed by any number
// of request and written packages.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	st := s.session.Stats
	st.ConnOpened()
	defer st.ConnClosed()

	remote := conn.RemoteAddr().String()

	hello, err := wire.Receive(conn, wire.MaxPayload)
	if err != nil {
		if !errors.Is(err, wire.ErrReset) {
			st.AddProtocolErrors(1)
			slog.Warn("handshake failed", "remote", remote, "error", err)
		}
		return
	}
	if hello.Kind != wire.KindHandshake {
		st.AddProtocolErrors(1)
		slog.Warn("expected handshake", "remote", remote, "kind", hello.Kind)
		return
	}
	peer := hello.Payload
	slog.Debug("client connected", "remote", remote, "peer", peer)

	for {
		pkg, err := wire.Receive(conn, wire.MaxPayload)
		if errors.Is(err, wire.ErrReset) {
			slog.Debug("client disconnected", "peer", peer)
			return
		}
		if err != nil {
			st.AddProtocolErrors(1)
			slog.Warn("receive failed", "peer", peer, "error", err)
			return
		}

		switch pkg.Kind {
		case wire.KindRequest:
			reply := wire.FailReply()
			if s.session.Request(pkg.Payload) {
				reply = wire.OKReply()
			}
			if err := wire.Send(conn, reply); err != nil {
				slog.Warn("send reply", "peer", peer, "path", pkg.Payload, "error", err)
				return
			}
		case wire.KindWritten:
			s.session.Written(pkg.Payload)
		default:
			st.AddProtocolErrors(1)
			slog.Warn("unexpected package", "peer", peer, "kind", pkg.Kind)
			return
		}
	}
}

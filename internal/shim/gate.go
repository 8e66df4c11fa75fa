package shim

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/bamsammich/rfsync/internal/platform"
	"github.com/bamsammich/rfsync/internal/wire"
)

// Warnings are limited so a dead controller does not flood the build log
// with one line per open.
const (
	warnEvery = time.Second
	warnBurst = 5
)

// Gate answers the pre- and post-open hooks for one process.
type Gate struct {
	store *Store
	log   *slog.Logger
	warns *rate.Limiter
	root  string
	host  string
	port  int
}

// NewGate builds a gate for cfg. The root is canonicalized once here.
func NewGate(cfg Config, logger *slog.Logger) *Gate {
	root, err := platform.CanonicalMissing(cfg.Root)
	if err != nil {
		root = filepath.Clean(cfg.Root)
		logger.Warn("controlled root not resolvable", "root", cfg.Root, "error", err)
	}
	return &Gate{
		store: NewStore(),
		log:   logger,
		warns: rate.NewLimiter(rate.Every(warnEvery), warnBurst),
		root:  root,
		host:  cfg.Host,
		port:  cfg.Port,
	}
}

// Root returns the canonical controlled directory.
func (g *Gate) Root() string { return g.root }

// Store exposes the per-thread contexts.
func (g *Gate) Store() *Store { return g.store }

// PreOpen reports whether an open of path (relative to dirfd) may proceed.
// Only a failure reply from the controller denies; every local or transport
// problem allows the call.
func (g *Gate) PreOpen(dirfd int, path string, in Intent) bool {
	c := g.store.Get()
	if !c.enter() {
		return true
	}
	defer c.leave()

	if in.Truncate {
		return true
	}
	p, ok := g.controlled(dirfd, path)
	if !ok {
		return true
	}
	conn := g.connect(c)
	if conn == nil {
		return true
	}

	if err := wire.Send(conn, wire.Package{Kind: wire.KindRequest, Payload: p}); err != nil {
		g.fail(c, "send request", p, err)
		return true
	}
	reply, err := wire.Receive(conn, wire.MaxPayload)
	if err != nil {
		g.fail(c, "receive reply", p, err)
		return true
	}
	if reply.Kind != wire.KindReply {
		g.fail(c, "unexpected reply", p, nil)
		return true
	}
	if !reply.ReplyOK() {
		g.warn("access refused by controller", "path", p)
		return false
	}
	return true
}

// PostOpen tells the controller that path was opened for writing. Call it
// only after the real open succeeded.
func (g *Gate) PostOpen(dirfd int, path string, in Intent) {
	if !in.Write {
		return
	}
	c := g.store.Get()
	if !c.enter() {
		return
	}
	defer c.leave()

	p, ok := g.controlled(dirfd, path)
	if !ok {
		return
	}
	conn := g.connect(c)
	if conn == nil {
		return
	}
	if err := wire.Send(conn, wire.Package{Kind: wire.KindWritten, Payload: p}); err != nil {
		g.fail(c, "send written", p, err)
	}
}

// ThreadDone releases the calling thread's socket.
func (g *Gate) ThreadDone() {
	g.store.Release()
}

func (g *Gate) controlled(dirfd int, path string) (string, bool) {
	p, err := resolve(dirfd, path)
	if err != nil {
		g.log.Debug("cannot resolve path", "path", path, "error", err)
		return "", false
	}
	if len(p)+1 > wire.MaxPayload || !within(g.root, p) || isDir(p) {
		return "", false
	}
	return p, true
}

// connect returns the context's socket, dialing and handshaking on first
// use. Nil means the call should fail open.
func (g *Gate) connect(c *Context) *fdConn {
	switch c.state {
	case socketOpen:
		return c.conn
	case socketBroken:
		return nil
	}

	conn, err := dial(g.host, g.port)
	if err != nil {
		c.state = socketBroken
		g.warn("controller unreachable", "error", err)
		return nil
	}
	hello := wire.Package{Kind: wire.KindHandshake, Payload: strconv.Itoa(os.Getpid())}
	if err := wire.Send(conn, hello); err != nil {
		conn.Close() //nolint:errcheck // already failing
		c.state = socketBroken
		g.warn("controller handshake failed", "error", err)
		return nil
	}
	c.conn = conn
	c.state = socketOpen
	return conn
}

func (g *Gate) fail(c *Context, op, path string, err error) {
	c.markBroken()
	g.warn("controller exchange failed", "op", op, "path", path, "error", err)
}

func (g *Gate) warn(msg string, args ...any) {
	if g.warns.Allow() {
		g.log.Warn(msg, args...)
	}
}

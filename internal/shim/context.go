package shim

import (
	"sync"

	"golang.org/x/sys/unix"
)

type socketState uint8

const (
	socketUninitialized socketState = iota
	socketBroken
	socketOpen
)

func (s socketState) String() string {
	switch s {
	case socketUninitialized:
		return "uninitialized"
	case socketBroken:
		return "broken"
	case socketOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Context is the per-thread shim state: the cached controller socket and a
// re-entrancy depth. A Context is only touched by the thread that owns it.
type Context struct {
	conn  *fdConn
	depth int
	state socketState
}

// enter marks the thread as inside a hook. It returns false when the thread
// already is, in which case the caller must let the operation through
// untouched and must not call leave.
func (c *Context) enter() bool {
	c.depth++
	if c.depth > 1 {
		c.depth--
		return false
	}
	return true
}

func (c *Context) leave() { c.depth-- }

// markBroken drops the socket. The thread will not retry until its context
// is released.
func (c *Context) markBroken() {
	c.closeConn()
	c.state = socketBroken
}

func (c *Context) closeConn() {
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // nothing to do about it
		c.conn = nil
	}
}

// Store maps OS thread ids to their Context. Contexts inherited across fork
// are discarded the first time the child touches the store.
type Store struct {
	contexts map[int]*Context
	getpid   func() int
	gettid   func() int
	pid      int
	mu       sync.Mutex
}

// NewStore returns an empty store bound to the current process.
func NewStore() *Store {
	return &Store{
		contexts: make(map[int]*Context),
		getpid:   unix.Getpid,
		gettid:   gettid,
		pid:      unix.Getpid(),
	}
}

// Get returns the calling thread's context, creating it on first use.
func (s *Store) Get() *Context {
	tid := s.gettid()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkFork()
	c, ok := s.contexts[tid]
	if !ok {
		c = &Context{}
		s.contexts[tid] = c
	}
	return c
}

// Release closes and forgets the calling thread's context.
func (s *Store) Release() {
	tid := s.gettid()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkFork()
	if c, ok := s.contexts[tid]; ok {
		c.closeConn()
		delete(s.contexts, tid)
	}
}

// Len returns the number of live contexts.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// checkFork drops every context when the process id changed. The sockets
// are the parent's; closing the child's copies leaves the parent's intact.
// Caller holds s.mu.
func (s *Store) checkFork() {
	pid := s.getpid()
	if pid == s.pid {
		return
	}
	for _, c := range s.contexts {
		c.closeConn()
	}
	clear(s.contexts)
	s.pid = pid
}

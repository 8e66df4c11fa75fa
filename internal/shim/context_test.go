package shim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(pid, tid *int) *Store {
	return &Store{
		contexts: make(map[int]*Context),
		getpid:   func() int { return *pid },
		gettid:   func() int { return *tid },
		pid:      *pid,
	}
}

func TestStorePerThread(t *testing.T) {
	t.Parallel()

	pid, tid := 100, 1
	s := testStore(&pid, &tid)

	a := s.Get()
	assert.Same(t, a, s.Get())

	tid = 2
	b := s.Get()
	assert.NotSame(t, a, b)
	assert.Equal(t, 2, s.Len())
}

func TestStoreReleaseClosesSocket(t *testing.T) {
	t.Parallel()

	fc := newFakeController(t, grantAll)
	conn, err := dial(DefaultHost, fc.port())
	require.NoError(t, err)

	pid, tid := 100, 1
	s := testStore(&pid, &tid)
	c := s.Get()
	c.conn, c.state = conn, socketOpen

	tid = 2
	other := s.Get()

	tid = 1
	s.Release()
	assert.Equal(t, 1, s.Len())
	assert.Nil(t, c.conn)

	// Releasing a thread without a context is a no-op.
	tid = 3
	s.Release()
	assert.Equal(t, 1, s.Len())

	tid = 2
	assert.Same(t, other, s.Get())

	tid = 1
	fresh := s.Get()
	assert.NotSame(t, c, fresh)
	assert.Equal(t, socketUninitialized, fresh.state)
}

func TestStoreDropsContextsAfterFork(t *testing.T) {
	t.Parallel()

	fc := newFakeController(t, grantAll)
	conn, err := dial(DefaultHost, fc.port())
	require.NoError(t, err)

	pid, tid := 100, 1
	s := testStore(&pid, &tid)
	parent := s.Get()
	parent.conn, parent.state = conn, socketOpen
	tid = 2
	s.Get()
	require.Equal(t, 2, s.Len())

	// Same thread id, new process.
	pid = 101
	tid = 1
	child := s.Get()
	assert.NotSame(t, parent, child)
	assert.Equal(t, socketUninitialized, child.state)
	assert.Equal(t, 1, s.Len())
	assert.Nil(t, parent.conn)
}

func TestContextEnterLeave(t *testing.T) {
	t.Parallel()

	var c Context
	require.True(t, c.enter())
	assert.False(t, c.enter())
	assert.False(t, c.enter())
	assert.Equal(t, 1, c.depth)
	c.leave()
	assert.Zero(t, c.depth)
	assert.True(t, c.enter())
}

func TestSocketStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "uninitialized", socketUninitialized.String())
	assert.Equal(t, "broken", socketBroken.String())
	assert.Equal(t, "open", socketOpen.String())
}

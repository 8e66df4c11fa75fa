package controller_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/rfsync/internal/registry"
	"github.com/bamsammich/rfsync/internal/upstream"
)

func stateOf(t *testing.T, reg *registry.Registry, path string) registry.State {
	t.Helper()
	rec, ok := reg.Lookup(path)
	require.True(t, ok, path)
	return rec.State()
}

func TestRequestStateTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state registry.State
		want  bool
	}{
		{registry.Copied, true},
		{registry.Uncontrolled, true},
		{registry.Modified, true},
		{registry.Inexistent, true},
		{registry.Error, false},
		{registry.Initial, false},
		{registry.Directory, false},
		{registry.Pending, false},
		{registry.Link, false},
		{registry.LinkFile, false},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			t.Parallel()

			lc := newFakeLocalController(acceptAll)
			s := newTestSession(t, map[string]registry.State{"/p/f": tt.state}, lc)

			assert.Equal(t, tt.want, s.Request("/p/f"))
			assert.Equal(t, tt.state, stateOf(t, s.Registry, "/p/f"), "request must not change state")
			assert.Empty(t, lc.linesWith(upstream.TagRequest), "no upstream traffic expected")
		})
	}
}

func TestRequestUnknownPathGranted(t *testing.T) {
	t.Parallel()

	lc := newFakeLocalController(acceptAll)
	s := newTestSession(t, nil, lc)
	assert.True(t, s.Request("/not/controlled.c"))
}

func TestTouchedAcceptedBecomesCopied(t *testing.T) {
	t.Parallel()

	lc := newFakeLocalController(acceptAll)
	s := newTestSession(t, map[string]registry.State{"/p/a.c": registry.Touched}, lc)

	assert.True(t, s.Request("/p/a.c"))
	assert.Equal(t, registry.Copied, stateOf(t, s.Registry, "/p/a.c"))

	// Subsequent requests are answered locally.
	assert.True(t, s.Request("/p/a.c"))
	assert.True(t, s.Request("/p/a.c"))
	assert.Equal(t, []string{"REQUEST /p/a.c"}, lc.linesWith(upstream.TagRequest))

	snap := s.Stats.Snapshot()
	assert.Equal(t, int64(1), snap.UpstreamAsks)
	assert.Equal(t, int64(1), snap.Copied)
	assert.Equal(t, int64(3), snap.RepliesOK)
}

func TestTouchedRejectedBecomesStickyError(t *testing.T) {
	t.Parallel()

	lc := newFakeLocalController(func(string) byte { return upstream.Reject })
	s := newTestSession(t, map[string]registry.State{"/p/a.c": registry.Touched}, lc)

	assert.False(t, s.Request("/p/a.c"))
	assert.Equal(t, registry.Error, stateOf(t, s.Registry, "/p/a.c"))

	assert.False(t, s.Request("/p/a.c"))
	s.Written("/p/a.c")
	assert.Equal(t, registry.Error, stateOf(t, s.Registry, "/p/a.c"))
	assert.Len(t, lc.linesWith(upstream.TagRequest), 1)
	assert.Empty(t, lc.linesWith(upstream.TagWritten))
}

func TestTouchedUpstreamFailureStaysTouched(t *testing.T) {
	t.Parallel()

	lc := newFakeLocalController(acceptAll)
	lc.setFailWrites()
	s := newTestSession(t, map[string]registry.State{"/p/a.c": registry.Touched}, lc)

	assert.False(t, s.Request("/p/a.c"))
	assert.Equal(t, registry.Touched, stateOf(t, s.Registry, "/p/a.c"))
}

func TestWrittenTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from   registry.State
		to     registry.State
		notify bool
	}{
		{registry.Copied, registry.Modified, true},
		{registry.Uncontrolled, registry.Modified, true},
		{registry.Inexistent, registry.Modified, true},
		{registry.Initial, registry.Modified, true},
		{registry.Touched, registry.Modified, true},
		{registry.Modified, registry.Modified, false},
		{registry.Error, registry.Error, false},
		{registry.Directory, registry.Directory, false},
		{registry.Pending, registry.Pending, false},
	}

	for _, tt := range tests {
		t.Run(tt.from.String(), func(t *testing.T) {
			t.Parallel()

			lc := newFakeLocalController(acceptAll)
			s := newTestSession(t, map[string]registry.State{"/p/out.o": tt.from}, lc)

			s.Written("/p/out.o")
			assert.Equal(t, tt.to, stateOf(t, s.Registry, "/p/out.o"))
			if tt.notify {
				assert.Equal(t, []string{"WRITTEN /p/out.o"}, lc.linesWith(upstream.TagWritten))
			} else {
				assert.Empty(t, lc.linesWith(upstream.TagWritten))
			}
		})
	}
}

func TestConcurrentWrittenNotifiesOnce(t *testing.T) {
	t.Parallel()

	lc := newFakeLocalController(acceptAll)
	s := newTestSession(t, map[string]registry.State{"/p/out.o": registry.Copied}, lc)

	var wg sync.WaitGroup
	for range 16 {
		wg.Go(func() { s.Written("/p/out.o") })
	}
	wg.Wait()

	assert.Equal(t, registry.Modified, stateOf(t, s.Registry, "/p/out.o"))
	assert.Len(t, lc.linesWith(upstream.TagWritten), 1)
	assert.Equal(t, int64(16), s.Stats.Snapshot().Written)
	assert.Equal(t, int64(1), s.Stats.Snapshot().Modified)
}

func TestConcurrentRequestsSameTouchedFileAskOnce(t *testing.T) {
	t.Parallel()

	lc := newFakeLocalController(acceptAll)
	lc.delay = 20 * time.Millisecond
	s := newTestSession(t, map[string]registry.State{"/p/a.c": registry.Touched}, lc)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() { assert.True(t, s.Request("/p/a.c")) })
	}
	wg.Wait()

	assert.Len(t, lc.linesWith(upstream.TagRequest), 1)
}

func TestUpstreamRoundTripsSerialized(t *testing.T) {
	t.Parallel()

	lc := newFakeLocalController(acceptAll)
	lc.delay = 10 * time.Millisecond
	entries := map[string]registry.State{}
	paths := []string{"/p/a.c", "/p/b.c", "/p/c.c", "/p/d.c", "/p/e.c", "/p/f.c"}
	for _, p := range paths {
		entries[p] = registry.Touched
	}
	s := newTestSession(t, entries, lc)

	var wg sync.WaitGroup
	for _, p := range paths {
		wg.Go(func() { assert.True(t, s.Request(p)) })
	}
	wg.Wait()

	assert.Len(t, lc.linesWith(upstream.TagRequest), len(paths))
	assert.Equal(t, 1, lc.peakPending(), "round trips must not overlap")
}

func TestDistinctResolvedFilesDoNotBlock(t *testing.T) {
	t.Parallel()

	// The Local Controller never answers: a TOUCHED request stays in flight.
	lc := newFakeLocalController(acceptAll)
	lc.delay = time.Hour
	s := newTestSession(t, map[string]registry.State{
		"/p/slow.c": registry.Touched,
		"/p/fast.c": registry.Copied,
	}, lc)

	go s.Request("/p/slow.c")

	require.Eventually(t, func() bool {
		return len(lc.linesWith(upstream.TagRequest)) == 1
	}, 5*time.Second, 5*time.Millisecond)

	done := make(chan bool, 1)
	go func() { done <- s.Request("/p/fast.c") }()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("request for an unrelated file blocked")
	}
}

package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/rfsync/internal/registry"
)

func frozen(t *testing.T, entries map[string]registry.State) *registry.Registry {
	t.Helper()
	r := registry.New()
	r.Begin()
	for p, s := range entries {
		r.Insert(p, s)
	}
	require.NoError(t, r.Freeze())
	return r
}

func TestLookupAfterFreeze(t *testing.T) {
	t.Parallel()

	r := frozen(t, map[string]registry.State{
		"/src/b.c":   registry.Touched,
		"/src/a.c":   registry.Initial,
		"/src/inc":   registry.Directory,
		"/src/z.h":   registry.Copied,
		"/src/a.c.o": registry.Inexistent,
	})
	assert.Equal(t, 5, r.Len())

	rec, ok := r.Lookup("/src/b.c")
	require.True(t, ok)
	assert.Equal(t, "/src/b.c", rec.Path)
	assert.Equal(t, registry.Touched, rec.State())

	rec, ok = r.Lookup("/src/a.c.o")
	require.True(t, ok)
	assert.Equal(t, registry.Inexistent, rec.State())

	_, ok = r.Lookup("/src/missing.c")
	assert.False(t, ok)
	_, ok = r.Lookup("")
	assert.False(t, ok)
}

func TestRecordsSorted(t *testing.T) {
	t.Parallel()

	r := frozen(t, map[string]registry.State{
		"/c": registry.Initial,
		"/a": registry.Initial,
		"/b": registry.Initial,
	})

	var paths []string
	r.Records(func(rec *registry.Record) bool {
		paths = append(paths, rec.Path)
		return true
	})
	assert.Equal(t, []string{"/a", "/b", "/c"}, paths)
}

func TestEmptyRegistry(t *testing.T) {
	t.Parallel()

	r := frozen(t, nil)
	_, ok := r.Lookup("/anything")
	assert.False(t, ok)
	assert.Empty(t, r.Counts())
}

func TestContractViolationsPanic(t *testing.T) {
	t.Parallel()

	t.Run("lookup before freeze", func(t *testing.T) {
		t.Parallel()
		r := registry.New()
		r.Begin()
		r.Insert("/a", registry.Initial)
		assert.Panics(t, func() { r.Lookup("/a") })
	})

	t.Run("insert before begin", func(t *testing.T) {
		t.Parallel()
		r := registry.New()
		assert.Panics(t, func() { r.Insert("/a", registry.Initial) })
	})

	t.Run("insert after freeze", func(t *testing.T) {
		t.Parallel()
		r := frozen(t, nil)
		assert.Panics(t, func() { r.Insert("/a", registry.Initial) })
	})

	t.Run("begin twice", func(t *testing.T) {
		t.Parallel()
		r := registry.New()
		r.Begin()
		assert.Panics(t, r.Begin)
	})

	t.Run("freeze twice", func(t *testing.T) {
		t.Parallel()
		r := frozen(t, nil)
		assert.Panics(t, func() { _ = r.Freeze() })
	})
}

func TestFreezeRejectsDuplicates(t *testing.T) {
	t.Parallel()

	r := registry.New()
	r.Begin()
	r.Insert("/a", registry.Initial)
	r.Insert("/a", registry.Touched)
	require.ErrorIs(t, r.Freeze(), registry.ErrDuplicatePath)
	assert.False(t, r.Frozen())
}

func TestTransitionConcurrent(t *testing.T) {
	t.Parallel()

	r := frozen(t, map[string]registry.State{"/a": registry.Copied})
	rec, ok := r.Lookup("/a")
	require.True(t, ok)

	// Only one of many concurrent writers observes the COPIED → MODIFIED edge.
	var mu sync.Mutex
	edges := 0
	var wg sync.WaitGroup
	for range 32 {
		wg.Go(func() {
			rec.Transition(func(s registry.State) registry.State {
				if s != registry.Modified {
					mu.Lock()
					edges++
					mu.Unlock()
				}
				return registry.Modified
			})
		})
	}
	wg.Wait()

	assert.Equal(t, 1, edges)
	assert.Equal(t, registry.Modified, rec.State())
	assert.Equal(t, registry.Modified, rec.Swap(registry.Error))
	assert.Equal(t, map[registry.State]int{registry.Error: 1}, r.Counts())
}

func TestStateCodes(t *testing.T) {
	t.Parallel()

	for s := registry.Initial; s <= registry.Inexistent; s++ {
		got, ok := registry.ParseCode(s.Code())
		require.True(t, ok, s.String())
		assert.Equal(t, s, got)
	}
	_, ok := registry.ParseCode('z')
	assert.False(t, ok)

	assert.Equal(t, "LINK_FILE", registry.LinkFile.String())
	assert.True(t, registry.Inexistent.Resolved())
	assert.False(t, registry.Touched.Resolved())
	assert.False(t, registry.Directory.PlainFile())
}

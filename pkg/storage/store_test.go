package storage

import (
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Driver contract tests, run against every Store implementation
// =============================================================================

type storeFactory struct {
	name string
	open func(t *testing.T) Store
}

func drivers() []storeFactory {
	return []storeFactory{
		{
			name: "memory",
			open: func(t *testing.T) Store {
				return NewMemoryStore()
			},
		},
		{
			name: "badger",
			open: func(t *testing.T) Store {
				s, err := NewBadgerStoreWithOptions(BadgerOptions{DataDir: t.TempDir()})
				require.NoError(t, err)
				return s
			},
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, s Store)) {
	for _, d := range drivers() {
		t.Run(d.name, func(t *testing.T) {
			s := d.open(t)
			defer s.Shutdown()
			fn(t, s)
		})
	}
}

func sortedHandles(hs []Handle) []Handle {
	out := append([]Handle(nil), hs...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestStore_Vertices(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		v, err := s.AddVertex("a")
		require.NoError(t, err)
		require.NoError(t, s.SetProperty(v, IDKey, "a"))
		require.NoError(t, s.SetProperty(v, "name", "alice"))

		el, err := s.Read(v)
		require.NoError(t, err)
		assert.Equal(t, ClassVertex, el.Class)
		assert.Equal(t, "a", el.ID())
		assert.Equal(t, "alice", el.Properties["name"])

		id, err := LogicalID(s, v)
		require.NoError(t, err)
		assert.Equal(t, "a", id)

		require.NoError(t, s.RemoveProperty(v, "name"))
		require.NoError(t, s.RemoveProperty(v, "missing"))
		el, err = s.Read(v)
		require.NoError(t, err)
		assert.NotContains(t, el.Properties, "name")

		require.NoError(t, s.RemoveVertex(v))
		_, err = s.Read(v)
		assert.True(t, errors.Is(err, ErrNotFound))
	})
}

func TestStore_Edges(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		a, err := s.AddVertex("a")
		require.NoError(t, err)
		b, err := s.AddVertex("b")
		require.NoError(t, err)

		e, err := s.AddEdge("e", a, b, "knows")
		require.NoError(t, err)
		loop, err := s.AddEdge("loop", a, a, "self")
		require.NoError(t, err)

		el, err := s.Read(e)
		require.NoError(t, err)
		assert.Equal(t, ClassEdge, el.Class)
		assert.Equal(t, "knows", el.Label)
		assert.Equal(t, a, el.Out)
		assert.Equal(t, b, el.In)

		t.Run("incident", func(t *testing.T) {
			out, err := s.Incident(a, DirOut)
			require.NoError(t, err)
			assert.ElementsMatch(t, []Handle{e, loop}, out)

			in, err := s.Incident(b, DirIn)
			require.NoError(t, err)
			assert.Equal(t, []Handle{e}, in)

			both, err := s.Incident(a, DirBoth)
			require.NoError(t, err)
			assert.ElementsMatch(t, []Handle{e, loop}, both)
		})

		t.Run("endpoint must exist", func(t *testing.T) {
			_, err := s.AddEdge("x", a, "nope", "knows")
			assert.True(t, errors.Is(err, ErrInvalidHandle))
		})

		t.Run("removing a vertex removes incident edges", func(t *testing.T) {
			require.NoError(t, s.RemoveVertex(a))
			_, err := s.Read(e)
			assert.True(t, errors.Is(err, ErrNotFound))
			_, err = s.Read(loop)
			assert.True(t, errors.Is(err, ErrNotFound))

			in, err := s.Incident(b, DirIn)
			require.NoError(t, err)
			assert.Empty(t, in)
		})
	})
}

func TestStore_Lookup(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateKeyIndex(IDKey, ClassVertex))

		var hs []Handle
		for i, id := range []string{"a", "b", "c"} {
			h, err := s.AddVertex(id)
			require.NoError(t, err)
			require.NoError(t, s.SetProperty(h, IDKey, id))
			part := "p1"
			if i == 2 {
				part = "p2"
			}
			require.NoError(t, s.SetProperty(h, PartitionKey, part))
			hs = append(hs, h)
		}
		require.NoError(t, s.Commit())

		t.Run("indexed key", func(t *testing.T) {
			hits, err := s.Lookup(ClassVertex, map[string]any{IDKey: "b", PartitionKey: "p1"})
			require.NoError(t, err)
			assert.Equal(t, []Handle{hs[1]}, hits)
		})

		t.Run("unindexed key scans", func(t *testing.T) {
			hits, err := s.Lookup(ClassVertex, map[string]any{PartitionKey: "p1"})
			require.NoError(t, err)
			assert.Equal(t, sortedHandles(hs[:2]), sortedHandles(hits))
		})

		t.Run("wrong partition", func(t *testing.T) {
			hits, err := s.Lookup(ClassVertex, map[string]any{IDKey: "c", PartitionKey: "p1"})
			require.NoError(t, err)
			assert.Empty(t, hits)
		})

		t.Run("index follows property changes", func(t *testing.T) {
			require.NoError(t, s.SetProperty(hs[0], IDKey, "z"))
			hits, err := s.Lookup(ClassVertex, map[string]any{IDKey: "a"})
			require.NoError(t, err)
			assert.Empty(t, hits)
			hits, err = s.Lookup(ClassVertex, map[string]any{IDKey: "z"})
			require.NoError(t, err)
			assert.Equal(t, []Handle{hs[0]}, hits)
		})

		t.Run("empty match lists the class", func(t *testing.T) {
			hits, err := s.Lookup(ClassVertex, nil)
			require.NoError(t, err)
			assert.Len(t, hits, 3)
			hits, err = s.Lookup(ClassEdge, nil)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})

		t.Run("invalid class", func(t *testing.T) {
			_, err := s.Lookup(Class(9), nil)
			assert.ErrorIs(t, err, ErrInvalidClass)
		})
	})
}

func TestStore_KeyIndexes(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		v, err := s.AddVertex("a")
		require.NoError(t, err)
		require.NoError(t, s.SetProperty(v, "color", "red"))

		require.NoError(t, s.CreateKeyIndex("color", ClassVertex))
		require.NoError(t, s.CreateKeyIndex(IDKey, ClassEdge))

		keys, err := s.IndexedKeys(ClassVertex)
		require.NoError(t, err)
		assert.Equal(t, []string{"color"}, keys)

		// Backfilled from existing elements.
		hits, err := s.Lookup(ClassVertex, map[string]any{"color": "red"})
		require.NoError(t, err)
		assert.Equal(t, []Handle{v}, hits)

		require.NoError(t, s.DropKeyIndex("color", ClassVertex))
		keys, err = s.IndexedKeys(ClassVertex)
		require.NoError(t, err)
		assert.Empty(t, keys)

		hits, err = s.Lookup(ClassVertex, map[string]any{"color": "red"})
		require.NoError(t, err)
		assert.Equal(t, []Handle{v}, hits)

		assert.ErrorIs(t, s.CreateKeyIndex("x", Class(0)), ErrInvalidClass)
	})
}

func TestStore_Shutdown(t *testing.T) {
	forEachDriver(t, func(t *testing.T, s Store) {
		require.NoError(t, s.Shutdown())
		_, err := s.AddVertex("a")
		assert.ErrorIs(t, err, ErrStorageClosed)
	})
}

// =============================================================================
// Driver-specific behavior
// =============================================================================

func TestMemoryStore_Fault(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")
	s.SetFault(func(op string, h Handle) error {
		if op == "SetProperty" {
			return boom
		}
		return nil
	})

	v, err := s.AddVertex("a")
	require.NoError(t, err)
	assert.ErrorIs(t, s.SetProperty(v, "k", 1), boom)

	s.SetFault(nil)
	require.NoError(t, s.SetProperty(v, "k", 1))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Rollback())
	assert.Equal(t, 1, s.CommitCount())
	assert.Equal(t, 1, s.RollbackCount())
}

func TestMemoryStore_CountsIn(t *testing.T) {
	s := NewMemoryStore()
	a, _ := s.AddVertex("a")
	b, _ := s.AddVertex("b")
	e, _ := s.AddEdge("e", a, b, "x")
	for _, h := range []Handle{a, b, e} {
		require.NoError(t, s.SetProperty(h, PartitionKey, "g1"))
	}
	c, _ := s.AddVertex("c")
	require.NoError(t, s.SetProperty(c, PartitionKey, "g2"))

	v, ed := s.CountsIn("g1")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, ed)

	v, ed = s.Counts()
	assert.Equal(t, 3, v)
	assert.Equal(t, 1, ed)
}

func TestBadgerStore_RollbackDiscardsPending(t *testing.T) {
	s, err := NewBadgerStoreInMemory()
	require.NoError(t, err)
	defer s.Shutdown()

	v, err := s.AddVertex("a")
	require.NoError(t, err)
	require.NoError(t, s.Commit())

	require.NoError(t, s.SetProperty(v, "k", "pending"))
	el, err := s.Read(v)
	require.NoError(t, err)
	assert.Equal(t, "pending", el.Properties["k"])

	require.NoError(t, s.Rollback())
	el, err = s.Read(v)
	require.NoError(t, err)
	assert.NotContains(t, el.Properties, "k")
}

func TestBadgerStore_Reopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	v, err := s.AddVertex("a")
	require.NoError(t, err)
	require.NoError(t, s.SetProperty(v, IDKey, "a"))
	require.NoError(t, s.SetProperty(v, "n", 7))
	require.NoError(t, s.CreateKeyIndex(IDKey, ClassVertex))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Shutdown())

	s, err = NewBadgerStore(dir)
	require.NoError(t, err)
	defer s.Shutdown()

	hits, err := s.Lookup(ClassVertex, map[string]any{IDKey: "a"})
	require.NoError(t, err)
	require.Equal(t, []Handle{v}, hits)

	el, err := s.Read(v)
	require.NoError(t, err)
	// JSON round trip turns numbers into float64.
	assert.Equal(t, float64(7), el.Properties["n"])

	// Lookup compares encoded values, so int and float64 match.
	hits, err = s.Lookup(ClassVertex, map[string]any{"n": 7})
	require.NoError(t, err)
	assert.Equal(t, []Handle{v}, hits)

	w, err := s.AddVertex("b")
	require.NoError(t, err)
	assert.NotEqual(t, v, w)
}

func TestClassAndDirectionStrings(t *testing.T) {
	assert.Equal(t, "vertex", ClassVertex.String())
	assert.Equal(t, "edge", ClassEdge.String())
	assert.Equal(t, "class(7)", Class(7).String())
	assert.False(t, Class(0).Valid())
	assert.Equal(t, "out", DirOut.String())
	assert.Equal(t, "in", DirIn.String())
	assert.Equal(t, "both", DirBoth.String())
}

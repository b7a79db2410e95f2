package writebehind

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cpigraph/pkg/storage"
)

func newTestPersister(t *testing.T, store storage.Store, partition string) (*Persister, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	p := New(store, Config{Partition: partition, Logger: logger})
	t.Cleanup(func() { p.Shutdown(5 * time.Second) })
	return p, hook
}

func lookupOne(t *testing.T, s storage.Store, class storage.Class, id, partition string) *storage.Element {
	t.Helper()
	hits, err := s.Lookup(class, map[string]any{storage.IDKey: id, storage.PartitionKey: partition})
	require.NoError(t, err)
	require.Len(t, hits, 1, "%s %s", class, id)
	el, err := s.Read(hits[0])
	require.NoError(t, err)
	return el
}

func errorEntries(hook *test.Hook) []*logrus.Entry {
	var out []*logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			out = append(out, e)
		}
	}
	return out
}

func TestPersister_AppliesInStagedOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	p, _ := newTestPersister(t, store, "g")

	require.NoError(t, p.Enqueue([]Action{
		AddVertex("v"),
		AddVertex("u"),
		AddEdge("e", "v", "u", "knows"),
		SetProperty(storage.ClassVertex, "v", "k", "a"),
		SetProperty(storage.ClassVertex, "v", "k", "b"),
		Commit(),
	}))
	require.NoError(t, p.Flush(5*time.Second))

	v := lookupOne(t, store, storage.ClassVertex, "v", "g")
	u := lookupOne(t, store, storage.ClassVertex, "u", "g")
	e := lookupOne(t, store, storage.ClassEdge, "e", "g")

	assert.Equal(t, "b", v.Properties["k"])
	assert.Equal(t, "g", v.Partition())
	assert.Equal(t, v.Handle, e.Out)
	assert.Equal(t, u.Handle, e.In)
	assert.Equal(t, "knows", e.Label)
	assert.Equal(t, 1, store.CommitCount())

	stats := p.Stats()
	assert.Equal(t, uint64(1), stats.Batches)
	assert.Equal(t, uint64(6), stats.Enqueued)
	assert.Equal(t, uint64(6), stats.Applied)
	assert.Equal(t, uint64(0), stats.Failed)
}

func TestPersister_RemoveAndRecreate(t *testing.T) {
	store := storage.NewMemoryStore()
	p, _ := newTestPersister(t, store, "g")

	require.NoError(t, p.Enqueue([]Action{AddVertex("a"), AddVertex("b"), AddEdge("e", "a", "b", "x"), Commit()}))
	require.NoError(t, p.Enqueue([]Action{RemoveEdge("e"), RemoveVertex("a"), Commit()}))
	require.NoError(t, p.Enqueue([]Action{AddVertex("a"), SetProperty(storage.ClassVertex, "a", "gen", 2), Commit()}))
	require.NoError(t, p.Flush(5*time.Second))

	v, e := store.CountsIn("g")
	assert.Equal(t, 2, v)
	assert.Equal(t, 0, e)
	assert.Equal(t, 2, lookupOne(t, store, storage.ClassVertex, "a", "g").Properties["gen"])
	assert.Equal(t, uint64(0), p.Stats().Failed)
}

func TestPersister_FailureIsolation(t *testing.T) {
	t.Run("store error is logged and skipped", func(t *testing.T) {
		store := storage.NewMemoryStore()
		p, hook := newTestPersister(t, store, "g")
		boom := errors.New("disk on fire")

		require.NoError(t, p.Enqueue([]Action{AddVertex("v"), Commit()}))
		require.NoError(t, p.Flush(5*time.Second))

		store.SetFault(func(op string, h storage.Handle) error {
			if op == "SetProperty" {
				return boom
			}
			return nil
		})
		require.NoError(t, p.Enqueue([]Action{
			SetProperty(storage.ClassVertex, "v", "color", "red"),
			AddVertex("w"),
			Commit(),
		}))
		require.NoError(t, p.Flush(5*time.Second))
		store.SetFault(nil)

		entries := errorEntries(hook)
		require.NotEmpty(t, entries)
		first := entries[0]
		assert.Equal(t, "g", first.Data["graph"])
		assert.Equal(t, "set_property", first.Data["op"])
		assert.Equal(t, "vertex", first.Data["class"])
		assert.Equal(t, "v", first.Data["id"])
		assert.Equal(t, "color", first.Data["key"])
		assert.Contains(t, first.Data["error"], "disk on fire")

		// The worker kept going: Commit ran after the failures.
		assert.Equal(t, 2, store.CommitCount())
		assert.Equal(t, uint64(2), p.Stats().Failed) // set_property and the stamp of w
	})

	t.Run("panic is recovered", func(t *testing.T) {
		store := storage.NewMemoryStore()
		p, hook := newTestPersister(t, store, "g")

		store.SetFault(func(op string, h storage.Handle) error {
			if op == "AddVertex" {
				panic("driver bug")
			}
			return nil
		})
		require.NoError(t, p.Enqueue([]Action{AddVertex("v"), Commit()}))
		require.NoError(t, p.Flush(5*time.Second))

		entries := errorEntries(hook)
		require.Len(t, entries, 1)
		assert.Equal(t, "add_vertex", entries[0].Data["op"])
		assert.Equal(t, "driver bug", entries[0].Data["error"])
		assert.Equal(t, 1, store.CommitCount())
	})
}

func TestPersister_Resolution(t *testing.T) {
	t.Run("unresolved reference", func(t *testing.T) {
		store := storage.NewMemoryStore()
		p, hook := newTestPersister(t, store, "g")

		require.NoError(t, p.Enqueue([]Action{SetProperty(storage.ClassVertex, "ghost", "k", 1)}))
		require.NoError(t, p.Flush(5*time.Second))

		entries := errorEntries(hook)
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Data["error"], ErrUnresolvedReference.Error())
		assert.Equal(t, uint64(1), p.Stats().Failed)
	})

	t.Run("ambiguous reference is not resolved to the first match", func(t *testing.T) {
		store := storage.NewMemoryStore()
		for i := 0; i < 2; i++ {
			h, err := store.AddVertex("dup")
			require.NoError(t, err)
			require.NoError(t, store.SetProperty(h, storage.IDKey, "dup"))
			require.NoError(t, store.SetProperty(h, storage.PartitionKey, "g"))
		}
		p, hook := newTestPersister(t, store, "g")

		require.NoError(t, p.Enqueue([]Action{SetProperty(storage.ClassVertex, "dup", "k", 1)}))
		require.NoError(t, p.Flush(5*time.Second))

		entries := errorEntries(hook)
		require.Len(t, entries, 1)
		assert.Contains(t, entries[0].Data["error"], ErrAmbiguousReference.Error())

		hits, err := store.Lookup(storage.ClassVertex, map[string]any{"k": 1})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("partitions resolve independently", func(t *testing.T) {
		store := storage.NewMemoryStore()
		p1, _ := newTestPersister(t, store, "g1")
		p2, _ := newTestPersister(t, store, "g2")

		require.NoError(t, p1.Enqueue([]Action{AddVertex("x"), Commit()}))
		require.NoError(t, p2.Enqueue([]Action{AddVertex("x"), Commit()}))
		require.NoError(t, p1.Flush(5*time.Second))
		require.NoError(t, p2.Flush(5*time.Second))

		require.NoError(t, p1.Enqueue([]Action{SetProperty(storage.ClassVertex, "x", "who", "one")}))
		require.NoError(t, p2.Enqueue([]Action{SetProperty(storage.ClassVertex, "x", "who", "two")}))
		require.NoError(t, p1.Flush(5*time.Second))
		require.NoError(t, p2.Flush(5*time.Second))

		assert.Equal(t, "one", lookupOne(t, store, storage.ClassVertex, "x", "g1").Properties["who"])
		assert.Equal(t, "two", lookupOne(t, store, storage.ClassVertex, "x", "g2").Properties["who"])
	})

	t.Run("lookup cache serves repeat resolutions", func(t *testing.T) {
		store := storage.NewMemoryStore()
		p, _ := newTestPersister(t, store, "g")

		require.NoError(t, p.Enqueue([]Action{
			AddVertex("v"),
			SetProperty(storage.ClassVertex, "v", "a", 1),
			SetProperty(storage.ClassVertex, "v", "b", 2),
		}))
		require.NoError(t, p.Flush(5*time.Second))

		stats := p.Stats().LookupCache
		assert.Equal(t, uint64(2), stats.Hits)
		assert.Equal(t, uint64(0), stats.Misses)
	})
}

func TestPersister_Shutdown(t *testing.T) {
	t.Run("drains pending batches", func(t *testing.T) {
		store := storage.NewMemoryStore()
		logger, _ := test.NewNullLogger()
		p := New(store, Config{Partition: "g", Logger: logger})

		for i := 0; i < 50; i++ {
			require.NoError(t, p.Enqueue([]Action{AddVertex(fmt.Sprintf("v%d", i)), Commit()}))
		}
		assert.True(t, p.Shutdown(5*time.Second))
		assert.True(t, p.Closed())

		v, _ := store.CountsIn("g")
		assert.Equal(t, 50, v)
		assert.Equal(t, 50, store.CommitCount())
	})

	t.Run("enqueue after shutdown is dropped", func(t *testing.T) {
		store := storage.NewMemoryStore()
		logger, hook := test.NewNullLogger()
		p := New(store, Config{Partition: "g", Logger: logger})
		require.True(t, p.Shutdown(time.Second))

		err := p.Enqueue([]Action{AddVertex("late")})
		assert.ErrorIs(t, err, ErrPersisterClosed)
		assert.Equal(t, uint64(1), p.Stats().Dropped)
		require.NotEmpty(t, errorEntries(hook))

		_, err = p.Load(storage.ClassVertex, "late", time.Second)
		assert.ErrorIs(t, err, ErrPersisterClosed)

		// Flushing a closed, drained persister is immediate.
		assert.NoError(t, p.Flush(time.Second))
		// Shutdown is idempotent.
		assert.True(t, p.Shutdown(time.Second))
	})

	t.Run("timeout is reported, not escalated", func(t *testing.T) {
		store := storage.NewMemoryStore()
		release := make(chan struct{})
		store.SetFault(func(op string, h storage.Handle) error {
			if op == "AddVertex" {
				<-release
			}
			return nil
		})
		logger, hook := test.NewNullLogger()
		p := New(store, Config{Partition: "g", Logger: logger})
		require.NoError(t, p.Enqueue([]Action{AddVertex("slow")}))

		assert.False(t, p.Shutdown(50*time.Millisecond))
		var warned bool
		for _, e := range hook.AllEntries() {
			warned = warned || e.Level == logrus.WarnLevel
		}
		assert.True(t, warned)

		close(release)
		assert.True(t, p.Shutdown(5*time.Second))
	})
}

func TestPersister_Backpressure(t *testing.T) {
	store := storage.NewMemoryStore()
	release := make(chan struct{})
	store.SetFault(func(op string, h storage.Handle) error {
		if op == "AddVertex" {
			<-release
		}
		return nil
	})
	logger, _ := test.NewNullLogger()
	p := New(store, Config{Partition: "g", QueueSize: 1, Logger: logger})
	defer p.Shutdown(5 * time.Second)

	require.NoError(t, p.Enqueue([]Action{AddVertex("a")})) // taken by the worker
	require.Eventually(t, func() bool { return p.Stats().Pending == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, p.Enqueue([]Action{AddVertex("b")})) // fills the queue

	var returned atomic.Bool
	go func() {
		_ = p.Enqueue([]Action{AddVertex("c")})
		returned.Store(true)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, returned.Load(), "enqueue should block while the queue is full")

	close(release)
	require.Eventually(t, returned.Load, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, p.Flush(5*time.Second))
	v, _ := store.CountsIn("g")
	assert.Equal(t, 3, v)
}

func TestPersister_Load(t *testing.T) {
	store := storage.NewMemoryStore()
	p, _ := newTestPersister(t, store, "g")

	require.NoError(t, p.Enqueue([]Action{
		AddVertex("a"),
		AddVertex("b"),
		AddEdge("ab", "a", "b", "likes"),
		SetProperty(storage.ClassVertex, "a", "name", "alice"),
		SetProperty(storage.ClassEdge, "ab", "since", 2020),
		Commit(),
	}))

	// Queued behind the batch above, so no Flush is needed.
	a, err := p.Load(storage.ClassVertex, "a", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, map[string]any{"name": "alice"}, a.Properties)
	assert.Equal(t, []string{"ab"}, a.OutEdges)
	assert.Empty(t, a.InEdges)

	ab, err := p.Load(storage.ClassEdge, "ab", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "likes", ab.Label)
	assert.Equal(t, "a", ab.Out)
	assert.Equal(t, "b", ab.In)
	assert.Equal(t, 2020, ab.Properties["since"])

	_, err = p.Load(storage.ClassVertex, "missing", 5*time.Second)
	assert.ErrorIs(t, err, ErrUnresolvedReference)

	t.Run("stale cached handle", func(t *testing.T) {
		h := lookupOne(t, store, storage.ClassVertex, "b", "g").Handle
		require.NoError(t, store.RemoveVertex(h))
		_, err := p.Load(storage.ClassVertex, "b", 5*time.Second)
		assert.ErrorIs(t, err, ErrUnresolvedReference)
	})
}

func TestPersister_LoadPartition(t *testing.T) {
	store := storage.NewMemoryStore()
	writer, _ := newTestPersister(t, store, "g1")
	other, _ := newTestPersister(t, store, "g2")

	require.NoError(t, writer.Enqueue([]Action{
		AddVertex("a"), AddVertex("b"), AddEdge("ab", "a", "b", "x"),
		SetProperty(storage.ClassVertex, "a", "n", 1), Commit(),
	}))
	require.NoError(t, other.Enqueue([]Action{AddVertex("z"), Commit()}))
	require.NoError(t, writer.Flush(5*time.Second))
	require.NoError(t, other.Flush(5*time.Second))

	reader, _ := newTestPersister(t, store, "g1")
	var loaded []*Loaded
	v, e, err := reader.LoadPartition(func(l *Loaded) { loaded = append(loaded, l) })
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, e)
	require.Len(t, loaded, 3)

	// Vertices come before edges.
	assert.Equal(t, storage.ClassVertex, loaded[0].Class)
	assert.Equal(t, storage.ClassVertex, loaded[1].Class)
	edge := loaded[2]
	assert.Equal(t, storage.ClassEdge, edge.Class)
	assert.Equal(t, "a", edge.Out)
	assert.Equal(t, "b", edge.In)

	// Loaded handles are primed into the lookup cache.
	require.NoError(t, reader.Enqueue([]Action{SetProperty(storage.ClassEdge, "ab", "w", 1)}))
	require.NoError(t, reader.Flush(5*time.Second))
	assert.Equal(t, uint64(1), reader.Stats().LookupCache.Hits)
}

func TestAction_References(t *testing.T) {
	assert.True(t, AddVertex("v").References(storage.ClassVertex, "v"))
	assert.False(t, AddVertex("v").References(storage.ClassEdge, "v"))
	assert.True(t, AddEdge("e", "a", "b", "x").References(storage.ClassVertex, "b"))
	assert.True(t, SetProperty(storage.ClassEdge, "e", "k", 1).References(storage.ClassEdge, "e"))
	assert.False(t, Commit().References(storage.ClassVertex, ""))
	assert.Equal(t, "remove_property", OpRemoveProperty.String())
	assert.Equal(t, "op(99)", OpKind(99).String())
}

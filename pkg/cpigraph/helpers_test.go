package cpigraph

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cpigraph/pkg/storage"
)

const flushTimeout = 5 * time.Second

func newTestManager(t *testing.T, store storage.Store, opts *Options) (*Manager, *test.Hook) {
	t.Helper()
	logger, hook := test.NewNullLogger()
	if opts == nil {
		opts = &Options{}
	}
	opts.Logger = logger
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = flushTimeout
	}
	mgr, err := NewManager(store, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Shutdown() })
	return mgr, hook
}

func newTestGraph(t *testing.T, opts *Options) (*Graph, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	mgr, _ := newTestManager(t, store, opts)
	g, err := mgr.Graph("g")
	require.NoError(t, err)
	return g, store
}

// stored reads an element back from the SOR by logical id and partition.
func stored(t *testing.T, s storage.Store, class storage.Class, id, partition string) *storage.Element {
	t.Helper()
	hits, err := s.Lookup(class, map[string]any{storage.IDKey: id, storage.PartitionKey: partition})
	require.NoError(t, err)
	require.Len(t, hits, 1, "%s %s in %s", class, id, partition)
	el, err := s.Read(hits[0])
	require.NoError(t, err)
	return el
}

func storedCount(t *testing.T, s storage.Store, class storage.Class, id, partition string) int {
	t.Helper()
	hits, err := s.Lookup(class, map[string]any{storage.IDKey: id, storage.PartitionKey: partition})
	require.NoError(t, err)
	return len(hits)
}

func vertexIDs(vs []Vertex) []VertexID {
	ids := make([]VertexID, len(vs))
	for i, v := range vs {
		ids[i] = v.ID()
	}
	return ids
}

func edgeIDs(es []Edge) []EdgeID {
	ids := make([]EdgeID, len(es))
	for i, e := range es {
		ids[i] = e.ID()
	}
	return ids
}

// seed commits two vertices a and b joined by edge e (a -> b, "knows").
func seed(t *testing.T, g *Graph) {
	t.Helper()
	require.NoError(t, g.Update(func(tx *Tx) error {
		a, err := tx.AddVertexWithID("a")
		if err != nil {
			return err
		}
		b, err := tx.AddVertexWithID("b")
		if err != nil {
			return err
		}
		if err := a.SetProperty("name", "alice"); err != nil {
			return err
		}
		if err := b.SetProperty("name", "bob"); err != nil {
			return err
		}
		e, err := tx.AddEdgeWithID("e", a, b, "knows")
		if err != nil {
			return err
		}
		return e.SetProperty("since", "2020")
	}))
}

package cpigraph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cpigraph/pkg/storage"
)

func seedFoo(t *testing.T, g *Graph, n int) {
	t.Helper()
	require.NoError(t, g.Update(func(tx *Tx) error {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("v%d", i)
			v, err := tx.AddVertexWithID(VertexID(id))
			if err != nil {
				return err
			}
			if err := v.SetProperty("foo", id); err != nil {
				return err
			}
			if err := v.SetProperty("parity", i%2); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestQuery_IndexedKey(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	require.NoError(t, g.CreateKeyIndex(storage.ClassVertex, "foo"))
	seedFoo(t, g, 10)

	hits, err := g.Begin().VerticesWhere("foo", "v0")
	require.NoError(t, err)
	assert.Equal(t, []VertexID{"v0"}, vertexIDs(hits))

	hits, err = g.Begin().VerticesWhere("foo", "nope")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQuery_ScanKey(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	seedFoo(t, g, 6)

	hits, err := g.Begin().VerticesWhere("parity", 1)
	require.NoError(t, err)
	assert.Equal(t, []VertexID{"v1", "v3", "v5"}, vertexIDs(hits))
}

func TestQuery_SeesOwnWrites(t *testing.T) {
	for _, indexed := range []bool{true, false} {
		t.Run(fmt.Sprintf("indexed=%v", indexed), func(t *testing.T) {
			g, _ := newTestGraph(t, nil)
			if indexed {
				require.NoError(t, g.CreateKeyIndex(storage.ClassVertex, "foo"))
			}
			seedFoo(t, g, 3)

			tx := g.Begin()
			v0, _, err := tx.Vertex("v0")
			require.NoError(t, err)
			v1, _, err := tx.Vertex("v1")
			require.NoError(t, err)
			require.NoError(t, v0.SetProperty("foo", "changed"))
			require.NoError(t, v1.SetProperty("foo", "v0"))
			fresh, err := tx.AddVertexWithID("fresh")
			require.NoError(t, err)
			require.NoError(t, fresh.SetProperty("foo", "v0"))
			require.NoError(t, tx.RemoveVertex("v2"))

			hits, err := tx.VerticesWhere("foo", "v0")
			require.NoError(t, err)
			assert.Equal(t, []VertexID{"fresh", "v1"}, vertexIDs(hits))

			hits, err = tx.VerticesWhere("foo", "v2")
			require.NoError(t, err)
			assert.Empty(t, hits, "deleted vertex is hidden")

			other, err := g.Begin().VerticesWhere("foo", "v0")
			require.NoError(t, err)
			assert.Equal(t, []VertexID{"v0"}, vertexIDs(other), "other transactions see the baseline")

			tx.Commit()
			hits, err = g.Begin().VerticesWhere("foo", "v0")
			require.NoError(t, err)
			assert.Equal(t, []VertexID{"fresh", "v1"}, vertexIDs(hits))
		})
	}
}

func TestQuery_ReservedAndEmptyKeys(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	seed(t, g)
	tx := g.Begin()

	hits, err := tx.VerticesWhere(storage.IDKey, "a")
	require.NoError(t, err)
	assert.Equal(t, []VertexID{"a"}, vertexIDs(hits))

	edges, err := tx.EdgesWhere(storage.IDKey, "e")
	require.NoError(t, err)
	assert.Equal(t, []EdgeID{"e"}, edgeIDs(edges))

	hits, err = tx.VerticesWhere(storage.IDKey, "missing")
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = tx.VerticesWhere("", "a")
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, err = tx.EdgesWhere("", "a")
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestQuery_Edges(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	require.NoError(t, g.CreateKeyIndex(storage.ClassEdge, "since"))
	seed(t, g)

	tx := g.Begin()
	edges, err := tx.EdgesWhere("since", "2020")
	require.NoError(t, err)
	assert.Equal(t, []EdgeID{"e"}, edgeIDs(edges))

	a, _, _ := tx.Vertex("a")
	b, _, _ := tx.Vertex("b")
	e2, err := tx.AddEdgeWithID("e2", b, a, "knows")
	require.NoError(t, err)
	require.NoError(t, e2.SetProperty("since", "2020"))

	edges, err = tx.EdgesWhere("since", "2020")
	require.NoError(t, err)
	assert.Equal(t, []EdgeID{"e", "e2"}, edgeIDs(edges))
	assert.Len(t, tx.Edges(), 2)

	edges, err = tx.EdgesWhere("unindexed", "x")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

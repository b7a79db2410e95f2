package cpigraph

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cpigraph/pkg/storage"
)

func TestExport_RoundTrip(t *testing.T) {
	src, _ := newTestGraph(t, nil)
	seed(t, src)

	var buf bytes.Buffer
	require.NoError(t, src.Begin().WriteExport(&buf))
	assert.Contains(t, buf.String(), `"startNode": "a"`)

	dst, store := newTestGraph(t, nil)
	var vertices, edges int
	require.NoError(t, dst.Update(func(tx *Tx) error {
		var err error
		vertices, edges, err = tx.Import(&buf)
		return err
	}))
	assert.Equal(t, 2, vertices)
	assert.Equal(t, 1, edges)

	exp := dst.Begin().Export()
	assert.Equal(t, src.Begin().Export(), exp)

	require.NoError(t, dst.Flush(flushTimeout))
	el := stored(t, store, storage.ClassEdge, "e", "g")
	assert.Equal(t, "knows", el.Label)
}

func TestImport_Values(t *testing.T) {
	g, _ := newTestGraph(t, nil)
	in := `{
  "nodes": [
    {"id": "n1", "properties": {"age": 30, "score": 0.5, "tags": [1, "x"], "__id": "ignored", "gone": null}}
  ],
  "relationships": []
}`
	tx := g.Begin()
	_, _, err := tx.Import(strings.NewReader(in))
	require.NoError(t, err)

	v, ok, err := tx.Vertex("n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"age":   int64(30),
		"score": 0.5,
		"tags":  []any{int64(1), "x"},
	}, v.Properties())
}

func TestImport_Errors(t *testing.T) {
	g, _ := newTestGraph(t, nil)

	_, _, err := g.Begin().Import(strings.NewReader("{"))
	assert.Error(t, err)

	dangling := `{"nodes": [{"id": "a"}], "relationships": [{"id": "e", "type": "x", "startNode": "a", "endNode": "zz"}]}`
	err = g.Update(func(tx *Tx) error {
		_, _, err := tx.Import(strings.NewReader(dangling))
		return err
	})
	assert.ErrorIs(t, err, ErrNotFound)
	_, ok, _ := g.Begin().Vertex("a")
	assert.False(t, ok, "failed import is rolled back")
}

package index

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/cpigraph/pkg/storage"
)

func TestKeyIndex_AddDrop(t *testing.T) {
	idx := NewKeyIndex()

	created, err := idx.AddIndex(storage.ClassVertex, "name")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = idx.AddIndex(storage.ClassVertex, "name")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = idx.AddIndex(storage.ClassEdge, "weight")
	require.NoError(t, err)

	assert.True(t, idx.Has(storage.ClassVertex, "name"))
	assert.False(t, idx.Has(storage.ClassEdge, "name"))
	assert.Equal(t, []string{"name"}, idx.Keys(storage.ClassVertex))
	assert.Equal(t, []string{"weight"}, idx.Keys(storage.ClassEdge))

	require.NoError(t, idx.DropIndex(storage.ClassVertex, "name"))
	assert.False(t, idx.Has(storage.ClassVertex, "name"))
	assert.Empty(t, idx.Keys(storage.ClassVertex))

	t.Run("invalid class", func(t *testing.T) {
		_, err := idx.AddIndex(storage.Class(0), "k")
		assert.ErrorIs(t, err, ErrNotIndexable)
		assert.ErrorIs(t, idx.DropIndex(storage.Class(42), "k"), ErrNotIndexable)
	})
}

func TestKeyIndex_IndexAndLookup(t *testing.T) {
	idx := NewKeyIndex()
	_, _ = idx.AddIndex(storage.ClassVertex, "foo")

	idx.Index(storage.ClassVertex, "v0", map[string]any{"foo": "v0", "other": 1})
	idx.Index(storage.ClassVertex, "v1", map[string]any{"foo": "v1"})
	idx.Index(storage.ClassVertex, "v2", map[string]any{"bar": "x"})

	assert.Equal(t, []string{"v0"}, idx.Lookup(storage.ClassVertex, "foo", "v0"))
	assert.Equal(t, []string{"v1"}, idx.Lookup(storage.ClassVertex, "foo", "v1"))
	assert.Nil(t, idx.Lookup(storage.ClassVertex, "foo", "nope"))
	assert.Nil(t, idx.Lookup(storage.ClassVertex, "other", 1), "unindexed key")
	assert.Nil(t, idx.Lookup(storage.ClassEdge, "foo", "v0"), "class isolation")
	assert.Equal(t, 2, idx.Values(storage.ClassVertex, "foo"))

	idx.Unindex(storage.ClassVertex, "v0", map[string]any{"foo": "v0"})
	assert.Nil(t, idx.Lookup(storage.ClassVertex, "foo", "v0"))
	assert.Equal(t, 1, idx.Values(storage.ClassVertex, "foo"))
}

func TestKeyIndex_Update(t *testing.T) {
	idx := NewKeyIndex()
	_, _ = idx.AddIndex(storage.ClassVertex, "k")

	t.Run("set", func(t *testing.T) {
		idx.Update(storage.ClassVertex, "k", "v", nil, false, "a", true)
		assert.Equal(t, []string{"v"}, idx.Lookup(storage.ClassVertex, "k", "a"))
	})

	t.Run("change moves the id", func(t *testing.T) {
		idx.Update(storage.ClassVertex, "k", "v", "a", true, "b", true)
		assert.Nil(t, idx.Lookup(storage.ClassVertex, "k", "a"))
		assert.Equal(t, []string{"v"}, idx.Lookup(storage.ClassVertex, "k", "b"))
	})

	t.Run("remove", func(t *testing.T) {
		idx.Update(storage.ClassVertex, "k", "v", "b", true, nil, false)
		assert.Nil(t, idx.Lookup(storage.ClassVertex, "k", "b"))
		assert.Equal(t, 0, idx.Values(storage.ClassVertex, "k"))
	})

	t.Run("unindexed key is ignored", func(t *testing.T) {
		idx.Update(storage.ClassVertex, "other", "v", nil, false, "a", true)
		assert.False(t, idx.Has(storage.ClassVertex, "other"))
	})

	t.Run("explicit remove", func(t *testing.T) {
		idx.Update(storage.ClassVertex, "k", "w", nil, false, "c", true)
		idx.Remove(storage.ClassVertex, "k", "c", "w")
		assert.Nil(t, idx.Lookup(storage.ClassVertex, "k", "c"))
	})
}

func TestKeyIndex_NonComparableValues(t *testing.T) {
	idx := NewKeyIndex()
	_, _ = idx.AddIndex(storage.ClassEdge, "tags")

	idx.Index(storage.ClassEdge, "e1", map[string]any{"tags": []string{"a", "b"}})
	idx.Index(storage.ClassEdge, "e2", map[string]any{"tags": []string{"a"}})

	assert.Equal(t, []string{"e1"}, idx.Lookup(storage.ClassEdge, "tags", []string{"a", "b"}))
	assert.Equal(t, []string{"e2"}, idx.Lookup(storage.ClassEdge, "tags", []string{"a"}))

	// The JSON key of a slice never collides with an equal-looking string.
	assert.Nil(t, idx.Lookup(storage.ClassEdge, "tags", `["a"]`))

	idx.Update(storage.ClassEdge, "tags", "e1", []string{"a", "b"}, true, map[string]any{"x": 1}, true)
	assert.Nil(t, idx.Lookup(storage.ClassEdge, "tags", []string{"a", "b"}))
	assert.Equal(t, []string{"e1"}, idx.Lookup(storage.ClassEdge, "tags", map[string]any{"x": 1}))
}

// Every id appears under exactly its current value.
func TestKeyIndex_SingleValuePerID(t *testing.T) {
	idx := NewKeyIndex()
	_, _ = idx.AddIndex(storage.ClassVertex, "n")

	current := map[string]int{}
	for step := 0; step < 200; step++ {
		id := fmt.Sprintf("v%d", step%10)
		old, had := current[id]
		idx.Update(storage.ClassVertex, "n", id, old, had, step%7, true)
		current[id] = step % 7
	}

	for id, val := range current {
		for v := 0; v < 7; v++ {
			ids := idx.Lookup(storage.ClassVertex, "n", v)
			if v == val {
				assert.Contains(t, ids, id)
			} else {
				assert.NotContains(t, ids, id)
			}
		}
	}
}

func TestKeyIndex_Concurrent(t *testing.T) {
	idx := NewKeyIndex()
	_, _ = idx.AddIndex(storage.ClassVertex, "g")

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				id := fmt.Sprintf("%d-%d", g, i)
				idx.Index(storage.ClassVertex, id, map[string]any{"g": g})
				_ = idx.Lookup(storage.ClassVertex, "g", g)
			}
		}(g)
	}
	wg.Wait()

	for g := 0; g < 4; g++ {
		assert.Len(t, idx.Lookup(storage.ClassVertex, "g", g), 250)
	}
}

package cpigraph

import (
	"reflect"
	"sort"

	"github.com/orneryd/cpigraph/pkg/storage"
)

// Vertices lists every vertex visible to the transaction: cached baseline
// records plus staged ones, minus deletions. Elements that were evicted from
// the Element Store are not listed; reach them by id or an indexed key.
func (tx *Tx) Vertices() []Vertex {
	base, _ := tx.g.baselineIDs()
	return tx.vertexHandles(tx.mergeVertexIDs(base))
}

// Edges lists every edge visible to the transaction. Evicted edges are not
// listed.
func (tx *Tx) Edges() []Edge {
	_, base := tx.g.baselineIDs()
	return tx.edgeHandles(tx.mergeEdgeIDs(base))
}

// VerticesWhere returns vertices whose key equals value. An indexed key is
// answered from the Key Index plus staged records; other keys fall back to a
// filtered scan. Results always reflect the transaction's own writes.
func (tx *Tx) VerticesWhere(key string, value any) ([]Vertex, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if key == storage.IDKey {
		id, _ := value.(string)
		if v, ok, _ := tx.Vertex(VertexID(id)); ok {
			return []Vertex{v}, nil
		}
		return nil, nil
	}

	var candidates []VertexID
	if tx.g.index.Has(storage.ClassVertex, key) {
		hits := tx.g.index.Lookup(storage.ClassVertex, key, value)
		ids := make([]VertexID, len(hits))
		for i, h := range hits {
			ids[i] = VertexID(h)
		}
		candidates = tx.mergeVertexIDs(ids)
	} else {
		base, _ := tx.g.baselineIDs()
		candidates = tx.mergeVertexIDs(base)
	}

	var out []Vertex
	for _, id := range candidates {
		rec, ok := tx.vertex(id)
		if !ok {
			continue
		}
		if got, has := rec.props[key]; has && reflect.DeepEqual(got, value) {
			out = append(out, Vertex{id: id, tx: tx})
		}
	}
	return out, nil
}

// EdgesWhere returns edges whose key equals value.
func (tx *Tx) EdgesWhere(key string, value any) ([]Edge, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if key == storage.IDKey {
		id, _ := value.(string)
		if e, ok, _ := tx.Edge(EdgeID(id)); ok {
			return []Edge{e}, nil
		}
		return nil, nil
	}

	var candidates []EdgeID
	if tx.g.index.Has(storage.ClassEdge, key) {
		hits := tx.g.index.Lookup(storage.ClassEdge, key, value)
		ids := make([]EdgeID, len(hits))
		for i, h := range hits {
			ids[i] = EdgeID(h)
		}
		candidates = tx.mergeEdgeIDs(ids)
	} else {
		_, base := tx.g.baselineIDs()
		candidates = tx.mergeEdgeIDs(base)
	}

	var out []Edge
	for _, id := range candidates {
		rec, ok := tx.edge(id)
		if !ok {
			continue
		}
		if got, has := rec.props[key]; has && reflect.DeepEqual(got, value) {
			out = append(out, Edge{id: id, tx: tx})
		}
	}
	return out, nil
}

// mergeVertexIDs returns base plus staged ids, minus deleted ids, sorted.
func (tx *Tx) mergeVertexIDs(base []VertexID) []VertexID {
	set := make(map[VertexID]struct{}, len(base)+len(tx.st.vertices))
	for _, id := range base {
		set[id] = struct{}{}
	}
	for id := range tx.st.vertices {
		set[id] = struct{}{}
	}
	for id := range tx.st.deletedVertices {
		delete(set, id)
	}
	ids := make([]VertexID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tx *Tx) mergeEdgeIDs(base []EdgeID) []EdgeID {
	set := make(map[EdgeID]struct{}, len(base)+len(tx.st.edges))
	for _, id := range base {
		set[id] = struct{}{}
	}
	for id := range tx.st.edges {
		set[id] = struct{}{}
	}
	for id := range tx.st.deletedEdges {
		delete(set, id)
	}
	ids := make([]EdgeID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (tx *Tx) vertexHandles(ids []VertexID) []Vertex {
	out := make([]Vertex, len(ids))
	for i, id := range ids {
		out[i] = Vertex{id: id, tx: tx}
	}
	return out
}

func (tx *Tx) edgeHandles(ids []EdgeID) []Edge {
	out := make([]Edge, len(ids))
	for i, id := range ids {
		out[i] = Edge{id: id, tx: tx}
	}
	return out
}

package cpigraph

import (
	"sort"

	"github.com/google/uuid"

	"github.com/orneryd/cpigraph/pkg/storage"
)

// VertexID is the logical id of a vertex.
type VertexID string

// EdgeID is the logical id of an edge.
type EdgeID string

// IDGenerator allocates ids for elements created without an explicit id.
type IDGenerator func() string

// UUIDGenerator returns random UUIDs. It is the default IDGenerator.
func UUIDGenerator() string {
	return uuid.NewString()
}

// vertexRecord is the backing state of a vertex. Records stored in the
// ElementStore are never mutated; transactions clone them first.
type vertexRecord struct {
	id    VertexID
	props map[string]any
	out   map[EdgeID]struct{}
	in    map[EdgeID]struct{}
}

func newVertexRecord(id VertexID) *vertexRecord {
	return &vertexRecord{
		id:    id,
		props: make(map[string]any),
		out:   make(map[EdgeID]struct{}),
		in:    make(map[EdgeID]struct{}),
	}
}

func (r *vertexRecord) clone() *vertexRecord {
	c := &vertexRecord{
		id:    r.id,
		props: cloneProps(r.props),
		out:   make(map[EdgeID]struct{}, len(r.out)),
		in:    make(map[EdgeID]struct{}, len(r.in)),
	}
	for e := range r.out {
		c.out[e] = struct{}{}
	}
	for e := range r.in {
		c.in[e] = struct{}{}
	}
	return c
}

// edges returns incident edge ids in dir, sorted, self loops once.
func (r *vertexRecord) edges(dir storage.Direction) []EdgeID {
	seen := make(map[EdgeID]struct{})
	if dir == storage.DirOut || dir == storage.DirBoth {
		for e := range r.out {
			seen[e] = struct{}{}
		}
	}
	if dir == storage.DirIn || dir == storage.DirBoth {
		for e := range r.in {
			seen[e] = struct{}{}
		}
	}
	ids := make([]EdgeID, 0, len(seen))
	for e := range seen {
		ids = append(ids, e)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// edgeRecord is the backing state of an edge. Label and endpoints are
// immutable.
type edgeRecord struct {
	id    EdgeID
	label string
	out   VertexID
	in    VertexID
	props map[string]any
}

func (r *edgeRecord) clone() *edgeRecord {
	return &edgeRecord{
		id:    r.id,
		label: r.label,
		out:   r.out,
		in:    r.in,
		props: cloneProps(r.props),
	}
}

// Property values are treated as immutable, so a shallow copy is enough.
func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

func sortedKeys(props map[string]any) []string {
	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isReserved(key string) bool {
	return key == storage.IDKey || key == storage.PartitionKey
}

// mutation is one recorded change to a staged record. Commit replays the
// log of a copied record on the current baseline.
type mutation struct {
	kind  mutationKind
	key   string
	value any
	edge  EdgeID
}

type mutationKind uint8

const (
	mutSetProperty mutationKind = iota + 1
	mutRemoveProperty
	mutAddOut
	mutAddIn
	mutRemoveOut
	mutRemoveIn
)

func (m mutation) applyVertex(r *vertexRecord) {
	switch m.kind {
	case mutSetProperty:
		r.props[m.key] = m.value
	case mutRemoveProperty:
		delete(r.props, m.key)
	case mutAddOut:
		r.out[m.edge] = struct{}{}
	case mutAddIn:
		r.in[m.edge] = struct{}{}
	case mutRemoveOut:
		delete(r.out, m.edge)
	case mutRemoveIn:
		delete(r.in, m.edge)
	}
}

func (m mutation) applyEdge(r *edgeRecord) {
	switch m.kind {
	case mutSetProperty:
		r.props[m.key] = m.value
	case mutRemoveProperty:
		delete(r.props, m.key)
	}
}

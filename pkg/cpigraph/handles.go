package cpigraph

import (
	"errors"
	"fmt"

	"github.com/orneryd/cpigraph/pkg/storage"
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Vertex is a handle to a vertex seen through one transaction. It holds
// only the id; every call resolves the current state through the Tx.
type Vertex struct {
	id VertexID
	tx *Tx
}

// ID returns the vertex id.
func (v Vertex) ID() VertexID { return v.id }

// Tx returns the transaction the handle belongs to.
func (v Vertex) Tx() *Tx { return v.tx }

func (v Vertex) record() (*vertexRecord, error) {
	if v.tx == nil {
		return nil, ErrForeignElement
	}
	if _, deleted := v.tx.st.deletedVertices[v.id]; deleted {
		return nil, fmt.Errorf("vertex %s: %w", v.id, ErrDeletedElement)
	}
	rec, ok := v.tx.vertex(v.id)
	if !ok {
		return nil, fmt.Errorf("vertex %s: %w", v.id, ErrNotFound)
	}
	return rec, nil
}

// Exists reports whether the vertex is live in the transaction.
func (v Vertex) Exists() bool {
	_, err := v.record()
	return err == nil
}

// Property returns a property value. The reserved id key yields the id and
// the partition key yields the graph id.
func (v Vertex) Property(key string) (any, bool) {
	rec, err := v.record()
	if err != nil {
		return nil, false
	}
	switch key {
	case storage.IDKey:
		return string(v.id), true
	case storage.PartitionKey:
		return v.tx.g.id, true
	}
	val, ok := rec.props[key]
	return val, ok
}

// Properties returns a copy of the user properties.
func (v Vertex) Properties() map[string]any {
	rec, err := v.record()
	if err != nil {
		return nil
	}
	return cloneProps(rec.props)
}

// PropertyKeys returns the user property keys, sorted. Reserved keys are
// not listed.
func (v Vertex) PropertyKeys() []string {
	rec, err := v.record()
	if err != nil {
		return nil
	}
	return sortedKeys(rec.props)
}

// SetProperty stages a property change.
func (v Vertex) SetProperty(key string, value any) error {
	if v.tx == nil {
		return ErrForeignElement
	}
	return v.tx.setVertexProperty(v.id, key, value)
}

// RemoveProperty stages a property removal. Removing an absent key is a
// no-op.
func (v Vertex) RemoveProperty(key string) error {
	if v.tx == nil {
		return ErrForeignElement
	}
	return v.tx.removeVertexProperty(v.id, key)
}

// AddEdge creates an edge v -> in.
func (v Vertex) AddEdge(label string, in Vertex) (Edge, error) {
	if v.tx == nil {
		return Edge{}, ErrForeignElement
	}
	return v.tx.AddEdge(v, in, label)
}

// Remove removes the vertex and its incident edges.
func (v Vertex) Remove() error {
	if v.tx == nil {
		return ErrForeignElement
	}
	return v.tx.RemoveVertex(v.id)
}

// Edges returns incident edges in dir, sorted by id. When labels are given
// only edges with one of them are returned.
func (v Vertex) Edges(dir storage.Direction, labels ...string) ([]Edge, error) {
	rec, err := v.record()
	if err != nil {
		return nil, err
	}
	var out []Edge
	for _, eid := range rec.edges(dir) {
		e, ok := v.tx.edge(eid)
		if !ok || !matchLabel(e.label, labels) {
			continue
		}
		out = append(out, Edge{id: eid, tx: v.tx})
	}
	return out, nil
}

// Vertices returns the vertices at the other end of incident edges in dir.
// A self loop yields v itself.
func (v Vertex) Vertices(dir storage.Direction, labels ...string) ([]Vertex, error) {
	rec, err := v.record()
	if err != nil {
		return nil, err
	}
	var out []Vertex
	for _, eid := range rec.edges(dir) {
		e, ok := v.tx.edge(eid)
		if !ok || !matchLabel(e.label, labels) {
			continue
		}
		other := e.in
		if e.in == v.id {
			other = e.out
		}
		switch dir {
		case storage.DirOut:
			other = e.in
		case storage.DirIn:
			other = e.out
		}
		out = append(out, Vertex{id: other, tx: v.tx})
	}
	return out, nil
}

func matchLabel(label string, labels []string) bool {
	if len(labels) == 0 {
		return true
	}
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge is a handle to an edge seen through one transaction.
type Edge struct {
	id EdgeID
	tx *Tx
}

// ID returns the edge id.
func (e Edge) ID() EdgeID { return e.id }

// Tx returns the transaction the handle belongs to.
func (e Edge) Tx() *Tx { return e.tx }

func (e Edge) record() (*edgeRecord, error) {
	if e.tx == nil {
		return nil, ErrForeignElement
	}
	if _, deleted := e.tx.st.deletedEdges[e.id]; deleted {
		return nil, fmt.Errorf("edge %s: %w", e.id, ErrDeletedElement)
	}
	rec, ok := e.tx.edge(e.id)
	if !ok {
		return nil, fmt.Errorf("edge %s: %w", e.id, ErrNotFound)
	}
	return rec, nil
}

// Exists reports whether the edge is live in the transaction.
func (e Edge) Exists() bool {
	_, err := e.record()
	return err == nil
}

// Label returns the edge label, or "" when the edge is gone.
func (e Edge) Label() string {
	rec, err := e.record()
	if err != nil {
		return ""
	}
	return rec.label
}

// Vertex returns the tail (DirOut) or head (DirIn) vertex.
func (e Edge) Vertex(dir storage.Direction) (Vertex, error) {
	rec, err := e.record()
	if err != nil {
		return Vertex{}, err
	}
	switch dir {
	case storage.DirOut:
		return Vertex{id: rec.out, tx: e.tx}, nil
	case storage.DirIn:
		return Vertex{id: rec.in, tx: e.tx}, nil
	default:
		return Vertex{}, ErrBothDirection
	}
}

// Property returns a property value. The reserved id key yields the id.
func (e Edge) Property(key string) (any, bool) {
	rec, err := e.record()
	if err != nil {
		return nil, false
	}
	switch key {
	case storage.IDKey:
		return string(e.id), true
	case storage.PartitionKey:
		return e.tx.g.id, true
	}
	val, ok := rec.props[key]
	return val, ok
}

// Properties returns a copy of the user properties.
func (e Edge) Properties() map[string]any {
	rec, err := e.record()
	if err != nil {
		return nil
	}
	return cloneProps(rec.props)
}

// PropertyKeys returns the user property keys, sorted.
func (e Edge) PropertyKeys() []string {
	rec, err := e.record()
	if err != nil {
		return nil
	}
	return sortedKeys(rec.props)
}

// SetProperty stages a property change.
func (e Edge) SetProperty(key string, value any) error {
	if e.tx == nil {
		return ErrForeignElement
	}
	return e.tx.setEdgeProperty(e.id, key, value)
}

// RemoveProperty stages a property removal.
func (e Edge) RemoveProperty(key string) error {
	if e.tx == nil {
		return ErrForeignElement
	}
	return e.tx.removeEdgeProperty(e.id, key)
}

// Remove removes the edge.
func (e Edge) Remove() error {
	if e.tx == nil {
		return ErrForeignElement
	}
	return e.tx.RemoveEdge(e.id)
}

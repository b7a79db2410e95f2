package cpigraph

import (
	"fmt"

	"github.com/orneryd/cpigraph/pkg/storage"
	"github.com/orneryd/cpigraph/pkg/writebehind"
)

// Tx is a transaction against one Graph. It sees the committed baseline
// plus its own staged changes; other transactions see those changes only
// after Commit.
//
// A Tx is not safe for concurrent use. After Commit or Rollback it starts
// over with an empty stage and may be used again.
type Tx struct {
	g  *Graph
	st *stage
}

// Graph returns the graph the transaction runs against.
func (tx *Tx) Graph() *Graph {
	return tx.g
}

// Commit merges the staged changes into the graph and enqueues them for
// persistence. It does not wait for the SOR and cannot fail.
func (tx *Tx) Commit() {
	st := tx.st
	tx.st = newStage()
	if st.empty() {
		return
	}
	tx.g.merge(st)
}

// Rollback discards the staged changes.
func (tx *Tx) Rollback() {
	tx.st = newStage()
}

// TxStats counts what a transaction has staged.
type TxStats struct {
	MutatedVertices int
	MutatedEdges    int
	DeletedVertices int
	DeletedEdges    int
	PendingActions  int
}

// Stats reports the staged counts.
func (tx *Tx) Stats() TxStats {
	return TxStats{
		MutatedVertices: len(tx.st.vertices),
		MutatedEdges:    len(tx.st.edges),
		DeletedVertices: len(tx.st.deletedVertices),
		DeletedEdges:    len(tx.st.deletedEdges),
		PendingActions:  len(tx.st.actions),
	}
}

// ============================================================================
// Reads
// ============================================================================

// vertex resolves id through the stage, then the baseline.
func (tx *Tx) vertex(id VertexID) (*vertexRecord, bool) {
	if _, deleted := tx.st.deletedVertices[id]; deleted {
		return nil, false
	}
	if sv, ok := tx.st.vertices[id]; ok {
		return sv.rec, true
	}
	return tx.g.baselineVertex(id)
}

func (tx *Tx) edge(id EdgeID) (*edgeRecord, bool) {
	if _, deleted := tx.st.deletedEdges[id]; deleted {
		return nil, false
	}
	if se, ok := tx.st.edges[id]; ok {
		return se.rec, true
	}
	return tx.g.baselineEdge(id)
}

// Vertex returns the vertex with id. A missing or deleted vertex reports
// ok == false; an empty id is an error.
func (tx *Tx) Vertex(id VertexID) (Vertex, bool, error) {
	if id == "" {
		return Vertex{}, false, ErrNullID
	}
	if _, ok := tx.vertex(id); !ok {
		return Vertex{}, false, nil
	}
	return Vertex{id: id, tx: tx}, true, nil
}

// Edge returns the edge with id.
func (tx *Tx) Edge(id EdgeID) (Edge, bool, error) {
	if id == "" {
		return Edge{}, false, ErrNullID
	}
	if _, ok := tx.edge(id); !ok {
		return Edge{}, false, nil
	}
	return Edge{id: id, tx: tx}, true, nil
}

// ============================================================================
// Copy-on-write
// ============================================================================

// mutableVertex returns the staged copy of a vertex, cloning the baseline
// record on first use.
func (tx *Tx) mutableVertex(id VertexID) (*stagedVertex, error) {
	if _, deleted := tx.st.deletedVertices[id]; deleted {
		return nil, fmt.Errorf("vertex %s: %w", id, ErrDeletedElement)
	}
	if sv, ok := tx.st.vertices[id]; ok {
		return sv, nil
	}
	base, ok := tx.g.baselineVertex(id)
	if !ok {
		return nil, fmt.Errorf("vertex %s: %w", id, ErrNotFound)
	}
	sv := &stagedVertex{rec: base.clone(), origin: base}
	tx.st.vertices[id] = sv
	return sv, nil
}

func (tx *Tx) mutableEdge(id EdgeID) (*stagedEdge, error) {
	if _, deleted := tx.st.deletedEdges[id]; deleted {
		return nil, fmt.Errorf("edge %s: %w", id, ErrDeletedElement)
	}
	if se, ok := tx.st.edges[id]; ok {
		return se, nil
	}
	base, ok := tx.g.baselineEdge(id)
	if !ok {
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	se := &stagedEdge{rec: base.clone(), origin: base}
	tx.st.edges[id] = se
	return se, nil
}

// ============================================================================
// Element creation
// ============================================================================

// AddVertex creates a vertex with a generated id.
func (tx *Tx) AddVertex() (Vertex, error) {
	return tx.AddVertexWithID(VertexID(tx.g.opts.IDGenerator()))
}

// AddVertexWithID creates a vertex with the given id. Re-adding an id
// removed earlier in the same transaction is allowed.
func (tx *Tx) AddVertexWithID(id VertexID) (Vertex, error) {
	if id == "" {
		return Vertex{}, ErrNullID
	}
	if _, ok := tx.st.vertices[id]; ok {
		return Vertex{}, fmt.Errorf("vertex %s: %w", id, ErrAlreadyExists)
	}

	origin, deleted := tx.st.deletedVertices[id]
	if deleted {
		delete(tx.st.deletedVertices, id)
	} else if _, live := tx.g.baselineVertex(id); live {
		return Vertex{}, fmt.Errorf("vertex %s: %w", id, ErrAlreadyExists)
	}

	seq := tx.st.record(writebehind.AddVertex(string(id)))
	tx.st.vertices[id] = &stagedVertex{
		rec:       newVertexRecord(id),
		origin:    origin,
		created:   true,
		createdAt: seq,
	}
	return Vertex{id: id, tx: tx}, nil
}

// AddEdge creates an edge out -> in with a generated id.
func (tx *Tx) AddEdge(out, in Vertex, label string) (Edge, error) {
	return tx.AddEdgeWithID(EdgeID(tx.g.opts.IDGenerator()), out, in, label)
}

// AddEdgeWithID creates an edge out -> in with the given id.
func (tx *Tx) AddEdgeWithID(id EdgeID, out, in Vertex, label string) (Edge, error) {
	if id == "" {
		return Edge{}, ErrNullID
	}
	if label == "" {
		return Edge{}, ErrNullLabel
	}
	if out.tx != tx || in.tx != tx {
		return Edge{}, ErrForeignElement
	}
	if _, ok := tx.st.edges[id]; ok {
		return Edge{}, fmt.Errorf("edge %s: %w", id, ErrAlreadyExists)
	}
	origin, deleted := tx.st.deletedEdges[id]
	if !deleted {
		if _, live := tx.g.baselineEdge(id); live {
			return Edge{}, fmt.Errorf("edge %s: %w", id, ErrAlreadyExists)
		}
	}
	for _, v := range []VertexID{out.id, in.id} {
		if _, gone := tx.st.deletedVertices[v]; gone {
			return Edge{}, fmt.Errorf("vertex %s: %w", v, ErrDeletedElement)
		}
		if _, ok := tx.vertex(v); !ok {
			return Edge{}, fmt.Errorf("vertex %s: %w", v, ErrNotFound)
		}
	}

	ov, err := tx.mutableVertex(out.id)
	if err != nil {
		return Edge{}, err
	}
	iv, err := tx.mutableVertex(in.id)
	if err != nil {
		return Edge{}, err
	}
	if deleted {
		delete(tx.st.deletedEdges, id)
	}

	seq := tx.st.record(writebehind.AddEdge(string(id), string(out.id), string(in.id), label))
	tx.st.edges[id] = &stagedEdge{
		rec: &edgeRecord{
			id:    id,
			label: label,
			out:   out.id,
			in:    in.id,
			props: make(map[string]any),
		},
		origin:    origin,
		created:   true,
		createdAt: seq,
	}
	ov.rec.out[id] = struct{}{}
	ov.log = append(ov.log, mutation{kind: mutAddOut, edge: id})
	iv.rec.in[id] = struct{}{}
	iv.log = append(iv.log, mutation{kind: mutAddIn, edge: id})
	return Edge{id: id, tx: tx}, nil
}

// ============================================================================
// Element removal
// ============================================================================

// RemoveVertex removes a vertex and every incident edge.
func (tx *Tx) RemoveVertex(id VertexID) error {
	if id == "" {
		return ErrNullID
	}
	if _, deleted := tx.st.deletedVertices[id]; deleted {
		return fmt.Errorf("vertex %s: %w", id, ErrDeletedElement)
	}
	rec, ok := tx.vertex(id)
	if !ok {
		return fmt.Errorf("vertex %s: %w", id, ErrNotFound)
	}

	for _, eid := range rec.edges(storage.DirBoth) {
		if _, gone := tx.st.deletedEdges[eid]; gone {
			continue
		}
		if err := tx.RemoveEdge(eid); err != nil && !isNotFound(err) {
			return err
		}
	}

	origin := rec
	if sv, ok := tx.st.vertices[id]; ok {
		origin = sv.origin
		if sv.created {
			// A removal staged before the re-add, if any, stays in place.
			tx.st.strip(storage.ClassVertex, string(id), sv.createdAt)
		} else {
			tx.st.record(writebehind.RemoveVertex(string(id)))
		}
		delete(tx.st.vertices, id)
	} else {
		tx.st.record(writebehind.RemoveVertex(string(id)))
	}
	tx.st.deletedVertices[id] = origin
	return nil
}

// RemoveEdge removes an edge and detaches it from both endpoints.
func (tx *Tx) RemoveEdge(id EdgeID) error {
	if id == "" {
		return ErrNullID
	}
	if _, deleted := tx.st.deletedEdges[id]; deleted {
		return fmt.Errorf("edge %s: %w", id, ErrDeletedElement)
	}
	rec, ok := tx.edge(id)
	if !ok {
		return fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}

	if ov, err := tx.mutableVertex(rec.out); err == nil {
		delete(ov.rec.out, id)
		ov.log = append(ov.log, mutation{kind: mutRemoveOut, edge: id})
	}
	if iv, err := tx.mutableVertex(rec.in); err == nil {
		delete(iv.rec.in, id)
		iv.log = append(iv.log, mutation{kind: mutRemoveIn, edge: id})
	}

	origin := rec
	if se, ok := tx.st.edges[id]; ok {
		origin = se.origin
		if se.created {
			tx.st.strip(storage.ClassEdge, string(id), se.createdAt)
		} else {
			tx.st.record(writebehind.RemoveEdge(string(id)))
		}
		delete(tx.st.edges, id)
	} else {
		tx.st.record(writebehind.RemoveEdge(string(id)))
	}
	tx.st.deletedEdges[id] = origin
	return nil
}

// ============================================================================
// Properties
// ============================================================================

func checkKey(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if isReserved(key) {
		return fmt.Errorf("%s: %w", key, ErrReservedProperty)
	}
	return nil
}

func (tx *Tx) setVertexProperty(id VertexID, key string, value any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if value == nil {
		return ErrNilValue
	}
	sv, err := tx.mutableVertex(id)
	if err != nil {
		return err
	}
	sv.rec.props[key] = value
	sv.log = append(sv.log, mutation{kind: mutSetProperty, key: key, value: value})
	tx.st.record(writebehind.SetProperty(storage.ClassVertex, string(id), key, value))
	return nil
}

func (tx *Tx) removeVertexProperty(id VertexID, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	sv, err := tx.mutableVertex(id)
	if err != nil {
		return err
	}
	if _, ok := sv.rec.props[key]; !ok {
		return nil
	}
	delete(sv.rec.props, key)
	sv.log = append(sv.log, mutation{kind: mutRemoveProperty, key: key})
	tx.st.record(writebehind.RemoveProperty(storage.ClassVertex, string(id), key))
	return nil
}

func (tx *Tx) setEdgeProperty(id EdgeID, key string, value any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	if value == nil {
		return ErrNilValue
	}
	se, err := tx.mutableEdge(id)
	if err != nil {
		return err
	}
	se.rec.props[key] = value
	se.log = append(se.log, mutation{kind: mutSetProperty, key: key, value: value})
	tx.st.record(writebehind.SetProperty(storage.ClassEdge, string(id), key, value))
	return nil
}

func (tx *Tx) removeEdgeProperty(id EdgeID, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	se, err := tx.mutableEdge(id)
	if err != nil {
		return err
	}
	if _, ok := se.rec.props[key]; !ok {
		return nil
	}
	delete(se.rec.props, key)
	se.log = append(se.log, mutation{kind: mutRemoveProperty, key: key})
	tx.st.record(writebehind.RemoveProperty(storage.ClassEdge, string(id), key))
	return nil
}

package cpigraph

import (
	"github.com/orneryd/cpigraph/pkg/storage"
	"github.com/orneryd/cpigraph/pkg/writebehind"
)

// stagedVertex is a transaction-local copy of a vertex.
type stagedVertex struct {
	rec *vertexRecord
	// origin is the baseline record this copy was cloned from, or the
	// baseline a re-added id replaces. Nil for brand-new elements.
	origin *vertexRecord
	// created marks elements added in this transaction; createdAt is the
	// action sequence number of the add.
	created   bool
	createdAt uint64
	log       []mutation
}

// stagedEdge is a transaction-local copy of an edge.
type stagedEdge struct {
	rec       *edgeRecord
	origin    *edgeRecord
	created   bool
	createdAt uint64
	log       []mutation
}

type stagedAction struct {
	seq    uint64
	action writebehind.Action
}

// stage holds everything a transaction has changed. An id is never in both
// a mutated map and the matching deleted map.
type stage struct {
	vertices map[VertexID]*stagedVertex
	edges    map[EdgeID]*stagedEdge

	// deleted ids map to the baseline record they remove (nil when the
	// element only ever existed in this transaction).
	deletedVertices map[VertexID]*vertexRecord
	deletedEdges    map[EdgeID]*edgeRecord

	actions []stagedAction
	nextSeq uint64
}

func newStage() *stage {
	return &stage{
		vertices:        make(map[VertexID]*stagedVertex),
		edges:           make(map[EdgeID]*stagedEdge),
		deletedVertices: make(map[VertexID]*vertexRecord),
		deletedEdges:    make(map[EdgeID]*edgeRecord),
	}
}

// record appends a persist action and returns its sequence number.
func (s *stage) record(a writebehind.Action) uint64 {
	s.nextSeq++
	s.actions = append(s.actions, stagedAction{seq: s.nextSeq, action: a})
	return s.nextSeq
}

// strip drops every action at or after seq that references the element.
// Used when an element created in this transaction is removed again.
func (s *stage) strip(class storage.Class, id string, seq uint64) {
	kept := s.actions[:0]
	for _, sa := range s.actions {
		if sa.seq >= seq && sa.action.References(class, id) {
			continue
		}
		kept = append(kept, sa)
	}
	s.actions = kept
}

func (s *stage) persistActions() []writebehind.Action {
	out := make([]writebehind.Action, len(s.actions))
	for i, sa := range s.actions {
		out[i] = sa.action
	}
	return out
}

func (s *stage) empty() bool {
	return len(s.vertices) == 0 && len(s.edges) == 0 &&
		len(s.deletedVertices) == 0 && len(s.deletedEdges) == 0 &&
		len(s.actions) == 0
}

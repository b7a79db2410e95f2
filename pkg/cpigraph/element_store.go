package cpigraph

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Default Element Store capacities.
const (
	DefaultVertexCacheSize = 10000
	DefaultEdgeCacheSize   = 10000
)

// ElementStore is the bounded cache of baseline records of one graph.
//
// A miss is not an error: the caller decides whether the element does not
// exist or was merely evicted. Stored records are immutable, so readers may
// use them without copying.
//
// Thread Safety:
//
//	Safe for concurrent use; the LRUs are internally locked.
type ElementStore struct {
	vertices *lru.Cache[VertexID, *vertexRecord]
	edges    *lru.Cache[EdgeID, *edgeRecord]

	vertexEvictions atomic.Uint64
	edgeEvictions   atomic.Uint64
	log             *logrus.Entry
}

// NewElementStore creates an Element Store with the given capacities.
func NewElementStore(vertexCap, edgeCap int, log *logrus.Entry) (*ElementStore, error) {
	if vertexCap <= 0 {
		vertexCap = DefaultVertexCacheSize
	}
	if edgeCap <= 0 {
		edgeCap = DefaultEdgeCacheSize
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	vertices, err := lru.New[VertexID, *vertexRecord](vertexCap)
	if err != nil {
		return nil, err
	}
	edges, err := lru.New[EdgeID, *edgeRecord](edgeCap)
	if err != nil {
		return nil, err
	}
	return &ElementStore{vertices: vertices, edges: edges, log: log}, nil
}

func (s *ElementStore) getVertex(id VertexID) (*vertexRecord, bool) {
	return s.vertices.Get(id)
}

func (s *ElementStore) getEdge(id EdgeID) (*edgeRecord, bool) {
	return s.edges.Get(id)
}

// peekVertex reads without touching recency. Used by scans.
func (s *ElementStore) peekVertex(id VertexID) (*vertexRecord, bool) {
	return s.vertices.Peek(id)
}

func (s *ElementStore) peekEdge(id EdgeID) (*edgeRecord, bool) {
	return s.edges.Peek(id)
}

func (s *ElementStore) putVertex(r *vertexRecord) {
	if s.vertices.Add(r.id, r) {
		s.vertexEvictions.Add(1)
		s.log.WithField("class", "vertex").Debug("element store evicted a record")
	}
}

func (s *ElementStore) putEdge(r *edgeRecord) {
	if s.edges.Add(r.id, r) {
		s.edgeEvictions.Add(1)
		s.log.WithField("class", "edge").Debug("element store evicted a record")
	}
}

func (s *ElementStore) invalidateVertices(ids ...VertexID) {
	for _, id := range ids {
		s.vertices.Remove(id)
	}
}

func (s *ElementStore) invalidateEdges(ids ...EdgeID) {
	for _, id := range ids {
		s.edges.Remove(id)
	}
}

func (s *ElementStore) vertexIDs() []VertexID {
	return s.vertices.Keys()
}

func (s *ElementStore) edgeIDs() []EdgeID {
	return s.edges.Keys()
}

// Len returns the number of cached vertices and edges.
func (s *ElementStore) Len() (vertices, edges int) {
	return s.vertices.Len(), s.edges.Len()
}

// Evictions returns how many vertex and edge records were evicted.
func (s *ElementStore) Evictions() (vertices, edges uint64) {
	return s.vertexEvictions.Load(), s.edgeEvictions.Load()
}

package cpigraph

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/cpigraph/pkg/index"
	"github.com/orneryd/cpigraph/pkg/storage"
	"github.com/orneryd/cpigraph/pkg/writebehind"
)

// readThroughAttempts bounds how often a load is retried when commits keep
// racing it.
const readThroughAttempts = 3

// Graph is one logical graph (partition): its Element Store, Key Index and
// write-behind persister. Graphs are created by a Manager.
//
// Example:
//
//	g, _ := mgr.Graph("social")
//	err := g.Update(func(tx *cpigraph.Tx) error {
//		alice, err := tx.AddVertex()
//		if err != nil {
//			return err
//		}
//		return alice.SetProperty("name", "alice")
//	})
//
// Thread Safety:
//
//	Safe for concurrent use. Each Tx is single-goroutine.
type Graph struct {
	id        string
	store     *ElementStore
	index     *index.KeyIndex
	persister *writebehind.Persister
	opts      Options
	log       *logrus.Entry

	// mu is the merge lock: commits hold it exclusively so their effect on
	// the Element Store and Key Index is atomic; baseline reads hold it shared.
	mu      sync.RWMutex
	commits uint64

	shutdownOnce sync.Once
	drained      bool
}

func newGraph(id string, sor storage.Store, opts Options) (*Graph, error) {
	log := opts.Logger.WithField("graph", id)
	es, err := NewElementStore(opts.VertexCacheSize, opts.EdgeCacheSize, log)
	if err != nil {
		return nil, fmt.Errorf("creating element store: %w", err)
	}
	p := writebehind.New(sor, writebehind.Config{
		Partition:       id,
		QueueSize:       opts.QueueSize,
		LookupCacheSize: opts.LookupCacheSize,
		LookupCacheTTL:  opts.LookupCacheTTL,
		Logger:          opts.Logger,
	})
	return &Graph{
		id:        id,
		store:     es,
		index:     index.NewKeyIndex(),
		persister: p,
		opts:      opts,
		log:       log,
	}, nil
}

// ID returns the graph's partition tag.
func (g *Graph) ID() string {
	return g.id
}

// Begin starts a transaction.
func (g *Graph) Begin() *Tx {
	return &Tx{g: g, st: newStage()}
}

// Update runs fn in a new transaction and commits it when fn returns nil.
// Any error rolls the transaction back and is returned.
func (g *Graph) Update(fn func(tx *Tx) error) error {
	tx := g.Begin()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	tx.Commit()
	return nil
}

// View runs fn in a transaction that is always rolled back.
func (g *Graph) View(fn func(tx *Tx) error) error {
	tx := g.Begin()
	defer tx.Rollback()
	return fn(tx)
}

// ============================================================================
// Baseline reads
// ============================================================================

func (g *Graph) baselineVertex(id VertexID) (*vertexRecord, bool) {
	g.mu.RLock()
	rec, ok := g.store.getVertex(id)
	seq := g.commits
	g.mu.RUnlock()

	if ok || g.opts.DisableReadThrough {
		return rec, ok
	}
	return g.loadVertex(id, seq)
}

func (g *Graph) baselineEdge(id EdgeID) (*edgeRecord, bool) {
	g.mu.RLock()
	rec, ok := g.store.getEdge(id)
	seq := g.commits
	g.mu.RUnlock()

	if ok || g.opts.DisableReadThrough {
		return rec, ok
	}
	return g.loadEdge(id, seq)
}

// load asks the persister for an element. found is false when the SOR has
// no such element or the load failed; failures are logged.
func (g *Graph) load(class storage.Class, id string) (*writebehind.Loaded, bool) {
	l, err := g.persister.Load(class, id, g.opts.LoadTimeout)
	if err == nil {
		return l, true
	}
	if !errors.Is(err, writebehind.ErrUnresolvedReference) {
		g.log.WithFields(logrus.Fields{
			"class": class.String(),
			"id":    id,
			"error": err.Error(),
		}).Warn("read-through load failed")
	}
	return nil, false
}

// loadVertex reads a vertex through the persister and caches it unless a
// commit ran while the load was in flight; in that case it retries.
func (g *Graph) loadVertex(id VertexID, seq uint64) (*vertexRecord, bool) {
	var rec *vertexRecord
	for attempt := 0; attempt < readThroughAttempts; attempt++ {
		l, ok := g.load(storage.ClassVertex, string(id))
		if !ok {
			return nil, false
		}
		rec = vertexFromLoaded(l)

		g.mu.Lock()
		if existing, ok := g.store.getVertex(id); ok {
			g.mu.Unlock()
			return existing, true
		}
		if g.commits == seq {
			g.store.putVertex(rec)
			g.mu.Unlock()
			return rec, true
		}
		seq = g.commits
		g.mu.Unlock()
	}
	return rec, true
}

func (g *Graph) loadEdge(id EdgeID, seq uint64) (*edgeRecord, bool) {
	var rec *edgeRecord
	for attempt := 0; attempt < readThroughAttempts; attempt++ {
		l, ok := g.load(storage.ClassEdge, string(id))
		if !ok {
			return nil, false
		}
		rec = edgeFromLoaded(l)

		g.mu.Lock()
		if existing, ok := g.store.getEdge(id); ok {
			g.mu.Unlock()
			return existing, true
		}
		if g.commits == seq {
			g.store.putEdge(rec)
			g.mu.Unlock()
			return rec, true
		}
		seq = g.commits
		g.mu.Unlock()
	}
	return rec, true
}

func vertexFromLoaded(l *writebehind.Loaded) *vertexRecord {
	rec := newVertexRecord(VertexID(l.ID))
	rec.props = l.Properties
	for _, e := range l.OutEdges {
		rec.out[EdgeID(e)] = struct{}{}
	}
	for _, e := range l.InEdges {
		rec.in[EdgeID(e)] = struct{}{}
	}
	return rec
}

func edgeFromLoaded(l *writebehind.Loaded) *edgeRecord {
	return &edgeRecord{
		id:    EdgeID(l.ID),
		label: l.Label,
		out:   VertexID(l.Out),
		in:    VertexID(l.In),
		props: l.Properties,
	}
}

// baselineIDs lists cached ids under one shared lock so a concurrent commit
// is seen entirely or not at all.
func (g *Graph) baselineIDs() ([]VertexID, []EdgeID) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.store.vertexIDs(), g.store.edgeIDs()
}

// ============================================================================
// Commit
// ============================================================================

// merge applies a stage to the baseline and hands its actions to the
// persister. It never fails: persister-side problems are logged.
func (g *Graph) merge(st *stage) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.commits++
	vkeys := g.index.Keys(storage.ClassVertex)
	ekeys := g.index.Keys(storage.ClassEdge)

	// (1) invalidate deleted elements.
	for id, origin := range st.deletedVertices {
		base, ok := g.store.peekVertex(id)
		if !ok {
			base = origin
		}
		if base != nil {
			g.index.Unindex(storage.ClassVertex, string(id), base.props)
		}
		g.store.invalidateVertices(id)
	}
	for id, origin := range st.deletedEdges {
		base, ok := g.store.peekEdge(id)
		if !ok {
			base = origin
		}
		if base != nil {
			g.index.Unindex(storage.ClassEdge, string(id), base.props)
		}
		g.store.invalidateEdges(id)
	}

	// (2) build final records and invalidate the baseline they replace.
	vfinal := make([]*vertexRecord, 0, len(st.vertices))
	for id, sv := range st.vertices {
		base, ok := g.store.peekVertex(id)
		if !ok {
			base = sv.origin
		}
		var rec *vertexRecord
		if sv.created || base == nil {
			rec = sv.rec.clone()
		} else {
			rec = base.clone()
			for _, m := range sv.log {
				m.applyVertex(rec)
			}
		}
		var oldProps map[string]any
		if base != nil {
			oldProps = base.props
		}
		reindex(g.index, storage.ClassVertex, string(id), vkeys, oldProps, rec.props)
		g.store.invalidateVertices(id)
		vfinal = append(vfinal, rec)
	}
	efinal := make([]*edgeRecord, 0, len(st.edges))
	for id, se := range st.edges {
		base, ok := g.store.peekEdge(id)
		if !ok {
			base = se.origin
		}
		var rec *edgeRecord
		if se.created || base == nil {
			rec = se.rec.clone()
		} else {
			rec = base.clone()
			for _, m := range se.log {
				m.applyEdge(rec)
			}
		}
		var oldProps map[string]any
		if base != nil {
			oldProps = base.props
		}
		reindex(g.index, storage.ClassEdge, string(id), ekeys, oldProps, rec.props)
		g.store.invalidateEdges(id)
		efinal = append(efinal, rec)
	}

	// (3) insert the new baseline.
	for _, rec := range vfinal {
		g.store.putVertex(rec)
	}
	for _, rec := range efinal {
		g.store.putEdge(rec)
	}

	// (4) enqueue persist actions in staged order, then one SOR commit.
	actions := st.persistActions()
	if len(actions) > 0 {
		actions = append(actions, writebehind.Commit())
		// An error here means the persister is closed; it already logged.
		_ = g.persister.Enqueue(actions)
	}

	g.log.WithFields(logrus.Fields{
		"vertices": len(vfinal),
		"edges":    len(efinal),
		"deleted":  len(st.deletedVertices) + len(st.deletedEdges),
		"actions":  len(actions),
	}).Debug("transaction committed")
}

// reindex updates the Key Index for one record given its properties before
// and after the commit.
func reindex(idx *index.KeyIndex, class storage.Class, id string, keys []string, before, after map[string]any) {
	for _, key := range keys {
		oldV, hadOld := before[key]
		newV, hasNew := after[key]
		if hadOld && hasNew && reflect.DeepEqual(oldV, newV) {
			continue
		}
		if !hadOld && !hasNew {
			continue
		}
		idx.Update(class, key, id, oldV, hadOld, newV, hasNew)
	}
}

// ============================================================================
// Key indexes
// ============================================================================

// CreateKeyIndex starts indexing key for class. Records currently in the
// Element Store are backfilled; evicted records are not. The SOR index is
// created through the persister.
func (g *Graph) CreateKeyIndex(class storage.Class, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if isReserved(key) {
		return fmt.Errorf("%s: %w", key, ErrReservedProperty)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	created, err := g.index.AddIndex(class, key)
	if err != nil || !created {
		return err
	}
	switch class {
	case storage.ClassVertex:
		for _, id := range g.store.vertexIDs() {
			if rec, ok := g.store.peekVertex(id); ok {
				if v, has := rec.props[key]; has {
					g.index.Update(class, key, string(id), nil, false, v, true)
				}
			}
		}
	case storage.ClassEdge:
		for _, id := range g.store.edgeIDs() {
			if rec, ok := g.store.peekEdge(id); ok {
				if v, has := rec.props[key]; has {
					g.index.Update(class, key, string(id), nil, false, v, true)
				}
			}
		}
	}
	_ = g.persister.Enqueue([]writebehind.Action{
		writebehind.CreateKeyIndex(class, key),
		writebehind.Commit(),
	})
	g.log.WithFields(logrus.Fields{"class": class.String(), "key": key}).Info("key index created")
	return nil
}

// DropKeyIndex stops indexing key for class.
func (g *Graph) DropKeyIndex(class storage.Class, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if isReserved(key) {
		return fmt.Errorf("%s: %w", key, ErrReservedProperty)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if !class.Valid() {
		return fmt.Errorf("%s: %w", class, index.ErrNotIndexable)
	}
	if !g.index.Has(class, key) {
		return nil
	}
	if err := g.index.DropIndex(class, key); err != nil {
		return err
	}
	_ = g.persister.Enqueue([]writebehind.Action{
		writebehind.DropKeyIndex(class, key),
		writebehind.Commit(),
	})
	return nil
}

// IndexedKeys lists indexed keys for class.
func (g *Graph) IndexedKeys(class storage.Class) []string {
	return g.index.Keys(class)
}

// ============================================================================
// Lifecycle
// ============================================================================

// Flush waits until every commit so far has reached the SOR.
func (g *Graph) Flush(timeout time.Duration) error {
	return g.persister.Flush(timeout)
}

// shutdown drains the persister once. Later calls report the first result.
func (g *Graph) shutdown(timeout time.Duration) bool {
	g.shutdownOnce.Do(func() {
		g.drained = g.persister.Shutdown(timeout)
	})
	return g.drained
}

// Stats holds graph counters.
type Stats struct {
	CachedVertices  int
	CachedEdges     int
	VertexEvictions uint64
	EdgeEvictions   uint64
	Commits         uint64
	VertexIndexes   []string
	EdgeIndexes     []string
	Persister       writebehind.Stats
}

// Stats returns a snapshot of the graph counters.
func (g *Graph) Stats() Stats {
	g.mu.RLock()
	commits := g.commits
	g.mu.RUnlock()

	v, e := g.store.Len()
	ve, ee := g.store.Evictions()
	return Stats{
		CachedVertices:  v,
		CachedEdges:     e,
		VertexEvictions: ve,
		EdgeEvictions:   ee,
		Commits:         commits,
		VertexIndexes:   g.index.Keys(storage.ClassVertex),
		EdgeIndexes:     g.index.Keys(storage.ClassEdge),
		Persister:       g.persister.Stats(),
	}
}

// ============================================================================
// Bulk load
// ============================================================================

// bulkLoad fills the Element Store and Key Index from the SOR partition
// without staging or persisting anything.
func (g *Graph) bulkLoad() (vertices, edges int, err error) {
	vrecs := make(map[VertexID]*vertexRecord)
	var erecs []*edgeRecord

	vertices, edges, err = g.persister.LoadPartition(func(l *writebehind.Loaded) {
		switch l.Class {
		case storage.ClassVertex:
			vrecs[VertexID(l.ID)] = vertexFromLoaded(l)
		case storage.ClassEdge:
			erecs = append(erecs, edgeFromLoaded(l))
		}
	})
	if err != nil {
		return vertices, edges, err
	}
	for _, e := range erecs {
		if v, ok := vrecs[e.out]; ok {
			v.out[e.id] = struct{}{}
		}
		if v, ok := vrecs[e.in]; ok {
			v.in[e.id] = struct{}{}
		}
	}
	g.install(vrecs, erecs)
	return vertices, edges, nil
}

// install puts finished records into the Element Store and Key Index. Used
// before the graph is published.
func (g *Graph) install(vrecs map[VertexID]*vertexRecord, erecs []*edgeRecord) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]VertexID, 0, len(vrecs))
	for id := range vrecs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rec := vrecs[id]
		g.index.Index(storage.ClassVertex, string(id), rec.props)
		g.store.putVertex(rec)
	}
	for _, rec := range erecs {
		g.index.Index(storage.ClassEdge, string(rec.id), rec.props)
		g.store.putEdge(rec)
	}
}

// snapshot copies the cached baseline. Edges whose endpoints are not both
// cached are left out, and vertex adjacency is trimmed to the copied edges.
func (g *Graph) snapshot() (map[VertexID]*vertexRecord, []*edgeRecord) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	vrecs := make(map[VertexID]*vertexRecord)
	for _, id := range g.store.vertexIDs() {
		if rec, ok := g.store.peekVertex(id); ok {
			c := rec.clone()
			c.out = make(map[EdgeID]struct{})
			c.in = make(map[EdgeID]struct{})
			vrecs[id] = c
		}
	}

	var erecs []*edgeRecord
	eids := g.store.edgeIDs()
	sort.Slice(eids, func(i, j int) bool { return eids[i] < eids[j] })
	for _, id := range eids {
		rec, ok := g.store.peekEdge(id)
		if !ok {
			continue
		}
		out, okOut := vrecs[rec.out]
		in, okIn := vrecs[rec.in]
		if !okOut || !okIn {
			continue
		}
		out.out[id] = struct{}{}
		in.in[id] = struct{}{}
		erecs = append(erecs, rec.clone())
	}
	return vrecs, erecs
}

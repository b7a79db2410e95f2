// Package cpigraph is a transactional, partitioned cache in front of a
// durable graph store (the system of record, SOR).
//
// Callers mutate an in-memory graph through transactions that see their own
// writes immediately. Commit merges the staged changes into a shared
// baseline and hands the matching SOR operations to a write-behind
// persister, so commit latency never includes storage latency. Several
// logical graphs (partitions) can share one SOR; every persisted element
// carries its partition tag.
//
// Architecture:
//   - ElementStore: bounded LRU of committed vertex and edge records
//   - KeyIndex: per-key value index over committed records
//   - Tx: copy-on-write stage of one transaction
//   - Persister: one FIFO worker per graph replaying commits
//   - Manager: registry of graphs sharing one SOR
//
// Example Usage:
//
//	store, _ := storage.NewBadgerStore("./data")
//	mgr, err := cpigraph.NewManager(store, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mgr.Shutdown()
//
//	g, _ := mgr.Graph("social")
//	tx := g.Begin()
//	alice, _ := tx.AddVertexWithID("alice")
//	bob, _ := tx.AddVertexWithID("bob")
//	_, _ = alice.AddEdge("knows", bob)
//	_ = alice.SetProperty("age", 30)
//	tx.Commit()
//
// Consistency:
//
// The in-memory view is authoritative once a commit returns. The SOR
// converges asynchronously; a persist action that fails is logged and not
// retried, so the SOR can fall behind the cache. Concurrent transactions are
// not checked for conflicts: each commit replays its own changes on the
// baseline it finds.
package cpigraph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/orneryd/cpigraph/pkg/storage"
	"github.com/orneryd/cpigraph/pkg/writebehind"
)

// Manager owns the graphs that share one SOR.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type Manager struct {
	sor  storage.Store
	opts Options
	log  *logrus.Entry

	mu     sync.Mutex
	graphs *expirable.LRU[string, *Graph]
	closed bool
}

// NewManager creates a Manager over sor. It makes sure the SOR indexes the
// reserved id and partition keys for both classes. opts may be nil.
func NewManager(sor storage.Store, opts *Options) (*Manager, error) {
	o := opts.withDefaults()
	m := &Manager{
		sor:  sor,
		opts: o,
		log:  o.Logger.WithField("component", "manager"),
	}

	for _, class := range []storage.Class{storage.ClassVertex, storage.ClassEdge} {
		existing, err := sor.IndexedKeys(class)
		if err != nil {
			return nil, fmt.Errorf("listing %s indexes: %w", class, err)
		}
		have := make(map[string]bool, len(existing))
		for _, k := range existing {
			have[k] = true
		}
		for _, key := range []string{storage.IDKey, storage.PartitionKey} {
			if have[key] {
				continue
			}
			if err := sor.CreateKeyIndex(key, class); err != nil {
				return nil, fmt.Errorf("creating %s index on %s: %w", class, key, err)
			}
		}
	}
	if err := sor.Commit(); err != nil {
		return nil, fmt.Errorf("committing reserved indexes: %w", err)
	}

	m.graphs = expirable.NewLRU[string, *Graph](o.RegistrySize, m.onEvict, o.RegistryTTL)
	return m, nil
}

// onEvict runs when a graph leaves the registry through expiry, capacity
// eviction, Drop or Shutdown.
func (m *Manager) onEvict(id string, g *Graph) {
	drained := g.shutdown(m.opts.ShutdownTimeout)
	m.log.WithFields(logrus.Fields{"graph": id, "drained": drained}).Info("graph closed")
}

// Create registers a new graph and bulk-loads its partition from the SOR.
func (m *Manager) Create(graphID string) (*Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(graphID)
}

func (m *Manager) createLocked(graphID string) (*Graph, error) {
	if m.closed {
		return nil, ErrManagerClosed
	}
	if graphID == "" {
		return nil, ErrNullID
	}
	if m.graphs.Contains(graphID) {
		return nil, fmt.Errorf("%s: %w", graphID, ErrGraphExists)
	}

	g, err := newGraph(graphID, m.sor, m.opts)
	if err != nil {
		return nil, err
	}
	if err := m.mirrorIndexes(g); err != nil {
		g.shutdown(m.opts.ShutdownTimeout)
		return nil, err
	}
	vertices, edges, err := g.bulkLoad()
	if err != nil {
		g.shutdown(m.opts.ShutdownTimeout)
		return nil, fmt.Errorf("loading graph %s: %w", graphID, err)
	}
	m.graphs.Add(graphID, g)
	m.log.WithFields(logrus.Fields{
		"graph":    graphID,
		"vertices": vertices,
		"edges":    edges,
	}).Info("graph loaded")
	return g, nil
}

// mirrorIndexes adds every non-reserved SOR key index to the graph's Key
// Index so bulk-loaded records are indexed.
func (m *Manager) mirrorIndexes(g *Graph) error {
	for _, class := range []storage.Class{storage.ClassVertex, storage.ClassEdge} {
		keys, err := m.sor.IndexedKeys(class)
		if err != nil {
			return fmt.Errorf("listing %s indexes: %w", class, err)
		}
		for _, k := range keys {
			if isReserved(k) {
				continue
			}
			if _, err := g.index.AddIndex(class, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Graph returns the registered graph or creates it.
func (m *Manager) Graph(graphID string) (*Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if g, ok := m.graphs.Get(graphID); ok {
		return g, nil
	}
	return m.createLocked(graphID)
}

// Exists reports whether graphID is registered.
func (m *Manager) Exists(graphID string) bool {
	return m.graphs.Contains(graphID)
}

// Graphs lists registered graph ids, sorted.
func (m *Manager) Graphs() []string {
	ids := m.graphs.Keys()
	sort.Strings(ids)
	return ids
}

// Drop closes a graph and removes it from the registry. Its SOR data stays.
func (m *Manager) Drop(graphID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.graphs.Remove(graphID)
}

// CreateFrom copies every cached baseline record of src into a new graph
// with the same element ids and persists the copies under the new
// partition tag, vertices before edges.
func (m *Manager) CreateFrom(src *Graph, graphID string) (*Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if graphID == "" {
		return nil, ErrNullID
	}
	if m.graphs.Contains(graphID) {
		return nil, fmt.Errorf("%s: %w", graphID, ErrGraphExists)
	}
	existing, err := m.sor.Lookup(storage.ClassVertex, map[string]any{storage.PartitionKey: graphID})
	if err != nil {
		return nil, fmt.Errorf("checking partition %s: %w", graphID, err)
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%s has %d stored vertices: %w", graphID, len(existing), ErrGraphExists)
	}

	dst, err := newGraph(graphID, m.sor, m.opts)
	if err != nil {
		return nil, err
	}
	for _, class := range []storage.Class{storage.ClassVertex, storage.ClassEdge} {
		for _, k := range src.index.Keys(class) {
			if _, err := dst.index.AddIndex(class, k); err != nil {
				dst.shutdown(m.opts.ShutdownTimeout)
				return nil, err
			}
		}
	}

	vrecs, erecs := src.snapshot()
	var actions []writebehind.Action
	for _, class := range []storage.Class{storage.ClassVertex, storage.ClassEdge} {
		for _, k := range dst.index.Keys(class) {
			actions = append(actions, writebehind.CreateKeyIndex(class, k))
		}
	}
	vids := make([]VertexID, 0, len(vrecs))
	for id := range vrecs {
		vids = append(vids, id)
	}
	sort.Slice(vids, func(i, j int) bool { return vids[i] < vids[j] })
	for _, id := range vids {
		actions = append(actions, writebehind.AddVertex(string(id)))
		props := vrecs[id].props
		for _, k := range sortedKeys(props) {
			actions = append(actions, writebehind.SetProperty(storage.ClassVertex, string(id), k, props[k]))
		}
	}
	for _, e := range erecs {
		actions = append(actions, writebehind.AddEdge(string(e.id), string(e.out), string(e.in), e.label))
		for _, k := range sortedKeys(e.props) {
			actions = append(actions, writebehind.SetProperty(storage.ClassEdge, string(e.id), k, e.props[k]))
		}
	}

	dst.install(vrecs, erecs)
	if len(actions) > 0 {
		_ = dst.persister.Enqueue(append(actions, writebehind.Commit()))
	}
	m.graphs.Add(graphID, dst)
	m.log.WithFields(logrus.Fields{
		"graph":    graphID,
		"source":   src.id,
		"vertices": len(vrecs),
		"edges":    len(erecs),
	}).Info("graph copied")
	return dst, nil
}

// Shutdown drains every graph's persister, then shuts down the SOR. Later
// calls return ErrManagerClosed.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrManagerClosed
	}
	m.closed = true

	for _, g := range m.graphs.Values() {
		g.shutdown(m.opts.ShutdownTimeout)
	}
	m.graphs.Purge()

	if err := m.sor.Shutdown(); err != nil {
		return fmt.Errorf("shutting down store: %w", err)
	}
	m.log.Info("manager shut down")
	return nil
}

// Package storage - MemoryStore is a map-backed system of record.
//
// MemoryStore is used by tests and by hosts that want the caching layer
// without durability. Writes apply immediately; Commit and Rollback are
// counted so tests can observe how the persister drives the store.
//
// Thread Safety:
//
//	All operations hold an RWMutex; several partitions may share one store.
package storage

import (
	"fmt"
	"reflect"
	"strconv"
	"sync"
)

// memElement is the stored state of one element.
type memElement struct {
	class      Class
	label      string
	out, in    Handle
	properties map[string]any
	outEdges   map[Handle]struct{}
	inEdges    map[Handle]struct{}
}

// FaultFunc decides whether an operation should fail. op is the Store method
// name ("AddVertex", "SetProperty", ...); h is the handle involved, when any.
type FaultFunc func(op string, h Handle) error

// MemoryStore is a thread-safe in-memory Store.
//
// Example:
//
//	store := storage.NewMemoryStore()
//	mgr, _ := cpigraph.NewManager(store)
//	g, _ := mgr.Create("accounts")
type MemoryStore struct {
	mu       sync.RWMutex
	elements map[Handle]*memElement
	indexed  map[Class]map[string]struct{}
	nextID   uint64
	closed   bool
	fault    FaultFunc

	commits   int
	rollbacks int
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		elements: make(map[Handle]*memElement),
		indexed: map[Class]map[string]struct{}{
			ClassVertex: {},
			ClassEdge:   {},
		},
	}
}

// SetFault installs a fault-injection hook. Pass nil to clear it.
func (m *MemoryStore) SetFault(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// checkLocked returns an error when the store is closed or the fault hook
// rejects the operation. Caller must hold m.mu.
func (m *MemoryStore) checkLocked(op string, h Handle) error {
	if m.closed {
		return ErrStorageClosed
	}
	if m.fault != nil {
		if err := m.fault(op, h); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryStore) newHandleLocked(prefix string) Handle {
	m.nextID++
	return Handle(prefix + strconv.FormatUint(m.nextID, 10))
}

// AddVertex creates a vertex. The id argument is advisory; callers stamp the
// logical id under IDKey themselves.
func (m *MemoryStore) AddVertex(id string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("AddVertex", ""); err != nil {
		return "", err
	}
	h := m.newHandleLocked("v")
	m.elements[h] = &memElement{
		class:      ClassVertex,
		properties: make(map[string]any),
		outEdges:   make(map[Handle]struct{}),
		inEdges:    make(map[Handle]struct{}),
	}
	return h, nil
}

// AddEdge creates an edge between two existing vertices.
func (m *MemoryStore) AddEdge(id string, out, in Handle, label string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("AddEdge", ""); err != nil {
		return "", err
	}
	ov, ok := m.elements[out]
	if !ok || ov.class != ClassVertex {
		return "", fmt.Errorf("out vertex %s: %w", out, ErrInvalidHandle)
	}
	iv, ok := m.elements[in]
	if !ok || iv.class != ClassVertex {
		return "", fmt.Errorf("in vertex %s: %w", in, ErrInvalidHandle)
	}

	h := m.newHandleLocked("e")
	m.elements[h] = &memElement{
		class:      ClassEdge,
		label:      label,
		out:        out,
		in:         in,
		properties: make(map[string]any),
	}
	ov.outEdges[h] = struct{}{}
	iv.inEdges[h] = struct{}{}
	return h, nil
}

// RemoveVertex deletes a vertex and every incident edge.
func (m *MemoryStore) RemoveVertex(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("RemoveVertex", h); err != nil {
		return err
	}
	el, ok := m.elements[h]
	if !ok || el.class != ClassVertex {
		return fmt.Errorf("vertex %s: %w", h, ErrNotFound)
	}
	for eh := range el.outEdges {
		m.removeEdgeLocked(eh)
	}
	for eh := range el.inEdges {
		m.removeEdgeLocked(eh)
	}
	delete(m.elements, h)
	return nil
}

// RemoveEdge deletes an edge.
func (m *MemoryStore) RemoveEdge(h Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("RemoveEdge", h); err != nil {
		return err
	}
	el, ok := m.elements[h]
	if !ok || el.class != ClassEdge {
		return fmt.Errorf("edge %s: %w", h, ErrNotFound)
	}
	m.removeEdgeLocked(h)
	return nil
}

func (m *MemoryStore) removeEdgeLocked(h Handle) {
	el, ok := m.elements[h]
	if !ok {
		return
	}
	if ov, ok := m.elements[el.out]; ok {
		delete(ov.outEdges, h)
	}
	if iv, ok := m.elements[el.in]; ok {
		delete(iv.inEdges, h)
	}
	delete(m.elements, h)
}

// SetProperty sets a property on any element.
func (m *MemoryStore) SetProperty(h Handle, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("SetProperty", h); err != nil {
		return err
	}
	el, ok := m.elements[h]
	if !ok {
		return fmt.Errorf("element %s: %w", h, ErrNotFound)
	}
	el.properties[key] = value
	return nil
}

// RemoveProperty removes a property. Removing an absent key is not an error.
func (m *MemoryStore) RemoveProperty(h Handle, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("RemoveProperty", h); err != nil {
		return err
	}
	el, ok := m.elements[h]
	if !ok {
		return fmt.Errorf("element %s: %w", h, ErrNotFound)
	}
	delete(el.properties, key)
	return nil
}

// Lookup scans every element of the class. The index metadata only affects
// IndexedKeys; a map scan is already fast enough for this driver.
func (m *MemoryStore) Lookup(class Class, match map[string]any) ([]Handle, error) {
	if !class.Valid() {
		return nil, ErrInvalidClass
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	if m.fault != nil {
		if err := m.fault("Lookup", ""); err != nil {
			return nil, err
		}
	}

	var hits []Handle
	for h, el := range m.elements {
		if el.class != class {
			continue
		}
		if matches(el.properties, match) {
			hits = append(hits, h)
		}
	}
	return hits, nil
}

func matches(props, match map[string]any) bool {
	for k, want := range match {
		got, ok := props[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Read returns a copy of the element behind h.
func (m *MemoryStore) Read(h Handle) (*Element, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	el, ok := m.elements[h]
	if !ok {
		return nil, fmt.Errorf("element %s: %w", h, ErrNotFound)
	}
	return &Element{
		Handle:     h,
		Class:      el.class,
		Label:      el.label,
		Out:        el.out,
		In:         el.in,
		Properties: copyProperties(el.properties),
	}, nil
}

// Incident returns the edges attached to a vertex.
func (m *MemoryStore) Incident(h Handle, dir Direction) ([]Handle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	el, ok := m.elements[h]
	if !ok || el.class != ClassVertex {
		return nil, fmt.Errorf("vertex %s: %w", h, ErrNotFound)
	}
	var edges []Handle
	if dir == DirOut || dir == DirBoth {
		for eh := range el.outEdges {
			edges = append(edges, eh)
		}
	}
	if dir == DirIn || dir == DirBoth {
		for eh := range el.inEdges {
			// Self loops are already listed as out edges.
			if dir == DirBoth {
				if _, dup := el.outEdges[eh]; dup {
					continue
				}
			}
			edges = append(edges, eh)
		}
	}
	return edges, nil
}

// CreateKeyIndex records key as indexed for the class.
func (m *MemoryStore) CreateKeyIndex(key string, class Class) error {
	if !class.Valid() {
		return ErrInvalidClass
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("CreateKeyIndex", ""); err != nil {
		return err
	}
	m.indexed[class][key] = struct{}{}
	return nil
}

// DropKeyIndex forgets an indexed key.
func (m *MemoryStore) DropKeyIndex(key string, class Class) error {
	if !class.Valid() {
		return ErrInvalidClass
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("DropKeyIndex", ""); err != nil {
		return err
	}
	delete(m.indexed[class], key)
	return nil
}

// IndexedKeys lists indexed keys for the class.
func (m *MemoryStore) IndexedKeys(class Class) ([]string, error) {
	if !class.Valid() {
		return nil, ErrInvalidClass
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.indexed[class]))
	for k := range m.indexed[class] {
		keys = append(keys, k)
	}
	return keys, nil
}

// Commit is counted; writes are already applied.
func (m *MemoryStore) Commit() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("Commit", ""); err != nil {
		return err
	}
	m.commits++
	return nil
}

// Rollback is counted. MemoryStore applies writes eagerly, so there is
// nothing to undo.
func (m *MemoryStore) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkLocked("Rollback", ""); err != nil {
		return err
	}
	m.rollbacks++
	return nil
}

// Shutdown closes the store. Every later call fails with ErrStorageClosed.
func (m *MemoryStore) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Counts returns the number of stored vertices and edges.
func (m *MemoryStore) Counts() (vertices, edges int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, el := range m.elements {
		if el.class == ClassVertex {
			vertices++
		} else {
			edges++
		}
	}
	return vertices, edges
}

// CountsIn returns vertex and edge counts for one partition.
func (m *MemoryStore) CountsIn(partition string) (vertices, edges int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, el := range m.elements {
		if p, _ := el.properties[PartitionKey].(string); p != partition {
			continue
		}
		if el.class == ClassVertex {
			vertices++
		} else {
			edges++
		}
	}
	return vertices, edges
}

// CommitCount returns how many times Commit succeeded.
func (m *MemoryStore) CommitCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// RollbackCount returns how many times Rollback succeeded.
func (m *MemoryStore) RollbackCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rollbacks
}

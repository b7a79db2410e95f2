// Package storage defines the system-of-record (SOR) contract that CPIGraph
// writes behind to, plus two drivers: MemoryStore and BadgerStore.
//
// The SOR is the durable graph store sitting behind the cache. It knows
// nothing about transactions staged in the cache or about logical graphs:
// it stores elements, their properties and a few secondary indexes. Logical
// graphs (partitions) are told apart by the reserved PartitionKey property
// that the write-behind persister stamps on every element it creates.
//
// Design Principles:
//   - Handles are opaque strings chosen by the driver
//   - Logical ids live in the reserved IDKey property, never in the handle
//   - Writes accumulate until Commit; Rollback discards what is pending
//   - Drivers are internally locked so several partitions can share one
//
// Example Usage:
//
//	store := storage.NewMemoryStore()
//	defer store.Shutdown()
//
//	v, _ := store.AddVertex("v1")
//	_ = store.SetProperty(v, storage.IDKey, "v1")
//	_ = store.SetProperty(v, "name", "alice")
//	_ = store.Commit()
//
//	hits, _ := store.Lookup(storage.ClassVertex, map[string]any{storage.IDKey: "v1"})
//	fmt.Println(len(hits)) // 1
package storage

import (
	"errors"
	"fmt"
	"sort"
)

// Reserved property keys. Both are system-managed: the cache rejects attempts
// to set or remove them directly.
const (
	// IDKey holds the logical element id.
	IDKey = "__id"
	// PartitionKey holds the logical graph (partition) an element belongs to.
	PartitionKey = "__partition"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidHandle = errors.New("invalid handle")
	ErrInvalidClass  = errors.New("invalid element class")
	ErrStorageClosed = errors.New("storage closed")
)

// Class tags an element as a vertex or an edge.
type Class uint8

const (
	ClassVertex Class = iota + 1
	ClassEdge
)

// Valid reports whether c is a known element class.
func (c Class) Valid() bool {
	return c == ClassVertex || c == ClassEdge
}

func (c Class) String() string {
	switch c {
	case ClassVertex:
		return "vertex"
	case ClassEdge:
		return "edge"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Direction selects incident edges of a vertex.
type Direction uint8

const (
	DirOut Direction = iota + 1
	DirIn
	DirBoth
)

func (d Direction) String() string {
	switch d {
	case DirOut:
		return "out"
	case DirIn:
		return "in"
	case DirBoth:
		return "both"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

// Handle is a driver-assigned reference to an element stored in the SOR.
// It is only meaningful to the Store that returned it.
type Handle string

// Element is a point-in-time read of one SOR element.
//
// Properties include the reserved keys when they were set. Label, Out and In
// are only populated for edges.
type Element struct {
	Handle     Handle
	Class      Class
	Label      string
	Out        Handle
	In         Handle
	Properties map[string]any
}

// ID returns the logical id stored under IDKey, or "" when absent.
func (e *Element) ID() string {
	if e == nil {
		return ""
	}
	id, _ := e.Properties[IDKey].(string)
	return id
}

// Partition returns the partition tag stored under PartitionKey.
func (e *Element) Partition() string {
	if e == nil {
		return ""
	}
	p, _ := e.Properties[PartitionKey].(string)
	return p
}

// Store is the system-of-record contract.
//
// All Store implementations MUST be safe for concurrent use. Writes may be
// buffered until Commit; reads observe pending writes of the same Store.
type Store interface {
	// Element operations
	AddVertex(id string) (Handle, error)
	AddEdge(id string, out, in Handle, label string) (Handle, error)
	RemoveVertex(h Handle) error
	RemoveEdge(h Handle) error

	// Property operations
	SetProperty(h Handle, key string, value any) error
	RemoveProperty(h Handle, key string) error

	// Query operations
	//
	// Lookup returns every element of the class whose properties contain all
	// entries of match. An empty match returns every element of the class.
	Lookup(class Class, match map[string]any) ([]Handle, error)
	Read(h Handle) (*Element, error)
	Incident(h Handle, dir Direction) ([]Handle, error)

	// Key index operations
	CreateKeyIndex(key string, class Class) error
	DropKeyIndex(key string, class Class) error
	IndexedKeys(class Class) ([]string, error)

	// Lifecycle
	Commit() error
	Rollback() error
	Shutdown() error
}

// LogicalID reads the IDKey property of the element behind h.
func LogicalID(s Store, h Handle) (string, error) {
	el, err := s.Read(h)
	if err != nil {
		return "", err
	}
	id := el.ID()
	if id == "" {
		return "", fmt.Errorf("element %s has no %s property: %w", h, IDKey, ErrNotFound)
	}
	return id, nil
}

// sortedKeys returns the keys of match in a stable order so lookups pick
// the same index key on every call.
func sortedKeys(match map[string]any) []string {
	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// copyProperties returns a shallow copy of props (never nil).
func copyProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

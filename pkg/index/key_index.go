// Package index provides the secondary key index for cached graph elements.
//
// A KeyIndex maps (element class, property key) to a multimap from property
// value to the set of element ids currently holding that value. Only keys that
// were explicitly added are maintained; lookups on other keys are answered by
// the caller with a filtered scan.
//
// Example Usage:
//
//	idx := index.NewKeyIndex()
//	_ = idx.AddIndex(storage.ClassVertex, "name")
//
//	idx.Index(storage.ClassVertex, "v1", map[string]any{"name": "alice"})
//	idx.Update(storage.ClassVertex, "name", "v1", "alice", true, "bob", true)
//
//	ids := idx.Lookup(storage.ClassVertex, "name", "bob") // ["v1"]
//
// Value Normalization:
//
// Comparable values (strings, numbers, bools, comparable structs) are used as
// map keys directly. Slices, maps and other non-comparable values are keyed by
// their JSON encoding, so two slices with equal contents share an entry.
//
// Performance Characteristics:
//   - Lookup: O(1) map access plus O(k) to copy k matching ids
//   - Update: O(1)
//   - Memory: one map entry per (value, id) pair
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/orneryd/cpigraph/pkg/storage"
)

// ErrNotIndexable is returned for a class that is neither vertex nor edge.
var ErrNotIndexable = errors.New("class is not indexable")

// jsonKey keys a non-comparable value by its JSON encoding. It is a distinct
// type so it never collides with a plain string value.
type jsonKey string

// postings maps a normalized value to the ids holding it.
type postings map[any]map[string]struct{}

// KeyIndex is a thread-safe per-class, per-key value index.
type KeyIndex struct {
	mu      sync.RWMutex
	indexes map[storage.Class]map[string]postings
}

// NewKeyIndex creates an empty index for both element classes.
func NewKeyIndex() *KeyIndex {
	return &KeyIndex{
		indexes: map[storage.Class]map[string]postings{
			storage.ClassVertex: {},
			storage.ClassEdge:   {},
		},
	}
}

// Normalize returns the map key used for value.
func Normalize(value any) any {
	if value == nil {
		return nil
	}
	if reflect.TypeOf(value).Comparable() {
		return value
	}
	data, err := json.Marshal(value)
	if err != nil {
		return jsonKey(fmt.Sprintf("%#v", value))
	}
	return jsonKey(data)
}

func checkClass(class storage.Class) error {
	if !class.Valid() {
		return fmt.Errorf("%s: %w", class, ErrNotIndexable)
	}
	return nil
}

// AddIndex starts maintaining key for class. The new index starts empty;
// callers backfill it with Update or Index. Adding an existing index is a
// no-op that reports false.
func (k *KeyIndex) AddIndex(class storage.Class, key string) (bool, error) {
	if err := checkClass(class); err != nil {
		return false, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.indexes[class][key]; ok {
		return false, nil
	}
	k.indexes[class][key] = make(postings)
	return true, nil
}

// DropIndex stops maintaining key for class and discards its entries.
func (k *KeyIndex) DropIndex(class storage.Class, key string) error {
	if err := checkClass(class); err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.indexes[class], key)
	return nil
}

// Has reports whether key is indexed for class.
func (k *KeyIndex) Has(class storage.Class, key string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.indexes[class][key]
	return ok
}

// Keys returns the indexed keys for class in sorted order.
func (k *KeyIndex) Keys(class storage.Class) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := make([]string, 0, len(k.indexes[class]))
	for key := range k.indexes[class] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Index inserts id under every indexed key present in props.
func (k *KeyIndex) Index(class storage.Class, id string, props map[string]any) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, p := range k.indexes[class] {
		if v, ok := props[key]; ok {
			p.add(Normalize(v), id)
		}
	}
}

// Unindex removes id from every indexed key present in props.
func (k *KeyIndex) Unindex(class storage.Class, id string, props map[string]any) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for key, p := range k.indexes[class] {
		if v, ok := props[key]; ok {
			p.remove(Normalize(v), id)
		}
	}
}

// Update moves id from oldValue to newValue under key. hadOld and hasNew say
// whether the property was set before and after the change. Updates for
// keys that are not indexed are ignored.
func (k *KeyIndex) Update(class storage.Class, key, id string, oldValue any, hadOld bool, newValue any, hasNew bool) {
	k.mu.Lock()
	defer k.mu.Unlock()

	p, ok := k.indexes[class][key]
	if !ok {
		return
	}
	if hadOld {
		p.remove(Normalize(oldValue), id)
	}
	if hasNew {
		p.add(Normalize(newValue), id)
	}
}

// Remove drops id from value under key.
func (k *KeyIndex) Remove(class storage.Class, key string, value any, id string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if p, ok := k.indexes[class][key]; ok {
		p.remove(Normalize(value), id)
	}
}

// Lookup returns the ids indexed under value for key, sorted. It returns nil
// when key is not indexed or nothing matches.
func (k *KeyIndex) Lookup(class storage.Class, key string, value any) []string {
	k.mu.RLock()
	defer k.mu.RUnlock()

	p, ok := k.indexes[class][key]
	if !ok {
		return nil
	}
	set := p[Normalize(value)]
	if len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Values returns how many distinct values are indexed under key.
func (k *KeyIndex) Values(class storage.Class, key string) int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.indexes[class][key])
}

func (p postings) add(v any, id string) {
	set, ok := p[v]
	if !ok {
		set = make(map[string]struct{})
		p[v] = set
	}
	set[id] = struct{}{}
}

func (p postings) remove(v any, id string) {
	set, ok := p[v]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(p, v)
	}
}

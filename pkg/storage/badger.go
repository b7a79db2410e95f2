// Package storage - BadgerStore is a durable system of record on BadgerDB.
//
// Writes accumulate in one pending read-write transaction that Commit
// commits and Rollback discards, which is the contract the write-behind
// persister expects from a transactional graph store.
package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixElement  = byte(0x01) // element:handle -> JSON(badgerElement)
	prefixIndex    = byte(0x02) // index:class:key:0x00:json(value):0x00:handle -> empty
	prefixIndexKey = byte(0x03) // indexed:class:key -> empty
	prefixAdjacent = byte(0x04) // adj:vertex:0x00:dir:edge -> empty
	prefixSequence = byte(0x05) // handle sequence
)

// sequenceBandwidth is how many handles the sequence leases per round trip.
const sequenceBandwidth = 1000

// BadgerStore provides persistent SOR storage using BadgerDB.
//
// Key Structure:
//   - Elements: 0x01 + handle -> JSON(element)
//   - Property index: 0x02 + class + key + 0x00 + json(value) + 0x00 + handle -> empty
//   - Indexed keys: 0x03 + class + key -> empty
//   - Adjacency: 0x04 + vertex + 0x00 + dir + edge -> empty
//
// Example:
//
//	store, err := storage.NewBadgerStore("/path/to/data")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Shutdown()
//
// Thread Safety:
//
//	Safe for concurrent use. One mutex serializes access to the pending
//	transaction, which Badger does not allow to be shared.
type BadgerStore struct {
	db      *badger.DB
	seq     *badger.Sequence
	mu      sync.Mutex
	pending *badger.Txn
	closed  bool
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	// Slower but more durable.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is silenced.
	Logger badger.Logger
}

// badgerElement is the on-disk encoding of one element.
type badgerElement struct {
	Class      Class          `json:"c"`
	Label      string         `json:"l,omitempty"`
	Out        Handle         `json:"o,omitempty"`
	In         Handle         `json:"i,omitempty"`
	Properties map[string]any `json:"p"`
}

// NewBadgerStore opens a persistent store in dataDir with default settings.
func NewBadgerStore(dataDir string) (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{DataDir: dataDir})
}

// NewBadgerStoreInMemory opens an in-memory BadgerDB for testing.
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	return NewBadgerStoreWithOptions(BadgerOptions{InMemory: true})
}

// NewBadgerStoreWithOptions opens a BadgerStore with custom configuration.
func NewBadgerStoreWithOptions(opts BadgerOptions) (*BadgerStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	badgerOpts = badgerOpts.
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	seq, err := db.GetSequence([]byte{prefixSequence}, sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open handle sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func elementKey(h Handle) []byte {
	return append([]byte{prefixElement}, []byte(h)...)
}

// indexPrefix returns the prefix for every entry of (class, key, value).
func indexPrefix(class Class, key string, value []byte) []byte {
	k := make([]byte, 0, 2+len(key)+1+len(value)+1)
	k = append(k, prefixIndex, byte(class))
	k = append(k, key...)
	k = append(k, 0x00)
	k = append(k, value...)
	k = append(k, 0x00)
	return k
}

// indexKeyPrefix returns the prefix for every entry of (class, key).
func indexKeyPrefix(class Class, key string) []byte {
	k := make([]byte, 0, 2+len(key)+1)
	k = append(k, prefixIndex, byte(class))
	k = append(k, key...)
	k = append(k, 0x00)
	return k
}

func indexEntryKey(class Class, key string, value []byte, h Handle) []byte {
	return append(indexPrefix(class, key, value), []byte(h)...)
}

func indexedMetaKey(class Class, key string) []byte {
	return append([]byte{prefixIndexKey, byte(class)}, key...)
}

func adjacencyPrefix(v Handle, dir Direction) []byte {
	k := make([]byte, 0, 1+len(v)+2)
	k = append(k, prefixAdjacent)
	k = append(k, v...)
	k = append(k, 0x00, byte(dir))
	return k
}

func adjacencyKey(v Handle, dir Direction, e Handle) []byte {
	return append(adjacencyPrefix(v, dir), []byte(e)...)
}

// encodeValue is the canonical byte form of a property value, used both for
// index keys and for Lookup equality.
func encodeValue(v any) ([]byte, error) {
	return json.Marshal(v)
}

func decodeElement(data []byte) (*badgerElement, error) {
	var el badgerElement
	if err := json.Unmarshal(data, &el); err != nil {
		return nil, fmt.Errorf("decoding element: %w", err)
	}
	if el.Properties == nil {
		el.Properties = make(map[string]any)
	}
	return &el, nil
}

// ============================================================================
// Transaction helpers
// ============================================================================

// pendingLocked returns the pending write transaction, opening one if needed.
// Caller must hold b.mu.
func (b *BadgerStore) pendingLocked() *badger.Txn {
	if b.pending == nil {
		b.pending = b.db.NewTransaction(true)
	}
	return b.pending
}

// update runs fn inside the pending transaction. When the transaction grows
// too big, the writes so far are committed and fn is retried in a fresh one.
func (b *BadgerStore) update(fn func(txn *badger.Txn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	txn := b.pendingLocked()
	err := fn(txn)
	if errors.Is(err, badger.ErrTxnTooBig) {
		b.pending = nil
		if cerr := txn.Commit(); cerr != nil {
			return fmt.Errorf("committing oversized transaction: %w", cerr)
		}
		err = fn(b.pendingLocked())
	}
	return err
}

// view runs fn against the pending transaction when there is one, so reads
// observe uncommitted writes, and against a read-only snapshot otherwise.
func (b *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	if b.pending != nil {
		return fn(b.pending)
	}
	return b.db.View(fn)
}

func (b *BadgerStore) nextHandle(prefix string) (Handle, error) {
	n, err := b.seq.Next()
	if err != nil {
		return "", fmt.Errorf("allocating handle: %w", err)
	}
	return Handle(prefix + strconv.FormatUint(n, 10)), nil
}

func getElement(txn *badger.Txn, h Handle) (*badgerElement, error) {
	item, err := txn.Get(elementKey(h))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("element %s: %w", h, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var el *badgerElement
	err = item.Value(func(val []byte) error {
		var derr error
		el, derr = decodeElement(val)
		return derr
	})
	return el, err
}

func putElement(txn *badger.Txn, h Handle, el *badgerElement) error {
	data, err := json.Marshal(el)
	if err != nil {
		return fmt.Errorf("encoding element %s: %w", h, err)
	}
	return txn.Set(elementKey(h), data)
}

func isIndexed(txn *badger.Txn, class Class, key string) (bool, error) {
	_, err := txn.Get(indexedMetaKey(class, key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// collectKeys returns copies of every key under prefix. Read-write
// transactions allow only one open iterator, so callers collect first and
// mutate afterwards.
func collectKeys(txn *badger.Txn, prefix []byte) [][]byte {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

// unindexProperties deletes the index entries for every indexed property.
func unindexProperties(txn *badger.Txn, h Handle, el *badgerElement) error {
	for k, v := range el.Properties {
		indexed, err := isIndexed(txn, el.Class, k)
		if err != nil {
			return err
		}
		if !indexed {
			continue
		}
		enc, err := encodeValue(v)
		if err != nil {
			return err
		}
		if err := txn.Delete(indexEntryKey(el.Class, k, enc, h)); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// Store implementation
// ============================================================================

// AddVertex creates an empty vertex.
func (b *BadgerStore) AddVertex(id string) (Handle, error) {
	var h Handle
	err := b.update(func(txn *badger.Txn) error {
		var err error
		if h, err = b.nextHandle("v"); err != nil {
			return err
		}
		return putElement(txn, h, &badgerElement{Class: ClassVertex, Properties: map[string]any{}})
	})
	if err != nil {
		return "", err
	}
	return h, nil
}

// AddEdge creates an edge from out to in.
func (b *BadgerStore) AddEdge(id string, out, in Handle, label string) (Handle, error) {
	var h Handle
	err := b.update(func(txn *badger.Txn) error {
		var err error
		if h, err = b.nextHandle("e"); err != nil {
			return err
		}
		for _, v := range []Handle{out, in} {
			el, err := getElement(txn, v)
			if err != nil {
				return fmt.Errorf("endpoint %s: %w", v, ErrInvalidHandle)
			}
			if el.Class != ClassVertex {
				return fmt.Errorf("endpoint %s is not a vertex: %w", v, ErrInvalidHandle)
			}
		}
		edge := &badgerElement{Class: ClassEdge, Label: label, Out: out, In: in, Properties: map[string]any{}}
		if err := putElement(txn, h, edge); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(out, DirOut, h), nil); err != nil {
			return err
		}
		return txn.Set(adjacencyKey(in, DirIn, h), nil)
	})
	if err != nil {
		return "", err
	}
	return h, nil
}

// RemoveVertex deletes a vertex, its incident edges and its index entries.
func (b *BadgerStore) RemoveVertex(h Handle) error {
	return b.update(func(txn *badger.Txn) error {
		el, err := getElement(txn, h)
		if err != nil {
			return err
		}
		if el.Class != ClassVertex {
			return fmt.Errorf("element %s is not a vertex: %w", h, ErrInvalidHandle)
		}
		for _, dir := range []Direction{DirOut, DirIn} {
			prefix := adjacencyPrefix(h, dir)
			for _, k := range collectKeys(txn, prefix) {
				if err := removeEdgeTxn(txn, Handle(k[len(prefix):])); err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
			}
		}
		if err := unindexProperties(txn, h, el); err != nil {
			return err
		}
		return txn.Delete(elementKey(h))
	})
}

// RemoveEdge deletes an edge.
func (b *BadgerStore) RemoveEdge(h Handle) error {
	return b.update(func(txn *badger.Txn) error {
		return removeEdgeTxn(txn, h)
	})
}

func removeEdgeTxn(txn *badger.Txn, h Handle) error {
	el, err := getElement(txn, h)
	if err != nil {
		return err
	}
	if el.Class != ClassEdge {
		return fmt.Errorf("element %s is not an edge: %w", h, ErrInvalidHandle)
	}
	if err := txn.Delete(adjacencyKey(el.Out, DirOut, h)); err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(el.In, DirIn, h)); err != nil {
		return err
	}
	if err := unindexProperties(txn, h, el); err != nil {
		return err
	}
	return txn.Delete(elementKey(h))
}

// SetProperty sets a property and maintains the property index.
func (b *BadgerStore) SetProperty(h Handle, key string, value any) error {
	enc, err := encodeValue(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return b.update(func(txn *badger.Txn) error {
		el, err := getElement(txn, h)
		if err != nil {
			return err
		}
		indexed, err := isIndexed(txn, el.Class, key)
		if err != nil {
			return err
		}
		if indexed {
			if old, ok := el.Properties[key]; ok {
				oldEnc, err := encodeValue(old)
				if err != nil {
					return err
				}
				if err := txn.Delete(indexEntryKey(el.Class, key, oldEnc, h)); err != nil {
					return err
				}
			}
			if err := txn.Set(indexEntryKey(el.Class, key, enc, h), nil); err != nil {
				return err
			}
		}
		el.Properties[key] = value
		return putElement(txn, h, el)
	})
}

// RemoveProperty removes a property. Removing an absent key is not an error.
func (b *BadgerStore) RemoveProperty(h Handle, key string) error {
	return b.update(func(txn *badger.Txn) error {
		el, err := getElement(txn, h)
		if err != nil {
			return err
		}
		old, ok := el.Properties[key]
		if !ok {
			return nil
		}
		indexed, err := isIndexed(txn, el.Class, key)
		if err != nil {
			return err
		}
		if indexed {
			oldEnc, err := encodeValue(old)
			if err != nil {
				return err
			}
			if err := txn.Delete(indexEntryKey(el.Class, key, oldEnc, h)); err != nil {
				return err
			}
		}
		delete(el.Properties, key)
		return putElement(txn, h, el)
	})
}

// Lookup uses the first indexed key of match (in sorted key order) to pick
// candidates and falls back to a full scan of the class otherwise.
func (b *BadgerStore) Lookup(class Class, match map[string]any) ([]Handle, error) {
	if !class.Valid() {
		return nil, ErrInvalidClass
	}
	want := make(map[string][]byte, len(match))
	for k, v := range match {
		enc, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", k, err)
		}
		want[k] = enc
	}

	var hits []Handle
	err := b.view(func(txn *badger.Txn) error {
		var candidates []Handle
		usedIndex := false
		for _, k := range sortedKeys(match) {
			indexed, err := isIndexed(txn, class, k)
			if err != nil {
				return err
			}
			if !indexed {
				continue
			}
			prefix := indexPrefix(class, k, want[k])
			for _, key := range collectKeys(txn, prefix) {
				candidates = append(candidates, Handle(key[len(prefix):]))
			}
			usedIndex = true
			break
		}

		if !usedIndex {
			return scanElements(txn, func(h Handle, el *badgerElement) {
				if el.Class == class && matchesEncoded(el.Properties, want) {
					hits = append(hits, h)
				}
			})
		}

		for _, h := range candidates {
			el, err := getElement(txn, h)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if el.Class == class && matchesEncoded(el.Properties, want) {
				hits = append(hits, h)
			}
		}
		return nil
	})
	return hits, err
}

func scanElements(txn *badger.Txn, fn func(h Handle, el *badgerElement)) error {
	prefix := []byte{prefixElement}
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		h := Handle(item.Key()[1:])
		err := item.Value(func(val []byte) error {
			el, err := decodeElement(val)
			if err != nil {
				return err
			}
			fn(h, el)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func matchesEncoded(props map[string]any, want map[string][]byte) bool {
	for k, enc := range want {
		got, ok := props[k]
		if !ok {
			return false
		}
		gotEnc, err := encodeValue(got)
		if err != nil || !bytes.Equal(gotEnc, enc) {
			return false
		}
	}
	return true
}

// Read returns the element behind h.
func (b *BadgerStore) Read(h Handle) (*Element, error) {
	var out *Element
	err := b.view(func(txn *badger.Txn) error {
		el, err := getElement(txn, h)
		if err != nil {
			return err
		}
		out = &Element{
			Handle:     h,
			Class:      el.Class,
			Label:      el.Label,
			Out:        el.Out,
			In:         el.In,
			Properties: el.Properties,
		}
		return nil
	})
	return out, err
}

// Incident returns the edges attached to a vertex.
func (b *BadgerStore) Incident(h Handle, dir Direction) ([]Handle, error) {
	var edges []Handle
	err := b.view(func(txn *badger.Txn) error {
		if _, err := getElement(txn, h); err != nil {
			return err
		}
		dirs := []Direction{dir}
		if dir == DirBoth {
			dirs = []Direction{DirOut, DirIn}
		}
		seen := make(map[Handle]struct{})
		for _, d := range dirs {
			prefix := adjacencyPrefix(h, d)
			for _, k := range collectKeys(txn, prefix) {
				eh := Handle(k[len(prefix):])
				if _, dup := seen[eh]; dup {
					continue
				}
				seen[eh] = struct{}{}
				edges = append(edges, eh)
			}
		}
		return nil
	})
	return edges, err
}

// CreateKeyIndex marks key as indexed and backfills entries for existing
// elements of the class.
func (b *BadgerStore) CreateKeyIndex(key string, class Class) error {
	if !class.Valid() {
		return ErrInvalidClass
	}
	return b.update(func(txn *badger.Txn) error {
		indexed, err := isIndexed(txn, class, key)
		if err != nil || indexed {
			return err
		}
		var entries [][]byte
		err = scanElements(txn, func(h Handle, el *badgerElement) {
			if el.Class != class {
				return
			}
			v, ok := el.Properties[key]
			if !ok {
				return
			}
			if enc, err := encodeValue(v); err == nil {
				entries = append(entries, indexEntryKey(class, key, enc, h))
			}
		})
		if err != nil {
			return err
		}
		for _, k := range entries {
			if err := txn.Set(k, nil); err != nil {
				return err
			}
		}
		return txn.Set(indexedMetaKey(class, key), nil)
	})
}

// DropKeyIndex removes the index metadata and every entry for key.
func (b *BadgerStore) DropKeyIndex(key string, class Class) error {
	if !class.Valid() {
		return ErrInvalidClass
	}
	return b.update(func(txn *badger.Txn) error {
		for _, k := range collectKeys(txn, indexKeyPrefix(class, key)) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return txn.Delete(indexedMetaKey(class, key))
	})
}

// IndexedKeys lists indexed keys for the class.
func (b *BadgerStore) IndexedKeys(class Class) ([]string, error) {
	if !class.Valid() {
		return nil, ErrInvalidClass
	}
	var keys []string
	err := b.view(func(txn *badger.Txn) error {
		prefix := []byte{prefixIndexKey, byte(class)}
		for _, k := range collectKeys(txn, prefix) {
			keys = append(keys, string(k[len(prefix):]))
		}
		return nil
	})
	return keys, err
}

// Commit commits the pending transaction, if any.
func (b *BadgerStore) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	if b.pending == nil {
		return nil
	}
	txn := b.pending
	b.pending = nil
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("badger commit: %w", err)
	}
	return nil
}

// Rollback discards the pending transaction, if any.
func (b *BadgerStore) Rollback() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	if b.pending != nil {
		b.pending.Discard()
		b.pending = nil
	}
	return nil
}

// Shutdown commits pending writes and closes the database.
func (b *BadgerStore) Shutdown() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if b.pending != nil {
		if err := b.pending.Commit(); err != nil {
			errs = append(errs, fmt.Errorf("committing pending writes: %w", err))
		}
		b.pending = nil
	}
	if err := b.seq.Release(); err != nil {
		errs = append(errs, fmt.Errorf("releasing sequence: %w", err))
	}
	if err := b.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing badger: %w", err))
	}
	return errors.Join(errs...)
}

package writebehind

import (
	"fmt"

	"github.com/orneryd/cpigraph/pkg/storage"
)

// OpKind identifies a persist action.
type OpKind uint8

const (
	OpAddVertex OpKind = iota + 1
	OpRemoveVertex
	OpAddEdge
	OpRemoveEdge
	OpSetProperty
	OpRemoveProperty
	OpCreateKeyIndex
	OpDropKeyIndex
	OpCommit
	OpRollback
)

var opNames = map[OpKind]string{
	OpAddVertex:      "add_vertex",
	OpRemoveVertex:   "remove_vertex",
	OpAddEdge:        "add_edge",
	OpRemoveEdge:     "remove_edge",
	OpSetProperty:    "set_property",
	OpRemoveProperty: "remove_property",
	OpCreateKeyIndex: "create_key_index",
	OpDropKeyIndex:   "drop_key_index",
	OpCommit:         "commit",
	OpRollback:       "rollback",
}

func (o OpKind) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Action is one staged SOR operation. Elements are referenced by logical
// id; the persister resolves ids to handles when the action runs.
type Action struct {
	Op    OpKind
	Class storage.Class
	ID    string
	Out   string // edge tail vertex id
	In    string // edge head vertex id
	Label string
	Key   string
	Value any
}

// AddVertex creates vertex id.
func AddVertex(id string) Action {
	return Action{Op: OpAddVertex, Class: storage.ClassVertex, ID: id}
}

// AddEdge creates edge id from out to in.
func AddEdge(id, out, in, label string) Action {
	return Action{Op: OpAddEdge, Class: storage.ClassEdge, ID: id, Out: out, In: in, Label: label}
}

// RemoveVertex deletes vertex id.
func RemoveVertex(id string) Action {
	return Action{Op: OpRemoveVertex, Class: storage.ClassVertex, ID: id}
}

// RemoveEdge deletes edge id.
func RemoveEdge(id string) Action {
	return Action{Op: OpRemoveEdge, Class: storage.ClassEdge, ID: id}
}

// SetProperty sets key on the element.
func SetProperty(class storage.Class, id, key string, value any) Action {
	return Action{Op: OpSetProperty, Class: class, ID: id, Key: key, Value: value}
}

// RemoveProperty removes key from the element.
func RemoveProperty(class storage.Class, id, key string) Action {
	return Action{Op: OpRemoveProperty, Class: class, ID: id, Key: key}
}

// CreateKeyIndex creates a SOR key index.
func CreateKeyIndex(class storage.Class, key string) Action {
	return Action{Op: OpCreateKeyIndex, Class: class, Key: key}
}

// DropKeyIndex drops a SOR key index.
func DropKeyIndex(class storage.Class, key string) Action {
	return Action{Op: OpDropKeyIndex, Class: class, Key: key}
}

// Commit commits the SOR transaction.
func Commit() Action {
	return Action{Op: OpCommit}
}

// Rollback rolls back the SOR transaction.
func Rollback() Action {
	return Action{Op: OpRollback}
}

// References reports whether the action touches element id of class,
// either directly or as an edge endpoint.
func (a Action) References(class storage.Class, id string) bool {
	switch a.Op {
	case OpCommit, OpRollback, OpCreateKeyIndex, OpDropKeyIndex:
		return false
	}
	if a.Class == class && a.ID == id {
		return true
	}
	return class == storage.ClassVertex && a.Op == OpAddEdge && (a.Out == id || a.In == id)
}

// execute applies one action against the store. Caller is the worker.
func (p *Persister) execute(a Action) error {
	switch a.Op {
	case OpAddVertex:
		h, err := p.store.AddVertex(a.ID)
		if err != nil {
			return err
		}
		return p.stamp(storage.ClassVertex, a.ID, h)

	case OpAddEdge:
		out, err := p.resolve(storage.ClassVertex, a.Out)
		if err != nil {
			return fmt.Errorf("out vertex: %w", err)
		}
		in, err := p.resolve(storage.ClassVertex, a.In)
		if err != nil {
			return fmt.Errorf("in vertex: %w", err)
		}
		h, err := p.store.AddEdge(a.ID, out, in, a.Label)
		if err != nil {
			return err
		}
		return p.stamp(storage.ClassEdge, a.ID, h)

	case OpRemoveVertex:
		h, err := p.resolve(storage.ClassVertex, a.ID)
		if err != nil {
			return err
		}
		if err := p.store.RemoveVertex(h); err != nil {
			return err
		}
		p.handles.Remove(handleKey{storage.ClassVertex, a.ID})
		return nil

	case OpRemoveEdge:
		h, err := p.resolve(storage.ClassEdge, a.ID)
		if err != nil {
			return err
		}
		if err := p.store.RemoveEdge(h); err != nil {
			return err
		}
		p.handles.Remove(handleKey{storage.ClassEdge, a.ID})
		return nil

	case OpSetProperty:
		h, err := p.resolve(a.Class, a.ID)
		if err != nil {
			return err
		}
		return p.store.SetProperty(h, a.Key, a.Value)

	case OpRemoveProperty:
		h, err := p.resolve(a.Class, a.ID)
		if err != nil {
			return err
		}
		return p.store.RemoveProperty(h, a.Key)

	case OpCreateKeyIndex:
		return p.store.CreateKeyIndex(a.Key, a.Class)

	case OpDropKeyIndex:
		return p.store.DropKeyIndex(a.Key, a.Class)

	case OpCommit:
		return p.store.Commit()

	case OpRollback:
		return p.store.Rollback()

	default:
		return fmt.Errorf("unknown %s", a.Op)
	}
}

// stamp writes the reserved id and partition properties on a new element and
// caches its handle.
func (p *Persister) stamp(class storage.Class, id string, h storage.Handle) error {
	if err := p.store.SetProperty(h, storage.IDKey, id); err != nil {
		return fmt.Errorf("stamping %s: %w", storage.IDKey, err)
	}
	if err := p.store.SetProperty(h, storage.PartitionKey, p.partition); err != nil {
		return fmt.Errorf("stamping %s: %w", storage.PartitionKey, err)
	}
	p.handles.Put(handleKey{class, id}, h)
	return nil
}

// resolve maps a logical id to exactly one SOR handle in this partition.
func (p *Persister) resolve(class storage.Class, id string) (storage.Handle, error) {
	key := handleKey{class, id}
	if h, ok := p.handles.Get(key); ok {
		return h, nil
	}
	hits, err := p.store.Lookup(class, map[string]any{
		storage.IDKey:        id,
		storage.PartitionKey: p.partition,
	})
	if err != nil {
		return "", fmt.Errorf("looking up %s %s: %w", class, id, err)
	}
	switch len(hits) {
	case 0:
		return "", fmt.Errorf("%s %s in %q: %w", class, id, p.partition, ErrUnresolvedReference)
	case 1:
		p.handles.Put(key, hits[0])
		return hits[0], nil
	default:
		return "", fmt.Errorf("%s %s in %q matched %d elements: %w", class, id, p.partition, len(hits), ErrAmbiguousReference)
	}
}

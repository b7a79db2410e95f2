package writebehind

import (
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/cpigraph/pkg/storage"
)

// Loaded is an element read back from the SOR, expressed in logical ids.
// Properties exclude the reserved keys.
type Loaded struct {
	Class      storage.Class
	ID         string
	Label      string   // edges only
	Out, In    string   // edge endpoints
	OutEdges   []string // vertex adjacency, filled by Load only
	InEdges    []string
	Properties map[string]any
}

type loadResult struct {
	el  *Loaded
	err error
}

// Load reads one element through the worker queue, so the answer reflects
// every batch enqueued before it. A missing element yields an error matching
// ErrUnresolvedReference.
func (p *Persister) Load(class storage.Class, id string, timeout time.Duration) (*Loaded, error) {
	results := make(chan loadResult, 1)
	load := func() {
		el, err := p.loadOne(class, id)
		results <- loadResult{el: el, err: err}
	}
	if err := p.submit(job{fn: load, name: "load"}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-results:
		return r.el, r.err
	case <-timer.C:
		return nil, fmt.Errorf("loading %s %s: %w", class, id, ErrTimeout)
	}
}

func (p *Persister) loadOne(class storage.Class, id string) (*Loaded, error) {
	h, err := p.resolve(class, id)
	if err != nil {
		return nil, err
	}
	el, err := p.store.Read(h)
	if errors.Is(err, storage.ErrNotFound) {
		// The cached handle outlived the element.
		p.handles.Remove(handleKey{class, id})
		return nil, fmt.Errorf("%s %s: %w", class, id, ErrUnresolvedReference)
	}
	if err != nil {
		return nil, err
	}

	out := fromElement(el)
	switch class {
	case storage.ClassEdge:
		if out.Out, err = p.vertexID(el.Out); err != nil {
			return nil, err
		}
		if out.In, err = p.vertexID(el.In); err != nil {
			return nil, err
		}
	case storage.ClassVertex:
		if out.OutEdges, err = p.incidentIDs(h, storage.DirOut); err != nil {
			return nil, err
		}
		if out.InEdges, err = p.incidentIDs(h, storage.DirIn); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Persister) vertexID(h storage.Handle) (string, error) {
	id, err := storage.LogicalID(p.store, h)
	if err != nil {
		return "", fmt.Errorf("endpoint %s: %w", h, err)
	}
	return id, nil
}

func (p *Persister) incidentIDs(h storage.Handle, dir storage.Direction) ([]string, error) {
	edges, err := p.store.Incident(h, dir)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for _, eh := range edges {
		id, err := storage.LogicalID(p.store, eh)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
		p.handles.Put(handleKey{storage.ClassEdge, id}, eh)
	}
	return ids, nil
}

// LoadPartition reads every element tagged with this persister's partition,
// vertices first, and passes each to fn. It runs on the caller's goroutine
// and is meant for bulk-loading a graph before it takes traffic. Handles are
// primed into the lookup cache.
func (p *Persister) LoadPartition(fn func(*Loaded)) (vertices, edges int, err error) {
	match := map[string]any{storage.PartitionKey: p.partition}
	ids := make(map[storage.Handle]string)

	vhs, err := p.store.Lookup(storage.ClassVertex, match)
	if err != nil {
		return 0, 0, fmt.Errorf("listing vertices: %w", err)
	}
	for _, h := range vhs {
		el, err := p.store.Read(h)
		if err != nil {
			return vertices, edges, fmt.Errorf("reading vertex %s: %w", h, err)
		}
		l := fromElement(el)
		if l.ID == "" {
			p.log.WithField("handle", string(h)).Warn("skipping vertex without id")
			continue
		}
		ids[h] = l.ID
		p.handles.Put(handleKey{storage.ClassVertex, l.ID}, h)
		fn(l)
		vertices++
	}

	ehs, err := p.store.Lookup(storage.ClassEdge, match)
	if err != nil {
		return vertices, edges, fmt.Errorf("listing edges: %w", err)
	}
	for _, h := range ehs {
		el, err := p.store.Read(h)
		if err != nil {
			return vertices, edges, fmt.Errorf("reading edge %s: %w", h, err)
		}
		l := fromElement(el)
		out, okOut := ids[el.Out]
		in, okIn := ids[el.In]
		if l.ID == "" || !okOut || !okIn {
			p.log.WithField("handle", string(h)).Warn("skipping edge with unknown id or endpoint")
			continue
		}
		l.Out, l.In = out, in
		p.handles.Put(handleKey{storage.ClassEdge, l.ID}, h)
		fn(l)
		edges++
	}
	return vertices, edges, nil
}

func fromElement(el *storage.Element) *Loaded {
	props := make(map[string]any, len(el.Properties))
	for k, v := range el.Properties {
		if k == storage.IDKey || k == storage.PartitionKey {
			continue
		}
		props[k] = v
	}
	return &Loaded{
		Class:      el.Class,
		ID:         el.ID(),
		Label:      el.Label,
		Properties: props,
	}
}

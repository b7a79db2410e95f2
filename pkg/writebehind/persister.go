// Package writebehind replays committed graph mutations against the system
// of record on a background worker.
//
// A Persister belongs to exactly one logical graph (partition). Callers hand
// it the ordered action list of one commit as a batch; a single worker
// goroutine applies batches in enqueue order and the actions of each batch
// in staged order. Elements are referenced by logical id and resolved to SOR
// handles through a bounded lookup cache backed by SOR point queries.
//
// Failure Policy:
//
// Every action runs inside a recover-guarded wrapper. A failed action is
// logged with its context (graph, op, class, id, key, error) and counted; the
// worker moves on to the next action. Nothing is retried and nothing is
// reported back to the committing caller, which has already returned.
//
// Example:
//
//	p := writebehind.New(store, writebehind.Config{Partition: "accounts"})
//	defer p.Shutdown(10 * time.Second)
//
//	_ = p.Enqueue([]writebehind.Action{
//		writebehind.AddVertex("v1"),
//		writebehind.SetProperty(storage.ClassVertex, "v1", "name", "alice"),
//		writebehind.Commit(),
//	})
package writebehind

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/cpigraph/pkg/cache"
	"github.com/orneryd/cpigraph/pkg/storage"
)

// Errors
var (
	ErrUnresolvedReference = errors.New("unresolved reference")
	ErrAmbiguousReference  = errors.New("ambiguous reference")
	ErrPersisterClosed     = errors.New("persister closed")
	ErrTimeout             = errors.New("persister timed out")
)

// Defaults
const (
	DefaultQueueSize       = 1024
	DefaultLookupCacheSize = 10000
	DefaultLookupCacheTTL  = 10 * time.Minute
)

// Config configures a Persister.
type Config struct {
	// Partition tags every element this persister creates.
	Partition string

	// QueueSize bounds the number of pending batches. Enqueue blocks when
	// the queue is full.
	QueueSize int

	// LookupCacheSize and LookupCacheTTL bound the id to handle cache.
	LookupCacheSize int
	LookupCacheTTL  time.Duration

	// Logger receives action failures and lifecycle events.
	// Defaults to logrus.New().
	Logger *logrus.Logger
}

// handleKey identifies a cached handle.
type handleKey struct {
	class storage.Class
	id    string
}

// job is one unit of worker input: a batch of actions or a function to run
// on the worker (loads and flush markers).
type job struct {
	actions []Action
	fn      func()
	name    string
}

// Persister is the write-behind worker of one logical graph.
//
// Thread Safety:
//
//	Enqueue, Load, Flush, Shutdown and Stats are safe for concurrent use.
type Persister struct {
	store     storage.Store
	partition string
	log       *logrus.Entry
	handles   *cache.LookupCache[handleKey, storage.Handle]

	mu     sync.RWMutex
	queue  chan job
	closed bool
	done   chan struct{}

	// Stats
	batches  atomic.Uint64
	enqueued atomic.Uint64
	applied  atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// New creates a Persister and starts its worker.
func New(store storage.Store, cfg Config) *Persister {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.LookupCacheSize <= 0 {
		cfg.LookupCacheSize = DefaultLookupCacheSize
	}
	if cfg.LookupCacheTTL == 0 {
		cfg.LookupCacheTTL = DefaultLookupCacheTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	p := &Persister{
		store:     store,
		partition: cfg.Partition,
		log:       cfg.Logger.WithField("graph", cfg.Partition),
		handles:   cache.New[handleKey, storage.Handle](cfg.LookupCacheSize, cfg.LookupCacheTTL),
		queue:     make(chan job, cfg.QueueSize),
		done:      make(chan struct{}),
	}
	go p.run()
	return p
}

// Partition returns the partition tag this persister writes.
func (p *Persister) Partition() string {
	return p.partition
}

// Enqueue hands one commit's actions to the worker. It blocks while the
// queue is full. After Shutdown the batch is dropped, logged and
// ErrPersisterClosed is returned.
func (p *Persister) Enqueue(actions []Action) error {
	if len(actions) == 0 {
		return nil
	}
	batch := make([]Action, len(actions))
	copy(batch, actions)

	if err := p.submit(job{actions: batch}); err != nil {
		p.dropped.Add(uint64(len(batch)))
		p.log.WithFields(logrus.Fields{
			"actions": len(batch),
			"error":   err,
		}).Error("dropping batch enqueued after shutdown")
		return err
	}
	p.batches.Add(1)
	p.enqueued.Add(uint64(len(batch)))
	return nil
}

// submit places j on the queue. The read lock keeps Shutdown from closing the
// channel while a send is in flight.
func (p *Persister) submit(j job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPersisterClosed
	}
	p.queue <- j
	return nil
}

// Flush blocks until every batch enqueued before the call has been applied,
// or the timeout elapses.
func (p *Persister) Flush(timeout time.Duration) error {
	marker := make(chan struct{})
	if err := p.submit(job{fn: func() { close(marker) }, name: "flush"}); err != nil {
		// A closed persister drains on its own; wait for that instead.
		return p.wait(p.done, timeout)
	}
	return p.wait(marker, timeout)
}

func (p *Persister) wait(ch <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		return nil
	case <-timer.C:
		return fmt.Errorf("waiting %s: %w", timeout, ErrTimeout)
	}
}

// Shutdown stops accepting work and waits up to timeout for the queue to
// drain. It reports whether the queue drained. The store is left open; it
// may be shared with other partitions.
func (p *Persister) Shutdown(timeout time.Duration) bool {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	drained := p.wait(p.done, timeout) == nil
	entry := p.log.WithFields(logrus.Fields{
		"applied": p.applied.Load(),
		"failed":  p.failed.Load(),
	})
	if drained {
		entry.Info("persister drained")
	} else {
		entry.WithField("pending", len(p.queue)).Warn("persister shutdown timed out before queue drained")
	}
	return drained
}

// Closed reports whether Shutdown has been called.
func (p *Persister) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// run is the worker loop.
func (p *Persister) run() {
	defer close(p.done)

	for j := range p.queue {
		if j.fn != nil {
			p.runGuarded(j.name, j.fn)
			continue
		}
		for _, a := range j.actions {
			p.apply(a)
		}
	}
}

// apply executes one action, isolating errors and panics.
func (p *Persister) apply(a Action) {
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.entry(a).WithField("error", fmt.Sprint(r)).Error("persist action panicked")
		}
	}()

	if err := p.execute(a); err != nil {
		p.failed.Add(1)
		p.entry(a).WithField("error", err.Error()).Error("persist action failed")
		return
	}
	p.applied.Add(1)
	p.entry(a).Debug("persist action applied")
}

func (p *Persister) runGuarded(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithFields(logrus.Fields{
				"op":    name,
				"error": fmt.Sprint(r),
			}).Error("persister job panicked")
		}
	}()
	fn()
}

func (p *Persister) entry(a Action) *logrus.Entry {
	fields := logrus.Fields{"op": a.Op.String()}
	if a.Class.Valid() {
		fields["class"] = a.Class.String()
	}
	if a.ID != "" {
		fields["id"] = a.ID
	}
	if a.Key != "" {
		fields["key"] = a.Key
	}
	return p.log.WithFields(fields)
}

// Stats holds persister counters.
type Stats struct {
	Batches     uint64      // Batches accepted
	Enqueued    uint64      // Actions accepted
	Applied     uint64      // Actions applied successfully
	Failed      uint64      // Actions that errored or panicked
	Dropped     uint64      // Actions rejected after shutdown
	Pending     int         // Batches waiting in the queue
	LookupCache cache.Stats // Id to handle cache
}

// Stats returns a snapshot of the persister counters.
func (p *Persister) Stats() Stats {
	return Stats{
		Batches:     p.batches.Load(),
		Enqueued:    p.enqueued.Load(),
		Applied:     p.applied.Load(),
		Failed:      p.failed.Load(),
		Dropped:     p.dropped.Load(),
		Pending:     len(p.queue),
		LookupCache: p.handles.Stats(),
	}
}

package cpigraph

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/cpigraph/pkg/writebehind"
)

// Default Manager settings.
const (
	DefaultRegistrySize    = 100
	DefaultRegistryTTL     = 120 * time.Minute
	DefaultLoadTimeout     = 5 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

// Options configures a Manager and the graphs it creates.
type Options struct {
	// Element Store capacities per graph.
	VertexCacheSize int
	EdgeCacheSize   int

	// DisableReadThrough turns off SOR loads on Element Store misses.
	// With it set, evicted elements are reported as not found.
	DisableReadThrough bool

	// LoadTimeout bounds one read-through load.
	LoadTimeout time.Duration

	// Persister settings per graph.
	QueueSize       int
	LookupCacheSize int
	LookupCacheTTL  time.Duration

	// ShutdownTimeout bounds the drain of each graph's persister.
	ShutdownTimeout time.Duration

	// Registry bounds: how many graphs stay open and for how long.
	RegistrySize int
	RegistryTTL  time.Duration

	// IDGenerator allocates ids for AddVertex and AddEdge.
	// Defaults to UUIDGenerator.
	IDGenerator IDGenerator

	// Logger defaults to logrus.New().
	Logger *logrus.Logger
}

// DefaultOptions returns the default settings.
func DefaultOptions() *Options {
	return &Options{
		VertexCacheSize: DefaultVertexCacheSize,
		EdgeCacheSize:   DefaultEdgeCacheSize,
		LoadTimeout:     DefaultLoadTimeout,
		QueueSize:       writebehind.DefaultQueueSize,
		LookupCacheSize: writebehind.DefaultLookupCacheSize,
		LookupCacheTTL:  writebehind.DefaultLookupCacheTTL,
		ShutdownTimeout: DefaultShutdownTimeout,
		RegistrySize:    DefaultRegistrySize,
		RegistryTTL:     DefaultRegistryTTL,
		IDGenerator:     UUIDGenerator,
	}
}

// withDefaults returns a copy of o with zero fields filled in.
func (o *Options) withDefaults() Options {
	d := DefaultOptions()
	if o == nil {
		d.Logger = logrus.New()
		return *d
	}
	out := *o
	if out.VertexCacheSize <= 0 {
		out.VertexCacheSize = d.VertexCacheSize
	}
	if out.EdgeCacheSize <= 0 {
		out.EdgeCacheSize = d.EdgeCacheSize
	}
	if out.LoadTimeout <= 0 {
		out.LoadTimeout = d.LoadTimeout
	}
	if out.QueueSize <= 0 {
		out.QueueSize = d.QueueSize
	}
	if out.LookupCacheSize <= 0 {
		out.LookupCacheSize = d.LookupCacheSize
	}
	if out.LookupCacheTTL <= 0 {
		out.LookupCacheTTL = d.LookupCacheTTL
	}
	if out.ShutdownTimeout <= 0 {
		out.ShutdownTimeout = d.ShutdownTimeout
	}
	if out.RegistrySize <= 0 {
		out.RegistrySize = d.RegistrySize
	}
	if out.RegistryTTL <= 0 {
		out.RegistryTTL = d.RegistryTTL
	}
	if out.IDGenerator == nil {
		out.IDGenerator = d.IDGenerator
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}

// Package config loads CPIGraph settings from defaults, an optional YAML or
// HCL file, and CPIGRAPH_* environment variables, in that order of
// precedence (environment wins).
//
// Example Usage:
//
//	cfg, err := config.LoadFromFile("cpigraph.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	logger, _ := cfg.NewLogger()
//	store, _ := cfg.OpenStore(logger)
//	mgr, _ := cpigraph.NewManager(store, cfg.ManagerOptions(logger))
//
// Environment Variables:
//
// Store:
//   - CPIGRAPH_STORE_DRIVER="badger" or "memory"
//   - CPIGRAPH_DATA_DIR="./data"
//   - CPIGRAPH_STORE_IN_MEMORY=false
//   - CPIGRAPH_STORE_SYNC_WRITES=false
//
// Graph:
//   - CPIGRAPH_VERTEX_CACHE_SIZE=10000
//   - CPIGRAPH_EDGE_CACHE_SIZE=10000
//   - CPIGRAPH_READ_THROUGH=true
//   - CPIGRAPH_LOAD_TIMEOUT=5s
//
// Persister:
//   - CPIGRAPH_QUEUE_SIZE=1024
//   - CPIGRAPH_LOOKUP_CACHE_SIZE=10000
//   - CPIGRAPH_LOOKUP_CACHE_TTL=10m
//   - CPIGRAPH_SHUTDOWN_TIMEOUT=10s
//
// Registry:
//   - CPIGRAPH_REGISTRY_SIZE=100
//   - CPIGRAPH_REGISTRY_TTL=2h
//
// Runtime and logging:
//   - CPIGRAPH_MEMORY_LIMIT="0" (e.g. "2GB")
//   - CPIGRAPH_GC_PERCENT=100
//   - CPIGRAPH_LOG_LEVEL="info"
//   - CPIGRAPH_LOG_FORMAT="text" or "json"
//   - CPIGRAPH_LOG_OUTPUT="stderr", "stdout" or a file path
package config

import (
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/orneryd/cpigraph/pkg/cpigraph"
	"github.com/orneryd/cpigraph/pkg/writebehind"
)

// Store drivers.
const (
	DriverBadger = "badger"
	DriverMemory = "memory"
)

// Config holds every CPIGraph setting.
//
// Configuration is organized into sections:
//   - Store: the system of record
//   - Graph: per-graph Element Store and read-through
//   - Persister: write-behind queue and handle cache
//   - Registry: how many graphs stay open and for how long
//   - Memory: Go runtime limits
//   - Logging: logrus level, format and output
type Config struct {
	Store     StoreConfig
	Graph     GraphConfig
	Persister PersisterConfig
	Registry  RegistryConfig
	Memory    MemoryConfig
	Logging   LoggingConfig
}

// StoreConfig selects and tunes the SOR driver.
type StoreConfig struct {
	// Driver is DriverBadger or DriverMemory
	Driver string
	// DataDir is the BadgerDB directory
	DataDir string
	// InMemory runs BadgerDB without files
	InMemory bool
	// SyncWrites fsyncs every BadgerDB commit
	SyncWrites bool
}

// GraphConfig holds per-graph cache settings.
type GraphConfig struct {
	VertexCacheSize int
	EdgeCacheSize   int
	// ReadThrough loads evicted elements from the SOR on a cache miss
	ReadThrough bool
	LoadTimeout time.Duration
}

// PersisterConfig holds write-behind settings.
type PersisterConfig struct {
	QueueSize       int
	LookupCacheSize int
	LookupCacheTTL  time.Duration
	// ShutdownTimeout bounds the drain of each graph on close
	ShutdownTimeout time.Duration
}

// RegistryConfig bounds the open graphs.
type RegistryConfig struct {
	Size int
	TTL  time.Duration
}

// MemoryConfig holds Go runtime memory settings.
type MemoryConfig struct {
	// RuntimeLimitStr is the human-readable limit ("2GB", "0" = unlimited)
	RuntimeLimitStr string
	// RuntimeLimit is RuntimeLimitStr in bytes
	RuntimeLimit int64
	// GCPercent is passed to debug.SetGCPercent when not 100
	GCPercent int
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	// Level is a logrus level name
	Level string
	// Format is "text" or "json"
	Format string
	// Output is "stdout", "stderr" or a file path
	Output string
}

// LoadDefaults returns the built-in settings.
func LoadDefaults() *Config {
	return &Config{
		Store: StoreConfig{
			Driver:  DriverBadger,
			DataDir: "./data",
		},
		Graph: GraphConfig{
			VertexCacheSize: cpigraph.DefaultVertexCacheSize,
			EdgeCacheSize:   cpigraph.DefaultEdgeCacheSize,
			ReadThrough:     true,
			LoadTimeout:     cpigraph.DefaultLoadTimeout,
		},
		Persister: PersisterConfig{
			QueueSize:       writebehind.DefaultQueueSize,
			LookupCacheSize: writebehind.DefaultLookupCacheSize,
			LookupCacheTTL:  writebehind.DefaultLookupCacheTTL,
			ShutdownTimeout: cpigraph.DefaultShutdownTimeout,
		},
		Registry: RegistryConfig{
			Size: cpigraph.DefaultRegistrySize,
			TTL:  cpigraph.DefaultRegistryTTL,
		},
		Memory: MemoryConfig{
			RuntimeLimitStr: "0",
			GCPercent:       100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// LoadFromEnv returns the defaults overridden by CPIGRAPH_* variables.
// Unparseable values are ignored.
func LoadFromEnv() *Config {
	config := LoadDefaults()
	config.applyEnv()
	return config
}

// applyEnv overrides c with any CPIGRAPH_* variables that are set.
func (c *Config) applyEnv() {
	c.Store.Driver = getEnv("CPIGRAPH_STORE_DRIVER", c.Store.Driver)
	c.Store.DataDir = getEnv("CPIGRAPH_DATA_DIR", c.Store.DataDir)
	c.Store.InMemory = getEnvBool("CPIGRAPH_STORE_IN_MEMORY", c.Store.InMemory)
	c.Store.SyncWrites = getEnvBool("CPIGRAPH_STORE_SYNC_WRITES", c.Store.SyncWrites)

	c.Graph.VertexCacheSize = getEnvInt("CPIGRAPH_VERTEX_CACHE_SIZE", c.Graph.VertexCacheSize)
	c.Graph.EdgeCacheSize = getEnvInt("CPIGRAPH_EDGE_CACHE_SIZE", c.Graph.EdgeCacheSize)
	c.Graph.ReadThrough = getEnvBool("CPIGRAPH_READ_THROUGH", c.Graph.ReadThrough)
	c.Graph.LoadTimeout = getEnvDuration("CPIGRAPH_LOAD_TIMEOUT", c.Graph.LoadTimeout)

	c.Persister.QueueSize = getEnvInt("CPIGRAPH_QUEUE_SIZE", c.Persister.QueueSize)
	c.Persister.LookupCacheSize = getEnvInt("CPIGRAPH_LOOKUP_CACHE_SIZE", c.Persister.LookupCacheSize)
	c.Persister.LookupCacheTTL = getEnvDuration("CPIGRAPH_LOOKUP_CACHE_TTL", c.Persister.LookupCacheTTL)
	c.Persister.ShutdownTimeout = getEnvDuration("CPIGRAPH_SHUTDOWN_TIMEOUT", c.Persister.ShutdownTimeout)

	c.Registry.Size = getEnvInt("CPIGRAPH_REGISTRY_SIZE", c.Registry.Size)
	c.Registry.TTL = getEnvDuration("CPIGRAPH_REGISTRY_TTL", c.Registry.TTL)

	c.Memory.RuntimeLimitStr = getEnv("CPIGRAPH_MEMORY_LIMIT", c.Memory.RuntimeLimitStr)
	c.Memory.RuntimeLimit = parseMemorySize(c.Memory.RuntimeLimitStr)
	c.Memory.GCPercent = getEnvInt("CPIGRAPH_GC_PERCENT", c.Memory.GCPercent)

	c.Logging.Level = getEnv("CPIGRAPH_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("CPIGRAPH_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("CPIGRAPH_LOG_OUTPUT", c.Logging.Output)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverBadger:
		if c.Store.DataDir == "" && !c.Store.InMemory {
			return fmt.Errorf("badger store needs a data dir or in-memory mode")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}

	if c.Graph.VertexCacheSize <= 0 {
		return fmt.Errorf("invalid vertex cache size: %d", c.Graph.VertexCacheSize)
	}
	if c.Graph.EdgeCacheSize <= 0 {
		return fmt.Errorf("invalid edge cache size: %d", c.Graph.EdgeCacheSize)
	}
	if c.Persister.QueueSize <= 0 {
		return fmt.Errorf("invalid queue size: %d", c.Persister.QueueSize)
	}
	if c.Registry.Size <= 0 {
		return fmt.Errorf("invalid registry size: %d", c.Registry.Size)
	}
	if c.Registry.TTL < 0 {
		return fmt.Errorf("invalid registry ttl: %s", c.Registry.TTL)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	return nil
}

// String returns a one-line summary suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Store: %s, DataDir: %s, Cache: %d/%d, Queue: %d, Registry: %d/%s}",
		c.Store.Driver, c.Store.DataDir,
		c.Graph.VertexCacheSize, c.Graph.EdgeCacheSize,
		c.Persister.QueueSize,
		c.Registry.Size, c.Registry.TTL,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable memory size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case bytes >= TB:
		return fmt.Sprintf("%.2f TB", float64(bytes)/float64(TB))
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

// ApplyRuntimeMemory applies the runtime memory settings to the Go runtime.
// Should be called early in main() before heavy allocations.
func (c *MemoryConfig) ApplyRuntimeMemory() {
	if c.RuntimeLimit > 0 {
		debug.SetMemoryLimit(c.RuntimeLimit)
	}
	if c.GCPercent != 100 {
		debug.SetGCPercent(c.GCPercent)
	}
}

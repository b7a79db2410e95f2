package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk layout shared by YAML and HCL files. Durations
// are strings ("30s", "10m"); unset fields keep their defaults.
//
// YAML:
//
//	store:
//	  driver: badger
//	  data_dir: ./data
//	graph:
//	  vertex_cache_size: 50000
//	  read_through: true
//
// HCL:
//
//	store {
//	  driver   = "badger"
//	  data_dir = "./data"
//	}
//	graph {
//	  vertex_cache_size = 50000
//	}
type fileConfig struct {
	Store     *fileStore     `yaml:"store" hcl:"store,block"`
	Graph     *fileGraph     `yaml:"graph" hcl:"graph,block"`
	Persister *filePersister `yaml:"persister" hcl:"persister,block"`
	Registry  *fileRegistry  `yaml:"registry" hcl:"registry,block"`
	Memory    *fileMemory    `yaml:"memory" hcl:"memory,block"`
	Logging   *fileLogging   `yaml:"logging" hcl:"logging,block"`
}

type fileStore struct {
	Driver     string `yaml:"driver" hcl:"driver,optional"`
	DataDir    string `yaml:"data_dir" hcl:"data_dir,optional"`
	InMemory   *bool  `yaml:"in_memory" hcl:"in_memory,optional"`
	SyncWrites *bool  `yaml:"sync_writes" hcl:"sync_writes,optional"`
}

type fileGraph struct {
	VertexCacheSize int    `yaml:"vertex_cache_size" hcl:"vertex_cache_size,optional"`
	EdgeCacheSize   int    `yaml:"edge_cache_size" hcl:"edge_cache_size,optional"`
	ReadThrough     *bool  `yaml:"read_through" hcl:"read_through,optional"`
	LoadTimeout     string `yaml:"load_timeout" hcl:"load_timeout,optional"`
}

type filePersister struct {
	QueueSize       int    `yaml:"queue_size" hcl:"queue_size,optional"`
	LookupCacheSize int    `yaml:"lookup_cache_size" hcl:"lookup_cache_size,optional"`
	LookupCacheTTL  string `yaml:"lookup_cache_ttl" hcl:"lookup_cache_ttl,optional"`
	ShutdownTimeout string `yaml:"shutdown_timeout" hcl:"shutdown_timeout,optional"`
}

type fileRegistry struct {
	Size int    `yaml:"size" hcl:"size,optional"`
	TTL  string `yaml:"ttl" hcl:"ttl,optional"`
}

type fileMemory struct {
	Limit     string `yaml:"limit" hcl:"limit,optional"`
	GCPercent int    `yaml:"gc_percent" hcl:"gc_percent,optional"`
}

type fileLogging struct {
	Level  string `yaml:"level" hcl:"level,optional"`
	Format string `yaml:"format" hcl:"format,optional"`
	Output string `yaml:"output" hcl:"output,optional"`
}

// LoadFromFile loads defaults, then the file at configPath, then the
// environment. Files ending in .hcl are read as HCL, everything else as
// YAML. A missing file is not an error.
func LoadFromFile(configPath string) (*Config, error) {
	config := LoadDefaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			config.applyEnv()
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if strings.EqualFold(filepath.Ext(configPath), ".hcl") {
		err = decodeHCL(configPath, data, &fc)
	} else {
		err = yaml.Unmarshal(data, &fc)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if err := config.applyFile(&fc); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	config.applyEnv()
	return config, nil
}

func decodeHCL(path string, data []byte, fc *fileConfig) error {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return diags
	}
	if diags := gohcl.DecodeBody(file.Body, nil, fc); diags.HasErrors() {
		return diags
	}
	return nil
}

// applyFile copies every set field of fc onto c.
func (c *Config) applyFile(fc *fileConfig) error {
	if s := fc.Store; s != nil {
		setString(&c.Store.Driver, s.Driver)
		setString(&c.Store.DataDir, s.DataDir)
		setBool(&c.Store.InMemory, s.InMemory)
		setBool(&c.Store.SyncWrites, s.SyncWrites)
	}
	if g := fc.Graph; g != nil {
		setInt(&c.Graph.VertexCacheSize, g.VertexCacheSize)
		setInt(&c.Graph.EdgeCacheSize, g.EdgeCacheSize)
		setBool(&c.Graph.ReadThrough, g.ReadThrough)
		if err := setDuration(&c.Graph.LoadTimeout, "graph.load_timeout", g.LoadTimeout); err != nil {
			return err
		}
	}
	if p := fc.Persister; p != nil {
		setInt(&c.Persister.QueueSize, p.QueueSize)
		setInt(&c.Persister.LookupCacheSize, p.LookupCacheSize)
		if err := setDuration(&c.Persister.LookupCacheTTL, "persister.lookup_cache_ttl", p.LookupCacheTTL); err != nil {
			return err
		}
		if err := setDuration(&c.Persister.ShutdownTimeout, "persister.shutdown_timeout", p.ShutdownTimeout); err != nil {
			return err
		}
	}
	if r := fc.Registry; r != nil {
		setInt(&c.Registry.Size, r.Size)
		if err := setDuration(&c.Registry.TTL, "registry.ttl", r.TTL); err != nil {
			return err
		}
	}
	if m := fc.Memory; m != nil {
		if m.Limit != "" {
			c.Memory.RuntimeLimitStr = m.Limit
			c.Memory.RuntimeLimit = parseMemorySize(m.Limit)
		}
		setInt(&c.Memory.GCPercent, m.GCPercent)
	}
	if l := fc.Logging; l != nil {
		setString(&c.Logging.Level, l.Level)
		setString(&c.Logging.Format, l.Format)
		setString(&c.Logging.Output, l.Output)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, field, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

package config

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/orneryd/cpigraph/pkg/cpigraph"
	"github.com/orneryd/cpigraph/pkg/storage"
)

func parseLevel(level string) (logrus.Level, error) {
	l, err := logrus.ParseLevel(level)
	if err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

// NewLogger builds the process logger from the Logging section.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetLevel(level)
	if strings.EqualFold(c.Logging.Format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer
	switch c.Logging.Output {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(c.Logging.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
	}
	logger.SetOutput(out)
	return logger, nil
}

// OpenStore opens the configured SOR. With a non-nil logger, BadgerDB's own
// messages are routed through it.
func (c *Config) OpenStore(logger *logrus.Logger) (storage.Store, error) {
	switch c.Store.Driver {
	case DriverMemory:
		return storage.NewMemoryStore(), nil
	case DriverBadger:
		opts := storage.BadgerOptions{
			DataDir:    c.Store.DataDir,
			InMemory:   c.Store.InMemory,
			SyncWrites: c.Store.SyncWrites,
		}
		if logger != nil {
			opts.Logger = &badgerLogger{logger.WithField("component", "badger")}
		}
		store, err := storage.NewBadgerStoreWithOptions(opts)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver: %q", c.Store.Driver)
	}
}

// ManagerOptions converts the Graph, Persister and Registry sections.
func (c *Config) ManagerOptions(logger *logrus.Logger) *cpigraph.Options {
	return &cpigraph.Options{
		VertexCacheSize:    c.Graph.VertexCacheSize,
		EdgeCacheSize:      c.Graph.EdgeCacheSize,
		DisableReadThrough: !c.Graph.ReadThrough,
		LoadTimeout:        c.Graph.LoadTimeout,
		QueueSize:          c.Persister.QueueSize,
		LookupCacheSize:    c.Persister.LookupCacheSize,
		LookupCacheTTL:     c.Persister.LookupCacheTTL,
		ShutdownTimeout:    c.Persister.ShutdownTimeout,
		RegistrySize:       c.Registry.Size,
		RegistryTTL:        c.Registry.TTL,
		Logger:             logger,
	}
}

// badgerLogger adapts a logrus entry to badger.Logger. BadgerDB is chatty at
// info level, so info and debug go to debug.
type badgerLogger struct {
	entry *logrus.Entry
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.entry.Errorf(strings.TrimSuffix(format, "\n"), args...)
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.entry.Warnf(strings.TrimSuffix(format, "\n"), args...)
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.entry.Debugf(strings.TrimSuffix(format, "\n"), args...)
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.entry.Debugf(strings.TrimSuffix(format, "\n"), args...)
}

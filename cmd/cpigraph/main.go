// Package main provides the CPIGraph CLI: a thin host for inspecting and
// maintaining graph partitions in a store.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/orneryd/cpigraph/pkg/config"
	"github.com/orneryd/cpigraph/pkg/cpigraph"
	"github.com/orneryd/cpigraph/pkg/storage"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cpigraph",
		Short: "CPIGraph - cached, partitioned graphs over a durable store",
		Long: `CPIGraph keeps transactional in-memory graphs in front of a durable
graph store and persists commits in the background.

This tool opens the configured store and works on one partition at a time.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().String("config", "", "Config file (.yaml or .hcl)")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().String("driver", "", "Store driver: badger or memory (overrides config)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "CPIGraph v%s (%s)\n", version, commit)
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats [graph]",
		Short: "Load a graph and show its counters",
		Args:  cobra.ExactArgs(1),
		RunE:  runStats,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "copy [source] [target]",
		Short: "Copy a graph into a new partition",
		Args:  cobra.ExactArgs(2),
		RunE:  runCopy,
	})

	indexCmd := &cobra.Command{
		Use:   "index [graph] [key]",
		Short: "Create a key index",
		Args:  cobra.ExactArgs(2),
		RunE:  runIndex,
	}
	indexCmd.Flags().Bool("edge", false, "Index edges instead of vertices")
	indexCmd.Flags().Bool("drop", false, "Drop the index instead of creating it")
	rootCmd.AddCommand(indexCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "export [graph] [file]",
		Short: "Write a graph as combined JSON (\"-\" for stdout)",
		Args:  cobra.ExactArgs(2),
		RunE:  runExport,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "import [graph] [file]",
		Short: "Add the elements of a combined JSON export to a graph",
		Args:  cobra.ExactArgs(2),
		RunE:  runImport,
	})

	return rootCmd
}

// session is an open manager with the logger it was built with.
type session struct {
	cfg    *config.Config
	log    *logrus.Logger
	mgr    *cpigraph.Manager
	output io.Writer
}

func openSession(cmd *cobra.Command) (*session, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	driver, _ := cmd.Flags().GetString("driver")

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadFromEnv()
	}
	if dataDir != "" {
		cfg.Store.DataDir = dataDir
	}
	if driver != "" {
		cfg.Store.Driver = driver
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	cfg.Memory.ApplyRuntimeMemory()

	logger, err := cfg.NewLogger()
	if err != nil {
		return nil, err
	}
	store, err := cfg.OpenStore(logger)
	if err != nil {
		return nil, err
	}
	mgr, err := cpigraph.NewManager(store, cfg.ManagerOptions(logger))
	if err != nil {
		_ = store.Shutdown()
		return nil, err
	}
	logger.WithField("config", cfg.String()).Debug("session opened")
	return &session{cfg: cfg, log: logger, mgr: mgr, output: cmd.OutOrStdout()}, nil
}

func (s *session) close() error {
	return s.mgr.Shutdown()
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	g, err := s.mgr.Graph(args[0])
	if err != nil {
		return err
	}
	st := g.Stats()
	fmt.Fprintf(s.output, "Graph:           %s\n", g.ID())
	fmt.Fprintf(s.output, "Vertices:        %d\n", st.CachedVertices)
	fmt.Fprintf(s.output, "Edges:           %d\n", st.CachedEdges)
	fmt.Fprintf(s.output, "Vertex indexes:  %s\n", joinOrNone(st.VertexIndexes))
	fmt.Fprintf(s.output, "Edge indexes:    %s\n", joinOrNone(st.EdgeIndexes))
	if st.VertexEvictions+st.EdgeEvictions > 0 {
		fmt.Fprintf(s.output, "Evictions:       %d vertices, %d edges (raise the cache sizes to load everything)\n",
			st.VertexEvictions, st.EdgeEvictions)
	}
	return nil
}

func runCopy(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	src, err := s.mgr.Graph(args[0])
	if err != nil {
		return err
	}
	dst, err := s.mgr.CreateFrom(src, args[1])
	if err != nil {
		return err
	}
	st := dst.Stats()
	if err := dst.Flush(s.cfg.Persister.ShutdownTimeout); err != nil {
		return fmt.Errorf("persisting copy: %w", err)
	}
	fmt.Fprintf(s.output, "Copied %s to %s: %d vertices, %d edges\n",
		src.ID(), dst.ID(), st.CachedVertices, st.CachedEdges)
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	edge, _ := cmd.Flags().GetBool("edge")
	drop, _ := cmd.Flags().GetBool("drop")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	g, err := s.mgr.Graph(args[0])
	if err != nil {
		return err
	}
	class := storage.ClassVertex
	if edge {
		class = storage.ClassEdge
	}
	if drop {
		err = g.DropKeyIndex(class, args[1])
	} else {
		err = g.CreateKeyIndex(class, args[1])
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.output, "%s indexes: %s\n", class, joinOrNone(g.IndexedKeys(class)))
	return nil
}

func runExport(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	g, err := s.mgr.Graph(args[0])
	if err != nil {
		return err
	}
	w := s.output
	if args[1] != "-" {
		f, err := os.Create(args[1])
		if err != nil {
			return fmt.Errorf("creating file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return g.View(func(tx *cpigraph.Tx) error {
		return tx.WriteExport(w)
	})
}

func runImport(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	g, err := s.mgr.Graph(args[0])
	if err != nil {
		return err
	}
	var vertices, edges int
	if err := g.Update(func(tx *cpigraph.Tx) error {
		vertices, edges, err = tx.Import(f)
		return err
	}); err != nil {
		return err
	}
	if err := g.Flush(s.cfg.Persister.ShutdownTimeout); err != nil {
		return fmt.Errorf("persisting import: %w", err)
	}
	fmt.Fprintf(s.output, "Imported %d vertices, %d edges into %s\n", vertices, edges, g.ID())
	return nil
}

func joinOrNone(keys []string) string {
	if len(keys) == 0 {
		return "(none)"
	}
	return strings.Join(keys, ", ")
}

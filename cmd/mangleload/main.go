// Command mangleload administers the library autoload index: rebuilding
// per-directory indexes, querying them, and listing registered roots.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mangleload/internal/autoload"
	"mangleload/internal/config"
	"mangleload/internal/symbol"
)

var (
	// Global flags
	verbose    bool
	configPath string
	roots      []string

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mangleload",
	Short: "mangleload - lazy library loading for Mangle runtimes",
	Long: `mangleload maintains the library index that lets a Mangle runtime
defer loading of library files until an undefined predicate is first
invoked, then resolve and load the defining file exactly once.

Each library directory carries an INDEX.mg mapping exported predicates
to their defining module and file; this tool rebuilds and queries those
indexes.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// indexCmd rebuilds the indexes of all registered library roots.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Rebuild stale library indexes",
	Long: `Recomputes INDEX.mg for every registered library root whose sources
changed since the index was last written. Each index is staged and
atomically installed, so a failed rebuild leaves the prior index intact.`,
	RunE: runIndex,
}

// lookupCmd queries the merged index.
var lookupCmd = &cobra.Command{
	Use:   "lookup [name/arity]",
	Short: "Resolve a predicate against the library index",
	Args:  cobra.ExactArgs(1),
	RunE:  runLookup,
}

// pathsCmd lists the registered library roots.
var pathsCmd = &cobra.Command{
	Use:   "paths",
	Short: "List registered library roots",
	RunE:  runPaths,
}

var lookupModule string

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML)")
	rootCmd.PersistentFlags().StringSliceVarP(&roots, "library", "L", nil, "additional library roots")
	lookupCmd.Flags().StringVarP(&lookupModule, "module", "m", "", "preferred defining module")
	rootCmd.AddCommand(indexCmd, lookupCmd, pathsCmd)
}

func loadAutoloader() (*autoload.Autoloader, error) {
	cfg := config.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return nil, err
		}
	}
	cfg.LibraryRoots = append(cfg.LibraryRoots, roots...)
	if len(cfg.LibraryRoots) == 0 {
		return nil, fmt.Errorf("no library roots: pass --library or set library_roots in the config")
	}
	return autoload.New(cfg, logger)
}

func runIndex(cmd *cobra.Command, args []string) error {
	a, err := loadAutoloader()
	if err != nil {
		return err
	}
	if err := a.UpdateIndex(); err != nil {
		return fmt.Errorf("index update failed: %w", err)
	}
	fmt.Println("library indexes up to date")
	return nil
}

func runLookup(cmd *cobra.Command, args []string) error {
	a, err := loadAutoloader()
	if err != nil {
		return err
	}
	sym, err := symbol.Parse(args[0])
	if err != nil {
		return err
	}
	entry, ok := a.Lookup(sym.Name, sym.Arity, lookupModule)
	if !ok {
		return fmt.Errorf("%s is not in any library index", args[0])
	}
	fmt.Printf("%s/%d  module=%s  file=%s\n", entry.Name, entry.Arity, entry.Module, entry.File())
	return nil
}

func runPaths(cmd *cobra.Command, args []string) error {
	a, err := loadAutoloader()
	if err != nil {
		return err
	}
	for _, root := range a.LibraryRoots() {
		fmt.Println(root)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

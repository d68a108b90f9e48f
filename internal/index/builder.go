package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mangleload/internal/diag"
	"mangleload/internal/header"
	"mangleload/internal/symbol"
)

// ErrStageInstall wraps failures to atomically install a freshly built
// index. The previously installed index, if any, is left untouched.
var ErrStageInstall = errors.New("index install failed")

// GeneratorFunc executes a directory's administrative MKINDEX file in
// place of the default scan. It is trusted to write the directory's index
// itself.
type GeneratorFunc func(dir, generatorPath string) error

// Builder derives per-directory index files from library sources.
type Builder struct {
	logger     *zap.Logger
	reporter   *diag.Reporter
	norm       symbol.Normalizer
	extensions []string
	generator  GeneratorFunc

	// install is the atomic rename step, split out so tests can fail it.
	install func(staged, target string) error
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithExtensions sets the source-file extensions scanned (default ".mg").
func WithExtensions(exts []string) BuilderOption {
	return func(b *Builder) { b.extensions = exts }
}

// WithNormalizer sets the export-spec normalizer.
func WithNormalizer(n symbol.Normalizer) BuilderOption {
	return func(b *Builder) { b.norm = n }
}

// WithGenerator sets the executor for administrative MKINDEX files.
// Without one, directories carrying a generator file fall back to the
// default scan with a logged warning.
func WithGenerator(g GeneratorFunc) BuilderOption {
	return func(b *Builder) { b.generator = g }
}

func withInstall(install func(staged, target string) error) BuilderOption {
	return func(b *Builder) { b.install = install }
}

// NewBuilder creates a Builder. logger may be nil; reporter must not be.
func NewBuilder(logger *zap.Logger, reporter *diag.Reporter, opts ...BuilderOption) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{
		logger:     logger,
		reporter:   reporter,
		norm:       symbol.DefaultNormalizer(),
		extensions: []string{".mg"},
		install:    os.Rename,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build recomputes dir's index file. Source files without a module header
// are skipped; unreadable files are warned about and skipped. The new
// index is staged to a temporary file and atomically renamed over the
// target, so readers never observe a half-written index.
func (b *Builder) Build(dir string) error {
	if gen := filepath.Join(dir, GeneratorFileName); fileExists(gen) {
		if b.generator != nil {
			b.logger.Debug("delegating index build to generator",
				zap.String("dir", dir))
			return b.generator(dir, gen)
		}
		b.logger.Warn("generator file present but no generator configured, using default scan",
			zap.String("file", gen))
	}

	sources, err := b.sourceFiles(dir)
	if err != nil {
		return err
	}

	var entries []Entry
	for _, name := range sources {
		info, err := header.Peek(filepath.Join(dir, name), b.norm)
		if err != nil {
			if !errors.Is(err, header.ErrNoHeader) {
				b.reporter.Warn(filepath.Join(dir, name), err)
			}
			continue
		}
		for _, sym := range info.Exports {
			entries = append(entries, Entry{
				Name:    sym.Name,
				Arity:   sym.Arity,
				Module:  info.Module,
				RelPath: name,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, c := entries[i], entries[j]
		if a.Name != c.Name {
			return a.Name < c.Name
		}
		if a.Arity != c.Arity {
			return a.Arity < c.Arity
		}
		return a.Module < c.Module
	})

	return b.installEntries(dir, entries)
}

func (b *Builder) installEntries(dir string, entries []Entry) error {
	staged, err := os.CreateTemp(dir, IndexFileName+".tmp*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStageInstall, err)
	}
	stagedPath := staged.Name()
	if err := writeEntries(staged, entries); err != nil {
		staged.Close()
		os.Remove(stagedPath)
		return fmt.Errorf("%w: %v", ErrStageInstall, err)
	}
	if err := staged.Close(); err != nil {
		os.Remove(stagedPath)
		return fmt.Errorf("%w: %v", ErrStageInstall, err)
	}
	target := filepath.Join(dir, IndexFileName)
	if err := b.install(stagedPath, target); err != nil {
		os.Remove(stagedPath)
		return fmt.Errorf("%w: %v", ErrStageInstall, err)
	}
	// The rename bumps the directory mtime past the staged file's write
	// time; restamp the index so a just-built index is not seen as stale.
	now := time.Now()
	if err := os.Chtimes(target, now, now); err != nil {
		b.logger.Warn("could not restamp index", zap.Error(err))
	}
	b.logger.Info("library index installed",
		zap.String("dir", dir), zap.Int("entries", len(entries)))
	return nil
}

// Stale reports whether dir's index is missing or older than the
// directory itself (which catches file additions and removals) or any of
// its source files.
func (b *Builder) Stale(dir string) (bool, error) {
	indexInfo, err := os.Stat(filepath.Join(dir, IndexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	dirInfo, err := os.Stat(dir)
	if err != nil {
		return false, err
	}
	if dirInfo.ModTime().After(indexInfo.ModTime()) {
		return true, nil
	}
	sources, err := b.sourceFiles(dir)
	if err != nil {
		return false, err
	}
	for _, name := range sources {
		fi, err := os.Stat(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if fi.ModTime().After(indexInfo.ModTime()) {
			return true, nil
		}
	}
	return false, nil
}

// BuildStale rebuilds dir's index only if it is stale. Returns whether a
// rebuild happened.
func (b *Builder) BuildStale(dir string) (bool, error) {
	stale, err := b.Stale(dir)
	if err != nil || !stale {
		return false, err
	}
	if err := b.Build(dir); err != nil {
		return false, err
	}
	return true, nil
}

// BuildAll rebuilds every stale directory in dirs concurrently. Per-file
// warnings are muted for the batch; the first hard error is returned.
// Returns whether any index changed on disk.
func (b *Builder) BuildAll(dirs []string) (bool, error) {
	unmute := b.reporter.Mute()
	defer unmute()

	changed := make([]bool, len(dirs))
	var g errgroup.Group
	g.SetLimit(4)
	for i, dir := range dirs {
		g.Go(func() error {
			rebuilt, err := b.BuildStale(dir)
			changed[i] = rebuilt
			return err
		})
	}
	err := g.Wait()
	for _, c := range changed {
		if c {
			return true, err
		}
	}
	return false, err
}

func (b *Builder) sourceFiles(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	var names []string
	for _, ent := range ents {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if name == IndexFileName || name == GeneratorFileName {
			continue
		}
		if b.hasSourceExt(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (b *Builder) hasSourceExt(name string) bool {
	for _, ext := range b.extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
}

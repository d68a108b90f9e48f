// Package autoload ties the index, resolver, and loader together behind
// the operations the runtime calls: declaration of autoloadable files and
// symbols, library-root registration, administrative index rebuilds, and
// the undefined-predicate trap itself.
package autoload

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"mangleload/internal/config"
	"mangleload/internal/diag"
	"mangleload/internal/index"
	"mangleload/internal/loader"
	"mangleload/internal/modules"
	"mangleload/internal/registry"
	"mangleload/internal/resolve"
	"mangleload/internal/symbol"
	"mangleload/internal/watch"
)

// Autoloader is the autoload subsystem facade.
type Autoloader struct {
	cfg    *config.Config
	logger *zap.Logger

	reporter    *diag.Reporter
	store       *index.Store
	registry    *registry.Registry
	table       *modules.Table
	paths       *resolve.PathResolver
	resolver    *resolve.Resolver
	coordinator *loader.Coordinator
	watcher     *watch.Watcher
}

// Option configures the Autoloader.
type Option func(*options)

type options struct {
	generator index.GeneratorFunc
	table     *modules.Table
}

// WithGenerator installs the executor for administrative MKINDEX files.
func WithGenerator(g index.GeneratorFunc) Option {
	return func(o *options) { o.generator = g }
}

// WithTable uses an existing module table instead of a fresh one, for
// embedding into a runtime that already owns one.
func WithTable(t *modules.Table) Option {
	return func(o *options) { o.table = t }
}

// New wires an Autoloader from cfg. logger may be nil.
func New(cfg *config.Config, logger *zap.Logger, opts ...Option) (*Autoloader, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	norm := cfg.Normalizer()
	reporter := diag.NewReporter(logger, diag.WithWindow(cfg.SuppressionWindow()))

	builderOpts := []index.BuilderOption{
		index.WithExtensions(cfg.Extensions),
		index.WithNormalizer(norm),
	}
	if o.generator != nil {
		builderOpts = append(builderOpts, index.WithGenerator(o.generator))
	}
	builder := index.NewBuilder(logger, reporter, builderOpts...)
	store := index.NewStore(logger, reporter, builder,
		index.WithRecheckInterval(cfg.RecheckInterval()))
	for _, root := range cfg.LibraryRoots {
		store.AddRoot(root)
	}

	table := o.table
	if table == nil {
		table = modules.NewTable(logger, modules.WithNormalizer(norm))
	}
	reg := registry.New()
	paths := &resolve.PathResolver{
		Aliases:    map[string]func() []string{"library": store.Roots},
		Extensions: cfg.Extensions,
	}

	resolverOpts := []resolve.ResolverOption{resolve.WithResolverNormalizer(norm)}
	if !cfg.Autoload {
		resolverOpts = append(resolverOpts, resolve.WithoutIndexFallback())
	}

	a := &Autoloader{
		cfg:         cfg,
		logger:      logger,
		reporter:    reporter,
		store:       store,
		registry:    reg,
		table:       table,
		paths:       paths,
		resolver:    resolve.NewResolver(logger, reporter, store, reg, table, paths, resolverOpts...),
		coordinator: loader.NewCoordinator(logger, table, reg),
	}

	if cfg.Watch {
		w, err := watch.NewWatcher(logger, store, cfg.Extensions)
		if err != nil {
			return nil, fmt.Errorf("create library watcher: %w", err)
		}
		for _, root := range store.Roots() {
			if err := w.Watch(root); err != nil {
				logger.Warn("cannot watch library root",
					zap.String("dir", root), zap.Error(err))
			}
		}
		a.watcher = w
	}
	return a, nil
}

// Start launches the optional library watcher.
func (a *Autoloader) Start(ctx context.Context) {
	if a.watcher != nil {
		a.watcher.Start(ctx)
	}
}

// Close stops the watcher.
func (a *Autoloader) Close() {
	if a.watcher != nil {
		a.watcher.Stop()
	}
}

// Table exposes the module table the autoloader feeds definitions into.
func (a *Autoloader) Table() *modules.Table {
	return a.table
}

// Autoload is the undefined-predicate trap. Given an undefined name/arity
// invoked from module, it resolves a source, loads it at most once, and
// imports the definition. resolve.ErrNotFound means no strategy applied;
// the execution engine decides whether that is fatal for the program.
func (a *Autoloader) Autoload(ctx context.Context, module, name string, arity int) error {
	sym := symbol.Symbol{Name: name, Arity: arity}
	if a.table.Visible(module, sym) {
		// A concurrent resolution already completed; make sure the
		// marker reflects the defined state and short-circuit.
		a.registry.ClearPending(module, sym)
		return nil
	}
	res, err := a.resolver.Resolve(module, sym)
	if err != nil {
		return err
	}
	return a.coordinator.LoadAndImport(ctx, module, sym, res)
}

// DeclareAutoloadFile declares that loading fileSpec provides everything
// it exports, on behalf of module.
func (a *Autoloader) DeclareAutoloadFile(module, fileSpec string) {
	a.registry.DeclareFile(module, fileSpec, callerContext())
}

// DeclareAutoloadSymbols declares that fileSpec provides the given
// symbol specs ("name/arity" or "name//arity") and marks each pending.
// Claiming a symbol already claimed for a different file is a permission
// error; redeclaring one already imported from the same resolved file is
// a silent no-op.
func (a *Autoloader) DeclareAutoloadSymbols(module, fileSpec string, specs []string) error {
	norm := a.cfg.Normalizer()
	syms := make([]symbol.Symbol, 0, len(specs))
	for _, spec := range specs {
		sym, err := norm.ParseExport(spec)
		if err != nil {
			return err
		}
		syms = append(syms, sym)
	}

	already := func(module string, sym symbol.Symbol) (string, bool) {
		src, ok := a.table.ImportedFrom(module, sym)
		if !ok {
			return "", false
		}
		if resolved, err := a.paths.Resolve(fileSpec); err == nil &&
			modules.CanonicalPath(resolved) == src {
			// Same resolved file: report the spec so the registry
			// treats the redeclaration as redundant.
			return fileSpec, true
		}
		return src, true
	}

	_, err := a.registry.DeclareImports(module, fileSpec, callerContext(), syms, already)
	return err
}

// AddLibraryRoot registers an additional library root for the index
// fallback; the merged index reloads on the next lookup.
func (a *Autoloader) AddLibraryRoot(dir string) {
	a.store.AddRoot(dir)
	if a.watcher != nil {
		if err := a.watcher.Watch(dir); err != nil {
			a.logger.Warn("cannot watch library root",
				zap.String("dir", dir), zap.Error(err))
		}
	}
}

// UpdateIndex recomputes the index of every registered library root,
// muting per-file noise for the batch, and reloads the in-memory index
// only if something changed on disk.
func (a *Autoloader) UpdateIndex() error {
	return a.store.UpdateIndex()
}

// LibraryRoots returns the registered roots.
func (a *Autoloader) LibraryRoots() []string {
	return a.store.Roots()
}

// Lookup queries the library index directly, preferring entries defined
// by preferredModule. Administrative; the trap path goes through Autoload.
func (a *Autoloader) Lookup(name string, arity int, preferredModule string) (index.Entry, bool) {
	return a.store.Lookup(name, arity, preferredModule)
}

// callerContext captures the declaring caller's source position for
// conflict diagnostics.
func callerContext() string {
	if _, file, line, ok := runtime.Caller(2); ok {
		return fmt.Sprintf("%s:%d", file, line)
	}
	return "<unknown>"
}

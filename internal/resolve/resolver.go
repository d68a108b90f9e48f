// Package resolve implements the resolution engine: given an undefined
// symbol trapped in a calling module, it determines which file must be
// loaded and which module will provide the definition.
//
// Three strategies are tried in order, first success wins: the symbol's
// own pending declaration, the caller's file-level declarations, and the
// library index.
package resolve

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mangleload/internal/diag"
	"mangleload/internal/header"
	"mangleload/internal/index"
	"mangleload/internal/modules"
	"mangleload/internal/registry"
	"mangleload/internal/symbol"
)

var (
	// ErrNotFound means no strategy resolved the symbol. The caller
	// decides whether that is a hard error for the running program.
	ErrNotFound = errors.New("no autoload source for symbol")

	// ErrNotExported means a declared file does not export the symbol
	// it was promised to provide. A configuration error, reported but
	// not fatal to resolution as a whole.
	ErrNotExported = errors.New("declared file does not export symbol")
)

// Strategy identifies which resolution strategy produced a result.
type Strategy int

const (
	StrategySymbolDecl Strategy = iota
	StrategyFileDecl
	StrategyIndex
)

func (s Strategy) String() string {
	switch s {
	case StrategySymbolDecl:
		return "symbol-declaration"
	case StrategyFileDecl:
		return "file-declaration"
	case StrategyIndex:
		return "library-index"
	}
	return "unknown"
}

// Resolution names the file to load and the module that will define the
// symbol. LoadModule and the caller's module are both needed downstream:
// the loader imports from LoadModule into the caller.
type Resolution struct {
	LoadModule string
	File       string
	Strategy   Strategy
}

// LoadState answers whether a source file is currently mid-load. The
// module table implements it.
type LoadState interface {
	Loading(path string) bool
}

// Resolver is the resolution engine.
type Resolver struct {
	logger   *zap.Logger
	reporter *diag.Reporter
	store    *index.Store
	registry *registry.Registry
	loads    LoadState
	paths    *PathResolver
	norm     symbol.Normalizer

	// indexFallback gates strategy (c), the library-wide index.
	indexFallback bool

	// infoMu guards the metadata cache keyed by canonical path.
	infoMu sync.Mutex
	info   map[string]*header.Info
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithoutIndexFallback disables the library-index strategy, leaving only
// explicit declarations.
func WithoutIndexFallback() ResolverOption {
	return func(r *Resolver) { r.indexFallback = false }
}

// WithResolverNormalizer sets the export-spec normalizer.
func WithResolverNormalizer(n symbol.Normalizer) ResolverOption {
	return func(r *Resolver) { r.norm = n }
}

// NewResolver creates a Resolver. logger may be nil.
func NewResolver(logger *zap.Logger, reporter *diag.Reporter, store *index.Store,
	reg *registry.Registry, loads LoadState, paths *PathResolver, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Resolver{
		logger:        logger,
		reporter:      reporter,
		store:         store,
		registry:      reg,
		loads:         loads,
		paths:         paths,
		norm:          symbol.DefaultNormalizer(),
		indexFallback: true,
		info:          make(map[string]*header.Info),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve determines how callerModule's undefined sym can be satisfied.
func (r *Resolver) Resolve(callerModule string, sym symbol.Symbol) (*Resolution, error) {
	if res := r.fromSymbolDecl(callerModule, sym); res != nil {
		return res, nil
	}
	if res := r.fromFileDecls(callerModule, sym); res != nil {
		return res, nil
	}
	if res := r.fromIndex(callerModule, sym); res != nil {
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s:%s", ErrNotFound, callerModule, sym)
}

// fromSymbolDecl is strategy (a): the symbol carries a pending marker
// naming the file that must provide it.
func (r *Resolver) fromSymbolDecl(callerModule string, sym symbol.Symbol) *Resolution {
	decl, ok := r.registry.Pending(callerModule, sym)
	if !ok {
		return nil
	}
	info, path, err := r.libraryInfo(decl.FileSpec)
	if err != nil {
		r.reporter.Warn(declContext(decl, sym), err)
		return nil
	}
	if !info.ExportsSymbol(sym) {
		// The declaration promised a symbol the file does not export.
		// A configuration error: reported, never silently skipped.
		r.reporter.Warn(declContext(decl, sym),
			fmt.Errorf("%w: %s does not export %s", ErrNotExported, path, sym))
		return nil
	}
	return &Resolution{LoadModule: info.Module, File: path, Strategy: StrategySymbolDecl}
}

// fromFileDecls is strategy (b): one of the caller's file-level
// declarations may export the symbol.
func (r *Resolver) fromFileDecls(callerModule string, sym symbol.Symbol) *Resolution {
	for _, decl := range r.registry.FileDeclarations(callerModule) {
		info, path, err := r.libraryInfo(decl.FileSpec)
		if err != nil {
			r.reporter.Warn(declContext(decl, sym), err)
			continue
		}
		if info.ExportsSymbol(sym) {
			return &Resolution{LoadModule: info.Module, File: path, Strategy: StrategyFileDecl}
		}
	}
	return nil
}

// fromIndex is strategy (c): the library-wide index, preferring an entry
// whose module is the caller itself.
func (r *Resolver) fromIndex(callerModule string, sym symbol.Symbol) *Resolution {
	if !r.indexFallback {
		return nil
	}
	entry, ok := r.store.Lookup(sym.Name, sym.Arity, callerModule)
	if !ok {
		return nil
	}
	return &Resolution{LoadModule: entry.Module, File: entry.File(), Strategy: StrategyIndex}
}

// libraryInfo resolves a file spec and returns the module metadata of the
// file it denotes. Metadata is cached per canonical path. While the file
// is mid-load by another resolution, the cache is bypassed and the header
// is re-read straight from disk: loads only read sources, so a fresh read
// is safe where waiting on the loader would deadlock.
func (r *Resolver) libraryInfo(fileSpec string) (*header.Info, string, error) {
	path, err := r.paths.Resolve(fileSpec)
	if err != nil {
		return nil, "", err
	}
	canon := modules.CanonicalPath(path)

	if r.loads.Loading(canon) {
		info, err := header.Peek(canon, r.norm)
		if err != nil {
			return nil, "", err
		}
		return info, canon, nil
	}

	r.infoMu.Lock()
	if info, ok := r.info[canon]; ok {
		r.infoMu.Unlock()
		return info, canon, nil
	}
	r.infoMu.Unlock()

	info, err := header.Peek(canon, r.norm)
	if err != nil {
		return nil, "", err
	}
	r.infoMu.Lock()
	r.info[canon] = info
	r.infoMu.Unlock()
	return info, canon, nil
}

func declContext(decl *registry.Declaration, sym symbol.Symbol) string {
	ctx := decl.Context
	if ctx == "" {
		ctx = "<unknown>"
	}
	return fmt.Sprintf("%s:%s (declared at %s)", decl.Module, sym, ctx)
}

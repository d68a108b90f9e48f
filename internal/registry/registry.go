// Package registry holds the autoload declarations made by library code
// and the per-symbol pending markers that drive the undefined-predicate
// trap. Declarations are kept per owning module in insertion order, keyed
// by file spec; there is no global database.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"mangleload/internal/symbol"
)

// ErrPermission rejects a declaration that claims a symbol already
// claimed by a pending declaration for a different file. The original
// declaration stays in effect.
var ErrPermission = errors.New("symbol already claimed by another autoload declaration")

// Scope distinguishes file-level from symbol-level declarations.
type Scope int

const (
	// ScopeAll declares that the file provides everything it exports.
	ScopeAll Scope = iota
	// ScopeImports declares an explicit set of symbols.
	ScopeImports
)

// Declaration records one "loading this file provides these symbols"
// statement made by a module.
type Declaration struct {
	Module   string
	FileSpec string
	// Context is the source location of the declaration, or "<unknown>".
	Context string
	Scope   Scope
	// Imports is the declared symbol set for ScopeImports declarations.
	Imports map[symbol.Symbol]bool
}

type pendingKey struct {
	module string
	sym    symbol.Symbol
}

// Registry is the declaration store for all modules.
type Registry struct {
	mu sync.Mutex
	// decls keeps each module's declarations in insertion order.
	decls map[string][]*Declaration
	// pending maps a marked symbol to the declaration that claimed it.
	pending map[pendingKey]*Declaration
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		decls:   make(map[string][]*Declaration),
		pending: make(map[pendingKey]*Declaration),
	}
}

// AlreadyImported reports whether a symbol was already imported into a
// module and, if so, from which source file. Provided by the module
// table; used to downgrade redundant redeclarations to no-ops.
type AlreadyImported func(module string, sym symbol.Symbol) (sourceFile string, ok bool)

// DeclareFile records a ScopeAll declaration: loading fileSpec provides
// everything it exports. Redeclaring the same (module, fileSpec) replaces
// the prior declaration.
func (r *Registry) DeclareFile(module, fileSpec, context string) *Declaration {
	d := &Declaration{
		Module:   module,
		FileSpec: fileSpec,
		Context:  context,
		Scope:    ScopeAll,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaceLocked(d)
	return d
}

// DeclareImports records a ScopeImports declaration and marks each symbol
// pending. A symbol already pending for a different file is a permission
// error and the whole declaration is rejected; a symbol already imported
// from resolvedFile (per alreadyImported) is silently skipped.
func (r *Registry) DeclareImports(module, fileSpec, context string, syms []symbol.Symbol, alreadyImported AlreadyImported) (*Declaration, error) {
	d := &Declaration{
		Module:   module,
		FileSpec: fileSpec,
		Context:  context,
		Scope:    ScopeImports,
		Imports:  make(map[symbol.Symbol]bool, len(syms)),
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Validate the whole set before mutating anything, so a rejected
	// declaration leaves no partial markers behind.
	skip := make(map[symbol.Symbol]bool)
	for _, sym := range syms {
		key := pendingKey{module: module, sym: sym}
		if prev, ok := r.pending[key]; ok && prev.FileSpec != fileSpec {
			return nil, fmt.Errorf("%w: %s:%s is declared in %s (at %s)",
				ErrPermission, module, sym, prev.FileSpec, prev.Context)
		}
		if alreadyImported != nil {
			if src, ok := alreadyImported(module, sym); ok {
				if src != fileSpec {
					return nil, fmt.Errorf("%w: %s:%s is already imported from %s",
						ErrPermission, module, sym, src)
				}
				skip[sym] = true
			}
		}
	}

	for _, sym := range syms {
		if skip[sym] {
			continue
		}
		d.Imports[sym] = true
		r.pending[pendingKey{module: module, sym: sym}] = d
	}
	r.replaceLocked(d)
	return d, nil
}

// replaceLocked installs d, retracting any prior declaration for the same
// (module, fileSpec, scope) and releasing its pending markers.
func (r *Registry) replaceLocked(d *Declaration) {
	list := r.decls[d.Module]
	for i, prev := range list {
		if prev.FileSpec == d.FileSpec && prev.Scope == d.Scope {
			for sym := range prev.Imports {
				key := pendingKey{module: d.Module, sym: sym}
				if r.pending[key] == prev {
					delete(r.pending, key)
				}
			}
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	r.decls[d.Module] = append(list, d)
}

// Pending returns the declaration that claims (module, sym), if the
// symbol carries the pending-autoload marker.
func (r *Registry) Pending(module string, sym symbol.Symbol) (*Declaration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.pending[pendingKey{module: module, sym: sym}]
	return d, ok
}

// ClearPending atomically removes the pending marker for (module, sym).
// Returns true for the caller that actually cleared it; concurrent
// resolvers use this to decide who completes the pending→defined
// transition. There is no way to re-mark a cleared symbol.
func (r *Registry) ClearPending(module string, sym symbol.Symbol) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := pendingKey{module: module, sym: sym}
	if _, ok := r.pending[key]; !ok {
		return false
	}
	delete(r.pending, key)
	return true
}

// FileDeclarations returns module's ScopeAll declarations in insertion
// order.
func (r *Registry) FileDeclarations(module string) []*Declaration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Declaration
	for _, d := range r.decls[module] {
		if d.Scope == ScopeAll {
			out = append(out, d)
		}
	}
	return out
}

// Declarations returns all of module's declarations in insertion order.
func (r *Registry) Declarations(module string) []*Declaration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Declaration(nil), r.decls[module]...)
}

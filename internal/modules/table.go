// Package modules implements the module table the autoloader works
// against: per-module definition and export sets, single-symbol imports,
// and an ensure-loaded primitive with a load-once guarantee and a
// "currently loading" query.
//
// This is deliberately the minimum module system autoload needs. Loading
// a file parses its clauses with the Mangle parser and registers each
// clause head as a defined predicate of the file's declared module.
package modules

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/mangle/parse"
	"go.uber.org/zap"

	"mangleload/internal/header"
	"mangleload/internal/symbol"
)

// ErrNotDefined rejects an import of a symbol the source module does not
// define.
var ErrNotDefined = errors.New("symbol not defined in source module")

type importRecord struct {
	from string
	file string
}

type module struct {
	name    string
	defined map[symbol.Symbol]bool
	exports map[symbol.Symbol]bool
	imports map[symbol.Symbol]importRecord
}

// fileState tracks one source file's load lifecycle. done is closed when
// the load finishes; waiters observe err afterwards.
type fileState struct {
	done chan struct{}
	err  error
}

// Table is the module and file-load registry.
type Table struct {
	logger *zap.Logger
	norm   symbol.Normalizer

	mu      sync.Mutex
	modules map[string]*module
	files   map[string]*fileState
	loads   int
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithNormalizer sets the export-spec normalizer used when reading module
// headers during a load.
func WithNormalizer(n symbol.Normalizer) TableOption {
	return func(t *Table) { t.norm = n }
}

// NewTable creates an empty Table. logger may be nil.
func NewTable(logger *zap.Logger, opts ...TableOption) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Table{
		logger:  logger,
		norm:    symbol.DefaultNormalizer(),
		modules: make(map[string]*module),
		files:   make(map[string]*fileState),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// CanonicalPath resolves path to its canonical absolute form, following
// symlinks when the file exists.
func CanonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

func (t *Table) moduleLocked(name string) *module {
	m, ok := t.modules[name]
	if !ok {
		m = &module{
			name:    name,
			defined: make(map[symbol.Symbol]bool),
			exports: make(map[symbol.Symbol]bool),
			imports: make(map[symbol.Symbol]importRecord),
		}
		t.modules[name] = m
	}
	return m
}

// Define registers sym as defined in module. Used by the execution engine
// when it compiles clauses outside the autoload path.
func (t *Table) Define(moduleName string, sym symbol.Symbol) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.moduleLocked(moduleName).defined[sym] = true
}

// Defined reports whether module itself defines sym.
func (t *Table) Defined(moduleName string, sym symbol.Symbol) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.modules[moduleName]
	return ok && m.defined[sym]
}

// Visible reports whether sym is callable from module, either as its own
// definition or through an import.
func (t *Table) Visible(moduleName string, sym symbol.Symbol) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.modules[moduleName]
	if !ok {
		return false
	}
	if m.defined[sym] {
		return true
	}
	_, imported := m.imports[sym]
	return imported
}

// Exports reports whether module exports sym.
func (t *Table) Exports(moduleName string, sym symbol.Symbol) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.modules[moduleName]
	return ok && m.exports[sym]
}

// ImportedFrom returns the source file sym was imported into module from.
func (t *Table) ImportedFrom(moduleName string, sym symbol.Symbol) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.modules[moduleName]
	if !ok {
		return "", false
	}
	rec, ok := m.imports[sym]
	return rec.file, ok
}

// Loads returns the number of physical file loads performed. Exposed for
// the at-most-one-load property tests.
func (t *Table) Loads() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loads
}

// Loading reports whether path is currently mid-load by some caller.
// Metadata readers use this to avoid the cached introspection path while
// a loader is populating it.
func (t *Table) Loading(path string) bool {
	canon := CanonicalPath(path)
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.files[canon]
	if !ok {
		return false
	}
	select {
	case <-st.done:
		return false
	default:
		return true
	}
}

// ImportSymbol makes sym, defined in fromModule and loaded from file,
// visible in intoModule. Importing the same symbol again is a no-op.
func (t *Table) ImportSymbol(intoModule, fromModule string, sym symbol.Symbol, file string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	src, ok := t.modules[fromModule]
	if !ok || !src.defined[sym] {
		return fmt.Errorf("%w: %s:%s", ErrNotDefined, fromModule, sym)
	}
	dst := t.moduleLocked(intoModule)
	dst.imports[sym] = importRecord{from: fromModule, file: file}
	return nil
}

// EnsureLoaded loads path exactly once. A caller arriving while another
// load of the same file is in flight waits for that load and shares its
// result; a caller arriving after a completed load returns immediately.
func (t *Table) EnsureLoaded(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	canon := CanonicalPath(path)

	t.mu.Lock()
	if st, ok := t.files[canon]; ok {
		t.mu.Unlock()
		<-st.done
		return st.err
	}
	st := &fileState{done: make(chan struct{})}
	t.files[canon] = st
	t.mu.Unlock()

	st.err = t.loadFile(canon)
	close(st.done)
	if st.err != nil {
		// A failed load may be retried once the cause is fixed.
		t.mu.Lock()
		delete(t.files, canon)
		t.mu.Unlock()
	}
	return st.err
}

// loadFile parses path and registers its clauses. Definitions land in the
// file's declared module; a file without a module header defines into the
// synthetic module named by its path.
func (t *Table) loadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	defer f.Close()

	unit, err := parse.Unit(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}

	moduleName := path
	var exports []symbol.Symbol
	if info, err := header.Peek(path, t.norm); err == nil {
		moduleName = info.Module
		exports = info.Exports
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.loads++
	m := t.moduleLocked(moduleName)
	for _, sym := range exports {
		m.exports[sym] = true
	}
	defined := 0
	for _, clause := range unit.Clauses {
		pred := clause.Head.Predicate
		if pred.Symbol == header.ModuleDeclName {
			continue
		}
		sym := symbol.Symbol{Name: pred.Symbol, Arity: pred.Arity}
		if !m.defined[sym] {
			m.defined[sym] = true
			defined++
		}
	}
	t.logger.Debug("file loaded",
		zap.String("file", path),
		zap.String("module", moduleName),
		zap.Int("predicates", defined))
	return nil
}

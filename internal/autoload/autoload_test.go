package autoload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"mangleload/internal/config"
	"mangleload/internal/index"
	"mangleload/internal/registry"
	"mangleload/internal/resolve"
	"mangleload/internal/symbol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var appendSym = symbol.Symbol{Name: "append", Arity: 3}

const listsSource = `module("lists", "append/3", "member/2").

append(X, Y, Z) :- concat(X, Y, Z).
member(X, L) :- contains(L, X).
`

func writeLibrary(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func newAutoloader(t *testing.T, mutate func(*config.Config)) (*Autoloader, string) {
	t.Helper()
	libDir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.LibraryRoots = []string{libDir}
	if mutate != nil {
		mutate(cfg)
	}
	a, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, libDir
}

func TestTrapLoadsAndImports(t *testing.T) {
	a, libDir := newAutoloader(t, nil)
	writeLibrary(t, libDir, "lists.mg", listsSource)
	ctx := context.Background()

	if err := a.Autoload(ctx, "user", "append", 3); err != nil {
		t.Fatalf("Autoload failed: %v", err)
	}
	if !a.Table().Visible("user", appendSym) {
		t.Error("append/3 not visible in user after trap")
	}

	// Second trap is a cache hit: no further physical load.
	if err := a.Autoload(ctx, "user", "append", 3); err != nil {
		t.Fatalf("second Autoload failed: %v", err)
	}
	if got := a.Table().Loads(); got != 1 {
		t.Errorf("physical loads = %d, want 1", got)
	}
}

func TestTrapNotFound(t *testing.T) {
	a, libDir := newAutoloader(t, nil)
	writeLibrary(t, libDir, "lists.mg", listsSource)

	err := a.Autoload(context.Background(), "user", "nonesuch", 7)
	if !errors.Is(err, resolve.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestConcurrentTraps(t *testing.T) {
	a, libDir := newAutoloader(t, nil)
	writeLibrary(t, libDir, "lists.mg", listsSource)

	const n = 24
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = a.Autoload(context.Background(), "user", "append", 3)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("trap %d failed: %v", i, err)
		}
	}
	if got := a.Table().Loads(); got != 1 {
		t.Errorf("physical loads = %d, want 1", got)
	}
}

func TestDeclaredSymbolsBeatIndex(t *testing.T) {
	a, libDir := newAutoloader(t, nil)
	writeLibrary(t, libDir, "lists.mg", listsSource)
	writeLibrary(t, libDir, "mylists.mg", `module("mylists", "append/3").
append(X, Y, Z) :- myconcat(X, Y, Z).`)

	if err := a.DeclareAutoloadSymbols("user", "library(mylists)", []string{"append/3"}); err != nil {
		t.Fatalf("DeclareAutoloadSymbols failed: %v", err)
	}
	if err := a.Autoload(context.Background(), "user", "append", 3); err != nil {
		t.Fatalf("Autoload failed: %v", err)
	}

	// The declaration's file won, not the index's lists.mg.
	src, ok := a.Table().ImportedFrom("user", appendSym)
	if !ok || filepath.Base(src) != "mylists.mg" {
		t.Errorf("imported from %q, want mylists.mg", src)
	}
}

func TestDeclareAutoloadFile(t *testing.T) {
	a, libDir := newAutoloader(t, func(cfg *config.Config) { cfg.Autoload = false })
	writeLibrary(t, libDir, "lists.mg", listsSource)

	// With the index fallback off, only the file declaration resolves.
	a.DeclareAutoloadFile("user", "library(lists)")
	if err := a.Autoload(context.Background(), "user", "member", 2); err != nil {
		t.Fatalf("Autoload failed: %v", err)
	}
	if !a.Table().Visible("user", symbol.Symbol{Name: "member", Arity: 2}) {
		t.Error("member/2 not visible")
	}
}

func TestConflictingDeclarationRejected(t *testing.T) {
	a, libDir := newAutoloader(t, nil)
	writeLibrary(t, libDir, "a.mg", `module("a", "p/1").
p(X) :- x(X).`)
	writeLibrary(t, libDir, "b.mg", `module("b", "p/1").
p(X) :- y(X).`)

	if err := a.DeclareAutoloadSymbols("user", "library(a)", []string{"p/1"}); err != nil {
		t.Fatalf("first declaration failed: %v", err)
	}
	err := a.DeclareAutoloadSymbols("user", "library(b)", []string{"p/1"})
	if !errors.Is(err, registry.ErrPermission) {
		t.Fatalf("err = %v, want ErrPermission", err)
	}

	// The original mapping still resolves.
	if err := a.Autoload(context.Background(), "user", "p", 1); err != nil {
		t.Fatalf("Autoload failed: %v", err)
	}
	src, _ := a.Table().ImportedFrom("user", symbol.Symbol{Name: "p", Arity: 1})
	if filepath.Base(src) != "a.mg" {
		t.Errorf("imported from %q, want a.mg", src)
	}
}

func TestRedeclareImportedSymbolIsNoOp(t *testing.T) {
	a, libDir := newAutoloader(t, nil)
	writeLibrary(t, libDir, "lists.mg", listsSource)

	if err := a.DeclareAutoloadSymbols("user", "library(lists)", []string{"append/3"}); err != nil {
		t.Fatalf("declaration failed: %v", err)
	}
	if err := a.Autoload(context.Background(), "user", "append", 3); err != nil {
		t.Fatalf("Autoload failed: %v", err)
	}

	// Same resolved file after the import: silent no-op.
	if err := a.DeclareAutoloadSymbols("user", "library(lists)", []string{"append/3"}); err != nil {
		t.Errorf("redeclaration from the same file rejected: %v", err)
	}

	// A different file for the imported symbol is still rejected.
	writeLibrary(t, libDir, "other.mg", `module("other", "append/3").
append(X, Y, Z) :- z(X, Y, Z).`)
	err := a.DeclareAutoloadSymbols("user", "library(other)", []string{"append/3"})
	if !errors.Is(err, registry.ErrPermission) {
		t.Errorf("err = %v, want ErrPermission", err)
	}
}

func TestGeneratorExtraArgsConfig(t *testing.T) {
	a, libDir := newAutoloader(t, func(cfg *config.Config) { cfg.GeneratorExtraArgs = 1 })
	writeLibrary(t, libDir, "gram.mg", `module("gram", "digits//1").
digits(A, B) :- d(A, B).`)

	// digits//1 normalizes to digits/2 under ExtraArgs=1.
	if err := a.Autoload(context.Background(), "user", "digits", 2); err != nil {
		t.Fatalf("Autoload failed: %v", err)
	}
}

func TestUpdateIndexAndAddLibraryRoot(t *testing.T) {
	a, libDir := newAutoloader(t, nil)
	writeLibrary(t, libDir, "lists.mg", listsSource)

	if err := a.UpdateIndex(); err != nil {
		t.Fatalf("UpdateIndex failed: %v", err)
	}
	if _, ok := a.Lookup("append", 3, ""); !ok {
		t.Error("append/3 not in index after UpdateIndex")
	}

	extra := t.TempDir()
	writeLibrary(t, extra, "strings.mg", `module("strings", "concat/3").
concat(A, B, C) :- j(A, B, C).`)
	a.AddLibraryRoot(extra)
	if _, ok := a.Lookup("concat", 3, ""); !ok {
		t.Error("new root's exports not visible after AddLibraryRoot")
	}
	if got := len(a.LibraryRoots()); got != 2 {
		t.Errorf("roots = %d, want 2", got)
	}
}

func TestGeneratorEscapeHatch(t *testing.T) {
	libDir := t.TempDir()
	writeLibrary(t, libDir, index.GeneratorFileName, "# custom index logic")
	writeLibrary(t, libDir, "special.mg", `module("special", "odd/1").
odd(X) :- o(X).`)

	cfg := config.DefaultConfig()
	cfg.LibraryRoots = []string{libDir}
	a, err := New(cfg, nil, WithGenerator(func(dir, gen string) error {
		return os.WriteFile(filepath.Join(dir, index.IndexFileName),
			[]byte(`index("odd", 1, "special", "special.mg").`+"\nend_of_index().\n"), 0o644)
	}))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := a.Autoload(context.Background(), "user", "odd", 1); err != nil {
		t.Fatalf("Autoload through generator index failed: %v", err)
	}
}

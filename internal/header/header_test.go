package header

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"mangleload/internal/symbol"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestPeek(t *testing.T) {
	dir := t.TempDir()
	norm := symbol.DefaultNormalizer()

	path := writeFile(t, dir, "lists.mg", `# list utilities
module("lists", "append/3", "member/2").

append(X, Y, Z) :- concat(X, Y, Z).
member(X, L) :- contains(L, X).
`)

	info, err := Peek(path, norm)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if info.Module != "lists" {
		t.Errorf("Module = %q, want lists", info.Module)
	}
	if len(info.Exports) != 2 {
		t.Fatalf("Exports = %v, want 2 entries", info.Exports)
	}
	if !info.ExportsSymbol(symbol.Symbol{Name: "append", Arity: 3}) {
		t.Error("append/3 not exported")
	}
	if !info.ExportsSymbol(symbol.Symbol{Name: "member", Arity: 2}) {
		t.Error("member/2 not exported")
	}
	if info.ExportsSymbol(symbol.Symbol{Name: "reverse", Arity: 2}) {
		t.Error("reverse/2 unexpectedly exported")
	}
}

func TestPeekMultilineHeader(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "strings.mg", `module("strings",
    "concat/3",
    "upcase/2").
`)
	info, err := Peek(path, symbol.DefaultNormalizer())
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if info.Module != "strings" || len(info.Exports) != 2 {
		t.Errorf("got %+v", info)
	}
}

func TestPeekTrailingComment(t *testing.T) {
	dir := t.TempDir()
	norm := symbol.DefaultNormalizer()

	// Hand-edited libraries annotate the header in place.
	path := writeFile(t, dir, "lists.mg", `module("lists", "append/3"). # list utilities
append(X, Y, Z) :- concat(X, Y, Z).
`)
	info, err := Peek(path, norm)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if info.Module != "lists" || !info.ExportsSymbol(symbol.Symbol{Name: "append", Arity: 3}) {
		t.Errorf("got %+v", info)
	}

	// A trailing comment on a continuation line of a multi-line header.
	path = writeFile(t, dir, "strings.mg", `module("strings", # exported:
    "concat/3"). # string utilities
`)
	info, err = Peek(path, norm)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if info.Module != "strings" || len(info.Exports) != 1 {
		t.Errorf("got %+v", info)
	}

	// A # inside a quoted string is not a comment.
	path = writeFile(t, dir, "tags.mg", `module("tags", "has#marker/1").
`)
	info, err = Peek(path, norm)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if !info.ExportsSymbol(symbol.Symbol{Name: "has#marker", Arity: 1}) {
		t.Errorf("exports = %v, want has#marker/1", info.Exports)
	}
}

func TestPeekGeneratorExport(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "gram.mg", `module("gram", "digits//1").`)
	info, err := Peek(path, symbol.DefaultNormalizer())
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	// digits//1 normalizes to digits/3 under the default convention.
	if !info.ExportsSymbol(symbol.Symbol{Name: "digits", Arity: 3}) {
		t.Errorf("exports = %v, want digits/3", info.Exports)
	}
}

func TestPeekNoHeader(t *testing.T) {
	dir := t.TempDir()
	norm := symbol.DefaultNormalizer()

	tests := []struct {
		name    string
		content string
	}{
		{name: "PlainFact", content: `likes("alice", "bob").`},
		{name: "WrongPredicate", content: `package_decl("lists").`},
		{name: "CommentOnly", content: "# nothing here\n"},
		{name: "Empty", content: ""},
		{name: "Unterminated", content: strings.Repeat("x", 20) + "\n"},
		{name: "VariableExport", content: `module("lists", Unbound).`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, tt.name+".mg", tt.content)
			if _, err := Peek(path, norm); !errors.Is(err, ErrNoHeader) {
				t.Errorf("Peek = %v, want ErrNoHeader", err)
			}
		})
	}
}

func TestPeekMissingFile(t *testing.T) {
	_, err := Peek(filepath.Join(t.TempDir(), "absent.mg"), symbol.DefaultNormalizer())
	if err == nil || errors.Is(err, ErrNoHeader) {
		t.Errorf("expected read error, got %v", err)
	}
}

func TestPeekBoundedRead(t *testing.T) {
	dir := t.TempDir()
	// A huge file with no terminating period must not be read to the end.
	path := writeFile(t, dir, "big.mg", strings.Repeat("garbage_line\n", 10000))
	if _, err := Peek(path, symbol.DefaultNormalizer()); !errors.Is(err, ErrNoHeader) {
		t.Errorf("Peek = %v, want ErrNoHeader", err)
	}
}

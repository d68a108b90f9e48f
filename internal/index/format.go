// Package index maintains the persistent library index: the on-disk
// mapping from (name, arity) to the (module, file) that defines it, the
// builder that derives it from library sources, and the in-memory store
// the resolver reads it through.
package index

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/mangle/ast"

	"mangleload/internal/diag"
	"mangleload/internal/header"
)

const (
	// IndexFileName is the per-directory index written by the builder.
	IndexFileName = "INDEX.mg"
	// GeneratorFileName, when present in a directory, replaces the
	// default scan with directory-specific indexing logic.
	GeneratorFileName = "MKINDEX.mg"

	indexPredicate = "index"
	endMarker      = "end_of_index()."
)

// Entry maps one exported symbol to its defining module and file.
type Entry struct {
	Name    string
	Arity   int
	Module  string
	RelPath string
	// Dir is the directory whose index produced the entry. Set by the
	// reader; not serialized.
	Dir string
}

// File returns the absolute path of the defining source file.
func (e Entry) File() string {
	return filepath.Join(e.Dir, filepath.FromSlash(e.RelPath))
}

// writeEntries serializes entries as index/4 facts followed by the end
// marker. The format is line-oriented and hand-editable.
func writeEntries(w io.Writer, entries []Entry) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "# Library index. Maps exported predicates to their defining module and file.")
	fmt.Fprintln(bw, "# Rebuilt automatically when library sources change; do not rely on edits.")
	for _, e := range entries {
		fmt.Fprintf(bw, "%s(%q, %d, %q, %q).\n",
			indexPredicate, e.Name, e.Arity, e.Module, filepath.ToSlash(e.RelPath))
	}
	fmt.Fprintln(bw, endMarker)
	return bw.Flush()
}

// readEntries parses an index stream. Unparseable lines are reported
// through the reporter and skipped; a missing end marker means the index
// was truncated mid-write and is reported the same way. The entries read
// so far are returned in both cases.
func readEntries(r io.Reader, dir string, reporter *diag.Reporter) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	terminated := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == endMarker {
			terminated = true
			break
		}
		entry, err := parseLine(line)
		if err != nil {
			reporter.Warn(filepath.Join(dir, IndexFileName), err)
			continue
		}
		entry.Dir = dir
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		reporter.Warn(filepath.Join(dir, IndexFileName), err)
		return entries
	}
	if !terminated {
		reporter.Warn(filepath.Join(dir, IndexFileName),
			fmt.Errorf("truncated index: missing %s", endMarker))
	}
	return entries
}

func parseLine(line string) (Entry, error) {
	atom, err := header.ParseFact(line)
	if err != nil {
		return Entry{}, fmt.Errorf("malformed index record %q: %w", line, err)
	}
	if atom.Predicate.Symbol != indexPredicate || len(atom.Args) != 4 {
		return Entry{}, fmt.Errorf("malformed index record %q: want %s/4", line, indexPredicate)
	}
	name, ok1 := stringConst(atom.Args[0])
	arity, ok2 := numberConst(atom.Args[1])
	module, ok3 := stringConst(atom.Args[2])
	rel, ok4 := stringConst(atom.Args[3])
	if !ok1 || !ok2 || !ok3 || !ok4 || arity < 0 {
		return Entry{}, fmt.Errorf("malformed index record %q: bad argument types", line)
	}
	return Entry{Name: name, Arity: int(arity), Module: module, RelPath: rel}, nil
}

func stringConst(term ast.BaseTerm) (string, bool) {
	c, ok := term.(ast.Constant)
	if !ok || c.Type != ast.StringType {
		return "", false
	}
	return c.Symbol, true
}

func numberConst(term ast.BaseTerm) (int64, bool) {
	c, ok := term.(ast.Constant)
	if !ok || c.Type != ast.NumberType {
		return 0, false
	}
	return c.NumValue, true
}

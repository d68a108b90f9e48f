// Package header extracts the module declaration from the first term of a
// Mangle library file without running the full loader.
//
// A library file starts with a module fact of the form
//
//	module("lists", "append/3", "member/2").
//
// where the first argument is the module name and the remaining arguments
// form the export list. Files whose first term is anything else have no
// module header and contribute nothing to the library index.
package header

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/mangle/ast"
	"github.com/google/mangle/parse"

	"mangleload/internal/symbol"
)

// ModuleDeclName is the predicate name of the header fact.
const ModuleDeclName = "module"

// Reads are bounded so a file with no terminating period cannot make the
// peeker scan megabytes of clauses.
const (
	maxHeaderLines = 128
	maxHeaderBytes = 16 * 1024
)

// ErrNoHeader is returned when the first term of a file is not a module
// declaration with a fully instantiated export list.
var ErrNoHeader = errors.New("no module header")

// Info is the module metadata extracted from a file's header.
type Info struct {
	Module  string
	Path    string
	Exports []symbol.Symbol
}

// Exports reports whether the module exports sym.
func (i *Info) ExportsSymbol(sym symbol.Symbol) bool {
	for _, e := range i.Exports {
		if e == sym {
			return true
		}
	}
	return false
}

// Peek opens path, reads its first term, and returns the module declaration
// it contains. The file is opened read-only and closed before Peek returns;
// it never goes through the clause loader, so it is safe to call on a file
// that is concurrently being loaded elsewhere.
func Peek(path string, norm symbol.Normalizer) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("peek header of %s: %w", path, err)
	}
	defer f.Close()

	term, err := firstTerm(f)
	if err != nil {
		return nil, fmt.Errorf("peek header of %s: %w", path, err)
	}
	info, err := parseDecl(term, norm)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	info.Path = path
	return info, nil
}

// firstTerm scans forward to the first period-terminated term, skipping
// blank lines and stripping # comments, trailing ones included.
func firstTerm(f *os.File) (string, error) {
	scanner := bufio.NewScanner(f)
	var buf strings.Builder
	lines, bytes := 0, 0
	for scanner.Scan() {
		lines++
		bytes += len(scanner.Bytes())
		if lines > maxHeaderLines || bytes > maxHeaderBytes {
			return "", ErrNoHeader
		}
		line := stripComment(strings.TrimSpace(scanner.Text()))
		if line == "" {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte(' ')
		}
		buf.WriteString(line)
		if strings.HasSuffix(line, ".") {
			return buf.String(), nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", ErrNoHeader
}

// stripComment cuts an unquoted # comment off line. A # inside a double
// quoted string is part of the string.
func stripComment(line string) string {
	inQuote := false
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			if inQuote {
				i++
			}
		case '"':
			inQuote = !inQuote
		case '#':
			if !inQuote {
				return strings.TrimSpace(line[:i])
			}
		}
	}
	return line
}

// parseDecl parses a module header fact. The term must be a ground
// module(Name, Export...) atom; anything else is ErrNoHeader.
func parseDecl(term string, norm symbol.Normalizer) (*Info, error) {
	atom, err := ParseFact(term)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHeader, err)
	}
	if atom.Predicate.Symbol != ModuleDeclName || len(atom.Args) == 0 {
		return nil, ErrNoHeader
	}
	name, ok := stringArg(atom.Args[0])
	if !ok {
		return nil, ErrNoHeader
	}
	info := &Info{Module: name}
	for _, arg := range atom.Args[1:] {
		spec, ok := stringArg(arg)
		if !ok {
			return nil, fmt.Errorf("%w: non-constant export in module %s", ErrNoHeader, name)
		}
		sym, err := norm.ParseExport(spec)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		info.Exports = append(info.Exports, sym)
	}
	return info, nil
}

// ParseFact parses a single period-terminated ground fact.
func ParseFact(term string) (ast.Atom, error) {
	clean := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(term), "."))
	atom, err := parse.Atom(clean)
	if err != nil {
		// Some grammar revisions want the terminating period.
		atom, err = parse.Atom(clean + ".")
		if err != nil {
			return ast.Atom{}, err
		}
	}
	return atom, nil
}

func stringArg(term ast.BaseTerm) (string, bool) {
	c, ok := term.(ast.Constant)
	if !ok {
		return "", false
	}
	switch c.Type {
	case ast.StringType, ast.NameType:
		return c.Symbol, true
	}
	return "", false
}

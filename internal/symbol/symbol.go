// Package symbol defines the (name, arity) pair that identifies a callable
// predicate, and the parsing/normalization rules for export specs.
package symbol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadSpec is returned when a symbol spec cannot be parsed.
var ErrBadSpec = errors.New("malformed symbol spec")

// Symbol identifies a predicate by name and arity.
type Symbol struct {
	Name  string
	Arity int
}

// String renders the canonical "name/arity" form.
func (s Symbol) String() string {
	return fmt.Sprintf("%s/%d", s.Name, s.Arity)
}

// Less orders symbols by name, then arity. Used for stable index output.
func (s Symbol) Less(o Symbol) bool {
	if s.Name != o.Name {
		return s.Name < o.Name
	}
	return s.Arity < o.Arity
}

// Parse parses a "name/arity" spec.
func Parse(spec string) (Symbol, error) {
	name, arity, err := split(spec, "/")
	if err != nil {
		return Symbol{}, err
	}
	return Symbol{Name: name, Arity: arity}, nil
}

// Normalizer maps export-spec forms to canonical arity. Specs written as
// "name//arity" denote rule generators that take ExtraArgs implicit
// arguments beyond the declared arity; the exact count is a convention of
// the host grammar, so it is configuration rather than a constant.
type Normalizer struct {
	// ExtraArgs is added to the declared arity of "name//arity" exports.
	ExtraArgs int
}

// DefaultNormalizer uses the conventional two implicit arguments.
func DefaultNormalizer() Normalizer {
	return Normalizer{ExtraArgs: 2}
}

// ParseExport parses an export spec, accepting both the plain "name/arity"
// form and the generator "name//arity" form, and returns the canonical
// symbol under which the export is indexed.
func (n Normalizer) ParseExport(spec string) (Symbol, error) {
	if strings.Contains(spec, "//") {
		name, arity, err := split(spec, "//")
		if err != nil {
			return Symbol{}, err
		}
		return Symbol{Name: name, Arity: arity + n.ExtraArgs}, nil
	}
	return Parse(spec)
}

func split(spec, sep string) (string, int, error) {
	i := strings.LastIndex(spec, sep)
	if i <= 0 || i+len(sep) >= len(spec) {
		return "", 0, fmt.Errorf("%w: %q", ErrBadSpec, spec)
	}
	name := spec[:i]
	arity, err := strconv.Atoi(spec[i+len(sep):])
	if err != nil || arity < 0 {
		return "", 0, fmt.Errorf("%w: %q", ErrBadSpec, spec)
	}
	return name, arity, nil
}

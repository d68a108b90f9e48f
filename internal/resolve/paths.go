package resolve

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathResolver turns declaration file specs into concrete paths. A spec
// is either a plain path (extension optional) or an alias form like
// "library(lists)", searched across the alias's directories in order.
type PathResolver struct {
	// Aliases maps an alias name to a provider of its directory list.
	// The indirection keeps the list live as roots are registered.
	Aliases map[string]func() []string
	// Extensions tried when a spec has no extension, in order.
	Extensions []string
}

// Resolve returns the first existing file the spec denotes.
func (p *PathResolver) Resolve(spec string) (string, error) {
	if alias, rest, ok := splitAlias(spec); ok {
		dirs, found := p.Aliases[alias]
		if !found {
			return "", fmt.Errorf("unknown file-spec alias %q in %q", alias, spec)
		}
		for _, dir := range dirs() {
			if path, ok := p.existing(filepath.Join(dir, rest)); ok {
				return path, nil
			}
		}
		return "", fmt.Errorf("no file for spec %q", spec)
	}
	if path, ok := p.existing(spec); ok {
		return path, nil
	}
	return "", fmt.Errorf("no file for spec %q", spec)
}

// existing resolves candidate to an existing regular file, trying the
// configured extensions when it has none.
func (p *PathResolver) existing(candidate string) (string, bool) {
	try := func(path string) bool {
		fi, err := os.Stat(path)
		return err == nil && !fi.IsDir()
	}
	if filepath.Ext(candidate) != "" {
		return candidate, try(candidate)
	}
	for _, ext := range p.Extensions {
		if withExt := candidate + ext; try(withExt) {
			return withExt, true
		}
	}
	return "", false
}

func splitAlias(spec string) (alias, rest string, ok bool) {
	open := strings.IndexByte(spec, '(')
	if open <= 0 || !strings.HasSuffix(spec, ")") {
		return "", "", false
	}
	return spec[:open], spec[open+1 : len(spec)-1], true
}

package route

import (
	"fmt"
	"sort"
	"strings"

	"github.com/angeloszaimis/api-gateway/internal/backend"
)

// Spec is the static description of one route as it appears in configuration.
type Spec struct {
	PathPrefix  string
	Backend     string
	RewriteFrom string
	RewriteTo   string
}

// Entry is a resolved route. Entries are immutable once the table is built.
type Entry struct {
	PathPrefix  string
	Backend     *backend.Backend
	RewriteFrom string
	RewriteTo   string
}

// Matches reports whether path falls under the entry's prefix on a segment
// boundary: "/products" covers "/products" and "/products/1", not "/productsx".
func (e *Entry) Matches(path string) bool {
	return segmentPrefix(path, e.PathPrefix)
}

// RewritePath replaces RewriteFrom with RewriteTo, keeping the remainder.
func (e *Entry) RewritePath(path string) string {
	rest := strings.TrimPrefix(path, e.RewriteFrom)
	if strings.HasSuffix(e.RewriteTo, "/") && strings.HasPrefix(rest, "/") {
		rest = rest[1:]
	}

	out := e.RewriteTo + rest
	if out == "" {
		return "/"
	}
	return out
}

// Table is the immutable route table. Lookups scan the entries in order of
// decreasing prefix length, which is enough for the tens of routes a
// gateway carries; a trie keyed by path segment would be the next step if
// tables grow large.
type Table struct {
	entries []*Entry
}

// NewTable resolves specs against reg. Unknown backends, malformed prefixes
// and duplicate prefixes are reported as a *ConfigurationError.
func NewTable(reg *backend.Registry, specs []Spec) (*Table, error) {
	if reg == nil {
		return nil, &ConfigurationError{Reason: "backend registry is nil"}
	}
	if len(specs) == 0 {
		return nil, &ConfigurationError{Reason: "no routes configured"}
	}

	seen := make(map[string]struct{}, len(specs))
	entries := make([]*Entry, 0, len(specs))

	for _, spec := range specs {
		entry, err := resolve(reg, spec)
		if err != nil {
			return nil, err
		}

		if _, dup := seen[entry.PathPrefix]; dup {
			return nil, &ConfigurationError{Prefix: spec.PathPrefix, Reason: "duplicate path prefix"}
		}
		seen[entry.PathPrefix] = struct{}{}

		entries = append(entries, entry)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return len(entries[i].PathPrefix) > len(entries[j].PathPrefix)
	})

	return &Table{entries: entries}, nil
}

func resolve(reg *backend.Registry, spec Spec) (*Entry, error) {
	if spec.PathPrefix == "" {
		return nil, &ConfigurationError{Reason: "path prefix is empty"}
	}
	if !strings.HasPrefix(spec.PathPrefix, "/") {
		return nil, &ConfigurationError{Prefix: spec.PathPrefix, Reason: "path prefix must begin with /"}
	}

	b, ok := reg.Lookup(spec.Backend)
	if !ok {
		return nil, &ConfigurationError{
			Prefix: spec.PathPrefix,
			Reason: fmt.Sprintf("undefined backend %q", spec.Backend),
		}
	}

	prefix := normalize(spec.PathPrefix)

	rewriteFrom := prefix
	if spec.RewriteFrom != "" {
		rewriteFrom = normalize(spec.RewriteFrom)
	}
	if !segmentPrefix(prefix, rewriteFrom) {
		return nil, &ConfigurationError{
			Prefix: spec.PathPrefix,
			Reason: fmt.Sprintf("rewrite source %q is not a prefix of the path prefix", spec.RewriteFrom),
		}
	}

	rewriteTo := rewriteFrom
	if spec.RewriteTo != "" {
		if !strings.HasPrefix(spec.RewriteTo, "/") {
			return nil, &ConfigurationError{Prefix: spec.PathPrefix, Reason: "rewrite target must begin with /"}
		}
		rewriteTo = spec.RewriteTo
	}

	return &Entry{
		PathPrefix:  prefix,
		Backend:     b,
		RewriteFrom: rewriteFrom,
		RewriteTo:   rewriteTo,
	}, nil
}

// Match returns the entry with the longest prefix covering path.
func (t *Table) Match(path string) (*Entry, error) {
	for _, e := range t.entries {
		if e.Matches(path) {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// Entries returns the routes in match order.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

func normalize(prefix string) string {
	if trimmed := strings.TrimRight(prefix, "/"); trimmed != "" {
		return trimmed
	}
	return "/"
}

func segmentPrefix(path, prefix string) bool {
	if prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

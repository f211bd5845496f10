package backend

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
)

// ErrInvalidBackend is returned for a backend entry that cannot be used.
var ErrInvalidBackend = errors.New("invalid backend")

// Registry maps logical backend names to their Backend. It is built once at
// startup and only read afterwards.
type Registry struct {
	backends map[string]*Backend
	names    []string
}

// NewRegistry parses every base URL in urls, keyed by backend name.
func NewRegistry(urls map[string]string) (*Registry, error) {
	r := &Registry{
		backends: make(map[string]*Backend, len(urls)),
		names:    make([]string, 0, len(urls)),
	}

	for name, raw := range urls {
		if name == "" {
			return nil, fmt.Errorf("%w: empty name", ErrInvalidBackend)
		}

		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidBackend, name, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("%w %q: unsupported scheme %q", ErrInvalidBackend, name, u.Scheme)
		}
		if u.Host == "" {
			return nil, fmt.Errorf("%w %q: missing host", ErrInvalidBackend, name)
		}

		r.backends[name] = New(name, u)
		r.names = append(r.names, name)
	}

	sort.Strings(r.names)

	return r, nil
}

// Lookup returns the backend registered under name.
func (r *Registry) Lookup(name string) (*Backend, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// All returns every backend ordered by name.
func (r *Registry) All() []*Backend {
	out := make([]*Backend, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.backends[name])
	}
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

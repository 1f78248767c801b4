// Package family routes records to storage backends. Every deployment has a
// generic backend; named families direct classes of content (by durability,
// media type, replication needs) to their own backends.
package family

import (
	"fmt"
	"sort"

	"github.com/ltessier/mediastore/internal/logger"
	"github.com/ltessier/mediastore/pkg/backend"
)

// Generic is the name of the catch-all family.
const Generic = ""

// Router maps family names to backends. Unknown families fall back to the
// generic backend so records written under a family that has since been
// removed from configuration stay reachable.
type Router struct {
	backends map[string]backend.Backend
}

// NewRouter builds a Router from a name-to-backend map. The generic family
// (empty name) is required.
func NewRouter(backends map[string]backend.Backend) (*Router, error) {
	if _, ok := backends[Generic]; !ok {
		return nil, fmt.Errorf("family: no generic backend configured")
	}
	m := make(map[string]backend.Backend, len(backends))
	for name, b := range backends {
		m[name] = b
	}
	return &Router{backends: m}, nil
}

// Resolve returns the backend for a family, falling back to generic for
// unknown names.
func (r *Router) Resolve(family string) backend.Backend {
	if b, ok := r.backends[family]; ok {
		return b
	}
	if family != Generic {
		logger.Warn("unknown family, using generic backend", logger.KeyFamily, family)
	}
	return r.backends[Generic]
}

// Known reports whether the family is explicitly configured.
func (r *Router) Known(family string) bool {
	_, ok := r.backends[family]
	return ok
}

// Names returns the configured family names in sorted order, the generic
// family included as the empty string.
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Each calls fn for every configured family and its backend.
func (r *Router) Each(fn func(name string, b backend.Backend) error) error {
	for _, name := range r.Names() {
		if err := fn(name, r.backends[name]); err != nil {
			return err
		}
	}
	return nil
}

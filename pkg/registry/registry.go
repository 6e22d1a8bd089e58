// Package registry holds the table of known backends. A Registry is an
// immutable snapshot; Store swaps whole snapshots atomically so readers
// never observe a partially applied reload.
package registry

import (
	"fmt"
	"net/url"
	"reflect"
	"strings"

	mcperrors "github.com/WebSurfinMurf/mcp-sub001/pkg/errors"
)

// Registry is a validated, read-only set of descriptors.
type Registry struct {
	byName map[string]Descriptor
	order  []string
}

// New validates descs and builds a snapshot. Validation rejects duplicate
// names, unknown transport kinds, incomplete connection specs and tool
// prefix collisions.
func New(descs []Descriptor) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]Descriptor, len(descs)),
		order:  make([]string, 0, len(descs)),
	}
	prefixes := make(map[string]string, len(descs))

	var problems []string
	for i, d := range descs {
		if err := validateDescriptor(&d); err != nil {
			problems = append(problems, fmt.Sprintf("backends[%d]: %v", i, err))
			continue
		}
		if _, dup := r.byName[d.Name]; dup {
			problems = append(problems, fmt.Sprintf("backends[%d]: duplicate name %q", i, d.Name))
			continue
		}
		prefix := d.ToolPrefix()
		if owner, taken := prefixes[prefix]; taken {
			problems = append(problems, fmt.Sprintf("backends[%d]: tool prefix %q of %q collides with %q", i, prefix, d.Name, owner))
			continue
		}
		prefixes[prefix] = d.Name
		r.byName[d.Name] = d.clone()
		r.order = append(r.order, d.Name)
	}

	if len(problems) > 0 {
		return nil, mcperrors.ConfigInvalid("backends", strings.Join(problems, "; ")).
			WithContext(&mcperrors.Context{Component: "registry", Operation: "load"})
	}
	return r, nil
}

// Empty returns a registry with no backends.
func Empty() *Registry {
	return &Registry{byName: map[string]Descriptor{}, order: []string{}}
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	d, ok := r.byName[name]
	if !ok {
		return Descriptor{}, mcperrors.BackendNotFound(name)
	}
	return d, nil
}

// All returns every descriptor in load order.
func (r *Registry) All() []Descriptor {
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Names returns backend names in load order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Len returns the number of backends.
func (r *Registry) Len() int {
	return len(r.order)
}

// Equal reports whether both snapshots hold the same descriptors in the same order.
func (r *Registry) Equal(other *Registry) bool {
	if r == nil || other == nil {
		return r == other
	}
	return reflect.DeepEqual(r.order, other.order) && reflect.DeepEqual(r.byName, other.byName)
}

// validateDescriptor checks d and rewrites its kind to the canonical form.
func validateDescriptor(d *Descriptor) error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(d.Name, "/ \t") {
		return fmt.Errorf("name %q must be a single path segment", d.Name)
	}
	if strings.Contains(d.ToolPrefix(), "/") {
		return fmt.Errorf("tool prefix %q must not contain '/'", d.ToolPrefix())
	}
	kind, err := ParseKind(string(d.Kind))
	if err != nil {
		return fmt.Errorf("backend %q: %w", d.Name, err)
	}
	d.Kind = kind

	switch d.Kind {
	case KindSubprocess:
		if strings.TrimSpace(d.Command) == "" {
			return fmt.Errorf("backend %q: subprocess transport requires a command", d.Name)
		}
	case KindStream:
		if err := requireURL(d.Address, "ws", "wss", "http", "https"); err != nil {
			return fmt.Errorf("backend %q: stream address: %w", d.Name, err)
		}
	case KindRequest:
		if err := requireURL(d.URL, "http", "https"); err != nil {
			return fmt.Errorf("backend %q: request url: %w", d.Name, err)
		}
	}

	if d.RequestTimeout < 0 {
		return fmt.Errorf("backend %q: request timeout must not be negative", d.Name)
	}
	return nil
}

func requireURL(raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q must use one of %v", raw, schemes)
}

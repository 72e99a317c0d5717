// Package resource holds the registry of syncable resource types. Each
// type declares how conflicts on it are resolved: which fields can be
// merged field-by-field, whether the content is culturally sensitive,
// and the default policy when an operation does not name one.
package resource

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Definition describes one resource type from resources.toml.
type Definition struct {
	Name          string   `toml:"name"`
	MergeFields   []string `toml:"merge_fields"`
	Cultural      bool     `toml:"cultural"`
	DefaultPolicy string   `toml:"default_policy"`
	CacheTTLMins  int      `toml:"cache_ttl_mins"`
}

// CacheTTL returns the default cache TTL for the type, 0 for no default.
func (d *Definition) CacheTTL() time.Duration {
	if d.CacheTTLMins <= 0 {
		return 0
	}
	return time.Duration(d.CacheTTLMins) * time.Minute
}

// Registry answers per-type questions during conflict resolution.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from definitions.
func NewRegistry(defs ...*Definition) *Registry {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		r.defs[d.Name] = d
	}
	return r
}

// LoadFile reads resource definitions from a TOML manifest. A missing
// file yields an empty registry; unknown types then fall back to
// engine defaults.
func LoadFile(path string, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("resource manifest does not exist, using defaults", "path", path)
			return NewRegistry(), nil
		}
		return nil, fmt.Errorf("resource: read manifest: %w", err)
	}

	var doc struct {
		Resources []*Definition `toml:"resource"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("resource: parse manifest: %w", err)
	}

	r := &Registry{defs: make(map[string]*Definition, len(doc.Resources))}
	for _, d := range doc.Resources {
		if d.Name == "" {
			logger.Warn("skipping resource definition without a name")
			continue
		}
		r.defs[d.Name] = d
		logger.Info("loaded resource type", "type", d.Name, "merge_fields", len(d.MergeFields), "cultural", d.Cultural)
	}
	return r, nil
}

// Lookup returns the definition for a type, nil if unregistered.
func (r *Registry) Lookup(typeName string) *Definition {
	if r == nil {
		return nil
	}
	return r.defs[typeName]
}

// MergeFields returns the mergeable fields for a type, nil if none.
func (r *Registry) MergeFields(typeName string) []string {
	if d := r.Lookup(typeName); d != nil {
		return d.MergeFields
	}
	return nil
}

// Cultural reports whether conflicts on the type involve culturally
// sensitive content and must be surfaced rather than auto-merged.
func (r *Registry) Cultural(typeName string) bool {
	if d := r.Lookup(typeName); d != nil {
		return d.Cultural
	}
	return false
}

// DefaultPolicy returns the type's conflict policy, or the fallback
// when the type is unregistered or silent.
func (r *Registry) DefaultPolicy(typeName, fallback string) string {
	if d := r.Lookup(typeName); d != nil && d.DefaultPolicy != "" {
		return d.DefaultPolicy
	}
	return fallback
}

// Len returns the number of registered types.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.defs)
}

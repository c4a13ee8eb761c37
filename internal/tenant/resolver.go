package tenant

import (
	"fmt"
	"sync"

	"github.com/iatoolkit/iatoolkit/pkg/logging"
)

// UnknownTenantError means the tenant id is not registered in the catalog.
type UnknownTenantError struct {
	ID string
}

func (e *UnknownTenantError) Error() string {
	return fmt.Sprintf("unknown tenant %q", e.ID)
}

// Source supplies the full set of tenant snapshots. Implementations parse
// whatever storage holds the catalog (files, a config service); the
// resolver only sees the already-parsed structures.
type Source interface {
	Load() ([]*Tenant, error)
}

// Resolver caches validated tenant snapshots keyed by id. Lookups are
// read-locked so concurrent turns never block each other; the cache is
// replaced wholesale only by an explicit Reload.
type Resolver struct {
	source Source
	logger logging.Logger

	mu      sync.RWMutex
	tenants map[string]*Tenant
}

func NewResolver(source Source, logger logging.Logger) (*Resolver, error) {
	r := &Resolver{
		source:  source,
		logger:  logger,
		tenants: make(map[string]*Tenant),
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Resolve returns the snapshot for the tenant id, or *UnknownTenantError.
func (r *Resolver) Resolve(id string) (*Tenant, error) {
	r.mu.RLock()
	t, ok := r.tenants[id]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTenantError{ID: id}
	}
	return t, nil
}

// IDs returns the registered tenant ids.
func (r *Resolver) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.tenants))
	for id := range r.tenants {
		ids = append(ids, id)
	}
	return ids
}

// Reload re-reads the catalog and swaps the cache in one step. A load or
// validation failure leaves the previous cache untouched, so a bad reload
// never takes down tenants that were serving fine.
func (r *Resolver) Reload() error {
	loaded, err := r.source.Load()
	if err != nil {
		return fmt.Errorf("load tenant catalog: %w", err)
	}
	next := make(map[string]*Tenant, len(loaded))
	for _, t := range loaded {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("validate tenant catalog: %w", err)
		}
		if _, dup := next[t.ID]; dup {
			return fmt.Errorf("validate tenant catalog: duplicate tenant id %q", t.ID)
		}
		next[t.ID] = t
	}

	r.mu.Lock()
	r.tenants = next
	r.mu.Unlock()

	r.logger.WithFields(logging.Fields{
		"tenants": len(next),
	}).Info("Tenant catalog loaded")
	return nil
}

package tenant

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DirSource loads tenants from a directory of per-tenant JSON files.
// The file name (minus extension) must match the tenant id inside it,
// which keeps the catalog greppable by tenant.
type DirSource struct {
	Dir string
}

func (s DirSource) Load() ([]*Tenant, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, fmt.Errorf("read tenant dir %s: %w", s.Dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	tenants := make([]*Tenant, 0, len(names))
	for _, name := range names {
		path := filepath.Join(s.Dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var t Tenant
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if want := strings.TrimSuffix(name, ".json"); t.ID != want {
			return nil, fmt.Errorf("%s: tenant id %q does not match file name", path, t.ID)
		}
		tenants = append(tenants, &t)
	}
	return tenants, nil
}

// StaticSource serves a fixed tenant list. Used in tests and for embedded
// single-tenant deployments.
type StaticSource []*Tenant

func (s StaticSource) Load() ([]*Tenant, error) {
	return s, nil
}

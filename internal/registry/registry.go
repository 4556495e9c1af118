// Package registry tracks the gauge catalog: primary gauges declared
// statically (optionally from a gauges.yaml file) and dynamic gauges
// discovered at runtime through a nearby-search, evictable when
// nearby-mode is disabled.
package registry

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"go.yaml.in/yaml/v2"

	"streamvis/internal/domain"
)

// catalogFile is the shape of an optional gauges.yaml file.
type catalogFile struct {
	Gauges []domain.Gauge `yaml:"gauges"`
}

// Manager holds the live gauge set, guarding it with a mutex since the UI
// (read-only) and a nearby-search goroutine (dynamic add/evict) may both
// touch it concurrently, while the poll loop only reads a snapshot once
// per cycle.
type Manager struct {
	mu     sync.RWMutex
	gauges map[string]domain.Gauge
}

// New seeds a Manager from a static primary list (e.g. CLI-declared or
// built-in defaults).
func New(primary []domain.Gauge) *Manager {
	m := &Manager{gauges: make(map[string]domain.Gauge, len(primary))}
	for _, g := range primary {
		g.Dynamic = false
		m.gauges[g.ID] = g
	}
	return m
}

// LoadYAML merges the gauges declared in an optional gauges.yaml catalog
// file into the registry as primary gauges. A missing file is not an
// error — the catalog is entirely optional.
func (m *Manager) LoadYAML(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("registry: reading %s: %w", path, err)
	}

	var cf catalogFile
	if err := yaml.Unmarshal(raw, &cf); err != nil {
		return fmt.Errorf("registry: parsing %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range cf.Gauges {
		g.Dynamic = false
		m.gauges[g.ID] = g
	}
	return nil
}

// AddDynamic registers a nearby-discovered gauge, always assigning it a
// fresh opaque "dyn-" ID.
func (m *Manager) AddDynamic(siteNo, name string, lat, lon float64) domain.Gauge {
	g := domain.Gauge{
		ID:      "dyn-" + uuid.NewString(),
		SiteNo:  siteNo,
		Name:    name,
		Lat:     lat,
		Lon:     lon,
		Dynamic: true,
	}
	m.mu.Lock()
	m.gauges[g.ID] = g
	m.mu.Unlock()
	return g
}

// EvictDynamic removes every dynamic gauge wholesale. It returns the
// evicted gauge IDs so the caller can also strip their state-store
// entries.
func (m *Manager) EvictDynamic() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted []string
	for id, g := range m.gauges {
		if g.Dynamic {
			evicted = append(evicted, id)
			delete(m.gauges, id)
		}
	}
	return evicted
}

// Snapshot returns a copy of the current gauge set, safe for the poll loop
// to iterate over without holding the registry's lock.
func (m *Manager) Snapshot() map[string]domain.Gauge {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]domain.Gauge, len(m.gauges))
	for id, g := range m.gauges {
		out[id] = g
	}
	return out
}

// Get returns a single gauge by ID.
func (m *Manager) Get(id string) (domain.Gauge, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.gauges[id]
	return g, ok
}

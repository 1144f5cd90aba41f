// Package surface defines the rendering-surface collaborator the layer
// coordinator installs into, together with two implementations: Memory, which
// keeps the mounted state in process, and Hub, which mirrors that state to map
// clients over websockets.
package surface

import (
	"fmt"
	"sync"

	geojson "github.com/paulmach/go.geojson"
)

// Source is a named data source a layer draws from.
type Source struct {
	ID   string                     `json:"id"`
	Type string                     `json:"type"` // always "geojson" today
	Data *geojson.FeatureCollection `json:"data"`
}

// Descriptor describes one layer ready for installation.
type Descriptor struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`   // renderer layer class, e.g. "TripsLayer"
	Source     string         `json:"source"` // Source.ID the layer reads
	Generation uint64         `json:"generation"`
	Props      map[string]any `json:"props,omitempty"`
}

// Surface is the map the engine draws on. AddSource replaces any source with
// the same id. InstallLayer fails if a layer with the same id is mounted, so
// callers must retire the old layer first.
type Surface interface {
	HasLayer(name string) bool
	RemoveLayer(name string) error
	AddSource(src Source) error
	InstallLayer(d Descriptor) error
}

// Op names recorded by Memory and broadcast by Hub.
const (
	OpRemoveLayer  = "removeLayer"
	OpAddSource    = "addSource"
	OpInstallLayer = "installLayer"
)

// Op is one mutation applied to a surface.
type Op struct {
	Op   string `json:"op"`
	Name string `json:"name"`
}

// Memory is an in-process Surface. It is safe for concurrent use.
type Memory struct {
	mu      sync.RWMutex
	layers  map[string]Descriptor
	sources map[string]Source
	order   []string // mounted layer ids in install order
	ops     []Op
}

// NewMemory returns an empty surface.
func NewMemory() *Memory {
	return &Memory{
		layers:  make(map[string]Descriptor),
		sources: make(map[string]Source),
	}
}

func (m *Memory) HasLayer(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.layers[name]
	return ok
}

func (m *Memory) RemoveLayer(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.layers[name]; !ok {
		return fmt.Errorf("layer %q not mounted", name)
	}
	delete(m.layers, name)
	for i, id := range m.order {
		if id == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	m.ops = append(m.ops, Op{Op: OpRemoveLayer, Name: name})
	return nil
}

func (m *Memory) AddSource(src Source) error {
	if src.ID == "" {
		return fmt.Errorf("source has no id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[src.ID] = src
	m.ops = append(m.ops, Op{Op: OpAddSource, Name: src.ID})
	return nil
}

func (m *Memory) InstallLayer(d Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.layers[d.ID]; exists {
		return fmt.Errorf("layer %q already mounted", d.ID)
	}
	if _, ok := m.sources[d.Source]; !ok {
		return fmt.Errorf("layer %q: source %q not found", d.ID, d.Source)
	}
	m.layers[d.ID] = d
	m.order = append(m.order, d.ID)
	m.ops = append(m.ops, Op{Op: OpInstallLayer, Name: d.ID})
	return nil
}

// Layer returns the mounted descriptor for name.
func (m *Memory) Layer(name string) (Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.layers[name]
	return d, ok
}

// Source returns the source registered under id.
func (m *Memory) Source(id string) (Source, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sources[id]
	return s, ok
}

// Layers returns the mounted layers in install order.
func (m *Memory) Layers() []Descriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Descriptor, len(m.order))
	for i, id := range m.order {
		out[i] = m.layers[id]
	}
	return out
}

// Ops returns a copy of every mutation applied so far.
func (m *Memory) Ops() []Op {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Op(nil), m.ops...)
}

// snapshot returns the sources referenced by mounted layers and the layers,
// for replay to a newly connected client.
func (m *Memory) snapshot() ([]Source, []Descriptor) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var srcs []Source
	seen := make(map[string]bool)
	layers := make([]Descriptor, len(m.order))
	for i, id := range m.order {
		d := m.layers[id]
		layers[i] = d
		if src, ok := m.sources[d.Source]; ok && !seen[d.Source] {
			seen[d.Source] = true
			srcs = append(srcs, src)
		}
	}
	return srcs, layers
}

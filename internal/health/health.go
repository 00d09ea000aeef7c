// Package health aggregates liveness probes for the server's backing
// services (database, custody contract) behind a single registry.
package health

import (
	"context"
	"sync"
)

// Checker probes one dependency. A nil return means the dependency is
// reachable; the error text becomes the reported detail otherwise.
type Checker func(ctx context.Context) error

// Status is the outcome of one probe, shaped for the health endpoint.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

type probe struct {
	name  string
	check Checker
}

// Registry runs registered probes on demand. Probes run in registration
// order so the health payload stays stable across requests.
type Registry struct {
	mu     sync.RWMutex
	probes []probe
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a probe under the given name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probes = append(r.probes, probe{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs every probe and reports the aggregate plus per-probe
// results. The aggregate is healthy only when every probe passed.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := make([]probe, len(r.probes))
	copy(probes, r.probes)
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, len(probes))
	for i, p := range probes {
		st := Status{Name: p.name, Healthy: true}
		if err := p.check(ctx); err != nil {
			st.Healthy = false
			st.Detail = err.Error()
			healthy = false
		}
		statuses[i] = st
	}
	return healthy, statuses
}

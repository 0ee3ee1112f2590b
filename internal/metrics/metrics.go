package metrics

import (
	"sort"
	"sync"
)

// Registry is a process-local sink for counters and gauges. Workers report
// one counter per top-level error class ("error.<ClassName>") and a gauge
// for delayed starts ("user_thread.delayed_start"). Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		gauges:   make(map[string]float64),
	}
}

// Increment adds one to the named counter.
func (r *Registry) Increment(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

// SetGauge records the current value of the named gauge.
func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges[name] = value
}

// Counter returns the current value of the named counter.
func (r *Registry) Counter(name string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters[name]
}

// Gauge returns the current value of the named gauge and whether it was set.
func (r *Registry) Gauge(name string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.gauges[name]
	return v, ok
}

// CounterNames returns the names of all counters that have been incremented,
// sorted for stable output.
func (r *Registry) CounterNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

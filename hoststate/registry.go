package hoststate

import (
	"sync"
	"time"
)

// Registry is the explicit host → HostState store. Entries are created
// on first use and pruned by a background goroutine once they have been
// idle for an hour, unless their circuit is still remembering failures.
type Registry struct {
	mu       sync.RWMutex
	hosts    map[string]*HostState
	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a Registry and starts the pruning goroutine,
// which runs every 5 minutes.
func NewRegistry() *Registry {
	r := &Registry{
		hosts: make(map[string]*HostState),
		done:  make(chan struct{}),
	}
	go r.cleanupLoop()
	return r
}

// Get returns the state for host, creating it on first use. The
// read-lock fast path keeps the hot case cheap under concurrency.
func (r *Registry) Get(host string) *HostState {
	r.mu.RLock()
	h, ok := r.hosts[host]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.hosts[host]; ok {
		return h
	}
	h = &HostState{host: host, lastSeen: time.Now()}
	r.hosts[host] = h
	return h
}

// Len reports the number of tracked hosts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hosts)
}

// Snapshots returns a copy of every tracked host's state.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	states := make([]*HostState, 0, len(r.hosts))
	for _, h := range r.hosts {
		states = append(states, h)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(states))
	for _, h := range states {
		out = append(out, h.Snapshot())
	}
	return out
}

// Stop terminates the pruning goroutine.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

// cleanupLoop evicts hosts idle for over an hour. Hosts with a
// non-closed circuit are kept: forgetting an open circuit would let
// the next job hammer a host that was rate limiting us.
func (r *Registry) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-1 * time.Hour)
			r.mu.Lock()
			for host, h := range r.hosts {
				h.mu.Lock()
				stale := h.lastSeen.Before(cutoff) && h.circuit == CircuitClosed
				h.mu.Unlock()
				if stale {
					delete(r.hosts, host)
				}
			}
			r.mu.Unlock()
		}
	}
}

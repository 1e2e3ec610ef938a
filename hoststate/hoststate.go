// Package hoststate holds the per-origin mutable state shared by every
// job that targets the same host: the pacing clock, the rotating
// identity index, and the circuit breaker. All host-keyed state lives
// in an explicit Registry, never in package globals, and every
// read-modify-write runs under that host's mutex.
package hoststate

import (
	"sync"
	"time"
)

// HostState is one origin's shared state. Zero value is not usable;
// obtain instances through Registry.Get.
type HostState struct {
	host string

	mu sync.Mutex

	// lastScheduled is the pacing clock: the send time reserved by
	// the most recent ReserveSlot call. Tracking scheduled times
	// rather than observed times is what keeps concurrent jobs on
	// non-overlapping slots.
	lastScheduled time.Time

	identityIdx int

	circuit      CircuitState
	consecFails  int
	backoffLevel int // cooldown doublings while the circuit keeps reopening
	openedUntil  time.Time
	probing      bool

	lastSeen time.Time
}

// ReserveSlot computes the pacing delay for the next request to this
// host and advances the pacing clock, in one critical section. The
// delay is max(minInterval - elapsedSinceLast, jitteredBase); callers
// sleep it out before fetching. Two concurrent reservations can never
// land closer together than minInterval.
func (h *HostState) ReserveSlot(minInterval, jitteredBase time.Duration) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	delay := jitteredBase
	if !h.lastScheduled.IsZero() {
		if d := minInterval - now.Sub(h.lastScheduled); d > delay {
			delay = d
		}
	}
	h.lastScheduled = now.Add(delay)
	h.lastSeen = now
	return delay
}

// NextIdentityIndex advances the host's rotation cursor and returns
// the index to use, wrapped to poolSize.
func (h *HostState) NextIdentityIndex(poolSize int) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if poolSize <= 0 {
		return 0
	}
	idx := h.identityIdx % poolSize
	h.identityIdx = (h.identityIdx + 1) % poolSize
	h.lastSeen = time.Now()
	return idx
}

// Snapshot is a point-in-time copy of a host's state, for diagnostics
// and tests.
type Snapshot struct {
	Host                string
	Circuit             CircuitState
	ConsecutiveFailures int
	BackoffLevel        int
	IdentityIndex       int
	LastScheduled       time.Time
}

// Snapshot returns a copy of the host's current state.
func (h *HostState) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Snapshot{
		Host:                h.host,
		Circuit:             h.circuit,
		ConsecutiveFailures: h.consecFails,
		BackoffLevel:        h.backoffLevel,
		IdentityIndex:       h.identityIdx,
		LastScheduled:       h.lastScheduled,
	}
}

package hoststate

import (
	"fmt"
	"time"

	"github.com/foragehq/forage/models"
)

// CircuitState is the per-host circuit-breaker state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Allow gates a request on the host's circuit. Closed admits freely.
// Open fails fast with CIRCUIT_OPEN until the cooldown elapses, then
// admits exactly one probe (Half-Open); while that probe is in flight
// every other caller still fails fast. probe reports whether the caller
// holds the single Half-Open slot: a probe holder that never reaches
// the host must release it with AbandonProbe, otherwise its outcome is
// reported through RecordSuccess or RecordFailure.
func (h *HostState) Allow() (probe bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.lastSeen = now

	switch h.circuit {
	case CircuitClosed:
		return false, nil
	case CircuitOpen:
		if now.Before(h.openedUntil) {
			return false, models.NewScrapeError(models.ErrCodeCircuitOpen,
				fmt.Sprintf("host %s circuit open for another %s", h.host, h.openedUntil.Sub(now).Round(time.Millisecond)), nil)
		}
		h.circuit = CircuitHalfOpen
		h.probing = true
		return true, nil
	case CircuitHalfOpen:
		if h.probing {
			return false, models.NewScrapeError(models.ErrCodeCircuitOpen,
				fmt.Sprintf("host %s circuit half-open, probe in flight", h.host), nil)
		}
		h.probing = true
		return true, nil
	}
	return false, nil
}

// AbandonProbe releases the Half-Open probe slot without judging the
// host, for probes cut short before reaching it (deadline expired,
// robots denial, local pool exhaustion). The next caller may probe.
func (h *HostState) AbandonProbe() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.circuit == CircuitHalfOpen {
		h.probing = false
	}
}

// RecordSuccess resets the host after a successful fetch: failures and
// backoff level clear and the circuit closes. A Half-Open probe that
// lands here closes the circuit.
func (h *HostState) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecFails = 0
	h.backoffLevel = 0
	h.probing = false
	h.circuit = CircuitClosed
	h.lastSeen = time.Now()
}

// RecordFailure counts one Transient or RateLimited failure against
// the host. Reaching threshold consecutive failures opens the circuit
// for baseCooldown << backoffLevel, capped at maxCooldown. A failed
// Half-Open probe reopens immediately with the cooldown doubled.
func (h *HostState) RecordFailure(threshold int, baseCooldown, maxCooldown time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastSeen = time.Now()

	if h.circuit == CircuitHalfOpen {
		h.probing = false
		h.backoffLevel++
		h.openLocked(baseCooldown, maxCooldown)
		return
	}

	h.consecFails++
	if h.circuit == CircuitClosed && threshold > 0 && h.consecFails >= threshold {
		h.openLocked(baseCooldown, maxCooldown)
	}
}

func (h *HostState) openLocked(baseCooldown, maxCooldown time.Duration) {
	// The shift is bounded to keep the doubling from overflowing a
	// Duration; anything past 20 doublings is pinned to the cap anyway.
	cooldown := maxCooldown
	if h.backoffLevel < 20 {
		if c := baseCooldown << uint(h.backoffLevel); c > 0 && c < maxCooldown {
			cooldown = c
		}
	}
	h.circuit = CircuitOpen
	h.openedUntil = time.Now().Add(cooldown)
}

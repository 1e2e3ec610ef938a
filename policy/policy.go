// Package policy decides what each request looks like (user agent,
// headers, proxy) and when it may be sent (per-host pacing). Rotation
// and jitter draw from a single seeded source so behavior is
// reproducible under a fixed pool and seed.
package policy

import (
	"math/rand"
	"sync"
	"time"

	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/hoststate"
	"github.com/foragehq/forage/models"
)

// Rotation modes.
const (
	RotationRoundRobin = "roundrobin"
	RotationWeighted   = "weighted"
)

// Policy assigns request identities and paces requests per host.
type Policy struct {
	cfg   config.PolicyConfig
	hosts *hoststate.Registry

	mu  sync.Mutex
	rng *rand.Rand
}

// New builds a Policy over the shared host registry. A zero seed in
// the config falls back to the clock; tests pin a seed for
// reproducible jitter and weighted rotation.
func New(cfg config.PolicyConfig, hosts *hoststate.Registry) *Policy {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if cfg.Rotation == "" {
		cfg.Rotation = RotationRoundRobin
	}
	return &Policy{
		cfg:   cfg,
		hosts: hosts,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

// NextIdentity returns the identity for the next request to host.
// Round-robin rotation advances the host's cursor in HostState;
// weighted rotation samples the seeded source.
func (p *Policy) NextIdentity(host string) models.Identity {
	n := len(p.cfg.UserAgents)
	if n == 0 {
		return models.Identity{Headers: defaultHeaders()}
	}

	var idx int
	if p.cfg.Rotation == RotationWeighted {
		idx = p.weightedIndex(n)
	} else {
		idx = p.hosts.Get(host).NextIdentityIndex(n)
	}

	ident := models.Identity{
		UserAgent: p.cfg.UserAgents[idx],
		Headers:   defaultHeaders(),
	}
	if idx < len(p.cfg.Proxies) {
		ident.Proxy = p.cfg.Proxies[idx]
	}
	return ident
}

// PaceDelay reserves the next send slot for host and returns how long
// the caller must sleep before fetching. The reservation and the
// pacing-clock update happen in one critical section inside HostState,
// so concurrent jobs on the same host serialize cleanly.
func (p *Policy) PaceDelay(host string) time.Duration {
	return p.hosts.Get(host).ReserveSlot(p.cfg.MinInterval, p.jitteredBase())
}

// jitteredBase spreads the base pace delay over
// [base*(1-jitter), base*(1+jitter)].
func (p *Policy) jitteredBase() time.Duration {
	base := p.cfg.PaceBase
	if base <= 0 || p.cfg.PaceJitter <= 0 {
		return base
	}
	p.mu.Lock()
	f := p.rng.Float64()
	p.mu.Unlock()

	spread := 1 + p.cfg.PaceJitter*(2*f-1)
	return time.Duration(float64(base) * spread)
}

// weightedIndex samples an identity index biased by the configured
// weights. Identities beyond the weights slice get weight 1; a zero or
// negative weight removes the identity from rotation.
func (p *Policy) weightedIndex(n int) int {
	weights := make([]float64, n)
	total := 0.0
	for i := 0; i < n; i++ {
		w := 1.0
		if i < len(p.cfg.Weights) {
			w = p.cfg.Weights[i]
		}
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return 0
	}

	p.mu.Lock()
	r := p.rng.Float64() * total
	p.mu.Unlock()

	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return n - 1
}

// defaultHeaders are the browser-like headers sent with every
// identity. Accept-Encoding is left to the transport so responses stay
// transparently decompressed.
func defaultHeaders() map[string]string {
	return map[string]string{
		"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language":           "en-US,en;q=0.9",
		"Upgrade-Insecure-Requests": "1",
		"Sec-Fetch-Dest":            "document",
		"Sec-Fetch-Mode":            "navigate",
		"Sec-Fetch-Site":            "none",
	}
}

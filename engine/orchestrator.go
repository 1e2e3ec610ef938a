package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/foragehq/forage/cache"
	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/extract"
	"github.com/foragehq/forage/hoststate"
	"github.com/foragehq/forage/models"
	"github.com/foragehq/forage/policy"
	"github.com/foragehq/forage/retry"
)

// Orchestrator runs one scrape job end to end: cache lookup, circuit
// gate, identity assignment, per-host pacing, a single engine attempt,
// retry with backoff on failure, extraction on success. Engines do one
// attempt each; everything that spans attempts lives here.
type Orchestrator struct {
	engines  map[string]Engine
	hosts    *hoststate.Registry
	policy   *policy.Policy
	retry    *retry.Policy
	circuit  config.CircuitConfig
	pipeline *extract.Pipeline

	robots *policy.RobotsGate
	cache  *cache.Cache
}

// NewOrchestrator wires the shared per-host state, identity policy and
// retry policy together. Engines are attached with Register; robots
// gating and the result cache are optional and attached with SetRobots
// and SetCache.
func NewOrchestrator(hosts *hoststate.Registry, pol *policy.Policy, rp *retry.Policy, circuit config.CircuitConfig) *Orchestrator {
	return &Orchestrator{
		engines:  make(map[string]Engine),
		hosts:    hosts,
		policy:   pol,
		retry:    rp,
		circuit:  circuit,
		pipeline: extract.NewPipeline(),
	}
}

// Register attaches the engine serving a render mode.
func (o *Orchestrator) Register(mode string, e Engine) {
	o.engines[mode] = e
}

// SetRobots enables robots.txt gating of every attempt.
func (o *Orchestrator) SetRobots(g *policy.RobotsGate) { o.robots = g }

// SetCache enables the extraction-result cache.
func (o *Orchestrator) SetCache(c *cache.Cache) { o.cache = c }

// Run executes job and returns its extraction result. Returned errors
// always carry a taxonomy code; the attempt count that preceded the
// failure rides along for the caller's error detail.
func (o *Orchestrator) Run(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error) {
	start := time.Now()
	job.Defaults()
	if err := job.Validate(); err != nil {
		return nil, err
	}
	schema, err := extract.Compile(job.Schema)
	if err != nil {
		return nil, err
	}
	eng, ok := o.engines[job.RenderMode]
	if !ok {
		return nil, models.NewScrapeError(models.ErrCodePermanentClient,
			fmt.Sprintf("render mode %q is not available", job.RenderMode), nil)
	}

	var key string
	if o.cache != nil && job.CacheEnabled() {
		key = cache.Key(job.URL, job.Schema, job.RenderMode)
		if hit, ok := o.cache.Get(key); ok {
			slog.Debug("cache hit", "url", job.URL)
			return cachedCopy(hit, start), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(job.TimeoutMs)*time.Millisecond)
	defer cancel()

	host := job.Host()
	state := o.hosts.Get(host)

	for attempt := 1; ; attempt++ {
		probe, err := state.Allow()
		if err != nil {
			return nil, models.WithAttempts(err, attempt-1)
		}
		ident := o.policy.NextIdentity(host)

		if o.robots != nil && !o.robots.Allowed(ctx, job.URL, ident.UserAgent) {
			if probe {
				state.AbandonProbe()
			}
			return nil, models.WithAttempts(models.NewScrapeError(models.ErrCodePermanentClient,
				fmt.Sprintf("robots.txt disallows %s", job.URL), nil), attempt-1)
		}

		if delay := o.policy.PaceDelay(host); delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				if probe {
					state.AbandonProbe()
				}
				return nil, models.WithAttempts(models.NewScrapeError(models.ErrCodeTimeout,
					"job deadline expired while pacing", err), attempt-1)
			}
		}

		res, fetchErr := eng.Fetch(ctx, &FetchRequest{
			URL:      job.URL,
			Identity: ident,
			WaitFor:  job.WaitFor,
			Actions:  job.Actions,
			Timeout:  time.Duration(job.TimeoutMs) * time.Millisecond,
		})
		if fetchErr == nil {
			state.RecordSuccess()
			result := o.pipeline.Extract(res.HTML, res.FinalURL, schema)
			result.Meta = &models.ResultMeta{
				URL:        job.URL,
				FinalURL:   res.FinalURL,
				StatusCode: res.StatusCode,
				RenderMode: job.RenderMode,
				Engine:     res.EngineName,
				Attempts:   attempt,
				ElapsedMs:  time.Since(start).Milliseconds(),
			}
			if key != "" {
				result.Meta.CacheStatus = "miss"
				o.cache.Set(key, result)
			}
			slog.Info("scrape complete",
				"url", job.URL,
				"status", result.Status,
				"engine", res.EngineName,
				"attempts", attempt,
				"elapsed_ms", result.Meta.ElapsedMs,
			)
			return result, nil
		}

		kind := retry.Classify(fetchErr)
		o.recordOutcome(state, probe, kind, fetchErr)

		decision := o.retry.ShouldRetry(attempt, kind)
		if !decision.Retry {
			slog.Warn("scrape abandoned",
				"url", job.URL,
				"attempts", attempt,
				"kind", kind.String(),
				"error", fetchErr,
			)
			return nil, models.WithAttempts(fetchErr, attempt)
		}
		slog.Debug("retrying", "url", job.URL, "attempt", attempt, "kind", kind.String(), "delay", decision.Delay)
		if err := sleep(ctx, decision.Delay); err != nil {
			return nil, models.WithAttempts(models.NewScrapeError(models.ErrCodeTimeout,
				"job deadline expired during backoff", err), attempt)
		}
	}
}

// recordOutcome translates one failed attempt into circuit bookkeeping.
// Transient and rate-limited failures count toward opening the circuit.
// An answered 4xx proves the host is reachable, which is all a probe
// needs to close it. Local rejections (robots, pool, schema) say
// nothing about the host, so a probe cut short by one is abandoned.
func (o *Orchestrator) recordOutcome(state *hoststate.HostState, probe bool, kind retry.Kind, fetchErr error) {
	switch {
	case kind != retry.KindPermanentClient:
		state.RecordFailure(o.circuit.Threshold, o.circuit.Cooldown, o.circuit.MaxCooldown)
	case models.CodeOf(fetchErr) == models.ErrCodeHTTPStatus:
		state.RecordSuccess()
	case probe:
		state.AbandonProbe()
	}
}

// cachedCopy returns the hit with fresh meta. The records are shared
// with the cached entry; callers treat results as immutable, so only
// the meta block needs copying.
func cachedCopy(hit *models.ExtractionResult, start time.Time) *models.ExtractionResult {
	out := *hit
	if hit.Meta != nil {
		meta := *hit.Meta
		meta.CacheStatus = "hit"
		meta.ElapsedMs = time.Since(start).Milliseconds()
		out.Meta = &meta
	}
	return &out
}

// sleep blocks for d or until ctx is done, whichever comes first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

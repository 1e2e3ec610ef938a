// Package retry classifies fetch and render failures and turns them
// into retry-or-abort decisions with capped exponential backoff.
// Circuit-breaker state lives with the host (hoststate package); this
// package is purely functional and deterministic.
package retry

import (
	"math"
	"time"

	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/models"
)

// Kind is the retry-relevant classification of a failure.
type Kind int

const (
	// KindTransient failures (network, timeout, 5xx, render hiccups)
	// are retried with exponential backoff.
	KindTransient Kind = iota

	// KindRateLimited failures (429, detected blocks) are retried with
	// a larger backoff and escalate the host's circuit breaker.
	KindRateLimited

	// KindPermanentClient failures (other 4xx, robots denials, local
	// rejections like an exhausted render pool) abort immediately.
	KindPermanentClient
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanentClient:
		return "permanent_client"
	default:
		return "unknown"
	}
}

// Classify maps a typed failure onto its retry kind. Unknown errors
// count as transient so that one odd failure does not kill a job that
// a retry would save.
func Classify(err error) Kind {
	switch models.CodeOf(err) {
	case models.ErrCodeRateLimited:
		return KindRateLimited
	case models.ErrCodeHTTPStatus:
		if s := models.StatusOf(err); s >= 400 && s < 500 {
			return KindPermanentClient
		}
		return KindTransient
	case models.ErrCodeNetwork,
		models.ErrCodeTimeout,
		models.ErrCodeNavTimeout,
		models.ErrCodeScriptError,
		models.ErrCodeCrashed:
		return KindTransient
	case models.ErrCodePermanentClient,
		models.ErrCodeSchemaMismatch,
		models.ErrCodeProtocol,
		models.ErrCodeUnauthorized:
		return KindPermanentClient
	case models.ErrCodeCircuitOpen, models.ErrCodePoolExhausted:
		// Retrying against an open circuit or a saturated pool only
		// amplifies the pressure that tripped them.
		return KindPermanentClient
	default:
		return KindTransient
	}
}

// Decision is the outcome of ShouldRetry.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Policy computes retry decisions from the configured budget.
type Policy struct {
	cfg config.RetryConfig
}

// New builds a retry policy.
func New(cfg config.RetryConfig) *Policy {
	return &Policy{cfg: cfg}
}

// MaxAttempts exposes the total attempt budget, first try included.
func (p *Policy) MaxAttempts() int {
	return p.cfg.MaxAttempts
}

// ShouldRetry decides whether the attempt-th failure (1-based) of the
// given kind warrants another try, and after how long. Delays grow as
// base * multiplier^(attempt-1), capped at the configured maximum, so
// successive delays are strictly increasing below the cap.
func (p *Policy) ShouldRetry(attempt int, kind Kind) Decision {
	if attempt >= p.cfg.MaxAttempts {
		return Decision{}
	}
	switch kind {
	case KindPermanentClient:
		return Decision{}
	case KindRateLimited:
		return Decision{Retry: true, Delay: p.backoff(attempt, p.cfg.RateLimitedDelay)}
	default:
		return Decision{Retry: true, Delay: p.backoff(attempt, p.cfg.BaseDelay)}
	}
}

func (p *Policy) backoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.cfg.Multiplier
	if mult <= 1 {
		mult = 2
	}
	d := float64(base) * math.Pow(mult, float64(attempt-1))
	if limit := float64(p.cfg.MaxDelay); limit > 0 && d > limit {
		d = limit
	}
	return time.Duration(d)
}

package render

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foragehq/forage/models"
)

// sessionFactory creates a fresh session. Injected by the controller so
// the pool stays testable without a browser.
type sessionFactory func() (*Session, error)

// Pool is the bounded render-session pool. At most size sessions exist
// at once; acquisition beyond that blocks until a release frees one.
// Blocking itself is bounded: once queueCap waiters are parked, further
// acquisitions fail immediately with POOL_EXHAUSTED.
type Pool struct {
	factory  sessionFactory
	size     int
	queueCap int
	maxUses  int
	maxAge   time.Duration

	idle    chan *Session
	mu      sync.Mutex
	live    int // sessions in existence, checked out or idle
	nextID  atomic.Int64
	waiters atomic.Int32
	closed  chan struct{}
	once    sync.Once
}

// NewPool creates a session pool. Sessions are created lazily on first
// demand, not up front, so a render-free deployment never pays for a
// browser page.
func NewPool(size, queueCap, maxUses int, maxAge time.Duration, factory sessionFactory) *Pool {
	if size < 1 {
		size = 1
	}
	if queueCap < 0 {
		queueCap = 0
	}
	return &Pool{
		factory:  factory,
		size:     size,
		queueCap: queueCap,
		maxUses:  maxUses,
		maxAge:   maxAge,
		idle:     make(chan *Session, size),
		closed:   make(chan struct{}),
	}
}

// Acquire checks a session out of the pool. It blocks while all
// sessions are busy, up to the waiter ceiling, and respects ctx.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	// Fast path: an idle session is parked.
	select {
	case s := <-p.idle:
		return p.vetted(s)
	default:
	}

	// Create lazily while under the session cap.
	p.mu.Lock()
	if p.live < p.size {
		p.live++
		p.mu.Unlock()
		s, err := p.create()
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			return nil, err
		}
		return s, nil
	}
	p.mu.Unlock()

	// Every session is busy: join the wait queue unless it is full.
	if int(p.waiters.Add(1)) > p.queueCap {
		p.waiters.Add(-1)
		return nil, models.NewScrapeError(
			models.ErrCodePoolExhausted,
			fmt.Sprintf("render pool saturated: %d sessions busy, %d waiters queued", p.size, p.queueCap),
			nil,
		)
	}
	defer p.waiters.Add(-1)

	select {
	case s := <-p.idle:
		return p.vetted(s)
	case <-ctx.Done():
		return nil, models.NewScrapeError(models.ErrCodeTimeout, "waiting for render session", ctx.Err())
	case <-p.closed:
		return nil, models.NewScrapeError(models.ErrCodeCrashed, "render pool closed", nil)
	}
}

// Release returns a checked-out session. Unhealthy, overused or aged
// sessions are destroyed here instead of going back on the shelf; a
// replacement is created when someone is waiting so no waiter is
// stranded by a retirement.
func (p *Pool) Release(s *Session, healthy bool) {
	if healthy {
		s.RecordSuccess()
	} else {
		s.RecordFailure()
	}
	if s.ShouldRetire(p.maxUses, p.maxAge) {
		slog.Debug("render pool: retiring session", "id", s.ID)
		p.Discard(s)
		return
	}
	select {
	case p.idle <- s:
	case <-p.closed:
		p.destroy(s)
	}
}

// Discard destroys a session whose page can no longer be trusted
// (crashed target, timed-out navigation). A replacement is created
// when waiters are parked.
func (p *Pool) Discard(s *Session) {
	p.destroy(s)
	if p.waiters.Load() == 0 {
		return
	}
	p.mu.Lock()
	if p.live >= p.size {
		p.mu.Unlock()
		return
	}
	p.live++
	p.mu.Unlock()

	fresh, err := p.create()
	if err != nil {
		slog.Warn("render pool: failed to replace discarded session", "error", err)
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return
	}
	select {
	case p.idle <- fresh:
	case <-p.closed:
		p.destroy(fresh)
	}
}

// Stats returns a snapshot of the pool's current occupancy.
func (p *Pool) Stats() models.PoolStats {
	p.mu.Lock()
	live := p.live
	p.mu.Unlock()
	idle := len(p.idle)
	return models.PoolStats{
		MaxSessions:    p.size,
		ActiveSessions: live - idle,
		IdleSessions:   idle,
		Waiters:        int(p.waiters.Load()),
	}
}

// Close destroys every idle session and wakes all blocked waiters.
// Checked-out sessions die with the browser process.
func (p *Pool) Close() {
	p.once.Do(func() { close(p.closed) })
	for {
		select {
		case s := <-p.idle:
			p.destroy(s)
		default:
			return
		}
	}
}

// vetted retires an idle session that aged out while parked and
// replaces it with a fresh one.
func (p *Pool) vetted(s *Session) (*Session, error) {
	if !s.ShouldRetire(p.maxUses, p.maxAge) {
		return s, nil
	}
	slog.Debug("render pool: idle session aged out", "id", s.ID)
	p.destroy(s)
	p.mu.Lock()
	p.live++
	p.mu.Unlock()
	fresh, err := p.create()
	if err != nil {
		p.mu.Lock()
		p.live--
		p.mu.Unlock()
		return nil, err
	}
	return fresh, nil
}

func (p *Pool) create() (*Session, error) {
	s, err := p.factory()
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeCrashed, "failed to create render session", err)
	}
	if s.ID == 0 {
		s.ID = p.nextID.Add(1)
	}
	s.setState(StateIdle)
	return s, nil
}

func (p *Pool) destroy(s *Session) {
	s.close()
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
}

package render

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
)

// State is the lifecycle position of a render session. A session serves
// at most one navigation at a time; the state tracks where that
// navigation currently is.
type State int32

const (
	StateIdle       State = iota // parked in the pool, ready for checkout
	StateLaunching               // page being created
	StateNavigating              // navigation issued, load in progress
	StateSettling                // load done, waiting for the ready condition
	StateReady                   // settled; DOM may be captured
	StateClosed                  // page destroyed, session unusable
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLaunching:
		return "launching"
	case StateNavigating:
		return "navigating"
	case StateSettling:
		return "settling"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session wraps one browser page with health-tracking metadata. A
// session is checked out of the pool exclusively: no two jobs ever
// share one, so the page itself needs no locking. The health fields
// are guarded because the pool reads them while deciding retirement.
type Session struct {
	ID      int64
	page    *rod.Page
	created time.Time
	state   atomic.Int32

	mu       sync.Mutex
	useCount int
	errScore float64
}

func newSession(id int64, page *rod.Page) *Session {
	s := &Session{
		ID:      id,
		page:    page,
		created: time.Now(),
	}
	s.setState(StateLaunching)
	return s
}

// Page returns the wrapped page. Only the holder of the checkout may
// touch it.
func (s *Session) Page() *rod.Page { return s.page }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// RecordSuccess decreases the error score (min 0).
func (s *Session) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useCount++
	s.errScore = math.Max(0, s.errScore-0.5)
}

// RecordFailure increases the error score.
func (s *Session) RecordFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.useCount++
	s.errScore += 1.0
}

// ShouldRetire reports whether the session is too unhealthy, too used,
// or too old to serve another render.
func (s *Session) ShouldRetire(maxUses int, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errScore >= 3.0 {
		return true
	}
	if maxUses > 0 && s.useCount >= maxUses {
		return true
	}
	if maxAge > 0 && time.Since(s.created) >= maxAge {
		return true
	}
	return false
}

// Reset parks the page on about:blank so the previous job's DOM is
// released, then marks the session idle. It uses the original page
// reference (no request context) so cleanup succeeds even after the
// job's deadline has expired.
func (s *Session) Reset() error {
	var err error
	if s.page != nil {
		err = s.page.Navigate("about:blank")
	}
	s.setState(StateIdle)
	return err
}

// close destroys the underlying page. The session must not be reused.
func (s *Session) close() {
	s.setState(StateClosed)
	if s.page != nil {
		_ = s.page.Close()
	}
}

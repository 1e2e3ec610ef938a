package render

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foragehq/forage/models"
)

// fakeFactory returns a sessionFactory backed by pageless sessions plus
// a counter of how many the pool asked for.
func fakeFactory() (sessionFactory, *int64) {
	var created int64
	return func() (*Session, error) {
		atomic.AddInt64(&created, 1)
		return newSession(0, nil), nil
	}, &created
}

func waitForWaiters(t *testing.T, p *Pool, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.waiters.Load() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("waiter count never reached %d (now %d)", want, p.waiters.Load())
}

func TestPoolCreatesLazily(t *testing.T) {
	factory, created := fakeFactory()
	p := NewPool(3, 2, 0, 0, factory)
	defer p.Close()

	if n := atomic.LoadInt64(created); n != 0 {
		t.Fatalf("sessions created before first acquire: %d", n)
	}

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if n := atomic.LoadInt64(created); n != 1 {
		t.Errorf("created = %d, want 1", n)
	}
	p.Release(s, true)

	again, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if again != s {
		t.Error("idle session was not reused")
	}
	if n := atomic.LoadInt64(created); n != 1 {
		t.Errorf("created = %d after reuse, want 1", n)
	}
	p.Release(again, true)
}

func TestPoolNeverExceedsSize(t *testing.T) {
	const size = 2
	factory, created := fakeFactory()
	p := NewPool(size, 4, 0, 0, factory)
	defer p.Close()

	a, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	b, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// The third acquisition must park rather than grow the pool.
	got := make(chan *Session, 1)
	go func() {
		s, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("blocked Acquire: %v", err)
			return
		}
		got <- s
	}()
	waitForWaiters(t, p, 1)
	if n := atomic.LoadInt64(created); n != size {
		t.Errorf("created = %d while all sessions busy, want %d", n, size)
	}

	p.Release(a, true)
	select {
	case s := <-got:
		if s != a {
			t.Error("waiter received a session other than the released one")
		}
		p.Release(s, true)
	case <-time.After(time.Second):
		t.Fatal("release did not unblock the waiter")
	}
	p.Release(b, true)
}

func TestPoolQueueCeilingRejects(t *testing.T) {
	factory, _ := fakeFactory()
	p := NewPool(1, 1, 0, 0, factory)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// Fill the single waiter slot.
	errCh := make(chan error, 1)
	go func() {
		w, err := p.Acquire(context.Background())
		if err == nil {
			p.Release(w, true)
		}
		errCh <- err
	}()
	waitForWaiters(t, p, 1)

	start := time.Now()
	_, err = p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected rejection, got a session")
	}
	if code := models.CodeOf(err); code != models.ErrCodePoolExhausted {
		t.Errorf("error code = %q, want %q", code, models.ErrCodePoolExhausted)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("rejection took %s, want immediate", elapsed)
	}

	p.Release(s, true)
	if err := <-errCh; err != nil {
		t.Fatalf("queued waiter failed: %v", err)
	}
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	factory, _ := fakeFactory()
	p := NewPool(1, 2, 0, 0, factory)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(s, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(ctx)
		errCh <- err
	}()
	waitForWaiters(t, p, 1)
	cancel()

	select {
	case err := <-errCh:
		if code := models.CodeOf(err); code != models.ErrCodeTimeout {
			t.Errorf("error code = %q, want %q", code, models.ErrCodeTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled waiter still blocked after 1s")
	}
}

func TestPoolRetiresOverusedSessions(t *testing.T) {
	factory, created := fakeFactory()
	p := NewPool(1, 0, 2, 0, factory)
	defer p.Close()

	first, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(first, true)

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if s != first {
		t.Fatal("session replaced before reaching max uses")
	}
	p.Release(s, true) // second use hits the cap

	replacement, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if replacement == first {
		t.Error("retired session came back")
	}
	if n := atomic.LoadInt64(created); n != 2 {
		t.Errorf("created = %d, want 2", n)
	}
	p.Release(replacement, true)
}

func TestPoolRetiresUnhealthySessions(t *testing.T) {
	factory, created := fakeFactory()
	p := NewPool(1, 0, 0, 0, factory)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	for i := 0; i < 2; i++ {
		p.Release(s, false)
		again, err := p.Acquire(context.Background())
		if err != nil {
			t.Fatalf("Acquire after failure %d: %v", i+1, err)
		}
		if again != s {
			t.Fatalf("session replaced after only %d failures", i+1)
		}
	}
	p.Release(s, false) // third failure crosses the error-score threshold

	replacement, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if replacement == s {
		t.Error("unhealthy session came back")
	}
	if n := atomic.LoadInt64(created); n != 2 {
		t.Errorf("created = %d, want 2", n)
	}
	p.Release(replacement, true)
}

func TestPoolDiscardReplacesForWaiter(t *testing.T) {
	factory, created := fakeFactory()
	p := NewPool(1, 2, 0, 0, factory)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	got := make(chan *Session, 1)
	go func() {
		w, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiting Acquire: %v", err)
			return
		}
		got <- w
	}()
	waitForWaiters(t, p, 1)

	p.Discard(s)
	select {
	case w := <-got:
		if w == s {
			t.Error("waiter received the discarded session")
		}
		p.Release(w, true)
	case <-time.After(time.Second):
		t.Fatal("discard did not produce a replacement for the parked waiter")
	}
	if n := atomic.LoadInt64(created); n != 2 {
		t.Errorf("created = %d, want 2", n)
	}
}

func TestPoolRefreshesAgedIdleSession(t *testing.T) {
	factory, created := fakeFactory()
	p := NewPool(1, 0, 0, 30*time.Millisecond, factory)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(s, true)

	time.Sleep(50 * time.Millisecond)

	fresh, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if fresh == s {
		t.Error("aged-out session served again")
	}
	if n := atomic.LoadInt64(created); n != 2 {
		t.Errorf("created = %d, want 2", n)
	}
	p.Release(fresh, true)
}

func TestPoolCloseWakesWaiters(t *testing.T) {
	factory, _ := fakeFactory()
	p := NewPool(1, 2, 0, 0, factory)

	if _, err := p.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	waitForWaiters(t, p, 1)

	p.Close()
	select {
	case err := <-errCh:
		if code := models.CodeOf(err); code != models.ErrCodeCrashed {
			t.Errorf("error code = %q, want %q", code, models.ErrCodeCrashed)
		}
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the parked waiter")
	}
}

func TestPoolFactoryFailureFreesSlot(t *testing.T) {
	var calls int64
	factory := func() (*Session, error) {
		if atomic.AddInt64(&calls, 1) == 1 {
			return nil, errors.New("browser gone")
		}
		return newSession(0, nil), nil
	}
	p := NewPool(1, 0, 0, 0, factory)
	defer p.Close()

	_, err := p.Acquire(context.Background())
	if err == nil {
		t.Fatal("expected the first acquire to fail")
	}
	if code := models.CodeOf(err); code != models.ErrCodeCrashed {
		t.Errorf("error code = %q, want %q", code, models.ErrCodeCrashed)
	}

	// The failed creation must not leak its slot.
	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	p.Release(s, true)
}

func TestPoolStats(t *testing.T) {
	factory, _ := fakeFactory()
	p := NewPool(2, 2, 0, 0, factory)
	defer p.Close()

	s, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	st := p.Stats()
	if st.MaxSessions != 2 || st.ActiveSessions != 1 || st.IdleSessions != 0 {
		t.Errorf("stats after checkout = %+v", st)
	}

	p.Release(s, true)
	st = p.Stats()
	if st.ActiveSessions != 0 || st.IdleSessions != 1 {
		t.Errorf("stats after release = %+v", st)
	}
}

func TestSessionRetirementThresholds(t *testing.T) {
	s := newSession(1, nil)
	if s.ShouldRetire(0, 0) {
		t.Error("fresh session should not retire")
	}
	for i := 0; i < 3; i++ {
		s.RecordFailure()
	}
	if !s.ShouldRetire(0, 0) {
		t.Error("session with three straight failures should retire")
	}

	// Successes pay the error score back down.
	s2 := newSession(2, nil)
	s2.RecordFailure()
	s2.RecordFailure()
	for i := 0; i < 4; i++ {
		s2.RecordSuccess()
	}
	if s2.ShouldRetire(0, 0) {
		t.Error("recovered session should not retire")
	}
	if !s2.ShouldRetire(6, 0) {
		t.Error("session at max uses should retire")
	}
}

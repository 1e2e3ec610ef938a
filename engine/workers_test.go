package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foragehq/forage/models"
)

func waitForQueued(t *testing.T, p *WorkerPool, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Queued == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("queue depth never reached %d (now %d)", want, p.Stats().Queued)
}

// gatedRun returns a run func that blocks until release is called, so
// tests can stack jobs behind a deliberately busy worker.
func gatedRun(onRun func(*models.ScrapeJob)) (run RunFunc, release func()) {
	gate := make(chan struct{})
	var once sync.Once
	run = func(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error) {
		<-gate
		if onRun != nil {
			onRun(job)
		}
		return &models.ExtractionResult{Status: models.StatusOK}, nil
	}
	release = func() { once.Do(func() { close(gate) }) }
	return run, release
}

func TestWorkerPool_HigherPriorityRunsFirst(t *testing.T) {
	var mu sync.Mutex
	var order []int
	var started int64

	run, release := gatedRun(func(job *models.ScrapeJob) {
		mu.Lock()
		order = append(order, job.Priority)
		mu.Unlock()
	})
	wrapped := func(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error) {
		atomic.AddInt64(&started, 1)
		return run(ctx, job)
	}

	p := NewWorkerPool(1, 8, wrapped)
	defer p.Stop()
	defer release()

	var wg sync.WaitGroup
	submit := func(priority int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Do(context.Background(), &models.ScrapeJob{URL: "https://example.test", Priority: priority}); err != nil {
				t.Errorf("Do(priority=%d): %v", priority, err)
			}
		}()
	}

	// Occupy the single worker, then stack three jobs behind it.
	submit(0)
	for atomic.LoadInt64(&started) == 0 {
		time.Sleep(time.Millisecond)
	}
	submit(1)
	waitForQueued(t, p, 1)
	submit(9)
	waitForQueued(t, p, 2)
	submit(5)
	waitForQueued(t, p, 3)

	release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 9, 5, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestWorkerPool_FullQueueRejectsImmediately(t *testing.T) {
	var started int64
	run, release := gatedRun(nil)
	wrapped := func(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error) {
		atomic.AddInt64(&started, 1)
		return run(ctx, job)
	}
	p := NewWorkerPool(1, 2, wrapped)
	defer p.Stop()
	defer release()

	var wg sync.WaitGroup
	submit := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), &models.ScrapeJob{URL: "https://example.test"})
		}()
	}

	// Occupy the single worker, then fill the queue behind it.
	submit()
	for atomic.LoadInt64(&started) == 0 {
		time.Sleep(time.Millisecond)
	}
	submit()
	waitForQueued(t, p, 1)
	submit()
	waitForQueued(t, p, 2)

	start := time.Now()
	_, err := p.Do(context.Background(), &models.ScrapeJob{URL: "https://example.test"})
	if err == nil {
		t.Fatal("expected rejection, got nil error")
	}
	if code := models.CodeOf(err); code != models.ErrCodePoolExhausted {
		t.Errorf("error code = %q, want %q", code, models.ErrCodePoolExhausted)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("rejection took %s, want immediate", elapsed)
	}

	release()
	wg.Wait()
}

func TestWorkerPool_CanceledSubmitterUnblocks(t *testing.T) {
	run, release := gatedRun(nil)
	p := NewWorkerPool(1, 4, run)
	defer p.Stop()
	defer release()

	go p.Do(context.Background(), &models.ScrapeJob{URL: "https://example.test"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := p.Do(ctx, &models.ScrapeJob{URL: "https://example.test"})
		errCh <- err
	}()
	waitForQueued(t, p, 1)
	cancel()

	select {
	case err := <-errCh:
		if code := models.CodeOf(err); code != models.ErrCodeTimeout {
			t.Errorf("error code = %q, want %q", code, models.ErrCodeTimeout)
		}
	case <-time.After(time.Second):
		t.Fatal("canceled submitter still blocked after 1s")
	}

	release()
}

func TestWorkerPool_ConcurrencyNeverExceedsWorkers(t *testing.T) {
	const workers = 3
	var active, peak int64

	run := func(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error) {
		n := atomic.AddInt64(&active, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&active, -1)
		return &models.ExtractionResult{Status: models.StatusOK}, nil
	}

	p := NewWorkerPool(workers, 16, run)
	defer p.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Do(context.Background(), &models.ScrapeJob{URL: "https://example.test"})
		}()
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	if got := atomic.LoadInt64(&peak); got > workers {
		t.Errorf("peak concurrency = %d, want <= %d", got, workers)
	}
}

func TestWorkerPool_StopDrainsAndRejects(t *testing.T) {
	run := func(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error) {
		return &models.ExtractionResult{Status: models.StatusOK}, nil
	}
	p := NewWorkerPool(2, 4, run)

	if _, err := p.Do(context.Background(), &models.ScrapeJob{URL: "https://example.test"}); err != nil {
		t.Fatalf("Do before stop: %v", err)
	}
	p.Stop()
	p.Stop() // idempotent

	if _, err := p.Do(context.Background(), &models.ScrapeJob{URL: "https://example.test"}); err == nil {
		t.Fatal("Do after Stop should fail")
	}
}

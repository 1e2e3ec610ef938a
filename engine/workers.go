package engine

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/foragehq/forage/models"
)

// RunFunc executes one job and produces its result. The orchestrator's
// Run method is the production implementation.
type RunFunc func(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error)

type jobOutcome struct {
	result *models.ExtractionResult
	err    error
}

type queuedJob struct {
	ctx  context.Context
	job  *models.ScrapeJob
	done chan jobOutcome
	seq  uint64
}

// jobQueue orders queued jobs by descending priority, then submission
// order, so equal-priority jobs keep FIFO semantics.
type jobQueue []*queuedJob

func (q jobQueue) Len() int { return len(q) }

func (q jobQueue) Less(i, j int) bool {
	if q[i].job.Priority != q[j].job.Priority {
		return q[i].job.Priority > q[j].job.Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *jobQueue) Push(x any) { *q = append(*q, x.(*queuedJob)) }

func (q *jobQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// WorkerPool runs scrape jobs on a fixed set of workers fed from a
// bounded priority queue. Total concurrent fetch work is capped by the
// worker count; the queue bounds how much may pile up behind them.
type WorkerPool struct {
	run     RunFunc
	workers int
	limit   int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   jobQueue
	seq     uint64
	stopped bool

	wg sync.WaitGroup
}

// NewWorkerPool starts workers goroutines that execute jobs with run.
// queueSize bounds the number of jobs waiting for a worker; submissions
// past the bound are rejected rather than queued.
func NewWorkerPool(workers, queueSize int, run RunFunc) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	p := &WorkerPool{
		run:     run,
		workers: workers,
		limit:   queueSize,
		queue:   make(jobQueue, 0, queueSize),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	slog.Info("worker pool started", "workers", workers, "queue_size", queueSize)
	return p
}

// Do submits job and blocks until a worker finishes it or ctx expires.
// A full queue rejects immediately with POOL_EXHAUSTED so overload
// surfaces to the caller instead of stalling every submission behind an
// unbounded backlog.
func (p *WorkerPool) Do(ctx context.Context, job *models.ScrapeJob) (*models.ExtractionResult, error) {
	q := &queuedJob{ctx: ctx, job: job, done: make(chan jobOutcome, 1)}

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, models.NewScrapeError(models.ErrCodeInternal, "worker pool is stopped", nil)
	}
	if len(p.queue) >= p.limit {
		p.mu.Unlock()
		return nil, models.NewScrapeError(models.ErrCodePoolExhausted,
			fmt.Sprintf("worker queue full (%d jobs waiting)", p.limit), nil)
	}
	p.seq++
	q.seq = p.seq
	heap.Push(&p.queue, q)
	p.cond.Signal()
	p.mu.Unlock()

	select {
	case out := <-q.done:
		return out.result, out.err
	case <-ctx.Done():
		// The job may still run; the buffered done channel lets the
		// worker complete without a receiver.
		return nil, models.NewScrapeError(models.ErrCodeTimeout, "job abandoned before completion", ctx.Err())
	}
}

// Stats reports the worker count and current queue depth.
func (p *WorkerPool) Stats() models.WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return models.WorkerStats{Workers: p.workers, Queued: len(p.queue)}
}

// Stop drains the queue and waits for every worker to exit. Jobs
// already queued still run; new submissions are rejected.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	slog.Info("worker pool stopped")
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if len(p.queue) == 0 && p.stopped {
			p.mu.Unlock()
			return
		}
		q := heap.Pop(&p.queue).(*queuedJob)
		p.mu.Unlock()

		// Skip work whose submitter already gave up.
		if err := q.ctx.Err(); err != nil {
			q.done <- jobOutcome{err: models.NewScrapeError(models.ErrCodeTimeout, "job expired while queued", err)}
			continue
		}
		result, err := p.run(q.ctx, q.job)
		q.done <- jobOutcome{result: result, err: err}
	}
}

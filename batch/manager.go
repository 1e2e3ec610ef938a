// Package batch tracks multi-URL scrape jobs submitted in one RPC call
// and fans them out over the shared worker pool.
package batch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/foragehq/forage/engine"
	"github.com/foragehq/forage/extract"
	"github.com/foragehq/forage/models"
	"github.com/foragehq/forage/webhook"
)

const (
	// maxURLs bounds one batch submission.
	maxURLs = 100

	// retention keeps finished batches queryable before expiry.
	retention = time.Hour
)

// tracked is the mutable state of one batch.
type tracked struct {
	mu         sync.Mutex
	id         string
	status     string
	completed  int
	items      []*models.BatchItem
	finishedAt time.Time
}

// Manager owns batch lifecycles: accept, fan out, track, expire.
type Manager struct {
	pool     *engine.WorkerPool
	notifier *webhook.Notifier
	parallel int

	mu      sync.Mutex
	batches map[string]*tracked

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds a Manager running batch items at most parallel at
// a time, so one large batch cannot monopolize the worker queue.
// notifier may be nil. Call Stop to release the expiry sweeper.
func NewManager(pool *engine.WorkerPool, parallel int, notifier *webhook.Notifier) *Manager {
	if parallel < 1 {
		parallel = 1
	}
	m := &Manager{
		pool:     pool,
		notifier: notifier,
		parallel: parallel,
		batches:  make(map[string]*tracked),
		done:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// Submit validates params, registers the batch and starts processing
// it in the background. The returned acknowledgment carries the ID for
// later batchStatus polls.
func (m *Manager) Submit(params *models.BatchParams) (*models.BatchAccepted, error) {
	if len(params.URLs) == 0 {
		return nil, models.NewScrapeError(models.ErrCodeProtocol, "urls must not be empty", nil)
	}
	if len(params.URLs) > maxURLs {
		return nil, models.NewScrapeError(models.ErrCodeProtocol,
			fmt.Sprintf("at most %d urls per batch, got %d", maxURLs, len(params.URLs)), nil)
	}
	// A schema that cannot compile would fail every item identically;
	// reject it up front instead.
	if _, err := extract.Compile(params.Schema); err != nil {
		return nil, err
	}

	b := &tracked{
		id:     "batch-" + randomID(),
		status: models.BatchProcessing,
		items:  make([]*models.BatchItem, len(params.URLs)),
	}
	for i, u := range params.URLs {
		b.items[i] = &models.BatchItem{URL: u}
	}

	m.mu.Lock()
	m.batches[b.id] = b
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(b, params)

	slog.Info("batch accepted", "batch_id", b.id, "total", len(b.items))
	return &models.BatchAccepted{ID: b.id, Status: models.BatchProcessing, Total: len(b.items)}, nil
}

// Get returns a snapshot of the batch, or false for unknown or expired
// IDs. Per-URL results appear once the batch has finished.
func (m *Manager) Get(id string) (*models.BatchStatus, bool) {
	m.mu.Lock()
	b, ok := m.batches[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked(), true
}

// Stop waits for in-flight batches to finish and halts the sweeper.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		if m.notifier != nil {
			m.notifier.Flush()
		}
	})
}

func (m *Manager) run(b *tracked, params *models.BatchParams) {
	defer m.wg.Done()

	sem := make(chan struct{}, m.parallel)
	var wg sync.WaitGroup
	for _, item := range b.items {
		wg.Add(1)
		go func(item *models.BatchItem) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			result, err := m.pool.Do(context.Background(), &models.ScrapeJob{
				URL:        item.URL,
				Schema:     params.Schema,
				RenderMode: params.RenderMode,
				TimeoutMs:  params.TimeoutMs,
			})

			b.mu.Lock()
			if err != nil {
				item.Error = models.AsDetail(err)
			} else {
				item.Result = result
			}
			b.completed++
			b.mu.Unlock()
		}(item)
	}
	wg.Wait()

	b.mu.Lock()
	failed := 0
	for _, item := range b.items {
		if item.Error != nil {
			failed++
		}
	}
	if failed > 0 {
		b.status = models.BatchPartial
	} else {
		b.status = models.BatchCompleted
	}
	b.finishedAt = time.Now()
	status := b.snapshotLocked()
	b.mu.Unlock()

	slog.Info("batch finished",
		"batch_id", b.id,
		"status", status.Status,
		"failed", failed,
		"total", status.Total,
	)

	if m.notifier != nil {
		eventType := webhook.EventBatchCompleted
		if status.Status == models.BatchPartial {
			eventType = webhook.EventBatchPartial
		}
		m.notifier.DeliverAsync(&webhook.Event{
			Type:      eventType,
			BatchID:   b.id,
			Timestamp: time.Now().Unix(),
			Data:      status,
		})
	}
}

func (b *tracked) snapshotLocked() *models.BatchStatus {
	s := &models.BatchStatus{
		ID:        b.id,
		Status:    b.status,
		Completed: b.completed,
		Total:     len(b.items),
	}
	if b.status != models.BatchProcessing {
		s.Results = append([]*models.BatchItem(nil), b.items...)
	}
	return s
}

// sweepLoop expires finished batches after the retention window so the
// store does not grow without bound.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-retention)
			m.mu.Lock()
			for id, b := range m.batches {
				b.mu.Lock()
				expired := b.status != models.BatchProcessing && b.finishedAt.Before(cutoff)
				b.mu.Unlock()
				if expired {
					delete(m.batches, id)
				}
			}
			m.mu.Unlock()
		case <-m.done:
			return
		}
	}
}

func randomID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

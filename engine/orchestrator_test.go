package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/foragehq/forage/cache"
	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/hoststate"
	"github.com/foragehq/forage/models"
	"github.com/foragehq/forage/policy"
	"github.com/foragehq/forage/retry"
)

// stubEngine counts attempts and answers from a scripted respond func.
type stubEngine struct {
	mu      sync.Mutex
	calls   int
	times   []time.Time
	respond func(call int, req *FetchRequest) (*FetchResult, error)
}

func (s *stubEngine) Name() string { return "stub" }

func (s *stubEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.times = append(s.times, time.Now())
	s.mu.Unlock()
	return s.respond(call, req)
}

func (s *stubEngine) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubEngine) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.times))
	copy(out, s.times)
	return out
}

func success(req *FetchRequest) (*FetchResult, error) {
	return &FetchResult{
		HTML:       "<html><body><h1>Hello</h1></body></html>",
		StatusCode: 200,
		FinalURL:   req.URL,
		EngineName: "stub",
	}, nil
}

type orchOptions struct {
	policy  config.PolicyConfig
	retry   config.RetryConfig
	circuit config.CircuitConfig
}

func fastOptions() orchOptions {
	return orchOptions{
		policy: config.PolicyConfig{
			UserAgents: []string{"test-agent/1.0"},
			PaceBase:   time.Millisecond,
			Seed:       1,
		},
		retry: config.RetryConfig{
			MaxAttempts:      3,
			BaseDelay:        20 * time.Millisecond,
			RateLimitedDelay: 20 * time.Millisecond,
			Multiplier:       2,
			MaxDelay:         time.Second,
		},
		circuit: config.CircuitConfig{
			Threshold:   5,
			Cooldown:    100 * time.Millisecond,
			MaxCooldown: time.Second,
		},
	}
}

func newTestOrchestrator(t *testing.T, opts orchOptions, respond func(int, *FetchRequest) (*FetchResult, error)) (*Orchestrator, *stubEngine, *hoststate.Registry) {
	t.Helper()
	hosts := hoststate.NewRegistry()
	t.Cleanup(hosts.Stop)

	stub := &stubEngine{respond: respond}
	o := NewOrchestrator(hosts, policy.New(opts.policy, hosts), retry.New(opts.retry), opts.circuit)
	o.Register(models.RenderStatic, stub)
	return o, stub, hosts
}

func titleJob(url string) *models.ScrapeJob {
	return &models.ScrapeJob{
		URL:    url,
		Schema: map[string]models.FieldRule{"title": {Selector: "h1"}},
	}
}

func TestOrchestrator_SuccessStampsMeta(t *testing.T) {
	o, stub, _ := newTestOrchestrator(t, fastOptions(), func(_ int, req *FetchRequest) (*FetchResult, error) {
		return success(req)
	})

	res, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Status != models.StatusOK {
		t.Errorf("status = %q, want ok", res.Status)
	}
	if got := res.Records["title"]; got != "Hello" {
		t.Errorf("title = %#v, want Hello", got)
	}
	if res.Meta == nil {
		t.Fatal("meta missing")
	}
	if res.Meta.Attempts != 1 || res.Meta.Engine != "stub" || res.Meta.RenderMode != models.RenderStatic {
		t.Errorf("meta = %+v", res.Meta)
	}
	if stub.callCount() != 1 {
		t.Errorf("calls = %d, want 1", stub.callCount())
	}
}

func TestOrchestrator_TransientFailuresRetryThenSucceed(t *testing.T) {
	o, stub, _ := newTestOrchestrator(t, fastOptions(), func(call int, req *FetchRequest) (*FetchResult, error) {
		if call < 3 {
			return nil, models.NewScrapeError(models.ErrCodeNetwork, "connection reset", nil)
		}
		return success(req)
	})

	res, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stub.callCount() != 3 {
		t.Errorf("calls = %d, want 3", stub.callCount())
	}
	if res.Meta.Attempts != 3 {
		t.Errorf("meta attempts = %d, want 3", res.Meta.Attempts)
	}
}

func TestOrchestrator_ExhaustionStopsAtBudgetWithGrowingDelays(t *testing.T) {
	o, stub, _ := newTestOrchestrator(t, fastOptions(), func(int, *FetchRequest) (*FetchResult, error) {
		return nil, models.NewScrapeError(models.ErrCodeNetwork, "connection reset", nil)
	})

	_, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if code := models.CodeOf(err); code != models.ErrCodeNetwork {
		t.Errorf("error code = %q, want NETWORK (the last failure)", code)
	}
	if detail := models.AsDetail(err); detail.Attempts != 3 {
		t.Errorf("detail attempts = %d, want 3", detail.Attempts)
	}
	if stub.callCount() != 3 {
		t.Fatalf("calls = %d, want exactly 3", stub.callCount())
	}

	times := stub.callTimes()
	gap1 := times[1].Sub(times[0])
	gap2 := times[2].Sub(times[1])
	if gap1 < 15*time.Millisecond {
		t.Errorf("first backoff %s, want >= ~20ms", gap1)
	}
	if gap2 <= gap1 {
		t.Errorf("backoff not growing: %s then %s", gap1, gap2)
	}
}

func TestOrchestrator_PermanentClientAbortsImmediately(t *testing.T) {
	o, stub, _ := newTestOrchestrator(t, fastOptions(), func(int, *FetchRequest) (*FetchResult, error) {
		return nil, models.NewHTTPStatusError(404, "https://example.test/page")
	})

	_, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if err == nil {
		t.Fatal("expected error")
	}
	if code := models.CodeOf(err); code != models.ErrCodeHTTPStatus {
		t.Errorf("error code = %q, want HTTP_STATUS", code)
	}
	if stub.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (no retries on 4xx)", stub.callCount())
	}
}

func TestOrchestrator_CircuitOpensThenFailsFastWithoutFetching(t *testing.T) {
	opts := fastOptions()
	opts.circuit.Threshold = 2
	o, stub, _ := newTestOrchestrator(t, opts, func(int, *FetchRequest) (*FetchResult, error) {
		return nil, models.NewScrapeError(models.ErrCodeNetwork, "connection reset", nil)
	})

	// Two failed attempts trip the breaker; the third attempt of the
	// same job is refused at the gate.
	_, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if code := models.CodeOf(err); code != models.ErrCodeCircuitOpen {
		t.Fatalf("error code = %q, want CIRCUIT_OPEN", code)
	}
	if stub.callCount() != 2 {
		t.Fatalf("calls = %d, want 2 (threshold)", stub.callCount())
	}

	// Later jobs against the same host fail fast with zero fetches.
	_, err = o.Run(context.Background(), titleJob("https://example.test/other"))
	if code := models.CodeOf(err); code != models.ErrCodeCircuitOpen {
		t.Errorf("error code = %q, want CIRCUIT_OPEN", code)
	}
	if detail := models.AsDetail(err); detail.Attempts != 0 {
		t.Errorf("fail-fast attempts = %d, want 0", detail.Attempts)
	}
	if stub.callCount() != 2 {
		t.Errorf("calls = %d, want still 2", stub.callCount())
	}
}

func TestOrchestrator_RateLimitedRunThenRecovery(t *testing.T) {
	opts := fastOptions()
	opts.retry.MaxAttempts = 4
	o, stub, hosts := newTestOrchestrator(t, opts, func(call int, req *FetchRequest) (*FetchResult, error) {
		if call <= 3 {
			return nil, models.NewHTTPStatusError(429, req.URL)
		}
		return success(req)
	})

	res, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stub.callCount() != 4 {
		t.Errorf("calls = %d, want 4", stub.callCount())
	}
	if res.Meta.Attempts != 4 {
		t.Errorf("meta attempts = %d, want 4", res.Meta.Attempts)
	}
	if s := hosts.Get("example.test").Snapshot(); s.Circuit != hoststate.CircuitClosed {
		t.Errorf("circuit = %s after recovery, want closed", s.Circuit)
	}
}

func TestOrchestrator_CacheHitSkipsFetch(t *testing.T) {
	o, stub, _ := newTestOrchestrator(t, fastOptions(), func(_ int, req *FetchRequest) (*FetchResult, error) {
		return success(req)
	})
	c := cache.New(config.CacheConfig{Enabled: true, TTL: time.Minute, MaxEntries: 16})
	defer c.Stop()
	o.SetCache(c)

	first, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Meta.CacheStatus != "miss" {
		t.Errorf("first cacheStatus = %q, want miss", first.Meta.CacheStatus)
	}

	second, err := o.Run(context.Background(), titleJob("https://example.test/page"))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Meta.CacheStatus != "hit" {
		t.Errorf("second cacheStatus = %q, want hit", second.Meta.CacheStatus)
	}
	if stub.callCount() != 1 {
		t.Errorf("calls = %d, want 1 (second run served from cache)", stub.callCount())
	}
	if second.Records["title"] != "Hello" {
		t.Errorf("cached records lost: %#v", second.Records)
	}
	if first.Meta == second.Meta {
		t.Error("cache hits must not share the meta block")
	}

	// A job that opts out of the cache fetches again.
	noCache := false
	job := titleJob("https://example.test/page")
	job.Cache = &noCache
	third, err := o.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if third.Meta.CacheStatus != "" {
		t.Errorf("bypass cacheStatus = %q, want empty", third.Meta.CacheStatus)
	}
	if stub.callCount() != 2 {
		t.Errorf("calls = %d, want 2 after bypass", stub.callCount())
	}
}

func TestOrchestrator_RejectsBeforeFetching(t *testing.T) {
	o, stub, _ := newTestOrchestrator(t, fastOptions(), func(_ int, req *FetchRequest) (*FetchResult, error) {
		return success(req)
	})

	tests := []struct {
		name     string
		job      *models.ScrapeJob
		wantCode string
	}{
		{
			"missing url",
			&models.ScrapeJob{Schema: map[string]models.FieldRule{"t": {Selector: "h1"}}},
			models.ErrCodeProtocol,
		},
		{
			"bad selector",
			&models.ScrapeJob{URL: "https://example.test", Schema: map[string]models.FieldRule{"t": {Selector: "h1[["}}},
			models.ErrCodeSchemaMismatch,
		},
		{
			"unregistered render mode",
			func() *models.ScrapeJob {
				j := titleJob("https://example.test")
				j.RenderMode = models.RenderDynamic
				return j
			}(),
			models.ErrCodePermanentClient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := o.Run(context.Background(), tt.job)
			if err == nil {
				t.Fatal("expected error")
			}
			if code := models.CodeOf(err); code != tt.wantCode {
				t.Errorf("error code = %q, want %q", code, tt.wantCode)
			}
		})
	}
	if stub.callCount() != 0 {
		t.Errorf("calls = %d, want 0 (all rejections precede fetching)", stub.callCount())
	}
}

func TestOrchestrator_ConcurrentJobsPaceOneHost(t *testing.T) {
	opts := fastOptions()
	opts.policy.MinInterval = 60 * time.Millisecond
	o, stub, _ := newTestOrchestrator(t, opts, func(_ int, req *FetchRequest) (*FetchResult, error) {
		return success(req)
	})

	const jobs = 4
	var wg sync.WaitGroup
	for i := 0; i < jobs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Run(context.Background(), titleJob("https://example.test/page")); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	times := stub.callTimes()
	if len(times) != jobs {
		t.Fatalf("calls = %d, want %d", len(times), jobs)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < 45*time.Millisecond {
			t.Errorf("fetches %d and %d only %s apart, want >= ~60ms", i-1, i, gap)
		}
	}
}

func TestOrchestrator_RobotsDenialAbortsWithoutFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private/\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	o, stub, _ := newTestOrchestrator(t, fastOptions(), func(_ int, req *FetchRequest) (*FetchResult, error) {
		return success(req)
	})
	o.SetRobots(policy.NewRobotsGate())

	_, err := o.Run(context.Background(), titleJob(srv.URL+"/private/page"))
	if err == nil {
		t.Fatal("expected robots denial")
	}
	if code := models.CodeOf(err); code != models.ErrCodePermanentClient {
		t.Errorf("error code = %q, want PERMANENT_CLIENT", code)
	}
	if stub.callCount() != 0 {
		t.Errorf("calls = %d, want 0", stub.callCount())
	}

	// Paths outside the disallow list go through.
	if _, err := o.Run(context.Background(), titleJob(srv.URL+"/public/page")); err != nil {
		t.Errorf("allowed path rejected: %v", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("calls = %d, want 1", stub.callCount())
	}
}

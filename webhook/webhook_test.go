package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/foragehq/forage/config"
)

func TestNewNotifierWithoutURL(t *testing.T) {
	n := NewNotifier(config.WebhookConfig{})
	if n != nil {
		t.Fatal("empty URL should yield a nil notifier")
	}
	// Nil methods are safe no-ops.
	if err := n.Deliver(context.Background(), &Event{}); err != nil {
		t.Errorf("nil Deliver: %v", err)
	}
	n.DeliverAsync(&Event{})
	n.Flush()
}

func TestDeliverSignsPayload(t *testing.T) {
	var (
		mu   sync.Mutex
		body []byte
		sig  string
		ct   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		body, _ = io.ReadAll(r.Body)
		sig = r.Header.Get("X-Forage-Signature")
		ct = r.Header.Get("Content-Type")
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, Secret: "s3cret", Timeout: time.Second})
	event := &Event{Type: EventBatchCompleted, BatchID: "b-1", Timestamp: 1700000000, Data: map[string]int{"total": 3}}
	if err := n.Deliver(context.Background(), event); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(body)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if sig != want {
		t.Errorf("signature = %q, want %q", sig, want)
	}

	var got Event
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if got.Type != EventBatchCompleted || got.BatchID != "b-1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestDeliverWithoutSecretOmitsSignature(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Forage-Signature")
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, Timeout: time.Second})
	if err := n.Deliver(context.Background(), &Event{Type: EventBatchPartial, BatchID: "b-2"}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if sig != "" {
		t.Errorf("unexpected signature %q without a secret", sig)
	}
}

func TestDeliverRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, Timeout: time.Second})
	if err := n.Deliver(context.Background(), &Event{Type: EventBatchCompleted}); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestDeliverAsyncRetriesUntilSuccess(t *testing.T) {
	orig := retrySchedule
	retrySchedule = []time.Duration{5 * time.Millisecond, 10 * time.Millisecond, 20 * time.Millisecond}
	defer func() { retrySchedule = orig }()

	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		n := hits
		mu.Unlock()
		if n < 3 {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, Timeout: time.Second, MaxRetries: 3})
	n.DeliverAsync(&Event{Type: EventBatchCompleted, BatchID: "b-3"})
	n.Flush()

	mu.Lock()
	defer mu.Unlock()
	if hits != 3 {
		t.Errorf("hits = %d, want 3 (two failures then success)", hits)
	}
}

func TestDeliverAsyncGivesUpAfterBudget(t *testing.T) {
	orig := retrySchedule
	retrySchedule = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { retrySchedule = orig }()

	var mu sync.Mutex
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	n := NewNotifier(config.WebhookConfig{URL: srv.URL, Timeout: time.Second, MaxRetries: 2})
	n.DeliverAsync(&Event{Type: EventBatchCompleted, BatchID: "b-4"})
	n.Flush()

	mu.Lock()
	defer mu.Unlock()
	if hits != 3 {
		t.Errorf("hits = %d, want 3 (initial + 2 retries)", hits)
	}
}

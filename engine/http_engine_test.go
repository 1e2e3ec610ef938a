package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/models"
)

func testFetchConfig() config.FetchConfig {
	return config.FetchConfig{
		Timeout:      5 * time.Second,
		MaxBodyBytes: 10 * 1024 * 1024,
	}
}

func TestHTTPEngine_FetchHTML(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><head><title>Test Page</title></head><body><h1>Hello</h1></body></html>`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(testFetchConfig())
	res, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if res.Title != "Test Page" {
		t.Errorf("Title = %q, want %q", res.Title, "Test Page")
	}
	if !strings.Contains(res.HTML, "<h1>Hello</h1>") {
		t.Errorf("HTML missing expected content: %q", res.HTML)
	}
	if res.EngineName != "http" {
		t.Errorf("EngineName = %q, want http", res.EngineName)
	}
}

func TestHTTPEngine_AppliesIdentity(t *testing.T) {
	var gotUA, gotLang string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotLang = r.Header.Get("Accept-Language")
		w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	e := NewHTTPEngine(testFetchConfig())
	_, err := e.Fetch(context.Background(), &FetchRequest{
		URL: srv.URL,
		Identity: models.Identity{
			UserAgent: "test-agent/1.0",
			Headers:   map[string]string{"Accept-Language": "de-DE,de;q=0.9"},
		},
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if gotUA != "test-agent/1.0" {
		t.Errorf("User-Agent = %q, want test-agent/1.0", gotUA)
	}
	if gotLang != "de-DE,de;q=0.9" {
		t.Errorf("Accept-Language = %q, want de-DE,de;q=0.9", gotLang)
	}
}

func TestHTTPEngine_StatusErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantCode string
	}{
		{"not found", 404, models.ErrCodeHTTPStatus},
		{"server error", 500, models.ErrCodeHTTPStatus},
		{"rate limited", 429, models.ErrCodeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			e := NewHTTPEngine(testFetchConfig())
			_, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL})
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if code := models.CodeOf(err); code != tt.wantCode {
				t.Errorf("code = %q, want %q", code, tt.wantCode)
			}
			if status := models.StatusOf(err); status != tt.status {
				t.Errorf("status = %d, want %d", status, tt.status)
			}
		})
	}
}

func TestHTTPEngine_ConnectionRefused(t *testing.T) {
	// Grab a port that nothing listens on.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	dead := srv.URL
	srv.Close()

	e := NewHTTPEngine(testFetchConfig())
	_, err := e.Fetch(context.Background(), &FetchRequest{URL: dead})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if code := models.CodeOf(err); code != models.ErrCodeNetwork {
		t.Errorf("code = %q, want NETWORK", code)
	}
}

func TestHTTPEngine_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	e := NewHTTPEngine(testFetchConfig())
	_, err := e.Fetch(context.Background(), &FetchRequest{
		URL:     srv.URL,
		Timeout: 50 * time.Millisecond,
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if code := models.CodeOf(err); code != models.ErrCodeTimeout {
		t.Errorf("code = %q, want TIMEOUT", code)
	}
}

func TestHTTPEngine_FollowsRedirects(t *testing.T) {
	var srvURL string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, srvURL+"/final", http.StatusFound)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><title>Landed</title></html>"))
	}))
	defer srv.Close()
	srvURL = srv.URL

	e := NewHTTPEngine(testFetchConfig())
	res, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL + "/start"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if !strings.HasSuffix(res.FinalURL, "/final") {
		t.Errorf("FinalURL = %q, want suffix /final", res.FinalURL)
	}
	if res.Title != "Landed" {
		t.Errorf("Title = %q, want Landed", res.Title)
	}
}

func TestHTTPEngine_NonHTMLBodyStillReturned(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	e := NewHTTPEngine(testFetchConfig())
	res, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if res.HTML != `{"ok":true}` {
		t.Errorf("HTML = %q, want raw JSON body", res.HTML)
	}
	if res.Title != "" {
		t.Errorf("Title = %q, want empty for non-HTML", res.Title)
	}
}

func TestHTTPEngine_BodyCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer srv.Close()

	cfg := testFetchConfig()
	cfg.MaxBodyBytes = 1024
	e := NewHTTPEngine(cfg)
	res, err := e.Fetch(context.Background(), &FetchRequest{URL: srv.URL})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if len(res.HTML) != 1024 {
		t.Errorf("body length = %d, want capped at 1024", len(res.HTML))
	}
}

func TestExtractTitle(t *testing.T) {
	tests := []struct {
		name string
		html string
		want string
	}{
		{"simple", "<html><head><title>Hi</title></head></html>", "Hi"},
		{"whitespace", "<title>  padded  </title>", "padded"},
		{"missing", "<html><body>no title</body></html>", ""},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractTitle(tt.html); got != tt.want {
				t.Errorf("extractTitle = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategorizeTransport(t *testing.T) {
	if code := models.CodeOf(categorizeTransport(context.DeadlineExceeded, "http://x")); code != models.ErrCodeTimeout {
		t.Errorf("deadline: code = %q, want TIMEOUT", code)
	}
	if code := models.CodeOf(categorizeTransport(context.Canceled, "http://x")); code != models.ErrCodeTimeout {
		t.Errorf("canceled: code = %q, want TIMEOUT", code)
	}
}

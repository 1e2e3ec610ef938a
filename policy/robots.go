package policy

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

// robotsTTL is how long a fetched robots.txt stays cached per host.
const robotsTTL = time.Hour

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

// RobotsGate checks target paths against each host's robots.txt.
// Policies are fetched once per host and cached with a TTL. Fetch
// failures fail open: a host whose robots.txt is unreachable does not
// block scraping.
type RobotsGate struct {
	client *http.Client

	mu    sync.Mutex
	hosts map[string]*robotsEntry
}

// NewRobotsGate creates a gate with its own short-timeout client for
// robots.txt side fetches.
func NewRobotsGate() *RobotsGate {
	return &RobotsGate{
		client: &http.Client{Timeout: 5 * time.Second},
		hosts:  make(map[string]*robotsEntry),
	}
}

// Allowed reports whether userAgent may fetch rawURL per the target
// host's robots.txt.
func (g *RobotsGate) Allowed(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	data := g.lookup(ctx, u)
	if data == nil {
		return true
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	return data.TestAgent(path, userAgent)
}

func (g *RobotsGate) lookup(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	g.mu.Lock()
	entry, ok := g.hosts[u.Host]
	if ok && time.Since(entry.fetchedAt) < robotsTTL {
		g.mu.Unlock()
		return entry.data
	}
	g.mu.Unlock()

	data := g.fetch(ctx, u)

	g.mu.Lock()
	g.hosts[u.Host] = &robotsEntry{data: data, fetchedAt: time.Now()}
	g.mu.Unlock()
	return data
}

// fetch retrieves and parses robots.txt. A nil return means "no
// policy" and the caller allows the request.
func (g *RobotsGate) fetch(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil
	}
	resp, err := g.client.Do(req)
	if err != nil {
		slog.Debug("robots.txt fetch failed", "host", u.Host, "error", err)
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		slog.Debug("robots.txt parse failed", "host", u.Host, "error", err)
		return nil
	}
	return data
}

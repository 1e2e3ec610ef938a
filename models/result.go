package models

// Extraction result statuses.
const (
	StatusOK      = "ok"      // every field resolved (optional gaps allowed)
	StatusPartial = "partial" // at least one required field missing
	StatusFailed  = "failed"  // content could not be parsed at all
)

// ExtractionResult is the structured outcome of one scrape. The
// extraction pipeline fills Status, Records, Diagnostics, Fingerprint,
// and Tokens deterministically from (content, schema); the orchestrator
// stamps Meta afterwards. Immutable once returned.
type ExtractionResult struct {
	// Status is "ok", "partial", or "failed".
	Status string `json:"status"`

	// Records maps schema field names to extracted values: string,
	// []string for list transforms, float64 for number transforms,
	// or null for a missing optional field.
	Records map[string]any `json:"records"`

	// Diagnostics is the trail of per-field gaps and parse problems,
	// ordered by field name.
	Diagnostics []string `json:"diagnostics,omitempty"`

	// Fingerprint is the hex simhash of the extracted text, for
	// near-duplicate detection across scrapes.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Tokens is a rough token estimate of the extracted text.
	Tokens int `json:"tokens,omitempty"`

	// Meta describes how the content was obtained.
	Meta *ResultMeta `json:"meta,omitempty"`
}

// ResultMeta describes the fetch behind an ExtractionResult.
type ResultMeta struct {
	URL         string `json:"url"`
	FinalURL    string `json:"finalUrl,omitempty"`
	StatusCode  int    `json:"statusCode,omitempty"`
	RenderMode  string `json:"renderMode"`
	Engine      string `json:"engine,omitempty"`
	Attempts    int    `json:"attempts"`
	ElapsedMs   int64  `json:"elapsedMs"`
	CacheStatus string `json:"cacheStatus,omitempty"` // "hit", "miss", or empty when bypassed
}

// MapParams is the parameter object of the "map" RPC method.
type MapParams struct {
	// URL is the page to discover links on. Required.
	URL string `json:"url"`

	// SameOrigin keeps only links on the page's own host.
	SameOrigin bool `json:"sameOrigin,omitempty"`

	// Limit caps the number of returned links. Default 200.
	Limit int `json:"limit,omitempty"`
}

// MapResult is the response of the "map" RPC method.
type MapResult struct {
	URLs  []string `json:"urls"`
	Total int      `json:"total"`
}

// HealthResponse is the response for GET /healthz.
type HealthResponse struct {
	Status  string      `json:"status"` // "healthy" or "degraded"
	Uptime  string      `json:"uptime"`
	Version string      `json:"version"`
	Render  PoolStats   `json:"render"`
	Cache   CacheStats  `json:"cache"`
	Workers WorkerStats `json:"workers"`
}

// PoolStats reports the state of the render-session pool.
type PoolStats struct {
	MaxSessions    int `json:"max_sessions"`
	ActiveSessions int `json:"active_sessions"`
	IdleSessions   int `json:"idle_sessions"`
	Waiters        int `json:"waiters"`
}

// CacheStats reports result-cache effectiveness.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// WorkerStats reports worker-pool saturation.
type WorkerStats struct {
	Workers int `json:"workers"`
	Queued  int `json:"queued"`
}

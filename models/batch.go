package models

// Batch statuses.
const (
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchPartial    = "partial" // finished, but some URLs failed
)

// BatchParams is the parameter object of the "batchSubmit" RPC method.
// The schema and render settings apply to every URL.
type BatchParams struct {
	// URLs lists the target pages. Required, 1..100 entries.
	URLs []string `json:"urls"`

	// Schema maps output fields to extraction rules, as in "scrape".
	Schema map[string]FieldRule `json:"schema"`

	// RenderMode is "static" (default) or "dynamic".
	RenderMode string `json:"renderMode,omitempty"`

	// TimeoutMs bounds each per-URL job. Default 30000.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// BatchAccepted is the immediate response of "batchSubmit".
type BatchAccepted struct {
	ID     string `json:"batchId"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// BatchStatus is the response of "batchStatus". Results are present
// once the batch has finished.
type BatchStatus struct {
	ID        string       `json:"batchId"`
	Status    string       `json:"status"`
	Completed int          `json:"completed"`
	Total     int          `json:"total"`
	Results   []*BatchItem `json:"results,omitempty"`
}

// BatchItem is the per-URL outcome inside a batch.
type BatchItem struct {
	URL    string            `json:"url"`
	Result *ExtractionResult `json:"result,omitempty"`
	Error  *ErrorDetail      `json:"error,omitempty"`
}

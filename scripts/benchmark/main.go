package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"text/tabwriter"
	"time"
)

// CLI flags
var (
	apiURL      = flag.String("api-url", "http://localhost:8080", "Forage API base URL")
	apiKey      = flag.String("api-key", "", "API key for authenticated requests")
	target      = flag.String("url", "https://example.com", "URL to scrape")
	requests    = flag.Int("requests", 50, "Total number of scrape calls")
	concurrency = flag.Int("concurrency", 8, "Concurrent callers")
	render      = flag.String("render", "static", "Render mode: static or dynamic")
	noCache     = flag.Bool("no-cache", false, "Bypass the result cache on every call")
	output      = flag.String("output", "benchmark-results.json", "JSON output file path")
)

// --- Wire types (mirror the rpc and models packages) ---

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcResponse struct {
	Result *extractionResult `json:"result"`
	Error  *rpcError         `json:"error"`
}

type rpcError struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    *errorDetail `json:"data"`
}

type errorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Attempts int    `json:"attempts"`
}

type extractionResult struct {
	Status string      `json:"status"`
	Meta   *resultMeta `json:"meta"`
}

type resultMeta struct {
	Engine      string `json:"engine"`
	Attempts    int    `json:"attempts"`
	ElapsedMs   int64  `json:"elapsedMs"`
	CacheStatus string `json:"cacheStatus"`
}

// --- Benchmark result types ---

type sample struct {
	Seq       int    `json:"seq"`
	LatencyMs int64  `json:"latency_ms"`
	Status    string `json:"status,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
	Cache     string `json:"cache,omitempty"`
	ServerMs  int64  `json:"server_ms,omitempty"`
}

type summary struct {
	Succeeded  int     `json:"succeeded"`
	Failed     int     `json:"failed"`
	CacheHits  int     `json:"cache_hits"`
	MinMs      int64   `json:"min_ms"`
	AvgMs      float64 `json:"avg_ms"`
	P50Ms      int64   `json:"p50_ms"`
	P95Ms      int64   `json:"p95_ms"`
	MaxMs      int64   `json:"max_ms"`
	Throughput float64 `json:"requests_per_second"`
}

type benchmarkReport struct {
	Timestamp   string   `json:"timestamp"`
	APIURL      string   `json:"api_url"`
	Target      string   `json:"target"`
	RenderMode  string   `json:"render_mode"`
	Requests    int      `json:"requests"`
	Concurrency int      `json:"concurrency"`
	Summary     summary  `json:"summary"`
	Samples     []sample `json:"samples"`
}

func main() {
	flag.Parse()

	fmt.Println("=== Forage Benchmark ===")
	fmt.Printf("API URL:     %s\n", *apiURL)
	fmt.Printf("Target:      %s\n", *target)
	fmt.Printf("Render mode: %s\n", *render)
	fmt.Printf("Requests:    %d (concurrency %d)\n", *requests, *concurrency)
	fmt.Println()

	// Quick connectivity check.
	if err := checkAPI(*apiURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach API at %s: %v\n", *apiURL, err)
		fmt.Fprintf(os.Stderr, "Make sure forage is running\n")
		os.Exit(1)
	}

	samples := make([]sample, *requests)
	jobs := make(chan int)
	var wg sync.WaitGroup

	client := &http.Client{Timeout: 150 * time.Second}
	started := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for seq := range jobs {
				samples[seq] = call(client, seq)
			}
		}()
	}
	for i := 0; i < *requests; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	elapsed := time.Since(started)

	report := benchmarkReport{
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		APIURL:      *apiURL,
		Target:      *target,
		RenderMode:  *render,
		Requests:    *requests,
		Concurrency: *concurrency,
		Summary:     summarize(samples, elapsed),
		Samples:     samples,
	}

	printSummary(report.Summary, samples)

	if err := writeJSON(*output, report); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing JSON output: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nDetailed results written to %s\n", *output)
}

func checkAPI(baseURL string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(baseURL + "/healthz")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// call issues one scrape and reduces the reply to a sample. The schema
// asks only for the page title, optional, so any reachable page counts
// as a success and the measurement stays about the pipeline.
func call(client *http.Client, seq int) sample {
	s := sample{Seq: seq}

	params := map[string]any{
		"url": *target,
		"schema": map[string]any{
			"title": map[string]any{"selector": "title", "required": false},
		},
		"renderMode": *render,
	}
	if *noCache {
		params["cache"] = false
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: seq + 1, Method: "scrape", Params: params})
	if err != nil {
		s.ErrorCode = "MARSHAL"
		return s
	}

	req, err := http.NewRequest(http.MethodPost, *apiURL+"/rpc", bytes.NewReader(body))
	if err != nil {
		s.ErrorCode = "REQUEST"
		return s
	}
	req.Header.Set("Content-Type", "application/json")
	if *apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+*apiKey)
	}

	start := time.Now()
	resp, err := client.Do(req)
	s.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		s.ErrorCode = "TRANSPORT"
		return s
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		s.ErrorCode = "DECODE"
		return s
	}
	if rr.Error != nil {
		s.ErrorCode = fmt.Sprintf("%d", rr.Error.Code)
		if rr.Error.Data != nil && rr.Error.Data.Code != "" {
			s.ErrorCode = rr.Error.Data.Code
			s.Attempts = rr.Error.Data.Attempts
		}
		return s
	}
	if rr.Result != nil {
		s.Status = rr.Result.Status
		if rr.Result.Meta != nil {
			s.Attempts = rr.Result.Meta.Attempts
			s.Cache = rr.Result.Meta.CacheStatus
			s.ServerMs = rr.Result.Meta.ElapsedMs
		}
	}
	return s
}

func summarize(samples []sample, elapsed time.Duration) summary {
	var sum summary
	latencies := make([]int64, 0, len(samples))
	var total int64
	for _, s := range samples {
		if s.ErrorCode != "" {
			sum.Failed++
			continue
		}
		sum.Succeeded++
		if s.Cache == "hit" {
			sum.CacheHits++
		}
		latencies = append(latencies, s.LatencyMs)
		total += s.LatencyMs
	}
	if len(latencies) == 0 {
		return sum
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	sum.MinMs = latencies[0]
	sum.MaxMs = latencies[len(latencies)-1]
	sum.AvgMs = float64(total) / float64(len(latencies))
	sum.P50Ms = latencies[len(latencies)/2]
	sum.P95Ms = latencies[(len(latencies)*95)/100]
	if secs := elapsed.Seconds(); secs > 0 {
		sum.Throughput = float64(len(samples)) / secs
	}
	return sum
}

func printSummary(sum summary, samples []sample) {
	fmt.Println(strings.Repeat("─", 60))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Succeeded\t%d\n", sum.Succeeded)
	fmt.Fprintf(w, "Failed\t%d\n", sum.Failed)
	fmt.Fprintf(w, "Cache hits\t%d\n", sum.CacheHits)
	fmt.Fprintf(w, "Latency min/avg/max\t%dms / %.0fms / %dms\n", sum.MinMs, sum.AvgMs, sum.MaxMs)
	fmt.Fprintf(w, "Latency p50/p95\t%dms / %dms\n", sum.P50Ms, sum.P95Ms)
	fmt.Fprintf(w, "Throughput\t%.1f req/s\n", sum.Throughput)
	w.Flush()

	// Failure distribution by taxonomy or RPC code.
	counts := map[string]int{}
	for _, s := range samples {
		if s.ErrorCode != "" {
			counts[s.ErrorCode]++
		}
	}
	if len(counts) > 0 {
		codes := make([]string, 0, len(counts))
		for c := range counts {
			codes = append(codes, c)
		}
		sort.Strings(codes)
		fmt.Println("\nFailures by code:")
		for _, c := range codes {
			fmt.Printf("  %-20s %d\n", c, counts[c])
		}
	}
	fmt.Println(strings.Repeat("─", 60))
}

func writeJSON(path string, report benchmarkReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

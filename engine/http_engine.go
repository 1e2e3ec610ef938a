package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	tls "github.com/refraction-networking/utls"
	"golang.org/x/net/html"
	xproxy "golang.org/x/net/proxy"

	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/models"
)

// HTTPEngine is the static retrieval path: one plain GET per attempt,
// no JavaScript. It is the default mode and by far the cheapest.
type HTTPEngine struct {
	cfg config.FetchConfig
}

// chromeH1Spec is a Chrome-like TLS ClientHello with ALPN forced to http/1.1
// only. Computed once at init time and reused for every connection.
var chromeH1Spec tls.ClientHelloSpec

func init() {
	spec, err := tls.UTLSIdToSpec(tls.HelloChrome_Auto)
	if err != nil {
		// Should never happen with a valid utls version; the zero spec
		// fails the handshake and surfaces as a NETWORK error.
		return
	}
	// Replace h2 with http/1.1 only in the ALPN extension so the server
	// never negotiates HTTP/2 (which Go's http.Transport cannot handle
	// over a utls connection).
	for i, ext := range spec.Extensions {
		if alpn, ok := ext.(*tls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			spec.Extensions[i] = alpn
			break
		}
	}
	chromeH1Spec = spec
}

// NewHTTPEngine creates the static-path engine.
func NewHTTPEngine(cfg config.FetchConfig) *HTTPEngine {
	return &HTTPEngine{cfg: cfg}
}

func (e *HTTPEngine) Name() string { return "http" }

// Fetch performs one GET with the attempt's identity. A failure comes
// back as a typed error (NETWORK, TIMEOUT, HTTP_STATUS or RATE_LIMITED)
// and the orchestrator decides what happens next.
func (e *HTTPEngine) Fetch(ctx context.Context, req *FetchRequest) (*FetchResult, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport, err := e.transportFor(req.Identity.Proxy)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("stopped after 10 redirects")
			}
			return nil
		},
	}
	defer client.CloseIdleConnections()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeNetwork, fmt.Sprintf("build request for %s", req.URL), err)
	}
	applyIdentity(httpReq, req.Identity)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, categorizeTransport(err, req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, models.NewHTTPStatusError(resp.StatusCode, req.URL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, e.cfg.MaxBodyBytes))
	if err != nil {
		return nil, categorizeTransport(err, req.URL)
	}

	result := &FetchResult{
		HTML:       string(body),
		StatusCode: resp.StatusCode,
		FinalURL:   resp.Request.URL.String(),
		EngineName: e.Name(),
	}
	// Non-HTML bodies are still handed to extraction; selectors simply
	// will not match. Only the title shortcut is HTML-gated.
	if isHTMLContentType(resp.Header.Get("Content-Type")) {
		result.Title = extractTitle(result.HTML)
	}
	return result, nil
}

// transportFor builds a per-attempt transport honoring the identity's
// proxy. Per-attempt because identities rotate: a pooled transport
// would reuse connections dialed under the previous proxy.
func (e *HTTPEngine) transportFor(proxy string) (*http.Transport, error) {
	transport := &http.Transport{
		DialTLSContext:    dialTLSChrome,
		ForceAttemptHTTP2: false,
	}
	if proxy == "" {
		return transport, nil
	}
	proxyURL, err := url.Parse(proxy)
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeNetwork, fmt.Sprintf("invalid proxy %q", proxy), err)
	}
	switch proxyURL.Scheme {
	case "http", "https":
		// An http(s) proxy tunnels TLS via CONNECT, which bypasses
		// DialTLSContext; proxied https traffic loses the Chrome
		// fingerprint but keeps the identity headers and pacing.
		transport.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		var auth *xproxy.Auth
		if u := proxyURL.User; u != nil {
			pw, _ := u.Password()
			auth = &xproxy.Auth{User: u.Username(), Password: pw}
		}
		socks, err := xproxy.SOCKS5("tcp", proxyURL.Host, auth, &net.Dialer{})
		if err != nil {
			return nil, models.NewScrapeError(models.ErrCodeNetwork, fmt.Sprintf("socks5 proxy %s", proxyURL.Host), err)
		}
		cd := socks.(xproxy.ContextDialer)
		transport.DialContext = cd.DialContext
		transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			raw, err := cd.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return wrapTLSChrome(ctx, raw, addr)
		}
	default:
		return nil, models.NewScrapeError(models.ErrCodeNetwork, fmt.Sprintf("unsupported proxy scheme %q", proxyURL.Scheme), nil)
	}
	return transport, nil
}

// dialTLSChrome dials TCP and handshakes with the Chrome fingerprint.
func dialTLSChrome(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return wrapTLSChrome(ctx, raw, addr)
}

// wrapTLSChrome upgrades an established conn to TLS using chromeH1Spec.
func wrapTLSChrome(ctx context.Context, raw net.Conn, addr string) (net.Conn, error) {
	host, _, _ := net.SplitHostPort(addr)
	tlsConn := tls.UClient(raw, &tls.Config{ServerName: host}, tls.HelloCustom)
	if err := tlsConn.ApplyPreset(&chromeH1Spec); err != nil {
		raw.Close()
		return nil, fmt.Errorf("apply tls spec: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}
	return tlsConn, nil
}

// applyIdentity sets the attempt's request headers: the identity's
// defaults first, then its per-identity extras on top.
func applyIdentity(req *http.Request, id models.Identity) {
	if id.UserAgent != "" {
		req.Header.Set("User-Agent", id.UserAgent)
	}
	for k, v := range id.Headers {
		req.Header.Set(k, v)
	}
}

// categorizeTransport maps a transport-level failure onto the typed
// taxonomy: deadline expiry and cancellation become TIMEOUT, everything
// else (DNS, refused, reset, TLS) becomes NETWORK.
func categorizeTransport(err error, url string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return models.NewScrapeError(models.ErrCodeTimeout, fmt.Sprintf("fetch %s", url), err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.NewScrapeError(models.ErrCodeTimeout, fmt.Sprintf("fetch %s", url), err)
	}
	return models.NewScrapeError(models.ErrCodeNetwork, fmt.Sprintf("fetch %s", url), err)
}

// isHTMLContentType returns true if the content-type header looks like HTML.
func isHTMLContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml+xml")
}

// extractTitle uses the Go HTML tokenizer to find the first <title> element.
func extractTitle(htmlStr string) string {
	tokenizer := html.NewTokenizer(strings.NewReader(htmlStr))
	inTitle := false
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return ""
		case html.StartTagToken:
			tn, _ := tokenizer.TagName()
			if string(tn) == "title" {
				inTitle = true
			}
		case html.TextToken:
			if inTitle {
				return strings.TrimSpace(string(tokenizer.Text()))
			}
		case html.EndTagToken:
			if inTitle {
				return ""
			}
		}
	}
}

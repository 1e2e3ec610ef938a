package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"github.com/ysmood/gson"

	"github.com/foragehq/forage/config"
	"github.com/foragehq/forage/engine"
	"github.com/foragehq/forage/models"
)

// Controller owns the headless browser and the session pool and runs
// the dynamic retrieval path. It is safe for concurrent use.
type Controller struct {
	browser    *rod.Browser
	pool       *Pool
	browserCfg config.BrowserConfig
	renderCfg  config.RenderConfig
}

// NewController launches a headless browser and prepares the session pool.
func NewController(browserCfg config.BrowserConfig, renderCfg config.RenderConfig) (*Controller, error) {
	l := launcher.New().
		Headless(browserCfg.Headless).
		NoSandbox(browserCfg.NoSandbox)

	if browserCfg.BrowserBin != "" {
		l = l.Bin(browserCfg.BrowserBin)
	}
	if browserCfg.Proxy != "" {
		l = l.Proxy(browserCfg.Proxy)
	}

	// ── Stealth flags ────────────────────────────────────────────────
	l.Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	l.Delete(flags.Flag("enable-automation"))
	l.Set(flags.Flag("disable-features"), "AudioServiceOutOfProcess,TranslateUI")
	l.Set(flags.Flag("disable-ipc-flooding-protection"))
	l.Set(flags.Flag("disable-popup-blocking"))
	l.Set(flags.Flag("disable-prompt-on-repost"))
	l.Set(flags.Flag("disable-renderer-backgrounding"))
	l.Set(flags.Flag("disable-background-timer-throttling"))
	l.Set(flags.Flag("disable-backgrounding-occluded-windows"))
	l.Set(flags.Flag("disable-component-update"))
	l.Set(flags.Flag("disable-default-apps"))
	l.Set(flags.Flag("disable-dev-shm-usage"))
	l.Set(flags.Flag("disable-extensions"))
	l.Set(flags.Flag("no-first-run"))

	controlURL, err := l.Launch()
	if err != nil {
		return nil, models.NewScrapeError(models.ErrCodeCrashed, "failed to launch browser", err)
	}
	slog.Info("browser launched", "controlURL", controlURL)

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, models.NewScrapeError(models.ErrCodeCrashed, "failed to connect to browser", err)
	}

	c := &Controller{
		browser:    browser,
		browserCfg: browserCfg,
		renderCfg:  renderCfg,
	}
	c.pool = NewPool(
		renderCfg.PoolSize,
		renderCfg.QueueDepth,
		renderCfg.SessionMaxUses,
		renderCfg.SessionMaxAge,
		c.newSession,
	)
	slog.Info("render pool ready", "sessions", renderCfg.PoolSize, "queueDepth", renderCfg.QueueDepth)
	return c, nil
}

// newSession creates one pooled page with stealth installed. The
// stealth script is injected once per page; EvalOnNewDocument persists
// across navigations for the page's whole lifetime.
func (c *Controller) newSession() (*Session, error) {
	page, err := c.browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	if _, err := page.EvalOnNewDocument(stealth.JS); err != nil {
		slog.Warn("stealth injection failed, proceeding without stealth", "error", err)
	}
	return newSession(0, page), nil
}

func (c *Controller) Name() string { return "render" }

// Fetch satisfies engine.Engine so the controller registers as the
// dynamic retrieval path. It delegates to Render.
func (c *Controller) Fetch(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
	return c.Render(ctx, req)
}

// Render drives one dynamic retrieval through a pooled session.
//
// Lifecycle (numbered steps match the inline comments):
//
//  1. Deadline guard   – hard ceiling on navigate + settle
//  2. Acquire session  – blocks for a slot; POOL_EXHAUSTED past the ceiling
//  3. DEFER: cleanup   – about:blank + pool return on every exit path
//  4. Identity         – user agent and header overrides for this attempt
//  5. Hijack mount     – block images/CSS/fonts/media (before navigation!)
//  6. Context binding  – propagate the deadline to all page operations
//  7. Idle listener    – networkidle waiters must precede Navigate
//  8. Navigate         – state Navigating
//  9. Settle           – state Settling; the wait policy decides readiness
// 10. Actions          – scripted interactions against the settled page
// 11. Capture          – state Ready; HTML, title, final URL
//
// Steps 4-5 must precede step 8: header overrides and resource blocking
// only affect navigations issued after they are installed. Step 7 must
// precede step 8: an idle waiter registered after Navigate misses the
// in-flight requests and returns instantly. Step 3 resets with the
// ORIGINAL page reference (no request context), so cleanup succeeds
// even after the job's deadline has expired.
func (c *Controller) Render(ctx context.Context, req *engine.FetchRequest) (*engine.FetchResult, error) {
	// ── 1. Deadline guard ─────────────────────────────────────────────
	timeout := c.renderCfg.NavTimeout
	if req.Timeout > 0 && req.Timeout < timeout {
		timeout = req.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// ── 2. Acquire session ────────────────────────────────────────────
	sess, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	// ── 3. CRITICAL DEFER: the session is returned on every exit path ─
	var renderErr error
	defer func() {
		if poisoned(renderErr) {
			c.pool.Discard(sess)
			return
		}
		if resetErr := sess.Reset(); resetErr != nil {
			slog.Warn("cleanup: failed to park session on about:blank", "error", resetErr)
			c.pool.Discard(sess)
			return
		}
		c.pool.Release(sess, renderErr == nil)
	}()

	page := sess.Page()

	// ── 4. Identity overrides ─────────────────────────────────────────
	applyRenderIdentity(page, req)

	// ── 5. Mount hijack router (blocks Image/Stylesheet/Font/Media) ──
	// Skipped for networkidle waits: WaitRequestIdle and HijackRequests
	// both drive the Fetch domain and conflict on Chromium 145+.
	wantIdle := req.WaitFor != nil && req.WaitFor.Mode == models.WaitNetworkIdle
	if !wantIdle {
		router := setupHijack(page, c.browserCfg.BlockedResourceTypes, c.browserCfg.BlockTrackers)
		if router != nil {
			defer func() { _ = router.Stop() }()
		}
	}

	// ── 6. Bind request context to the page ───────────────────────────
	p := page.Context(ctx)

	// ── 7. Register the idle waiter BEFORE navigation ─────────────────
	var waitIdle func()
	if wantIdle {
		waitIdle = p.WaitRequestIdle(c.renderCfg.SettleDuration, nil, nil, nil)
	}

	// ── 8. Navigate ───────────────────────────────────────────────────
	sess.setState(StateNavigating)
	if navErr := p.Navigate(req.URL); navErr != nil {
		renderErr = categorizeRender(navErr, "navigation to target URL failed")
		return nil, renderErr
	}

	// ── 9. Settle ─────────────────────────────────────────────────────
	sess.setState(StateSettling)
	if settleErr := c.settle(p, waitIdle, req.WaitFor); settleErr != nil {
		renderErr = settleErr
		return nil, renderErr
	}

	// ── 9b. Collect status code via JS (best-effort) ──────────────────
	// performance.getEntriesByType("navigation") carries the HTTP status
	// without needing CDP network listeners.
	statusCode := 0
	if res, evalErr := p.Eval(`() => {
		try {
			const entries = performance.getEntriesByType("navigation");
			if (entries.length > 0) return entries[0].responseStatus || 0;
		} catch(e) {}
		return 0;
	}`); evalErr == nil {
		statusCode = res.Value.Int()
	}

	// ── 10. Actions ───────────────────────────────────────────────────
	if len(req.Actions) > 0 {
		if actErr := executeActions(ctx, page, req.Actions); actErr != nil {
			renderErr = actErr
			return nil, renderErr
		}
	}

	// ── 11. Capture ───────────────────────────────────────────────────
	sess.setState(StateReady)
	rawHTML, htmlErr := p.HTML()
	if htmlErr != nil {
		renderErr = categorizeRender(htmlErr, "failed to capture page HTML")
		return nil, renderErr
	}

	title := evalStringOrEmpty(p, `() => document.title`)
	finalURL := evalStringOrEmpty(p, `() => window.location.href`)
	if finalURL == "" {
		finalURL = req.URL
	}

	return &engine.FetchResult{
		HTML:       rawHTML,
		Title:      title,
		StatusCode: statusCode,
		FinalURL:   finalURL,
		EngineName: c.Name(),
	}, nil
}

// settle waits until the page satisfies the job's readiness policy.
// The default waits for DOM mutation to quiet down.
func (c *Controller) settle(p *rod.Page, waitIdle func(), policy *models.WaitPolicy) error {
	mode := models.WaitDOMStable
	if policy != nil && policy.Mode != "" {
		mode = policy.Mode
	}
	switch mode {
	case models.WaitNetworkIdle:
		if waitIdle != nil {
			waitIdle()
		}
		return nil
	case models.WaitSelector:
		if policy.Selector == "" {
			return models.NewScrapeError(models.ErrCodeScriptError, "selector wait requires a selector", nil)
		}
		if err := p.WaitElementsMoreThan(policy.Selector, 0); err != nil {
			return categorizeRender(err, fmt.Sprintf("selector %q never appeared", policy.Selector))
		}
		return nil
	case models.WaitSleep:
		select {
		case <-time.After(time.Duration(policy.SleepMs) * time.Millisecond):
			return nil
		case <-p.GetContext().Done():
			return categorizeRender(p.GetContext().Err(), "sleep wait interrupted")
		}
	default:
		if err := p.WaitDOMStable(c.renderCfg.SettleDuration, 0.1); err != nil {
			if ctxErr := p.GetContext().Err(); ctxErr != nil {
				return categorizeRender(ctxErr, "page never settled")
			}
			// Pages that mutate forever still get captured with whatever
			// DOM is present once the stability wait gives up.
			slog.Debug("WaitDOMStable did not converge, proceeding with current DOM", "error", err)
		}
		return nil
	}
}

// Stats returns a snapshot of the session pool's current state.
func (c *Controller) Stats() models.PoolStats {
	return c.pool.Stats()
}

// Close drains the session pool and kills the browser process.
// Call this on graceful shutdown to prevent zombie Chrome processes.
func (c *Controller) Close() {
	slog.Info("render controller shutting down: draining session pool")
	c.pool.Close()
	slog.Info("render controller shutting down: closing browser")
	c.browser.MustClose()
	slog.Info("render controller shutdown complete")
}

// applyRenderIdentity installs the attempt's user agent and headers on
// the page. Sessions share one browser process, so the identity's proxy
// cannot be honored here; the browser-level proxy comes from config.
func applyRenderIdentity(page *rod.Page, req *engine.FetchRequest) {
	if ua := req.Identity.UserAgent; ua != "" {
		_ = (proto.NetworkSetUserAgentOverride{UserAgent: ua}).Call(page)
	}
	extra := make(map[string]string, len(req.Identity.Headers)+1)
	if _, hasReferer := req.Identity.Headers["Referer"]; !hasReferer {
		if u, parseErr := url.Parse(req.URL); parseErr == nil {
			extra["Referer"] = "https://www.google.com/search?q=" + url.QueryEscape(u.Hostname())
		}
	}
	for k, v := range req.Identity.Headers {
		extra[k] = v
	}
	if len(extra) > 0 {
		_ = proto.NetworkSetExtraHTTPHeaders{
			Headers: toHeadersMap(extra),
		}.Call(page)
	}
}

// toHeadersMap converts a plain string map to the proto.NetworkHeaders type
// (map[string]gson.JSON) required by NetworkSetExtraHTTPHeaders.
func toHeadersMap(headers map[string]string) proto.NetworkHeaders {
	m := make(proto.NetworkHeaders, len(headers))
	for k, v := range headers {
		m[k] = gson.New(v)
	}
	return m
}

// evalStringOrEmpty evaluates a JS expression and returns the string result,
// swallowing any errors (useful for optional metadata extraction).
func evalStringOrEmpty(page *rod.Page, js string) string {
	res, err := page.Eval(js)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

// categorizeRender wraps raw browser errors into the typed taxonomy so
// the retry engine can classify them.
func categorizeRender(err error, msg string) *models.ScrapeError {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return models.NewScrapeError(models.ErrCodeNavTimeout, msg, err)
	case errors.Is(err, context.Canceled):
		return models.NewScrapeError(models.ErrCodeNavTimeout, "render canceled", err)
	case isCrash(err):
		return models.NewScrapeError(models.ErrCodeCrashed, msg, err)
	default:
		return models.NewScrapeError(models.ErrCodeNavTimeout, msg, err)
	}
}

// isCrash reports whether err indicates the target or browser died
// rather than a slow or failed navigation.
func isCrash(err error) bool {
	s := err.Error()
	return strings.Contains(s, "crash") ||
		strings.Contains(s, "target closed") ||
		strings.Contains(s, "session closed") ||
		strings.Contains(s, "connection closed") ||
		strings.Contains(s, "websocket")
}

// poisoned reports whether the failure leaves the session's page in an
// untrusted state. A timed-out page may still be mid-navigation;
// reusing it risks serving the previous job's DOM to the next one.
func poisoned(err error) bool {
	if err == nil {
		return false
	}
	switch models.CodeOf(err) {
	case models.ErrCodeNavTimeout, models.ErrCodeCrashed, models.ErrCodeTimeout:
		return true
	}
	return false
}

// Package status implements the HTTP health-check engine and its
// session-scoped cache.
package status

import (
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/refscout/refscout/internal/metrics"
	"github.com/refscout/refscout/internal/refs"
)

// maxAttempts is the hard cap across the whole escalation ladder.
const maxAttempts = 4

// CheckerConfig controls Checker behavior.
type CheckerConfig struct {
	// Timeout bounds each individual request (default 10s).
	Timeout time.Duration
	// RateLimitBackoff is slept before the single retry after a 429
	// (default 2s).
	RateLimitBackoff time.Duration
	UserAgent        string
	// PerHostRPS throttles requests per remote host; zero disables it.
	PerHostRPS   float64
	PerHostBurst int
}

// Checker issues HEAD/GET requests against a canonical URL. Real-world
// servers inconsistently honor HEAD, so the ladder escalates to GET before
// classifying a link as broken, under the four-attempt cap.
type Checker struct {
	client  *http.Client
	cfg     CheckerConfig
	clock   refs.Clock
	limiter *HostLimiter
	sleep   func(time.Duration)
	logger  *zap.Logger
}

// NewChecker constructs a Checker. Redirects are disabled on the underlying
// client: the caller wants the first status, not the final destination.
func NewChecker(cfg CheckerConfig, clock refs.Clock, logger *zap.Logger) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RateLimitBackoff <= 0 {
		cfg.RateLimitBackoff = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Checker{
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:     cfg,
		clock:   clock,
		limiter: NewHostLimiter(cfg.PerHostRPS, cfg.PerHostBurst),
		sleep:   time.Sleep,
		logger:  logger,
	}
}

// Check runs the escalation ladder:
//
//  1. HEAD.
//  2. On 429, back off briefly and retry HEAD once.
//  3. If the status is absent, 5xx, 206, or otherwise outside 200–399,
//     retry with GET.
//  4. If still outside 200–399, one final GET.
//
// Network failure after all retries yields status 0 ("no response"); broken
// links are an expected steady-state result, not an error.
func (c *Checker) Check(ctx context.Context, absoluteURL string) refs.CheckResult {
	attempts := 0
	code, redirect := c.attempt(ctx, http.MethodHead, absoluteURL, &attempts)

	if code == http.StatusTooManyRequests && attempts < maxAttempts {
		c.sleep(c.cfg.RateLimitBackoff)
		code, redirect = c.attempt(ctx, http.MethodHead, absoluteURL, &attempts)
	}

	if needsGetRetry(code) && attempts < maxAttempts {
		code, redirect = c.attempt(ctx, http.MethodGet, absoluteURL, &attempts)
	}

	if outsideOKRange(code) && attempts < maxAttempts {
		code, redirect = c.attempt(ctx, http.MethodGet, absoluteURL, &attempts)
	}

	return refs.CheckResult{
		StatusCode:     code,
		RedirectTarget: redirect,
		CheckedAt:      c.clock.Now(),
	}
}

// needsGetRetry covers origins that reject HEAD outright: no status at all,
// server errors, the ambiguous 206, and any other non-success answer.
func needsGetRetry(code int) bool {
	return code == refs.StatusNoResponse || code >= http.StatusInternalServerError ||
		code == http.StatusPartialContent || outsideOKRange(code)
}

func outsideOKRange(code int) bool {
	return code < http.StatusOK || code > 399
}

func (c *Checker) attempt(ctx context.Context, method, absoluteURL string, attempts *int) (int, string) {
	*attempts++
	if err := c.limiter.Wait(ctx, absoluteURL); err != nil {
		return refs.StatusNoResponse, ""
	}
	req, err := http.NewRequestWithContext(ctx, method, absoluteURL, nil)
	if err != nil {
		return refs.StatusNoResponse, ""
	}
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("status attempt failed",
			zap.String("url", absoluteURL),
			zap.String("method", method),
			zap.Error(err),
		)
		metrics.ObserveStatusCheck(method, refs.StatusNoResponse)
		return refs.StatusNoResponse, ""
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		_ = resp.Body.Close()
	}()

	metrics.ObserveStatusCheck(method, resp.StatusCode)

	redirect := ""
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		if loc, lerr := resp.Location(); lerr == nil {
			redirect = loc.String()
		}
	}
	return resp.StatusCode, redirect
}

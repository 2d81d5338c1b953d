package fetcher

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/jurishealth/internal/resilience"
)

// maxBodyBytes bounds a single listing page or API response.
const maxBodyBytes = 16 << 20

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	Name        string // source name used in logs
	UserAgent   string
	Timeout     time.Duration
	MinInterval time.Duration // minimum gap between requests to this source
	Retry       resilience.Policy
	Client      *http.Client
}

// AdaptiveLimiter wraps a rate.Limiter that enforces a floor interval between
// requests. On 429 it halves the rate (down to initial/8); successes recover
// it by 20% per request, never faster than the configured interval.
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	initialRate rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates a limiter allowing one request per interval.
func NewAdaptiveLimiter(interval time.Duration) *AdaptiveLimiter {
	r := rate.Inf
	if interval > 0 {
		r = rate.Every(interval)
	}
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(r, 1),
		initialRate: r,
		minRate:     r / 8,
		currentRate: r,
	}
}

// Wait blocks until the limiter allows an event.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%, capped at the initial rate.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate == rate.Inf || a.currentRate >= a.initialRate {
		return
	}
	newRate := a.currentRate * 1.2
	if newRate > a.initialRate {
		newRate = a.initialRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
}

// OnRateLimit halves the rate after a 429 response.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.currentRate == rate.Inf {
		return
	}
	newRate := a.currentRate * 0.5
	if newRate < a.minRate {
		newRate = a.minRate
	}
	a.currentRate = newRate
	a.limiter.SetLimit(newRate)
	zap.L().Warn("adaptive rate limit: reducing rate after 429",
		zap.Float64("new_rate", float64(newRate)),
	)
}

// Limit returns the current rate limit.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// HTTPFetcher implements Fetcher using net/http with retry and rate limiting.
type HTTPFetcher struct {
	client  *http.Client
	opts    HTTPOptions
	limiter *AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "jurishealth/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPFetcher{
		client:  client,
		opts:    opts,
		limiter: NewAdaptiveLimiter(opts.MinInterval),
	}
}

// Limiter exposes the source's rate limiter.
func (f *HTTPFetcher) Limiter() *AdaptiveLimiter {
	return f.limiter
}

// Fetch sends the request built by newReq. 429, 408, 5xx and network errors
// are retried under the configured policy; 401/403 fail with ErrAuthRejected;
// other non-2xx statuses fail with *StatusError.
func (f *HTTPFetcher) Fetch(ctx context.Context, newReq RequestFunc) (*Response, error) {
	policy := f.opts.Retry
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger(f.opts.Name, "fetch")
	}

	resp, out, err := resilience.Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return f.attempt(ctx, newReq)
	})
	if err != nil {
		if out.Exhausted {
			return nil, &ExhaustedError{Attempts: out.Attempts, Err: err}
		}
		return nil, err
	}
	resp.Attempts = out.Attempts
	return resp, nil
}

func (f *HTTPFetcher) attempt(ctx context.Context, newReq RequestFunc) (*Response, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	req, err := newReq(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "%s %s", req.Method, req.URL.Redacted())
	}
	defer resp.Body.Close() //nolint:errcheck

	rawURL := req.URL.Redacted()

	switch resilience.ClassifyStatus(resp.StatusCode) {
	case resilience.StatusTransient:
		if resp.StatusCode == http.StatusTooManyRequests {
			f.limiter.OnRateLimit()
		}
		te := resilience.NewTransientError(eris.Errorf("http %d from %s", resp.StatusCode, rawURL), resp.StatusCode)
		te.RetryAfter = resilience.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return nil, te
	case resilience.StatusAuth:
		return nil, eris.Wrapf(ErrAuthRejected, "http %d from %s", resp.StatusCode, rawURL)
	case resilience.StatusPermanent:
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: rawURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		// a connection cut mid-body is worth another attempt
		return nil, resilience.NewTransientError(eris.Wrap(err, "read body"), 0)
	}

	f.limiter.OnSuccess()

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
		URL:        rawURL,
	}, nil
}

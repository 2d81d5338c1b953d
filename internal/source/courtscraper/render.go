package courtscraper

import (
	"context"
	"errors"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/fetcher"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/resilience"
)

// ChromeOptions configures the headless browser renderer.
type ChromeOptions struct {
	UserAgent   string
	Timeout     time.Duration
	MinInterval time.Duration
	Retry       resilience.Policy
	// WaitSelector must be present before the page is captured.
	WaitSelector string
}

// ChromeRenderer loads listing pages in headless Chrome, for portals that
// build the results table client-side.
type ChromeRenderer struct {
	opts    ChromeOptions
	limiter *fetcher.AdaptiveLimiter
}

// NewChromeRenderer creates a renderer. Chrome is started per page.
func NewChromeRenderer(opts ChromeOptions) *ChromeRenderer {
	if opts.Timeout == 0 {
		opts.Timeout = 45 * time.Second
	}
	if opts.WaitSelector == "" {
		opts.WaitSelector = "body"
	}
	return &ChromeRenderer{
		opts:    opts,
		limiter: fetcher.NewAdaptiveLimiter(opts.MinInterval),
	}
}

// Render implements Renderer. Navigation failures and timeouts are retried;
// the returned error is a *fetcher.ExhaustedError once the budget is spent.
func (r *ChromeRenderer) Render(ctx context.Context, pageURL string) ([]byte, int, error) {
	policy := r.opts.Retry
	policy.ShouldRetry = func(err error) bool {
		return !errors.Is(err, context.Canceled)
	}
	if policy.OnRetry == nil {
		policy.OnRetry = resilience.RetryLogger(string(model.OriginCourtScraper), "render")
	}

	body, out, err := resilience.Retry(ctx, policy, func(ctx context.Context) ([]byte, error) {
		return r.attempt(ctx, pageURL)
	})
	if err != nil {
		if out.Exhausted {
			return nil, out.Attempts, &fetcher.ExhaustedError{Attempts: out.Attempts, Err: err}
		}
		return nil, out.Attempts, err
	}
	return body, out.Attempts, nil
}

func (r *ChromeRenderer) attempt(ctx context.Context, pageURL string) ([]byte, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "rate limiter wait")
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
	)
	if r.opts.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(r.opts.UserAgent))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()

	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, v ...any) {
		zap.L().Sugar().Debugf("chromedp: "+format, v...)
	}))
	defer cancelTab()

	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, r.opts.Timeout)
	defer cancelTimeout()

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(pageURL),
		chromedp.WaitReady(r.opts.WaitSelector, chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, eris.Wrapf(err, "render %s", pageURL)
	}

	r.limiter.OnSuccess()
	return []byte(html), nil
}

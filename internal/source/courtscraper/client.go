// Package courtscraper pages through a court's public case listing and
// turns HTML result rows into raw case records.
package courtscraper

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/config"
	"github.com/sells-group/jurishealth/internal/fetcher"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/resilience"
	"github.com/sells-group/jurishealth/internal/source"
)

const dateLayout = "02/01/2006"

// Renderer returns the HTML of a listing page.
type Renderer interface {
	Render(ctx context.Context, pageURL string) ([]byte, int, error)
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	ListingPath string
	DaysBack    int
	Keywords    []string // when set, rows must mention at least one
	Renderer    Renderer
	Now         func() time.Time
}

// Client implements source.Client for the court listing portal.
type Client struct {
	opts Options
}

// New creates a court scraper client.
func New(opts Options) *Client {
	if opts.DaysBack <= 0 {
		opts.DaysBack = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{opts: opts}
}

// FromConfig builds a client with the renderer selected by cfg.Render.
func FromConfig(cfg config.CourtScraperConfig, retry resilience.Policy) *Client {
	f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		Name:        string(model.OriginCourtScraper),
		UserAgent:   cfg.UserAgent,
		Timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
		MinInterval: time.Duration(cfg.MinIntervalMs) * time.Millisecond,
		Retry:       retry,
	})

	var r Renderer = NewHTTPRenderer(f)
	if cfg.Render == "chrome" {
		r = NewChromeRenderer(ChromeOptions{
			UserAgent:   cfg.UserAgent,
			Timeout:     time.Duration(cfg.TimeoutSecs) * time.Second,
			MinInterval: time.Duration(cfg.MinIntervalMs) * time.Millisecond,
			Retry:       retry,
		})
	}

	return New(Options{
		BaseURL:     cfg.BaseURL,
		ListingPath: cfg.ListingPath,
		DaysBack:    cfg.DaysBack,
		Keywords:    cfg.Keywords,
		Renderer:    r,
	})
}

// Origin implements source.Client.
func (c *Client) Origin() model.Origin {
	return model.OriginCourtScraper
}

// FetchPage implements source.Client. The cursor is the listing query
// (page number plus date window) so a resumed run keeps its original window.
func (c *Client) FetchPage(ctx context.Context, cursor string) (source.Page, error) {
	q, err := c.query(cursor)
	if err != nil {
		return source.Page{}, err
	}

	pageURL := strings.TrimRight(c.opts.BaseURL, "/") + c.opts.ListingPath + "?" + q.Encode()

	body, attempts, err := c.opts.Renderer.Render(ctx, pageURL)
	if err != nil {
		return source.Page{}, source.Classify(model.OriginCourtScraper, err)
	}

	listing, err := ParseListing(body)
	if err != nil {
		return source.Page{}, eris.Wrapf(err, "court_scraper: page %s", q.Get("pagina"))
	}

	page := source.Page{Attempts: attempts}
	for _, row := range listing.Rows {
		if row.Err != "" {
			page.Rejected = append(page.Rejected, source.RecordRejected{
				Origin: model.OriginCourtScraper,
				Ref:    pageURL + "#" + strconv.Itoa(row.Index),
				Reason: row.Err,
			})
			continue
		}
		if !c.matchesKeywords(row.Record.Subject) {
			zap.L().Debug("court_scraper: row filtered by keywords",
				zap.String("case_number", row.Record.RawCaseNumber),
			)
			continue
		}
		rec := row.Record
		rec.Origin = model.OriginCourtScraper
		if rec.SourceRef == "" {
			rec.SourceRef = pageURL
		}
		page.Records = append(page.Records, rec)
	}

	current, _ := strconv.Atoi(q.Get("pagina"))
	switch {
	case listing.NextPage > current:
		next := cloneValues(q)
		next.Set("pagina", strconv.Itoa(listing.NextPage))
		page.Next = next.Encode()
	case listing.NextPage > 0:
		// stale or self-referencing pagination
		zap.L().Warn("court_scraper: next link does not advance, ending scan",
			zap.Int("page", current),
			zap.Int("next_page", listing.NextPage),
		)
	}
	return page, nil
}

// query decodes a cursor or builds the first-page query for a new scan.
func (c *Client) query(cursor string) (url.Values, error) {
	if cursor != "" {
		q, err := url.ParseQuery(cursor)
		if err != nil {
			return nil, eris.Wrap(err, "court_scraper: parse cursor")
		}
		if q.Get("pagina") == "" {
			return nil, eris.Errorf("court_scraper: cursor %q has no page", cursor)
		}
		return q, nil
	}

	now := c.opts.Now()
	q := url.Values{}
	q.Set("pagina", "1")
	q.Set("dataInicial", now.AddDate(0, 0, -c.opts.DaysBack).Format(dateLayout))
	q.Set("dataFinal", now.Format(dateLayout))
	return q, nil
}

func (c *Client) matchesKeywords(subject string) bool {
	if len(c.opts.Keywords) == 0 {
		return true
	}
	s := strings.ToLower(subject)
	for _, kw := range c.opts.Keywords {
		if strings.Contains(s, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}

// HTTPRenderer fetches listing pages with plain HTTP.
type HTTPRenderer struct {
	f fetcher.Fetcher
}

// NewHTTPRenderer wraps a fetcher as a Renderer.
func NewHTTPRenderer(f fetcher.Fetcher) *HTTPRenderer {
	return &HTTPRenderer{f: f}
}

// Render implements Renderer.
func (r *HTTPRenderer) Render(ctx context.Context, pageURL string) ([]byte, int, error) {
	resp, err := r.f.Fetch(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
		return req, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.Attempts, nil
}

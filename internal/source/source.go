// Package source defines the uniform paging contract implemented by every
// external case source.
package source

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jurishealth/internal/fetcher"
	"github.com/sells-group/jurishealth/internal/model"
)

var (
	// ErrSourceUnavailable means the source could not be reached after the
	// retry budget was spent. It stops the source's branch, not the run.
	ErrSourceUnavailable = eris.New("source unavailable")

	// ErrAuthRejected means the source refused our credentials. Not retried.
	ErrAuthRejected = eris.New("source rejected credentials")

	// ErrLayoutChanged means a page could not be parsed at all.
	ErrLayoutChanged = eris.New("source page layout not recognized")
)

// RecordRejected describes one record that failed to parse and was skipped.
type RecordRejected struct {
	Origin model.Origin `json:"origin"`
	Ref    string       `json:"ref,omitempty"`
	Reason string       `json:"reason"`
}

func (r RecordRejected) Error() string {
	return "record rejected (" + string(r.Origin) + " " + r.Ref + "): " + r.Reason
}

// Page is one page of raw records plus the cursor of the following page.
type Page struct {
	Records  []model.RawRecord
	Rejected []RecordRejected
	Next     string // empty when the source is exhausted
	Attempts int    // HTTP attempts spent fetching this page
}

// Client fetches raw case records from one external source.
type Client interface {
	Origin() model.Origin
	// FetchPage returns the page at cursor. An empty cursor starts a new scan.
	FetchPage(ctx context.Context, cursor string) (Page, error)
}

// Classify maps fetcher failures onto the source error taxonomy. Context
// errors pass through untouched so cancellation is not mistaken for an outage.
func Classify(origin model.Origin, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if errors.Is(err, fetcher.ErrAuthRejected) {
		return eris.Wrapf(ErrAuthRejected, "%s: %v", origin, err)
	}
	if errors.Is(err, ErrLayoutChanged) {
		return err
	}
	wrapped := eris.Wrapf(ErrSourceUnavailable, "%s: %v", origin, err)
	var ex *fetcher.ExhaustedError
	if errors.As(err, &ex) {
		return &FetchError{Attempts: ex.Attempts, Err: wrapped}
	}
	return wrapped
}

// FetchError carries the number of attempts spent on a failed page.
type FetchError struct {
	Attempts int
	Err      error
}

func (e *FetchError) Error() string { return e.Err.Error() }
func (e *FetchError) Unwrap() error { return e.Err }

// Attempts returns the attempts recorded on err, or 0.
func Attempts(err error) int {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Attempts
	}
	return 0
}

// Pager walks a Client page by page. It is restartable: Cursor returns the
// position to resume from, and a failed Next leaves the position unchanged.
type Pager struct {
	client Client
	cursor string
	done   bool
	pages  int
}

// NewPager starts paging client at cursor ("" for the beginning).
func NewPager(client Client, cursor string) *Pager {
	return &Pager{client: client, cursor: cursor}
}

// Next fetches the next page. ok is false once the source is exhausted.
func (p *Pager) Next(ctx context.Context) (page Page, ok bool, err error) {
	if p.done {
		return Page{}, false, nil
	}
	if err := ctx.Err(); err != nil {
		return Page{}, false, err
	}

	page, err = p.client.FetchPage(ctx, p.cursor)
	if err != nil {
		return Page{}, false, err
	}

	p.pages++
	p.cursor = page.Next
	if page.Next == "" {
		p.done = true
	}
	return page, true, nil
}

// Cursor returns the cursor of the next page to fetch.
func (p *Pager) Cursor() string {
	return p.cursor
}

// Done reports whether the source has been fully read.
func (p *Pager) Done() bool {
	return p.done
}

// Pages returns how many pages were fetched.
func (p *Pager) Pages() int {
	return p.pages
}

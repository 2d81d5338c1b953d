// Package ingest runs the scheduled pipeline: fetch every source, normalize,
// deduplicate and persist, then summarize the run.
package ingest

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/jurishealth/internal/dedup"
	"github.com/sells-group/jurishealth/internal/events"
	"github.com/sells-group/jurishealth/internal/metrics"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/normalize"
	"github.com/sells-group/jurishealth/internal/source"
	"github.com/sells-group/jurishealth/internal/store"
)

// RunNotifier is told about every closed run. Implementations decide
// whether it is worth an alert.
type RunNotifier interface {
	NotifyRun(ctx context.Context, run *model.IngestionRun)
}

// Options configures an Orchestrator.
type Options struct {
	// Resume starts each source from its saved cursor.
	Resume bool
	// MaxPages caps the pages fetched per source per run; 0 is unlimited.
	MaxPages int
	Locker   Locker
	Events   events.Publisher
	Metrics  *metrics.Metrics
	Notifier RunNotifier
	Now      func() time.Time
}

// Orchestrator executes ingestion runs.
type Orchestrator struct {
	store      store.Store
	sources    []source.Client
	normalizer *normalize.Normalizer
	dedup      *dedup.Deduplicator
	opts       Options
}

// New creates an Orchestrator over the given sources.
func New(st store.Store, sources []source.Client, n *normalize.Normalizer, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Locker == nil {
		opts.Locker = &LocalLocker{}
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Orchestrator{
		store:      st,
		sources:    sources,
		normalizer: n,
		dedup:      dedup.New(st, dedup.WithClock(opts.Now)),
		opts:       opts,
	}
}

// pageMsg carries one fetched page from a source branch to the writer.
type pageMsg struct {
	origin model.Origin
	page   source.Page
}

// branch is written only by its fetch goroutine.
type branch struct {
	pages    int
	attempts int
	err      error
}

// tally is written only by the writer goroutine.
type tally struct {
	counts model.SourceCounts
	cursor string
	err    error
}

// Run executes one ingestion run. A run that could not take the lock is
// returned with outcome skipped together with ErrRunLocked; it is not
// persisted. Source failures never fail Run: they are reported on the
// returned run.
func (o *Orchestrator) Run(ctx context.Context, trigger model.Trigger) (*model.IngestionRun, error) {
	run := &model.IngestionRun{
		ID:        uuid.NewString(),
		Trigger:   trigger,
		Outcome:   model.OutcomeRunning,
		StartedAt: o.opts.Now(),
		Sources:   make(map[model.Origin]model.SourceResult, len(o.sources)),
	}
	log := zap.L().With(zap.String("run_id", run.ID), zap.String("trigger", string(trigger)))

	release, err := o.opts.Locker.Acquire(ctx)
	if errors.Is(err, ErrRunLocked) {
		finished := o.opts.Now()
		run.Outcome = model.OutcomeSkipped
		run.FinishedAt = &finished
		log.Info("ingest: another run holds the lock, skipping")
		return run, err
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: acquire run lock")
	}
	defer release()

	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "ingest: create run")
	}
	log.Info("ingest: run started", zap.Int("sources", len(o.sources)))

	tallies := make(map[model.Origin]*tally, len(o.sources))
	starts := make([]string, len(o.sources))
	for i, c := range o.sources {
		t := &tally{}
		tallies[c.Origin()] = t
		if !o.opts.Resume {
			continue
		}
		cursor, err := o.store.LoadCursor(ctx, c.Origin())
		if err != nil {
			t.err = eris.Wrapf(err, "ingest: load cursor for %s", c.Origin())
			continue
		}
		starts[i], t.cursor = cursor, cursor
	}

	pages := make(chan pageMsg)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		o.write(ctx, pages, tallies)
	}()

	branches := make([]branch, len(o.sources))
	var g errgroup.Group
	for i, c := range o.sources {
		if tallies[c.Origin()].err != nil {
			continue
		}
		g.Go(func() error {
			branches[i] = o.fetch(ctx, c, starts[i], pages)
			return nil
		})
	}
	_ = g.Wait()
	close(pages)
	<-writerDone

	for i, c := range o.sources {
		run.Sources[c.Origin()] = result(branches[i], tallies[c.Origin()])
	}
	run.Outcome = model.AggregateOutcome(run.Sources)
	if ctx.Err() != nil {
		run.Outcome = model.OutcomeCancelled
	}
	run.Error = summarizeErrors(run.Sources)
	finished := o.opts.Now()
	run.FinishedAt = &finished

	// the run row is closed even when the run ctx was cancelled
	closeCtx := context.WithoutCancel(ctx)
	if err := o.store.CloseRun(closeCtx, run); err != nil {
		log.Error("ingest: close run", zap.Error(err))
		return run, eris.Wrap(err, "ingest: close run")
	}

	totals := run.Totals()
	log.Info("ingest: run finished",
		zap.String("outcome", string(run.Outcome)),
		zap.Duration("duration", run.Duration()),
		zap.Int("new", totals.New),
		zap.Int("updated", totals.Updated),
		zap.Int("duplicate", totals.Duplicate),
		zap.Int("rejected", totals.Rejected),
		zap.Int("conflicts", totals.Conflicts),
	)

	o.opts.Metrics.ObserveRun(run)
	events.Emit(closeCtx, o.opts.Events, events.New(events.RunClosed, run.ID, run))
	if o.opts.Notifier != nil {
		o.opts.Notifier.NotifyRun(closeCtx, run)
	}
	return run, nil
}

// fetch pages one source until it is exhausted, fails, hits MaxPages or the
// ctx is cancelled. Pages are handed to the writer in order.
func (o *Orchestrator) fetch(ctx context.Context, c source.Client, cursor string, out chan<- pageMsg) branch {
	var b branch
	origin := c.Origin()
	p := source.NewPager(c, cursor)
	log := zap.L().With(zap.String("origin", string(origin)))

	for {
		if o.opts.MaxPages > 0 && p.Pages() >= o.opts.MaxPages {
			log.Info("ingest: page cap reached, resuming next run", zap.Int("pages", p.Pages()))
			break
		}
		page, ok, err := p.Next(ctx)
		if err != nil {
			b.attempts += max(source.Attempts(err), 1)
			b.err = err
			if ctx.Err() == nil {
				log.Error("ingest: source failed", zap.Int("pages", p.Pages()), zap.Error(err))
			}
			break
		}
		if !ok {
			break
		}
		b.attempts += max(page.Attempts, 1)

		select {
		case out <- pageMsg{origin: origin, page: page}:
		case <-ctx.Done():
			b.err = ctx.Err()
			b.pages = p.Pages()
			return b
		}
	}
	b.pages = p.Pages()
	return b
}

// write is the single consumer of fetched pages. Each case upsert commits on
// its own; the cursor advances only after a whole page is applied, so a
// resumed run replays at most one page.
func (o *Orchestrator) write(ctx context.Context, pages <-chan pageMsg, tallies map[model.Origin]*tally) {
	for msg := range pages {
		t := tallies[msg.origin]
		if t.err != nil {
			continue
		}
		t.counts.Fetched += len(msg.page.Records) + len(msg.page.Rejected)
		t.counts.Rejected += len(msg.page.Rejected)
		for _, rej := range msg.page.Rejected {
			zap.L().Debug("ingest: record rejected by source", zap.String("origin", string(rej.Origin)),
				zap.String("ref", rej.Ref), zap.String("reason", rej.Reason))
		}

		if !o.apply(ctx, msg, t) {
			continue
		}

		var err error
		if msg.page.Next == "" {
			err = o.store.ClearCursor(ctx, msg.origin)
		} else {
			err = o.store.SaveCursor(ctx, msg.origin, msg.page.Next)
		}
		if err != nil {
			if ctx.Err() == nil {
				t.err = eris.Wrapf(err, "ingest: save cursor for %s", msg.origin)
			}
			continue
		}
		t.cursor = msg.page.Next
	}
}

// apply normalizes and deduplicates every record of a page. It reports
// whether the page was applied completely.
func (o *Orchestrator) apply(ctx context.Context, msg pageMsg, t *tally) bool {
	for _, rec := range msg.page.Records {
		if ctx.Err() != nil {
			return false
		}
		cand, err := o.normalizer.Normalize(rec)
		if err != nil {
			t.counts.Rejected++
			zap.L().Debug("ingest: record rejected", zap.String("origin", string(msg.origin)),
				zap.String("ref", rec.SourceRef), zap.Error(err))
			continue
		}
		dec, err := o.dedup.Apply(ctx, cand)
		if err != nil {
			if ctx.Err() == nil {
				t.err = eris.Wrapf(err, "ingest: apply %s", cand.CanonicalNumber)
				zap.L().Error("ingest: store write failed", zap.String("origin", string(msg.origin)), zap.Error(err))
			}
			return false
		}
		dec.Count(&t.counts)
	}
	return true
}

func result(b branch, t *tally) model.SourceResult {
	res := model.SourceResult{
		Outcome:  model.OutcomeSuccess,
		Counts:   t.counts,
		Pages:    b.pages,
		Attempts: b.attempts,
		Cursor:   t.cursor,
	}
	err := b.err
	if t.err != nil {
		err = t.err
	}
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		res.Outcome = model.OutcomeCancelled
		res.Error = err.Error()
	case t.counts.Fetched > 0 || b.pages > 0:
		// pages were committed before the failure
		res.Outcome = model.OutcomePartial
		res.Error = err.Error()
	default:
		res.Outcome = model.OutcomeFailed
		res.Error = err.Error()
	}
	return res
}

func summarizeErrors(sources map[model.Origin]model.SourceResult) string {
	var parts []string
	for _, origin := range []model.Origin{model.OriginCourtScraper, model.OriginJudicialAPI} {
		if r, ok := sources[origin]; ok && r.Error != "" {
			parts = append(parts, string(origin)+": "+r.Error)
		}
	}
	return strings.Join(parts, "; ")
}

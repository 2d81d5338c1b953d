// Package bidding accepts and withdraws hospital bids on open cases.
package bidding

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/config"
	"github.com/sells-group/jurishealth/internal/events"
	"github.com/sells-group/jurishealth/internal/metrics"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/store"
)

var (
	ErrCaseNotFound       = eris.New("bidding: case not found")
	ErrCaseNotBiddable    = eris.New("bidding: case not biddable")
	ErrDuplicateActiveBid = eris.New("bidding: hospital already has an active bid")
	ErrAmountOutOfBounds  = eris.New("bidding: amount out of bounds")
	ErrBidNotFound        = eris.New("bidding: bid not found")
	ErrBidNotActive       = eris.New("bidding: bid not active")
	ErrHospitalRequired   = eris.New("bidding: hospital id required")
)

// Code returns the stable machine-readable code for a bidding error.
func Code(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrCaseNotFound):
		return "case_not_found"
	case errors.Is(err, ErrCaseNotBiddable):
		return "not_biddable"
	case errors.Is(err, ErrDuplicateActiveBid):
		return "duplicate_active_bid"
	case errors.Is(err, ErrAmountOutOfBounds):
		return "amount_out_of_bounds"
	case errors.Is(err, ErrBidNotFound):
		return "bid_not_found"
	case errors.Is(err, ErrBidNotActive):
		return "bid_not_active"
	case errors.Is(err, ErrHospitalRequired):
		return "hospital_required"
	default:
		return "internal"
	}
}

// DuplicatePolicy decides what happens when a hospital bids again while its
// previous bid on the case is still active.
type DuplicatePolicy string

const (
	// PolicyReplace withdraws the previous bid and accepts the new one.
	PolicyReplace DuplicatePolicy = "replace"
	// PolicyReject refuses the new bid.
	PolicyReject DuplicatePolicy = "reject"
)

// Bounds is an inclusive amount range in minor units.
type Bounds struct {
	Min int64
	Max int64
}

// Contains reports whether amount lies within b.
func (b Bounds) Contains(amount int64) bool {
	return amount >= b.Min && amount <= b.Max
}

// Options configures an Engine.
type Options struct {
	Window      time.Duration
	Default     Bounds
	Specialties map[model.Specialty]Bounds
	Policy      DuplicatePolicy
	Events      events.Publisher
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// OptionsFromConfig maps the bidding and ingest config sections.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Window:      cfg.Ingest.BiddingWindow(),
		Default:     Bounds{Min: cfg.Bidding.MinAmount, Max: cfg.Bidding.MaxAmount},
		Specialties: make(map[model.Specialty]Bounds, len(cfg.Bidding.Specialties)),
		Policy:      DuplicatePolicy(cfg.Bidding.DuplicatePolicy),
	}
	for name, b := range cfg.Bidding.Specialties {
		opts.Specialties[model.Specialty(name)] = Bounds{Min: b.Min, Max: b.Max}
	}
	return opts
}

// Engine validates and records bids under the per-case lock.
type Engine struct {
	store store.Store
	opts  Options
}

// New creates an Engine. Zero-valued options fall back to a 72h window,
// the replace policy and a clock in UTC.
func New(st store.Store, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = 72 * time.Hour
	}
	if opts.Policy == "" {
		opts.Policy = PolicyReplace
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Engine{store: st, opts: opts}
}

// Envelope returns the accepted amount range for a case with the given
// specialties: the lowest configured minimum and the highest configured
// maximum among them, or the default bounds when none is configured.
func (e *Engine) Envelope(specialties []model.Specialty) Bounds {
	var env Bounds
	found := false
	for _, s := range specialties {
		b, ok := e.opts.Specialties[s]
		if !ok {
			continue
		}
		if !found {
			env, found = b, true
			continue
		}
		env.Min = min(env.Min, b.Min)
		env.Max = max(env.Max, b.Max)
	}
	if !found {
		return e.opts.Default
	}
	return env
}

// SubmitRequest is a hospital's bid on a case.
type SubmitRequest struct {
	HospitalID string `json:"hospital_id"`
	CaseID     string `json:"case_id"`
	Amount     int64  `json:"amount"`
	Notes      string `json:"notes,omitempty"`
}

// Result is the state after an accepted bid.
type Result struct {
	Case     *model.Case `json:"case"`
	Bid      *model.Bid  `json:"bid"`
	Replaced *model.Bid  `json:"replaced,omitempty"`
}

// SubmitBid validates req against the locked case and records it. On any
// validation error nothing is written.
func (e *Engine) SubmitBid(ctx context.Context, req SubmitRequest) (*Result, error) {
	res, err := e.submit(ctx, req)
	e.opts.Metrics.BidResult(resultLabel(res, err))
	if err != nil {
		return nil, err
	}

	zap.L().Info("bidding: bid accepted",
		zap.String("case_id", req.CaseID),
		zap.String("hospital_id", req.HospitalID),
		zap.Int64("amount", req.Amount),
		zap.Bool("replaced", res.Replaced != nil),
	)
	events.Emit(ctx, e.opts.Events, events.New(events.BidSubmitted, req.CaseID, res))
	return res, nil
}

func resultLabel(res *Result, err error) string {
	if err == nil && res != nil && res.Replaced != nil {
		return "replaced"
	}
	return Code(err)
}

func (e *Engine) submit(ctx context.Context, req SubmitRequest) (*Result, error) {
	hospital := strings.TrimSpace(req.HospitalID)
	if hospital == "" {
		return nil, ErrHospitalRequired
	}

	now := e.opts.Now()
	var res Result
	err := e.store.WithCaseLock(ctx, req.CaseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if !c.Status.Biddable() {
			return eris.Wrapf(ErrCaseNotBiddable, "case %s is %s", c.ID, c.Status)
		}
		if deadline := c.Deadline(e.opts.Window); !now.Before(deadline) {
			return eris.Wrapf(ErrCaseNotBiddable, "case %s bidding closed at %s", c.ID, deadline.Format(time.RFC3339))
		}
		if env := e.Envelope(c.Specialties); !env.Contains(req.Amount) {
			return eris.Wrapf(ErrAmountOutOfBounds, "amount %d outside [%d, %d]", req.Amount, env.Min, env.Max)
		}

		active, err := tx.ActiveBids(ctx)
		if err != nil {
			return err
		}
		for i := range active {
			if active[i].HospitalID != hospital {
				continue
			}
			if e.opts.Policy == PolicyReject {
				return eris.Wrapf(ErrDuplicateActiveBid, "hospital %s on case %s", hospital, c.ID)
			}
			prev := active[i]
			if err := tx.SetBidStatus(ctx, prev.ID, model.BidStatusWithdrawn); err != nil {
				return err
			}
			prev.Status = model.BidStatusWithdrawn
			res.Replaced = &prev
		}

		bid := &model.Bid{
			ID:          uuid.NewString(),
			CaseID:      c.ID,
			HospitalID:  hospital,
			Amount:      req.Amount,
			Notes:       strings.TrimSpace(req.Notes),
			Status:      model.BidStatusActive,
			SubmittedAt: now,
		}
		if err := tx.InsertBid(ctx, bid); err != nil {
			return err
		}
		if c.Status == model.CaseStatusOpen {
			if err := tx.SetStatus(ctx, model.CaseStatusBidding, now); err != nil {
				return err
			}
		}

		cs := *tx.Case()
		res.Case = &cs
		res.Bid = bid
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrCaseNotFound, "case %s", req.CaseID)
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// WithdrawBid withdraws one of the hospital's active bids. The case keeps
// its status.
func (e *Engine) WithdrawBid(ctx context.Context, hospitalID, bidID string) (*model.Bid, error) {
	b, err := e.store.GetBid(ctx, bidID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrBidNotFound, "bid %s", bidID)
	}
	if err != nil {
		return nil, err
	}
	if b.HospitalID != hospitalID {
		return nil, eris.Wrapf(ErrBidNotFound, "bid %s", bidID)
	}

	var out model.Bid
	err = e.store.WithCaseLock(ctx, b.CaseID, func(tx store.CaseTx) error {
		cur, err := tx.GetBid(ctx, bidID)
		if err != nil {
			return err
		}
		if cur.Status != model.BidStatusActive {
			return eris.Wrapf(ErrBidNotActive, "bid %s is %s", bidID, cur.Status)
		}
		if err := tx.SetBidStatus(ctx, bidID, model.BidStatusWithdrawn); err != nil {
			return err
		}
		out = *cur
		out.Status = model.BidStatusWithdrawn
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrapf(ErrBidNotFound, "bid %s", bidID)
	}
	if err != nil {
		return nil, err
	}

	zap.L().Info("bidding: bid withdrawn", zap.String("bid_id", bidID), zap.String("case_id", out.CaseID))
	events.Emit(ctx, e.opts.Events, events.New(events.BidWithdrawn, out.CaseID, out))
	return &out, nil
}

// ListCaseBids returns every bid on a case, newest first.
func (e *Engine) ListCaseBids(ctx context.Context, caseID string) ([]model.Bid, error) {
	if _, err := e.store.GetCase(ctx, caseID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(ErrCaseNotFound, "case %s", caseID)
		}
		return nil, err
	}
	return e.store.ListBids(ctx, store.BidFilter{CaseID: caseID, Limit: 1000})
}

// ListHospitalBids returns a hospital's bids, optionally filtered by status.
func (e *Engine) ListHospitalBids(ctx context.Context, hospitalID string, status model.BidStatus) ([]model.Bid, error) {
	return e.store.ListBids(ctx, store.BidFilter{HospitalID: hospitalID, Status: status, Limit: 1000})
}

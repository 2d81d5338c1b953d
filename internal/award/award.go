// Package award selects winning bids and drives the audited end of the case
// lifecycle: award, reopen, close and the expiry sweep.
package award

import (
	"context"
	"encoding/json"
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
	ErrCaseNotFound      = eris.New("award: case not found")
	ErrCaseNotAwardable  = eris.New("award: case not awardable")
	ErrCaseNotAwarded    = eris.New("award: case not awarded")
	ErrBidNotFound       = eris.New("award: bid not found on case")
	ErrBidNotActive      = eris.New("award: bid not active")
	ErrUnauthorizedActor = eris.New("award: actor not authorized")
	ErrReasonRequired    = eris.New("award: reason required")
)

// Code returns the stable machine-readable code for an award error.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrCaseNotFound):
		return "case_not_found"
	case errors.Is(err, ErrCaseNotAwardable):
		return "not_awardable"
	case errors.Is(err, ErrCaseNotAwarded):
		return "not_awarded"
	case errors.Is(err, ErrBidNotFound):
		return "bid_not_found"
	case errors.Is(err, ErrBidNotActive):
		return "bid_not_active"
	case errors.Is(err, ErrUnauthorizedActor):
		return "unauthorized"
	case errors.Is(err, ErrReasonRequired):
		return "reason_required"
	default:
		return "internal"
	}
}

// Options configures an Arbiter.
type Options struct {
	Window     time.Duration
	CloseGrace time.Duration
	Events     events.Publisher
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// OptionsFromConfig maps the ingest config section.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Window:     cfg.Ingest.BiddingWindow(),
		CloseGrace: cfg.Ingest.CloseGrace(),
	}
}

// Arbiter performs privileged case transitions.
type Arbiter struct {
	store store.Store
	opts  Options
}

// New creates an Arbiter.
func New(st store.Store, opts Options) *Arbiter {
	if opts.Window <= 0 {
		opts.Window = 72 * time.Hour
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = 168 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Arbiter{store: st, opts: opts}
}

// AwardOptions carries optional award metadata.
type AwardOptions struct {
	PayerEntity string `json:"payer_entity,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Result describes the case after an award.
type Result struct {
	Case    *model.Case  `json:"case"`
	Award   *model.Award `json:"award"`
	Winning *model.Bid   `json:"winning_bid"`
	Losing  []model.Bid  `json:"losing_bids"`
}

type awardDetail struct {
	BidID       string `json:"bid_id"`
	HospitalID  string `json:"hospital_id"`
	Amount      int64  `json:"amount"`
	PayerEntity string `json:"payer_entity,omitempty"`
	Losing      int    `json:"losing_bids"`
}

// Award makes bidID the winning bid on a bidding case. Every other active
// bid becomes losing and no further bids are accepted.
func (a *Arbiter) Award(ctx context.Context, caseID, bidID string, actor model.Actor, opts AwardOptions) (*Result, error) {
	if actor.Role != model.RoleAdmin {
		return nil, eris.Wrapf(ErrUnauthorizedActor, "%s (%s) may not award", actor.ID, actor.Role)
	}

	now := a.opts.Now()
	var res Result
	err := a.store.WithCaseLock(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		if c.Status != model.CaseStatusBidding {
			return eris.Wrapf(ErrCaseNotAwardable, "case %s is %s", caseID, c.Status)
		}

		chosen, err := tx.GetBid(ctx, bidID)
		if errors.Is(err, store.ErrNotFound) {
			return eris.Wrapf(ErrBidNotFound, "bid %s", bidID)
		}
		if err != nil {
			return err
		}
		if chosen.Status != model.BidStatusActive {
			return eris.Wrapf(ErrBidNotActive, "bid %s is %s", bidID, chosen.Status)
		}

		active, err := tx.ActiveBids(ctx)
		if err != nil {
			return err
		}
		for _, b := range active {
			if b.ID == chosen.ID {
				continue
			}
			if err := tx.SetBidStatus(ctx, b.ID, model.BidStatusLosing); err != nil {
				return err
			}
			b.Status = model.BidStatusLosing
			res.Losing = append(res.Losing, b)
		}
		if err := tx.SetBidStatus(ctx, chosen.ID, model.BidStatusWinning); err != nil {
			return err
		}
		chosen.Status = model.BidStatusWinning

		if err := tx.SetStatus(ctx, model.CaseStatusAwarded, now); err != nil {
			return err
		}

		aw := &model.Award{
			ID:          uuid.NewString(),
			CaseID:      caseID,
			BidID:       chosen.ID,
			HospitalID:  chosen.HospitalID,
			Amount:      chosen.Amount,
			PayerEntity: strings.TrimSpace(opts.PayerEntity),
			Notes:       strings.TrimSpace(opts.Notes),
			AwardedBy:   actor.ID,
			AwardedAt:   now,
		}
		if err := tx.InsertAward(ctx, aw); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, model.AuditAward, actor, "", model.CaseStatusBidding, now, awardDetail{
			BidID:       chosen.ID,
			HospitalID:  chosen.HospitalID,
			Amount:      chosen.Amount,
			PayerEntity: aw.PayerEntity,
			Losing:      len(res.Losing),
		}); err != nil {
			return err
		}

		cs := *tx.Case()
		res.Case, res.Award, res.Winning = &cs, aw, chosen
		return nil
	})
	if err != nil {
		return nil, caseErr(err, caseID)
	}

	a.opts.Metrics.Transition(model.AuditAward)
	zap.L().Info("award: case awarded",
		zap.String("case_id", caseID),
		zap.String("bid_id", bidID),
		zap.String("hospital_id", res.Winning.HospitalID),
		zap.String("actor", actor.ID),
	)
	events.Emit(ctx, a.opts.Events, events.New(events.CaseAwarded, caseID, res.Award))
	return &res, nil
}

// Reopen reverses an award: the award row is removed (and copied into the
// audit detail), the winning bid is active again and the case returns to
// bidding. Losing bids stay losing.
func (a *Arbiter) Reopen(ctx context.Context, caseID string, actor model.Actor, reason string) (*model.Case, error) {
	if actor.Role != model.RoleAdmin {
		return nil, eris.Wrapf(ErrUnauthorizedActor, "%s (%s) may not reopen", actor.ID, actor.Role)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrReasonRequired
	}

	now := a.opts.Now()
	var out model.Case
	err := a.store.WithCaseLock(ctx, caseID, func(tx store.CaseTx) error {
		if st := tx.Case().Status; st != model.CaseStatusAwarded {
			return eris.Wrapf(ErrCaseNotAwarded, "case %s is %s", caseID, st)
		}
		aw, err := tx.GetAward(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return eris.Errorf("award: case %s is awarded but has no award row", caseID)
		}
		if err != nil {
			return err
		}
		if err := tx.DeleteAward(ctx); err != nil {
			return err
		}
		if err := tx.SetBidStatus(ctx, aw.BidID, model.BidStatusActive); err != nil {
			return err
		}
		if err := tx.SetStatus(ctx, model.CaseStatusBidding, now); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, model.AuditReopen, actor, reason, model.CaseStatusAwarded, now, aw); err != nil {
			return err
		}
		out = *tx.Case()
		return nil
	})
	if err != nil {
		return nil, caseErr(err, caseID)
	}

	a.opts.Metrics.Transition(model.AuditReopen)
	zap.L().Warn("award: case reopened",
		zap.String("case_id", caseID),
		zap.String("actor", actor.ID),
		zap.String("reason", reason),
	)
	events.Emit(ctx, a.opts.Events, events.New(events.CaseReopened, caseID, map[string]string{"reason": reason, "actor": actor.ID}))
	return &out, nil
}

// Close finalizes an awarded case.
func (a *Arbiter) Close(ctx context.Context, caseID string, actor model.Actor, reason string) (*model.Case, error) {
	if actor.Role != model.RoleAdmin {
		return nil, eris.Wrapf(ErrUnauthorizedActor, "%s (%s) may not close", actor.ID, actor.Role)
	}

	now := a.opts.Now()
	var out model.Case
	err := a.store.WithCaseLock(ctx, caseID, func(tx store.CaseTx) error {
		if st := tx.Case().Status; st != model.CaseStatusAwarded {
			return eris.Wrapf(ErrCaseNotAwarded, "case %s is %s", caseID, st)
		}
		if err := tx.SetStatus(ctx, model.CaseStatusClosed, now); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, model.AuditClose, actor, strings.TrimSpace(reason), model.CaseStatusAwarded, now, nil); err != nil {
			return err
		}
		out = *tx.Case()
		return nil
	})
	if err != nil {
		return nil, caseErr(err, caseID)
	}

	a.opts.Metrics.Transition(model.AuditClose)
	zap.L().Info("award: case closed", zap.String("case_id", caseID), zap.String("actor", actor.ID))
	events.Emit(ctx, a.opts.Events, events.New(events.CaseClosed, caseID, out))
	return &out, nil
}

// SweepResult lists the cases a sweep moved.
type SweepResult struct {
	Expired []string `json:"expired"`
	Closed  []string `json:"closed"`
	Failed  []string `json:"failed,omitempty"`
}

type expireDetail struct {
	Deadline time.Time `json:"deadline"`
	Losing   int       `json:"losing_bids"`
}

// ExpireDue expires open and bidding cases whose deadline has passed, then
// closes cases that have been expired for longer than the close grace.
// A failure on one case is logged and the sweep continues.
func (a *Arbiter) ExpireDue(ctx context.Context, now time.Time) (*SweepResult, error) {
	res := &SweepResult{}

	due, err := a.store.ListDueForExpiry(ctx, now.Add(-a.opts.Window))
	if err != nil {
		return nil, eris.Wrap(err, "award: list due for expiry")
	}
	for i := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id := due[i].ID
		moved, err := a.expireOne(ctx, id, now)
		switch {
		case err != nil:
			zap.L().Error("award: expire case failed", zap.String("case_id", id), zap.Error(err))
			res.Failed = append(res.Failed, id)
		case moved:
			res.Expired = append(res.Expired, id)
		}
	}

	stale, err := a.store.ListExpiredBefore(ctx, now.Add(-a.opts.CloseGrace))
	if err != nil {
		return res, eris.Wrap(err, "award: list expired")
	}
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		id := stale[i].ID
		moved, err := a.closeExpired(ctx, id, now)
		switch {
		case err != nil:
			zap.L().Error("award: close expired case failed", zap.String("case_id", id), zap.Error(err))
			res.Failed = append(res.Failed, id)
		case moved:
			res.Closed = append(res.Closed, id)
		}
	}

	if len(res.Expired)+len(res.Closed) > 0 {
		zap.L().Info("award: expiry sweep",
			zap.Int("expired", len(res.Expired)),
			zap.Int("closed", len(res.Closed)),
			zap.Int("failed", len(res.Failed)),
		)
	}
	return res, nil
}

func (a *Arbiter) expireOne(ctx context.Context, caseID string, now time.Time) (bool, error) {
	moved := false
	err := a.store.WithCaseLock(ctx, caseID, func(tx store.CaseTx) error {
		c := tx.Case()
		deadline := c.Deadline(a.opts.Window)
		// re-checked under the lock: an award may have landed since the listing
		if !c.Status.Biddable() || now.Before(deadline) {
			return nil
		}
		from := c.Status

		active, err := tx.ActiveBids(ctx)
		if err != nil {
			return err
		}
		for _, b := range active {
			if err := tx.SetBidStatus(ctx, b.ID, model.BidStatusLosing); err != nil {
				return err
			}
		}
		if err := tx.SetStatus(ctx, model.CaseStatusExpired, now); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, model.AuditExpire, model.SystemActor, "bidding window elapsed", from, now,
			expireDetail{Deadline: deadline, Losing: len(active)}); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil || !moved {
		return false, err
	}
	a.opts.Metrics.Transition(model.AuditExpire)
	events.Emit(ctx, a.opts.Events, events.New(events.CaseExpired, caseID, map[string]any{"at": now}))
	return true, nil
}

func (a *Arbiter) closeExpired(ctx context.Context, caseID string, now time.Time) (bool, error) {
	moved := false
	err := a.store.WithCaseLock(ctx, caseID, func(tx store.CaseTx) error {
		if tx.Case().Status != model.CaseStatusExpired {
			return nil
		}
		if err := tx.SetStatus(ctx, model.CaseStatusClosed, now); err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, model.AuditClose, model.SystemActor, "close grace elapsed", model.CaseStatusExpired, now, nil); err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil || !moved {
		return false, err
	}
	a.opts.Metrics.Transition(model.AuditClose)
	events.Emit(ctx, a.opts.Events, events.New(events.CaseClosed, caseID, map[string]any{"at": now}))
	return true, nil
}

// insertAudit writes an audit row for the transition just applied to the
// locked case. detail may be nil.
func insertAudit(ctx context.Context, tx store.CaseTx, action model.AuditAction, actor model.Actor, reason string, from model.CaseStatus, at time.Time, detail any) error {
	var raw json.RawMessage
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return eris.Wrap(err, "award: marshal audit detail")
		}
		raw = b
	}
	return tx.InsertAudit(ctx, &model.AuditEntry{
		ID:         uuid.NewString(),
		CaseID:     tx.Case().ID,
		Action:     action,
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Reason:     reason,
		FromStatus: from,
		ToStatus:   tx.Case().Status,
		Detail:     raw,
		At:         at,
	})
}

// caseErr maps a missing case row onto ErrCaseNotFound.
func caseErr(err error, caseID string) error {
	if errors.Is(err, store.ErrNotFound) {
		return eris.Wrapf(ErrCaseNotFound, "case %s", caseID)
	}
	return err
}

// Package dedup merges normalized candidates into stored cases keyed by
// canonical case number.
package dedup

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/normalize"
	"github.com/sells-group/jurishealth/internal/store"
)

// Kind classifies what a candidate did to the stored case.
type Kind string

const (
	KindNew       Kind = "new"
	KindConfirm   Kind = "confirm"
	KindDuplicate Kind = "duplicate"
	KindConflict  Kind = "conflict"
)

// Conflicting field names.
const (
	FieldEstimatedValue = "estimated_value"
	FieldFilingDate     = "filing_date"
)

// FieldConflict is one source-stable field on which the candidate disagrees.
type FieldConflict struct {
	Field    string
	Existing string
	Incoming string
}

// Decision is the result of comparing a candidate with the stored case.
type Decision struct {
	Kind Kind
	// Case is the row to write: a fresh case for KindNew, otherwise the
	// existing case with the candidate merged in.
	Case *model.Case
	// Changed reports whether any field other than LastUpdatedAt moved.
	Changed   bool
	Conflicts []FieldConflict
}

// Count adds the decision to per-source counters.
func (d Decision) Count(c *model.SourceCounts) {
	switch d.Kind {
	case KindNew:
		c.New++
	case KindConfirm:
		c.Updated++
	case KindDuplicate:
		c.Duplicate++
	case KindConflict:
		c.Conflicts++
		if d.Changed {
			c.Updated++
		} else {
			c.Duplicate++
		}
	}
}

// Decide compares cand with the stored case (nil when none exists). It
// never changes Status, and never overwrites a set estimated value or filing
// date: differing values are reported as conflicts instead.
func Decide(existing *model.Case, cand normalize.Candidate, now time.Time) Decision {
	if existing == nil {
		return Decision{Kind: KindNew, Case: cand.NewCase("", now), Changed: true}
	}

	merged := *existing
	changed := false

	specialties := model.UnionSpecialties(existing.Specialties, cand.Specialties)
	if !equalSlices(specialties, existing.Specialties) {
		merged.Specialties = specialties
		changed = true
	}
	origins := model.UnionOrigins(existing.OriginSources, []model.Origin{cand.Origin})
	if !equalSlices(origins, existing.OriginSources) {
		merged.OriginSources = origins
		changed = true
	}

	if existing.CourtCode == "" && cand.CourtCode != "" {
		merged.Court, merged.CourtCode = cand.Court, cand.CourtCode
		changed = true
	} else if existing.Court == "" && cand.Court != "" {
		merged.Court = cand.Court
		changed = true
	}
	if existing.CityCode == "" && cand.CityCode != "" {
		merged.City, merged.CityCode = cand.City, cand.CityCode
		changed = true
	} else if existing.City == "" && cand.City != "" {
		merged.City = cand.City
		changed = true
	}

	var conflicts []FieldConflict
	switch {
	case cand.EstimatedValue == nil:
	case existing.EstimatedValue == nil:
		v := *cand.EstimatedValue
		merged.EstimatedValue = &v
		changed = true
	case *existing.EstimatedValue != *cand.EstimatedValue:
		conflicts = append(conflicts, FieldConflict{
			Field:    FieldEstimatedValue,
			Existing: strconv.FormatInt(*existing.EstimatedValue, 10),
			Incoming: strconv.FormatInt(*cand.EstimatedValue, 10),
		})
	}
	switch {
	case cand.FilingDate == nil:
	case existing.FilingDate == nil:
		d := *cand.FilingDate
		merged.FilingDate = &d
		changed = true
	case !sameDay(*existing.FilingDate, *cand.FilingDate):
		conflicts = append(conflicts, FieldConflict{
			Field:    FieldFilingDate,
			Existing: existing.FilingDate.Format("2006-01-02"),
			Incoming: cand.FilingDate.Format("2006-01-02"),
		})
	}

	merged.LastUpdatedAt = now
	kind := KindDuplicate
	switch {
	case len(conflicts) > 0:
		kind = KindConflict
	case changed:
		kind = KindConfirm
	}
	return Decision{Kind: kind, Case: &merged, Changed: changed, Conflicts: conflicts}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

func equalSlices[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Store is the slice of store.Store the deduplicator needs.
type Store interface {
	GetCaseByNumber(ctx context.Context, canonicalNumber string) (*model.Case, error)
	InsertCase(ctx context.Context, c *model.Case) (bool, error)
	UpdateCaseFields(ctx context.Context, c *model.Case) error
	RecordConflict(ctx context.Context, c *model.Conflict) error
}

// Deduplicator applies candidates to the store.
type Deduplicator struct {
	store Store
	now   func() time.Time
	newID func() string
}

// Option configures a Deduplicator.
type Option func(*Deduplicator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) { d.now = now }
}

// New creates a Deduplicator backed by st.
func New(st Store, opts ...Option) *Deduplicator {
	d := &Deduplicator{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply reads the stored case for cand, decides, and writes the result.
// An insert that loses a race with a concurrent writer is re-decided against
// the winner's row.
func (d *Deduplicator) Apply(ctx context.Context, cand normalize.Candidate) (Decision, error) {
	now := d.now()
	existing, err := d.lookup(ctx, cand.CanonicalNumber)
	if err != nil {
		return Decision{}, err
	}

	dec := Decide(existing, cand, now)
	if dec.Kind == KindNew {
		dec.Case.ID = d.newID()
		inserted, err := d.store.InsertCase(ctx, dec.Case)
		if err != nil {
			return Decision{}, eris.Wrapf(err, "dedup: insert %s", cand.CanonicalNumber)
		}
		if inserted {
			return dec, nil
		}

		zap.L().Debug("dedup: lost insert race, re-reading",
			zap.String("canonical_number", cand.CanonicalNumber),
		)
		existing, err = d.lookup(ctx, cand.CanonicalNumber)
		if err != nil {
			return Decision{}, err
		}
		if existing == nil {
			return Decision{}, eris.Errorf("dedup: case %s vanished after insert conflict", cand.CanonicalNumber)
		}
		dec = Decide(existing, cand, now)
	}

	if err := d.store.UpdateCaseFields(ctx, dec.Case); err != nil {
		return Decision{}, eris.Wrapf(err, "dedup: update %s", cand.CanonicalNumber)
	}
	for _, fc := range dec.Conflicts {
		zap.L().Warn("dedup: conflicting field kept existing value",
			zap.String("canonical_number", cand.CanonicalNumber),
			zap.String("field", fc.Field),
			zap.String("existing", fc.Existing),
			zap.String("incoming", fc.Incoming),
			zap.String("origin", string(cand.Origin)),
		)
		if err := d.store.RecordConflict(ctx, &model.Conflict{
			ID:              d.newID(),
			CaseID:          dec.Case.ID,
			CanonicalNumber: dec.Case.CanonicalNumber,
			Field:           fc.Field,
			Existing:        fc.Existing,
			Incoming:        fc.Incoming,
			Origin:          cand.Origin,
			DetectedAt:      now,
		}); err != nil {
			return Decision{}, eris.Wrapf(err, "dedup: record conflict on %s", cand.CanonicalNumber)
		}
	}
	return dec, nil
}

func (d *Deduplicator) lookup(ctx context.Context, number string) (*model.Case, error) {
	c, err := d.store.GetCaseByNumber(ctx, number)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "dedup: lookup %s", number)
	}
	return c, nil
}

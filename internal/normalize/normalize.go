// Package normalize maps source-specific raw records onto the canonical
// case vocabulary: case number, court, city, specialties, value and date.
package normalize

import (
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/jurishealth/internal/model"
)

// ErrRecordRejected means no case number could be derived from a record.
var ErrRecordRejected = eris.New("normalize: record rejected")

// Candidate is a normalized record ready for deduplication.
type Candidate struct {
	CanonicalNumber string
	Court           string
	CourtCode       string
	City            string
	CityCode        string
	Specialties     []model.Specialty
	EstimatedValue  *int64
	FilingDate      *time.Time
	Origin          model.Origin
	SourceRef       string
}

// NewCase builds a fresh open case from the candidate.
func (c Candidate) NewCase(id string, now time.Time) *model.Case {
	return &model.Case{
		ID:              id,
		CanonicalNumber: c.CanonicalNumber,
		Court:           c.Court,
		CourtCode:       c.CourtCode,
		City:            c.City,
		CityCode:        c.CityCode,
		Specialties:     slices.Clone(c.Specialties),
		EstimatedValue:  c.EstimatedValue,
		FilingDate:      c.FilingDate,
		FirstSeenAt:     now,
		LastUpdatedAt:   now,
		OriginSources:   []model.Origin{c.Origin},
		Status:          model.CaseStatusOpen,
	}
}

// Normalizer is safe for concurrent use once built.
type Normalizer struct {
	ix          *index
	defaultCity string
}

// New builds a Normalizer. A nil vocabulary uses the embedded one.
// defaultCity is used when a record names no city at all.
func New(v *Vocabulary, defaultCity string) (*Normalizer, error) {
	if v == nil {
		var err error
		if v, err = DefaultVocabulary(); err != nil {
			return nil, err
		}
	}
	return &Normalizer{ix: buildIndex(v), defaultCity: strings.TrimSpace(defaultCity)}, nil
}

// Normalize maps one raw record. Missing or unparseable optional fields are
// left empty; only a missing case number rejects the record.
func (n *Normalizer) Normalize(rec model.RawRecord) (Candidate, error) {
	number := CanonicalCaseNumber(rec.RawCaseNumber)
	if number == "" {
		return Candidate{}, eris.Wrapf(ErrRecordRejected, "no case number in %q (%s)", rec.RawCaseNumber, rec.Origin)
	}

	c := Candidate{
		CanonicalNumber: number,
		Origin:          rec.Origin,
		SourceRef:       rec.SourceRef,
		Specialties:     n.Specialties(rec.Subject),
	}
	c.Court, c.CourtCode = n.Court(rec.CourtName, number)
	c.City, c.CityCode = n.City(rec.City, rec.CourtName, rec.Subject)

	if v, ok := ParseAmount(rec.EstimatedValue); ok {
		c.EstimatedValue = &v
	}
	if d, ok := ParseDate(rec.FilingDate); ok {
		c.FilingDate = &d
	}
	return c, nil
}

// Specialties classifies subject text. The result is sorted and never
// empty: no keyword match yields {unclassified}.
func (n *Normalizer) Specialties(subject string) []model.Specialty {
	text := Fold(subject)
	var out []model.Specialty
	for s, kws := range n.ix.keywords {
		for _, kw := range kws {
			if containsPhrase(text, kw) {
				out = append(out, s)
				break
			}
		}
	}
	if len(out) == 0 {
		return []model.Specialty{model.SpecialtyUnclassified}
	}
	slices.Sort(out)
	return out
}

// Court resolves a court name to its canonical name and code. The name is
// tried whole, then its leading "TJMG - ..." part, then the CNJ segment of
// the case number. Unknown courts keep their text and an empty code.
func (n *Normalizer) Court(name, canonicalNumber string) (string, string) {
	folded := Fold(name)
	if c, ok := n.ix.courts[folded]; ok {
		return c.Name, c.Code
	}
	if head, _, found := strings.Cut(name, " - "); found {
		if c, ok := n.ix.courts[Fold(head)]; ok {
			return c.Name, c.Code
		}
	}
	if seg := cnjSegment(canonicalNumber); seg != "" {
		if c, ok := n.ix.segments[seg]; ok {
			return c.Name, c.Code
		}
	}
	return strings.Join(strings.Fields(name), " "), ""
}

var comarcaPattern = regexp.MustCompile(`(?i)comarca\s+d[aeo]s?\s+([\p{L}' ]+)`)

// City resolves the city field, falling back to a "Comarca de X" phrase in
// the court or subject text, then to the default city. Unknown cities are
// kept verbatim with an empty code.
func (n *Normalizer) City(city, court, subject string) (string, string) {
	if c := strings.TrimSpace(city); c != "" {
		if m := comarcaPattern.FindStringSubmatch(c); m != nil {
			c = m[1]
		}
		return n.lookupCity(c)
	}
	for _, text := range []string{court, subject} {
		if m := comarcaPattern.FindStringSubmatch(text); m != nil {
			return n.lookupCity(m[1])
		}
	}
	if n.defaultCity != "" {
		return n.lookupCity(n.defaultCity)
	}
	return "", ""
}

func (n *Normalizer) lookupCity(name string) (string, string) {
	name = strings.Join(strings.Fields(name), " ")
	if c, ok := n.ix.cities[Fold(name)]; ok {
		return c.Name, c.Code
	}
	return name, ""
}

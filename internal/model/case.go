package model

import (
	"slices"
	"time"
)

// Origin tags which external source produced a record.
type Origin string

const (
	OriginCourtScraper Origin = "court_scraper"
	OriginJudicialAPI  Origin = "judicial_api"
)

// AllOrigins returns every known source origin in a stable order.
func AllOrigins() []Origin {
	return []Origin{OriginCourtScraper, OriginJudicialAPI}
}

// Specialty is an enumerated medical specialty tag.
type Specialty string

const (
	SpecialtySurgery         Specialty = "surgery"
	SpecialtyMedication      Specialty = "medication"
	SpecialtyHospitalization Specialty = "hospitalization"
	SpecialtyIntensiveCare   Specialty = "intensive_care"
	SpecialtyChemotherapy    Specialty = "chemotherapy"
	SpecialtyRadiotherapy    Specialty = "radiotherapy"
	SpecialtyDiagnostics     Specialty = "diagnostics"
	SpecialtyHomeCare        Specialty = "home_care"
	SpecialtyTherapy         Specialty = "therapy"
	SpecialtyUnclassified    Specialty = "unclassified"
)

// AllSpecialties returns the closed specialty vocabulary.
func AllSpecialties() []Specialty {
	return []Specialty{
		SpecialtySurgery,
		SpecialtyMedication,
		SpecialtyHospitalization,
		SpecialtyIntensiveCare,
		SpecialtyChemotherapy,
		SpecialtyRadiotherapy,
		SpecialtyDiagnostics,
		SpecialtyHomeCare,
		SpecialtyTherapy,
		SpecialtyUnclassified,
	}
}

// Valid reports whether s is part of the vocabulary.
func (s Specialty) Valid() bool {
	return slices.Contains(AllSpecialties(), s)
}

// RawRecord is a source-specific case record before normalization.
type RawRecord struct {
	Origin         Origin `json:"origin"`
	RawCaseNumber  string `json:"raw_case_number"`
	CourtName      string `json:"court_name"`
	FilingDate     string `json:"filing_date,omitempty"`
	Subject        string `json:"subject"`
	EstimatedValue string `json:"estimated_value,omitempty"`
	City           string `json:"city,omitempty"`
	SourceRef      string `json:"source_ref,omitempty"`
}

// Case is the canonical, deduplicated health opportunity.
type Case struct {
	ID              string      `json:"id"`
	CanonicalNumber string      `json:"canonical_case_number"`
	Court           string      `json:"court"`
	CourtCode       string      `json:"court_code,omitempty"`
	City            string      `json:"city"`
	CityCode        string      `json:"city_code,omitempty"`
	Specialties     []Specialty `json:"specialties"`
	EstimatedValue  *int64      `json:"estimated_value,omitempty"` // minor units
	FilingDate      *time.Time  `json:"filing_date,omitempty"`
	FirstSeenAt     time.Time   `json:"first_seen_at"`
	LastUpdatedAt   time.Time   `json:"last_updated_at"`
	OriginSources   []Origin    `json:"origin_sources"`
	Status          CaseStatus  `json:"status"`
}

// Deadline returns the end of the bidding window for the case.
func (c *Case) Deadline(window time.Duration) time.Time {
	return c.FirstSeenAt.Add(window)
}

// HasOrigin reports whether o already confirmed the case.
func (c *Case) HasOrigin(o Origin) bool {
	return slices.Contains(c.OriginSources, o)
}

// UnionSpecialties returns the sorted, de-duplicated union of a and b.
// "unclassified" is dropped once any real specialty is present.
func UnionSpecialties(a, b []Specialty) []Specialty {
	out := make([]Specialty, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) > 1 {
		out = slices.DeleteFunc(out, func(s Specialty) bool { return s == SpecialtyUnclassified })
	}
	return out
}

// UnionOrigins returns the sorted, de-duplicated union of a and b.
func UnionOrigins(a, b []Origin) []Origin {
	out := make([]Origin, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Conflict records a source-stable field that disagreed between sources.
// The existing value is kept; the incoming one is stored for manual review.
type Conflict struct {
	ID              string    `json:"id"`
	CaseID          string    `json:"case_id"`
	CanonicalNumber string    `json:"canonical_case_number"`
	Field           string    `json:"field"`
	Existing        string    `json:"existing"`
	Incoming        string    `json:"incoming"`
	Origin          Origin    `json:"origin"`
	DetectedAt      time.Time `json:"detected_at"`
}

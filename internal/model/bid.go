package model

import (
	"encoding/json"
	"time"
)

// BidStatus is the state of a single hospital bid.
type BidStatus string

const (
	BidStatusActive    BidStatus = "active"
	BidStatusWithdrawn BidStatus = "withdrawn"
	BidStatusLosing    BidStatus = "losing"
	BidStatusWinning   BidStatus = "winning"
)

// Bid is a hospital's proposed price to service a case.
type Bid struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	HospitalID  string    `json:"hospital_id"`
	Amount      int64     `json:"amount"` // minor units
	Notes       string    `json:"notes,omitempty"`
	Status      BidStatus `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Award is the binding selection of one bid as winner for a case.
type Award struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"case_id"`
	BidID       string    `json:"winning_bid_id"`
	HospitalID  string    `json:"hospital_id"`
	Amount      int64     `json:"amount"`
	PayerEntity string    `json:"payer_entity,omitempty"`
	Notes       string    `json:"notes,omitempty"`
	AwardedBy   string    `json:"awarded_by"`
	AwardedAt   time.Time `json:"awarded_at"`
}

// Role identifies what an authenticated actor may do.
type Role string

const (
	RoleHospital Role = "hospital"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system"
)

// Actor is an authenticated identity supplied by the caller boundary.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for transitions performed by scheduled jobs.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// AuditAction names an audited case lifecycle change.
type AuditAction string

const (
	AuditAward  AuditAction = "award"
	AuditReopen AuditAction = "reopen"
	AuditClose  AuditAction = "close"
	AuditExpire AuditAction = "expire"
)

// AuditEntry is an append-only record of a privileged status change.
type AuditEntry struct {
	ID         string          `json:"id"`
	CaseID     string          `json:"case_id"`
	Action     AuditAction     `json:"action"`
	ActorID    string          `json:"actor_id"`
	ActorRole  Role            `json:"actor_role"`
	Reason     string          `json:"reason,omitempty"`
	FromStatus CaseStatus      `json:"from_status"`
	ToStatus   CaseStatus      `json:"to_status"`
	Detail     json.RawMessage `json:"detail,omitempty"`
	At         time.Time       `json:"at"`
}

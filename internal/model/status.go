package model

import (
	"github.com/rotisserie/eris"
)

// CaseStatus is the lifecycle state of a case.
type CaseStatus string

const (
	CaseStatusOpen    CaseStatus = "open"
	CaseStatusBidding CaseStatus = "bidding"
	CaseStatusAwarded CaseStatus = "awarded"
	CaseStatusExpired CaseStatus = "expired"
	CaseStatusClosed  CaseStatus = "closed"
)

// ErrIllegalTransition is returned when a status change is not in the
// transition table.
var ErrIllegalTransition = eris.New("illegal case status transition")

// transitions lists every allowed from -> to pair. awarded -> bidding is the
// audited reopen.
var transitions = map[CaseStatus][]CaseStatus{
	CaseStatusOpen:    {CaseStatusBidding, CaseStatusExpired},
	CaseStatusBidding: {CaseStatusAwarded, CaseStatusExpired},
	CaseStatusAwarded: {CaseStatusClosed, CaseStatusBidding},
	CaseStatusExpired: {CaseStatusClosed},
}

// CanTransition reports whether a case may move from one status to another.
func CanTransition(from, to CaseStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrIllegalTransition when from -> to is not allowed.
func CheckTransition(from, to CaseStatus) error {
	if !CanTransition(from, to) {
		return eris.Wrapf(ErrIllegalTransition, "%s -> %s", from, to)
	}
	return nil
}

// Biddable reports whether bids may be submitted in this status.
func (s CaseStatus) Biddable() bool {
	return s == CaseStatusOpen || s == CaseStatusBidding
}

// Terminal reports whether no further transitions are possible.
func (s CaseStatus) Terminal() bool {
	return len(transitions[s]) == 0
}

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sells-group/jurishealth/internal/award"
	"github.com/sells-group/jurishealth/internal/bidding"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/store"
)

func queryInt(r *http.Request, key string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(key))
	return n
}

func (s *Server) listCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cases, err := s.deps.Store.ListCases(r.Context(), store.CaseFilter{
		Status:    model.CaseStatus(q.Get("status")),
		Specialty: model.Specialty(q.Get("specialty")),
		City:      q.Get("city"),
		CourtCode: q.Get("court"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cases)
}

type caseView struct {
	*model.Case
	Award *model.Award `json:"award,omitempty"`
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.deps.Store.GetCase(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	view := caseView{Case: c}
	if c.Status == model.CaseStatusAwarded || c.Status == model.CaseStatusClosed {
		aw, err := s.deps.Store.GetAward(r.Context(), id)
		if err == nil {
			view.Award = aw
		}
	}
	writeJSON(w, http.StatusOK, view)
}

// listCaseBids shows admins every bid; hospitals only see their own.
func (s *Server) listCaseBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.deps.Bidding.ListCaseBids(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	actor := actorFrom(r.Context())
	if actor.Role != model.RoleAdmin {
		own := bids[:0]
		for _, b := range bids {
			if b.HospitalID == actor.ID {
				own = append(own, b)
			}
		}
		bids = own
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) submitBid(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Amount int64  `json:"amount"`
		Notes  string `json:"notes"`
	}
	if !decode(w, r, &body) {
		return
	}
	res, err := s.deps.Bidding.SubmitBid(r.Context(), bidding.SubmitRequest{
		HospitalID: actorFrom(r.Context()).ID,
		CaseID:     chi.URLParam(r, "id"),
		Amount:     body.Amount,
		Notes:      body.Notes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) withdrawBid(w http.ResponseWriter, r *http.Request) {
	b, err := s.deps.Bidding.WithdrawBid(r.Context(), actorFrom(r.Context()).ID, chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) listHospitalBids(w http.ResponseWriter, r *http.Request) {
	bids, err := s.deps.Bidding.ListHospitalBids(r.Context(), actorFrom(r.Context()).ID,
		model.BidStatus(r.URL.Query().Get("status")))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bids)
}

func (s *Server) listConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.deps.Store.ListConflicts(r.Context(), chi.URLParam(r, "id"), queryInt(r, "limit"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conflicts)
}

func (s *Server) awardCase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BidID       string `json:"bid_id"`
		PayerEntity string `json:"payer_entity"`
		Notes       string `json:"notes"`
	}
	if !decode(w, r, &body) {
		return
	}
	res, err := s.deps.Arbiter.Award(r.Context(), chi.URLParam(r, "id"), body.BidID, actorFrom(r.Context()),
		award.AwardOptions{PayerEntity: body.PayerEntity, Notes: body.Notes})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) reopenCase(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if !decode(w, r, &body) {
		return
	}
	c, err := s.deps.Arbiter.Reopen(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) closeCase(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	c, err := s.deps.Arbiter.Close(r.Context(), chi.URLParam(r, "id"), actorFrom(r.Context()), body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Ingest.Run(r.Context(), model.TriggerAPI)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.deps.Store.ListRuns(r.Context(), store.RunFilter{
		Outcome: model.RunOutcome(q.Get("outcome")),
		Trigger: model.Trigger(q.Get("trigger")),
		Limit:   queryInt(r, "limit"),
		Offset:  queryInt(r, "offset"),
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) runStats(w http.ResponseWriter, r *http.Request) {
	hours := queryInt(r, "since_hours")
	if hours <= 0 {
		hours = 24 * 7
	}
	stats, err := s.deps.Store.RunStats(r.Context(), time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

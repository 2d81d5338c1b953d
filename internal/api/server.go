// Package api is the HTTP seam for hospitals, admins and the ingestion
// trigger. Identity is asserted by the gateway in the X-Actor-ID and
// X-Actor-Role headers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/jurishealth/internal/award"
	"github.com/sells-group/jurishealth/internal/bidding"
	"github.com/sells-group/jurishealth/internal/ingest"
	"github.com/sells-group/jurishealth/internal/metrics"
	"github.com/sells-group/jurishealth/internal/model"
	"github.com/sells-group/jurishealth/internal/store"
)

const (
	HeaderActorID   = "X-Actor-ID"
	HeaderActorRole = "X-Actor-Role"
)

// Runner starts an ingestion run.
type Runner interface {
	Run(ctx context.Context, trigger model.Trigger) (*model.IngestionRun, error)
}

// Deps are the collaborators the handlers call.
type Deps struct {
	Store       store.Store
	Bidding     *bidding.Engine
	Arbiter     *award.Arbiter
	Ingest      Runner
	Metrics     *metrics.Metrics
	CORSOrigins []string
}

// Server holds the handlers.
type Server struct {
	deps Deps
}

// New creates a Server.
func New(deps Deps) *Server {
	return &Server{deps: deps}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	origins := s.deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", HeaderActorID, HeaderActorRole},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Handle("/metrics", s.deps.Metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(withActor)

		r.Get("/cases", s.listCases)
		r.Route("/cases/{id}", func(r chi.Router) {
			r.Get("/", s.getCase)
			r.Get("/bids", s.listCaseBids)
			r.With(requireRole(model.RoleHospital)).Post("/bids", s.submitBid)
			r.Get("/conflicts", s.listConflicts)
			r.Post("/award", s.awardCase)
			r.Post("/reopen", s.reopenCase)
			r.Post("/close", s.closeCase)
		})

		r.With(requireRole(model.RoleHospital)).Get("/bids", s.listHospitalBids)
		r.With(requireRole(model.RoleHospital)).Delete("/bids/{id}", s.withdrawBid)

		r.Route("/ingest", func(r chi.Router) {
			r.With(requireRole(model.RoleAdmin)).Post("/runs", s.startRun)
			r.Get("/runs", s.listRuns)
			r.Get("/runs/{id}", s.getRun)
			r.Get("/stats", s.runStats)
		})
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.deps.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type actorKey struct{}

// withActor rejects requests without a recognised actor.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := model.Actor{
			ID:   r.Header.Get(HeaderActorID),
			Role: model.Role(r.Header.Get(HeaderActorRole)),
		}
		if actor.ID == "" || (actor.Role != model.RoleHospital && actor.Role != model.RoleAdmin) {
			writeError(w, http.StatusUnauthorized, "unauthenticated", "missing or invalid actor headers")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(ctx context.Context) model.Actor {
	a, _ := ctx.Value(actorKey{}).(model.Actor)
	return a
}

func requireRole(role model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if actorFrom(r.Context()).Role != role {
				writeError(w, http.StatusForbidden, "unauthorized", "requires role "+string(role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: code, Message: msg})
}

// writeDomainError maps the typed errors of the engine packages onto status
// codes.
func writeDomainError(w http.ResponseWriter, err error) {
	code := bidding.Code(err)
	if code == "internal" {
		code = award.Code(err)
	}

	var status int
	switch {
	case errors.Is(err, ingest.ErrRunLocked):
		status, code = http.StatusLocked, "run_locked"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case code == "case_not_found", code == "bid_not_found":
		status = http.StatusNotFound
	case code == "not_biddable", code == "not_awardable", code == "not_awarded",
		code == "duplicate_active_bid", code == "bid_not_active":
		status = http.StatusConflict
	case code == "amount_out_of_bounds":
		status = http.StatusUnprocessableEntity
	case code == "unauthorized":
		status = http.StatusForbidden
	case code == "hospital_required", code == "reason_required":
		status = http.StatusBadRequest
	default:
		zap.L().Error("api: internal error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeError(w, status, code, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "invalid request body")
		return false
	}
	return true
}

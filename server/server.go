// Package server exposes the rewards pipeline over HTTP: permit
// issuance, claim-data retrieval, confirmations, and the operator
// surface for claim creation and backend-executed settlement.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"merchrewards/auth"
	"merchrewards/claims"
	"merchrewards/config"
	"merchrewards/eligibility"
	"merchrewards/guard"
	mrmw "merchrewards/middleware"
	"merchrewards/observability"
	"merchrewards/permit"
	"merchrewards/reconcile"
	"merchrewards/settle"
)

// Config bundles the server dependencies.
type Config struct {
	DB          *gorm.DB
	Claims      *claims.Store
	Issuer      *permit.Issuer
	Guard       *guard.Guard
	Reconciler  *reconcile.Reconciler
	Executor    *settle.Executor
	Eligibility *eligibility.Client
	Policy      *config.Policy
	Domain      permit.Domain
	TokenAddr   string
	Auth        auth.Options
	Logger      *slog.Logger
	Metrics     *observability.ClaimsMetrics
	Now         func() time.Time
}

// Server is the HTTP front of the rewards service.
type Server struct {
	db          *gorm.DB
	claims      *claims.Store
	issuer      *permit.Issuer
	guard       *guard.Guard
	reconciler  *reconcile.Reconciler
	executor    *settle.Executor
	eligibility *eligibility.Client
	policy      *config.Policy
	domain      permit.Domain
	tokenAddr   string
	authOpts    auth.Options
	log         *slog.Logger
	metrics     *observability.ClaimsMetrics
	now         func() time.Time
	router      http.Handler
}

// New constructs a configured HTTP router with authentication and
// idempotency support.
func New(cfg Config) *Server {
	srv := &Server{
		db:          cfg.DB,
		claims:      cfg.Claims,
		issuer:      cfg.Issuer,
		guard:       cfg.Guard,
		reconciler:  cfg.Reconciler,
		executor:    cfg.Executor,
		eligibility: cfg.Eligibility,
		policy:      cfg.Policy,
		domain:      cfg.Domain,
		tokenAddr:   cfg.TokenAddr,
		authOpts:    cfg.Auth,
		log:         cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Now,
	}
	if srv.log == nil {
		srv.log = slog.Default()
	}
	if srv.now == nil {
		srv.now = time.Now
	}
	if srv.policy == nil {
		srv.policy = &config.Policy{}
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	authenticate := auth.Middleware(s.authOpts)
	idempotent := func(next http.Handler) http.Handler { return mrmw.WithIdempotency(s.db, next) }

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(authenticate)
		api.With(idempotent).Post("/permits", s.IssuePermit)
		api.With(idempotent).Post("/confirmations", s.Confirm)
		api.Get("/claims/{id}", s.GetClaim)
	})

	r.Route("/ops", func(ops chi.Router) {
		ops.Use(authenticate)
		ops.Use(auth.RequireRole(auth.RoleOperator))
		ops.With(idempotent).Post("/claims", s.CreateClaim)
		ops.With(idempotent).Post("/claims/{id}/execute", s.ExecuteClaim)
	})

	return r
}

type errorBody struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	NextWindowStart *int64 `json:"nextWindowStart,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorBody{Code: code, Message: message})
}

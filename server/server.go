package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"loyaltyd/auth"
	"loyaltyd/chain"
	"loyaltyd/ledger"
	"loyaltyd/middleware"
	"loyaltyd/noncestore"
	"loyaltyd/recon"
	"loyaltyd/session"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB       *gorm.DB
	Sessions *session.Manager
	Balances BalanceReader
	Recorder *ledger.Recorder
	Recon    *recon.Tracker
	Verifier *auth.Verifier
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	db       *gorm.DB
	sessions *session.Manager
	balances BalanceReader
	recorder *ledger.Recorder
	recon    *recon.Tracker
	verifier *auth.Verifier

	router http.Handler
}

// New constructs a configured HTTP router with authentication and
// idempotency support.
func New(cfg Config) (*Server, error) {
	if cfg.DB == nil {
		return nil, errors.New("server: db is required")
	}
	if cfg.Sessions == nil || cfg.Balances == nil || cfg.Recorder == nil {
		return nil, errors.New("server: sessions, balances, and recorder are required")
	}
	if cfg.Verifier == nil {
		return nil, errors.New("server: auth verifier is required")
	}
	srv := &Server{
		db:       cfg.DB,
		sessions: cfg.Sessions,
		balances: cfg.Balances,
		recorder: cfg.Recorder,
		recon:    cfg.Recon,
		verifier: cfg.Verifier,
	}
	srv.router = srv.buildRouter()
	return srv, nil
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

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Use(s.verifier.Middleware)
		api.Use(func(next http.Handler) http.Handler { return middleware.WithIdempotency(s.db, next) })

		api.With(auth.RequireRole(auth.RoleShop, auth.RoleAdmin)).Post("/sessions", s.CreateSession)
		api.With(auth.RequireRole(auth.RoleShop, auth.RoleAdmin)).Post("/sessions/{id}/approve", s.ApproveSession)
		api.With(auth.RequireRole(auth.RoleShop, auth.RoleAdmin)).Post("/sessions/{id}/reject", s.RejectSession)
		api.Get("/sessions/{id}", s.GetSession)
		api.Get("/balance/{address}", s.GetBalance)
		api.With(auth.RequireRole(auth.RoleShop, auth.RoleAdmin)).Post("/earnings", s.RecordEarning)
		api.With(auth.RequireRole(auth.RoleAdmin)).Post("/referrals", s.RecordReferral)
		api.With(auth.RequireRole(auth.RoleAdmin, auth.RoleAuditor)).Get("/recon/latest", s.LatestRecon)
	})

	return r
}

// Healthz reports liveness including database connectivity.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "db_unavailable", "database ping failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON shape of every non-2xx response so clients can
// distinguish rejection reasons programmatically.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// mapDomainError translates sentinel errors into distinct HTTP responses.
func (s *Server) mapDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, "session_not_found", "session does not exist")
	case errors.Is(err, session.ErrSessionExpired):
		s.writeError(w, http.StatusGone, "session_expired", "session expired before approval")
	case errors.Is(err, session.ErrSessionAlreadyResolved):
		s.writeError(w, http.StatusConflict, "session_already_resolved", "session is already in a terminal state")
	case errors.Is(err, session.ErrInsufficientBalance):
		s.writeError(w, http.StatusConflict, "insufficient_balance", "amount exceeds spendable balance")
	case errors.Is(err, session.ErrShopNotEligible):
		s.writeError(w, http.StatusForbidden, "shop_not_eligible", "shop is not eligible for redemptions")
	case errors.Is(err, session.ErrInvalidSignature):
		s.writeError(w, http.StatusUnauthorized, "invalid_signature", "signature does not recover to the session customer")
	case errors.Is(err, noncestore.ErrNonceReused):
		s.writeError(w, http.StatusConflict, "nonce_reused", "session nonce was already consumed")
	case errors.Is(err, ledger.ErrNothingEarned):
		s.writeError(w, http.StatusUnprocessableEntity, "nothing_earned", "service price is below the reward threshold")
	case errors.Is(err, chain.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "chain_unavailable", "token contract endpoint unavailable")
	default:
		s.writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

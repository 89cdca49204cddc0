package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/Mindburn-Labs/docket/pkg/decision"
	"github.com/Mindburn-Labs/docket/pkg/inbound"
	"github.com/Mindburn-Labs/docket/pkg/notify"
	"github.com/Mindburn-Labs/docket/pkg/store"
)

// Server exposes the case engine over HTTP.
type Server struct {
	store    *store.Store
	resolver *decision.Resolver
	pipeline *inbound.Pipeline
	hub      *notify.Hub
	verifier *TokenVerifier

	corsOrigins []string
	rateRPS     float64
	rateBurst   int
	heartbeat   time.Duration
	logger      *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithCORSOrigins restricts browser origins. Empty means same-origin
// deployments only; "*" opens everything (dev).
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithRateLimit overrides the per-client request budget.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) { s.rateRPS, s.rateBurst = rps, burst }
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

// NewServer wires the HTTP layer. The verifier may be nil, in which case
// every authenticated route rejects (fail closed).
func NewServer(
	st *store.Store,
	res *decision.Resolver,
	pipe *inbound.Pipeline,
	hub *notify.Hub,
	verifier *TokenVerifier,
	opts ...ServerOption,
) *Server {
	s := &Server{
		store:     st,
		resolver:  res,
		pipeline:  pipe,
		hub:       hub,
		verifier:  verifier,
		rateRPS:   10,
		rateBurst: 20,
		heartbeat: 25 * time.Second,
		logger:    slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))

	// Registered before the routes so mounted subrouters inherit them.
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "No such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
	})

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(AuthMiddleware(s.verifier))
		r.Use(RateLimitMiddleware(s.rateRPS, s.rateBurst))
		r.Post("/decisions/{proposalID}", s.handleDecision)
		r.Post("/cases/{caseID}/reset-to-last-inbound", s.handleReset)
		r.Post("/cases/{caseID}/trigger-inbound/{messageID}", s.handleTrigger)
		r.Get("/cases/{caseID}/activity", s.handleActivity)
		r.Get("/events", s.handleEvents)
	})

	return r
}

// handleHealth is the unauthenticated liveness probe.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

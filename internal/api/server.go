package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/guardianvoice/gvbridge/internal/api/middleware"
	"github.com/guardianvoice/gvbridge/internal/bridge"
	"github.com/guardianvoice/gvbridge/internal/engine"
	"github.com/guardianvoice/gvbridge/internal/store"
)

// Commander accepts transition requests for the bridge machine. All call
// commands on this surface are fire-and-forget: the HTTP response only
// acknowledges enqueueing, outcomes arrive on the event stream.
type Commander interface {
	Submit(t bridge.Transition)
}

// EngineControl is the slice of the engine surface driven directly by
// HTTP commands rather than through the bridge machine.
type EngineControl interface {
	Start(ctx context.Context) error
	SetAccount(ctx context.Context, acc engine.Account) error
}

// WakeHandler processes raw push wake payloads.
type WakeHandler interface {
	HandleRaw(ctx context.Context, body []byte) error
}

// WakeLimiter rate-limits wake webhook sources.
type WakeLimiter interface {
	Allow(key string) bool
}

// TokenRegistrar forwards push tokens to the backend.
type TokenRegistrar interface {
	RegisterToken(ctx context.Context, token, platform, username, domain string) error
	Configured() bool
}

// AccountReader loads the configured SIP account.
type AccountReader interface {
	LoadAccount(ctx context.Context) (*engine.Account, error)
}

// CallHistory reads the persisted call log.
type CallHistory interface {
	Recent(ctx context.Context, limit int) ([]store.Entry, error)
}

// Deps holds the collaborators the HTTP server drives.
type Deps struct {
	Machine   Commander
	Engine    EngineControl
	Wake      WakeHandler
	Limiter   WakeLimiter
	Push      TokenRegistrar
	Accounts  AccountReader
	History   CallHistory
	Events    *bridge.Emitter
	Metrics   http.Handler
	JWTSecret []byte

	// RunCtx is the daemon's lifetime context. Engine start is bound to
	// it, not to the request that happened to trigger it.
	RunCtx context.Context

	Logger *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	deps   Deps
	logger *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	if deps.RunCtx == nil {
		deps.RunCtx = context.Background()
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		logger: deps.Logger.With("subsystem", "api"),
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(chimw.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		// Unauthenticated routes. The wake webhook carries no caller
		// credentials (push providers post to it directly) and is
		// rate-limited per source instead.
		r.Get("/health", s.handleHealth)
		r.Post("/wake", s.handleWake)
		r.Post("/auth/token", s.handleAuthToken)

		// Command surface, bearer-token protected.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.deps.JWTSecret))

			r.Post("/initialize", s.handleInitialize)
			r.Post("/account", s.handleSetAccount)
			r.Post("/push-token", s.handleRegisterPushToken)

			r.Route("/calls", func(r chi.Router) {
				r.Post("/", s.handlePlaceCall)
				r.Post("/answer", s.handleAnswer)
				r.Post("/hangup", s.handleHangup)
				r.Post("/hold", s.handleHold)
				r.Post("/mute", s.handleMute)
				r.Post("/dtmf", s.handleDTMF)
				r.Post("/speaker", s.handleSpeaker)
				r.Get("/log", s.handleCallLog)
			})

			r.Get("/events", s.handleEvents)
		})
	})

	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

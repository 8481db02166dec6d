package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"shortsched/internal/core"
	"shortsched/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	store      *store.Store
	automation *core.Engine
	scheduler  *core.Scheduler
	mcpHandler http.Handler
	logger     *slog.Logger
	location   *time.Location
	authToken  string
	now        func() time.Time
}

// NewServer constructs the HTTP API server. mcpHandler is mounted at /mcp
// when non-nil.
func NewServer(addr string, authToken string, store *store.Store, automation *core.Engine, scheduler *core.Scheduler, mcpHandler http.Handler, logger *slog.Logger, location *time.Location) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if location == nil {
		location = time.UTC
	}
	s := &Server{
		router:     router,
		store:      store,
		automation: automation,
		scheduler:  scheduler,
		mcpHandler: mcpHandler,
		logger:     logger,
		location:   location,
		authToken:  authToken,
		now:        func() time.Time { return time.Now().UTC() },
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if s.mcpHandler != nil {
		var mcpHandler = s.mcpHandler
		if s.authToken != "" {
			mcpHandler = AuthMiddleware(s.authToken)(mcpHandler)
		}
		s.router.Handle("/mcp", mcpHandler)
	}

	s.router.Route("/v1", func(r chi.Router) {
		if s.authToken != "" {
			r.Use(AuthMiddleware(s.authToken))
		}

		r.Post("/schedule/preview", s.handleSchedulePreview)

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Post("/", s.handleCreateChannel)

			r.Route("/{channelID}", func(r chi.Router) {
				r.Get("/", s.handleGetChannel)
				r.Patch("/", s.handleUpdateChannel)
				r.Delete("/", s.handleDeleteChannel)
				r.Get("/check", s.handleCheckChannel)
				r.Get("/schedule", s.handleChannelSchedule)
				r.Post("/run-now", s.handleRunChannelNow)
				r.Post("/reset-running", s.handleResetRunning)
			})
		})

		r.Get("/jobs", s.handleListJobs)

		r.Route("/automation", func(r chi.Router) {
			r.Post("/run-scheduled", s.handleRunScheduled)
			r.Post("/reset-running-flags", s.handleResetAllRunning)
			r.Post("/stop-channel", s.handleStopChannel)

			r.Route("/debug", func(r chi.Router) {
				r.Get("/runs", s.handleListRuns)
				r.Get("/runs/{runID}", s.handleGetRun)
				r.Get("/system", s.handleSystem)
			})
		})
	})
}

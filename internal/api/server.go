// Package api is the HTTP transport for warpgate. It maps requests onto
// the gate, approval and cycle operations and maps results and errors onto
// JSON bodies. Every rejected operation answers with
// {error, reason, currentState}.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"warpgate/internal/approval"
	"warpgate/internal/cycle"
	"warpgate/internal/gate"
	"warpgate/internal/logging"
	"warpgate/internal/metrics"
	"warpgate/internal/types"
)

// maxBodyBytes bounds request bodies. Proposals carry whole files.
const maxBodyBytes = 4 << 20

// GateService is the admission gate surface.
type GateService interface {
	Status() gate.Status
	ActivateWarp() gate.Status
	DeactivateWarp() gate.Status
	ActivateChaos(d time.Duration) (gate.Status, error)
	DeactivateChaos() gate.Status
}

// Approvals is the proposal and approval surface.
type Approvals interface {
	Submit(ctx context.Context, candidate *types.Proposal) (*approval.SubmitResult, error)
	Approve(ctx context.Context, id, reviewer, reason string) (*types.Approval, error)
	Reject(ctx context.Context, id, reviewer, reason string) (*types.Approval, error)
	ReportBuild(ctx context.Context, id string, ok bool, output string) (*types.Approval, error)
	ReportPublish(ctx context.Context, id, ref, errText string) (*types.Approval, error)
	GetDetail(ctx context.Context, id string) (*approval.Detail, error)
	GetProposal(ctx context.Context, id string) (*types.Proposal, error)
	ListPending(ctx context.Context, agentType types.AgentType, limit int) ([]*types.Approval, error)
	Stats(ctx context.Context, agentType types.AgentType, windowDays int) (*types.Stats, error)
}

// Cycles runs a learning cycle synchronously.
type Cycles interface {
	Run(ctx context.Context, ev cycle.Event) cycle.Result
}

// Queue accepts cycles for background execution.
type Queue interface {
	Enqueue(ev cycle.Event) error
	Pending() int
}

// Deps bundles what the server exposes. Cycles, Queue, Metrics and Health
// are optional; their routes answer 404 or skip instrumentation without
// them.
type Deps struct {
	Gate      GateService
	Approvals Approvals
	Cycles    Cycles
	Queue     Queue
	Metrics   *metrics.Metrics
	Health    func(ctx context.Context) error
}

// Server is the HTTP transport.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps) (*Server, error) {
	if deps.Gate == nil || deps.Approvals == nil {
		return nil, errors.New("api server requires gate and approvals")
	}
	s := &Server{deps: deps}
	s.router = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.instrument)
	r.Use(limitBody)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	// Gate surface.
	r.Get("/admission-status", s.handleAdmissionStatus)
	r.Post("/activate-warp", s.handleActivateWarp)
	r.Post("/deactivate-warp", s.handleDeactivateWarp)
	r.Post("/activate-chaos", s.handleActivateChaos)
	r.Post("/deactivate-chaos", s.handleDeactivateChaos)

	r.Route("/proposals", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGetProposal)
	})

	r.Route("/approvals", func(r chi.Router) {
		r.Get("/pending", s.handleListPending)
		r.Get("/{id}", s.handleGetApproval)
		r.Post("/{id}/approve", s.handleApprove)
		r.Post("/{id}/reject", s.handleReject)
		r.Post("/{id}/build-result", s.handleBuildResult)
		r.Post("/{id}/publish-result", s.handlePublishResult)
	})

	r.Get("/stats", s.handleStats)

	r.Route("/cycles", func(r chi.Router) {
		r.Post("/", s.handleRunCycle)
		r.Post("/enqueue", s.handleEnqueueCycle)
	})
	return r
}

// instrument records request metrics under the matched route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.deps.Metrics.HTTPRequest(r.Method, route, status, elapsed)
		logging.APIDebug("%s %s -> %d (%s)", r.Method, route, status, elapsed)
	})
}

func limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// Serve listens on addr until ctx is done, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.ServeListener(ctx, ln, shutdownTimeout)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.API("listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logging.API("shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Compile-time checks against the concrete services.
var (
	_ GateService = (*gate.Gate)(nil)
	_ Approvals   = (*approval.Machine)(nil)
	_ Cycles      = (*cycle.Cycle)(nil)
	_ Queue       = (*cycle.Runner)(nil)
)

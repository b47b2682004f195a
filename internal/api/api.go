// Package api is the HTTP intake that turns lead requests into published
// lead events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/lsm/leadgate/internal/correlation"
	"github.com/lsm/leadgate/internal/event"
)

const (
	// HeaderTenantID optionally names the tenant of a request.
	HeaderTenantID = "X-Tenant-Id"

	// MaxBodyBytes bounds a lead request body.
	MaxBodyBytes = 64 << 10

	shutdownTimeout = 10 * time.Second
)

// LeadPublisher writes one lead event per accepted command.
type LeadPublisher interface {
	Publish(ctx context.Context, cmd event.Command, tenantHint, correlationID string) (uuid.UUID, error)
}

// Server serves the lead API.
type Server struct {
	publisher LeadPublisher
	limiter   *tenantLimiter
	logger    *slog.Logger
	server    *http.Server
	ready     chan struct{}

	// ListenAddr is the bound address once Start is listening.
	ListenAddr string
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.logger = l } }

// WithRateLimit limits each tenant to rps requests per second with the
// given burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) { s.limiter = newTenantLimiter(rps, burst) }
}

// New creates a Server publishing through pub.
func New(pub LeadPublisher, opts ...Option) (*Server, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	s := &Server{
		publisher: pub,
		logger:    slog.Default(),
		ready:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Handler returns the routed, instrumented handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/leads", s.handleCreateLead)
	return otelhttp.NewHandler(correlation.Middleware(mux), "leadgate-api")
}

// Ready is closed once Start is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Start serves on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Start(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ListenAddr = lis.Addr().String()
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("lead api starting", "addr", s.ListenAddr)
		close(s.ready)
		if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("lead api shutdown error", "error", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

type errorResponse struct {
	Error      string            `json:"error"`
	Violations []event.Violation `json:"violations,omitempty"`
}

func (s *Server) handleCreateLead(w http.ResponseWriter, r *http.Request) {
	tenant := event.NormalizeTenant(r.Header.Get(HeaderTenantID))
	corr, _ := correlation.FromContext(r.Context())
	if err := event.ValidateTenant(tenant); err != nil {
		var invalid *event.ValidationError
		errors.As(err, &invalid)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid tenant", Violations: invalid.Violations})
		return
	}
	logger := s.logger.With("tenant_id", tenant, "correlation_id", corr.Value)

	if !s.limiter.Allow(tenant) {
		w.Header().Set("Retry-After", "1")
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	var cmd event.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request: " + err.Error()})
		return
	}
	if dec.More() {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request: trailing data"})
		return
	}

	id, err := s.publisher.Publish(r.Context(), cmd, tenant, corr.Value)
	if err != nil {
		var invalid *event.ValidationError
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid lead", Violations: invalid.Violations})
			return
		}
		logger.Error("lead publish failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "lead could not be published"})
		return
	}

	w.Header().Set("Location", "/api/leads/events/"+id.String())
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, id.String())
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

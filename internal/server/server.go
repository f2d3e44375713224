// Package server exposes the resource server over HTTP: the tool
// invocation surface, the protected resource metadata document, and
// operational endpoints.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/project-umbra/warden/internal/authn"
	"github.com/project-umbra/warden/internal/authz"
	"github.com/project-umbra/warden/internal/delegation"
	"github.com/project-umbra/warden/internal/metadata"
	"github.com/project-umbra/warden/internal/tokencache"
)

// Config configures the HTTP server
type Config struct {
	// Addr is the listen address, e.g. ":8080"
	Addr string

	// ResourceURL is this server's public base URL, used to build the
	// resource_metadata challenge parameter
	ResourceURL string

	// Metadata is the protected resource metadata document
	Metadata metadata.Document

	// Auth authenticates every request
	Auth *authn.Service

	// Tools executes invocations
	Tools *authz.ToolSet

	// Registry backs the health endpoint. Optional.
	Registry *delegation.Registry

	// Cache backs the metrics endpoint. Optional.
	Cache *tokencache.Cache

	// Logger is the server logger (default: slog.Default())
	Logger *slog.Logger

	// ShutdownGrace bounds graceful shutdown (default 10s)
	ShutdownGrace time.Duration
}

// Server is the HTTP front end
type Server struct {
	addr          string
	metadataURL   string
	metadataDoc   metadata.Document
	auth          *authn.Service
	tools         *authz.ToolSet
	registry      *delegation.Registry
	cache         *tokencache.Cache
	logger        *slog.Logger
	shutdownGrace time.Duration

	httpServer *http.Server
}

// New validates the wiring and creates the server
func New(cfg Config) (*Server, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("listen address is required")
	}
	if cfg.Auth == nil {
		return nil, fmt.Errorf("authentication service is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool set is required")
	}
	if cfg.ResourceURL == "" {
		cfg.ResourceURL = cfg.Metadata.Resource
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	return &Server{
		addr:          cfg.Addr,
		metadataURL:   strings.TrimSuffix(cfg.ResourceURL, "/") + metadata.WellKnownPath,
		metadataDoc:   cfg.Metadata,
		auth:          cfg.Auth,
		tools:         cfg.Tools,
		registry:      cfg.Registry,
		cache:         cfg.Cache,
		logger:        logger,
		shutdownGrace: grace,
	}, nil
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc(metadata.WellKnownPath, s.metadataDoc.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.Handle("/v1/tools", s.withAuth(http.HandlerFunc(s.handleListTools)))
	mux.Handle("/v1/invoke", s.withAuth(http.HandlerFunc(s.handleInvoke)))

	return mux
}

// Run serves until the context is cancelled, then drains connections
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownGrace)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// invokeRequest is the tool invocation body
type invokeRequest struct {
	Tool   string         `json:"tool"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.writeEnvelope(w, http.StatusMethodNotAllowed, authz.Failure(
			authz.NewError(http.StatusMethodNotAllowed, authz.CodeInvalidInput, "POST is required")))
		return
	}

	session, _ := SessionFrom(r.Context())

	var req invokeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeEnvelope(w, http.StatusBadRequest, authz.Failure(
			authz.NewError(http.StatusBadRequest, authz.CodeInvalidInput, "request body is not valid JSON")))
		return
	}
	if req.Tool == "" {
		s.writeEnvelope(w, http.StatusBadRequest, authz.Failure(
			authz.NewError(http.StatusBadRequest, authz.CodeInvalidInput, "tool name is required")))
		return
	}

	envelope := s.tools.Execute(r.Context(), req.Tool, session, req.Params)
	s.writeEnvelope(w, statusFor(envelope), envelope)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	session, _ := SessionFrom(r.Context())
	s.writeEnvelope(w, http.StatusOK, authz.Success(map[string]any{
		"tools": s.tools.List(session),
	}))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	modules := map[string]string{}

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		for name, err := range s.registry.HealthCheck(ctx) {
			if err != nil {
				status = http.StatusServiceUnavailable
				modules[name] = "unhealthy"
				s.logger.Warn("module health check failed", "module", name, "error", err)
			} else {
				modules[name] = "ok"
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  healthWord(status),
		"modules": modules,
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{}
	if s.cache != nil {
		m := s.cache.Metrics()
		payload["token_cache"] = map[string]any{
			"hits":                m.Hits,
			"misses":              m.Misses,
			"decryption_failures": m.DecryptionFailures,
			"requestor_mismatch":  m.RequestorMismatch,
			"active_sessions":     m.ActiveSessions,
			"total_entries":       m.TotalEntries,
			"approx_bytes":        m.ApproxBytes,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, envelope authz.Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

// statusFor maps an envelope back to an HTTP status. Failure codes carry
// their own hints; success is always 200.
func statusFor(envelope authz.Envelope) int {
	if envelope.Status == "success" {
		return http.StatusOK
	}
	switch envelope.Code {
	case authz.CodeUnauthenticated:
		return http.StatusUnauthorized
	case authz.CodeInsufficientPermissions, authz.CodeInsufficientScope:
		return http.StatusForbidden
	case authz.CodeInvalidInput:
		return http.StatusBadRequest
	case authz.CodeModuleNotAvailable:
		return http.StatusNotFound
	case authz.CodeDelegationFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func healthWord(status int) string {
	if status == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

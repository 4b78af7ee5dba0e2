// Package webhook implements the local HTTP ingress: Home Assistant
// alert webhooks plus health, metrics and triage introspection.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/jarvis/internal/buildinfo"
	"github.com/nugget/jarvis/internal/connwatch"
	"github.com/nugget/jarvis/internal/events"
	"github.com/nugget/jarvis/internal/router"
)

// MaxBodyBytes bounds a webhook request body.
const MaxBodyBytes = 64 << 10

// TokenHeader carries the optional shared secret.
const TokenHeader = "X-Webhook-Token"

// writeJSON encodes v as JSON to w, logging any errors at debug level.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Queue accepts events for the conversation pipeline.
type Queue interface {
	Enqueue(ctx context.Context, ev events.Event) error
}

// Alert is the JSON body of POST /alert.
type Alert struct {
	Title    string `json:"title" validate:"max=200"`
	Message  string `json:"message" validate:"required,max=4000"`
	EntityID string `json:"entity_id" validate:"omitempty,max=255"`
}

// Config configures the listener.
type Config struct {
	Addr  string // host:port; loopback by default
	Token string // when set, required in TokenHeader

	// Services, when set, reports external service health on /health.
	Services func() []connwatch.Status
}

// Server is the webhook HTTP server.
type Server struct {
	cfg      Config
	queue    Queue
	router   *router.Router
	logger   *slog.Logger
	validate *validator.Validate
	server   *http.Server
}

// NewServer creates a server that enqueues alerts on q. rtr may be nil;
// it only backs the triage introspection endpoints.
func NewServer(cfg Config, q Queue, rtr *router.Router, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8765"
	}
	return &Server{
		cfg:      cfg,
		queue:    q,
		router:   rtr,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(Metrics)
	r.Use(s.withLogging)

	r.Post("/alert", s.handleAlert)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/v1/router/stats", s.handleRouterStats)
	r.Get("/v1/router/audit", s.handleRouterAudit)
	r.Get("/v1/router/explain/{requestID}", s.handleRouterExplain)
	return r
}

// Start listens until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "address", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.logger.Info("webhook server stopped")
		return nil
	}
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func textResponse(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, msg)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		got := r.Header.Get(TokenHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			textResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			textResponse(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		textResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	var alert Alert
	if err := json.Unmarshal(body, &alert); err != nil {
		textResponse(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	alert.Message = strings.TrimSpace(alert.Message)
	if alert.Message == "" {
		textResponse(w, http.StatusBadRequest, "Missing 'message' field")
		return
	}
	if err := s.validate.Struct(alert); err != nil {
		textResponse(w, http.StatusBadRequest, "Invalid alert: "+err.Error())
		return
	}

	ev := events.New(events.OriginWebhook, events.KindWebhook, events.ConversationWebhook, alert.Message)
	ev.Title = alert.Title
	ev.EntityID = alert.EntityID

	if err := s.queue.Enqueue(r.Context(), ev); err != nil {
		s.logger.Error("webhook enqueue failed", "error", err)
		textResponse(w, http.StatusServiceUnavailable, "Unavailable")
		return
	}

	s.logger.Info("webhook received",
		"event_id", ev.ID,
		"title", alert.Title,
		"entity_id", alert.EntityID,
	)
	writeJSON(w, map[string]string{"status": "ok"}, s.logger)
}

// handleHealth always answers 200; a down dependency shows as
// "degraded" with the failing service listed.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status":  "healthy",
		"version": buildinfo.Version,
		"uptime":  buildinfo.Uptime().String(),
	}
	if s.cfg.Services != nil {
		services := s.cfg.Services()
		for _, st := range services {
			if !st.Ready {
				body["status"] = "degraded"
			}
		}
		body["services"] = services
	}
	writeJSON(w, body, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": message, "code": code},
	}); err != nil {
		s.logger.Debug("failed to write JSON response", "error", err)
	}
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, _ *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	writeJSON(w, s.router.GetStats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	limit := 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	decisions := s.router.GetAuditLog(limit)
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) handleRouterExplain(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}

	decision := s.router.Explain(chi.URLParam(r, "requestID"))
	if decision == nil {
		s.errorResponse(w, http.StatusNotFound, "decision not found")
		return
	}
	writeJSON(w, decision, s.logger)
}

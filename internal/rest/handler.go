// Package rest provides HTTP/JSON endpoints for agentpay.
//
// This package wraps the gRPC services so clients that don't speak gRPC
// get the same behavior. Request and response bodies are the JSON form of
// the services' Struct messages.
//
// Endpoints:
//
//	POST /v1/ask             - Pay for and fetch one answer
//	POST /v1/purchase        - Buy an agent
//	POST /v1/credits         - Buy credits
//	GET  /v1/analytics       - Reconciled aggregate (?agent=1&agent=2&creator=0x..)
//	GET  /v1/agents/{id}     - Agent metadata and stats
//	GET  /v1/sessions/{id}   - Persisted session view
//	GET  /health             - Health check
//	GET  /ready              - Readiness check
//	GET  /metrics            - Prometheus metrics
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/agentpay/internal/api"
	"github.com/kelpejol/agentpay/internal/session"
)

// maxBody bounds request bodies.
const maxBody = 1 << 20

// Sessions looks up persisted sessions.
type Sessions interface {
	Lookup(ctx context.Context, id string) (session.Record, error)
}

// Check is one named readiness probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options configures optional endpoints.
type Options struct {
	// Sessions serves GET /v1/sessions/{id} when set.
	Sessions Sessions
	// Ready lists the probes behind /ready.
	Ready []Check
	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

// Handler provides REST API endpoints.
type Handler struct {
	settlement api.SettlementServer
	analytics  api.AnalyticsServer
	opts       Options
	log        zerolog.Logger
}

// NewHandler creates a new REST API handler.
func NewHandler(settlement api.SettlementServer, analytics api.AnalyticsServer, opts Options, logger zerolog.Logger) *Handler {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{
		settlement: settlement,
		analytics:  analytics,
		opts:       opts,
		log:        logger.With().Str("component", "rest_handler").Logger(),
	}
}

// RegisterRoutes registers all REST API routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/ask", h.call(h.settlement.Ask))
	mux.HandleFunc("POST /v1/purchase", h.call(h.settlement.Purchase))
	mux.HandleFunc("POST /v1/credits", h.call(h.settlement.TopUp))
	mux.HandleFunc("GET /v1/analytics", h.handleAnalytics)
	mux.HandleFunc("GET /v1/agents/{id}", h.handleAgent)
	if h.opts.Sessions != nil {
		mux.HandleFunc("GET /v1/sessions/{id}", h.handleSession)
	}

	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /ready", h.handleReady)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.opts.Gatherer, promhttp.HandlerOpts{}))
}

type rpc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// call decodes a JSON object body and forwards it to a settlement method.
func (h *Handler) call(method rpc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := &structpb.Struct{}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(req); err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
			return
		}
		resp, err := method(r.Context(), req)
		if err != nil {
			h.handleGRPCError(w, err)
			return
		}
		h.writeJSON(w, sessionStatus(resp), resp)
	}
}

// sessionStatus maps a session outcome to an HTTP status. A degraded
// session was paid for; the answer service is the failing upstream.
func sessionStatus(resp *structpb.Struct) int {
	fields := resp.GetFields()
	switch {
	case fields["degraded"].GetBoolValue():
		return http.StatusBadGateway
	case fields["state"].GetStringValue() == "failed":
		return http.StatusUnprocessableEntity
	default:
		return http.StatusOK
	}
}

// handleAnalytics handles GET /v1/analytics
func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fields := map[string]interface{}{}
	if agents := q["agent"]; len(agents) > 0 {
		ids := make([]interface{}, 0, len(agents))
		for _, a := range agents {
			ids = append(ids, a)
		}
		fields["agentIds"] = ids
	}
	if creator := q.Get("creator"); creator != "" {
		fields["creator"] = creator
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.analytics.Reconcile(r.Context(), req)
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleAgent handles GET /v1/agents/{id}
func (h *Handler) handleAgent(w http.ResponseWriter, r *http.Request) {
	req, err := structpb.NewStruct(map[string]interface{}{"agentId": r.PathValue("id")})
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := h.analytics.Agent(r.Context(), req)
	if err != nil {
		h.handleGRPCError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// handleSession handles GET /v1/sessions/{id}
func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	rec, err := h.opts.Sessions.Lookup(r.Context(), r.PathValue("id"))
	if errors.Is(err, session.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("session lookup failed")
		h.writeError(w, http.StatusInternalServerError, "session lookup failed")
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// handleHealth handles GET /health
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady handles GET /ready
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range h.opts.Ready {
		if err := c.Run(ctx); err != nil {
			h.log.Warn().Err(err).Str("check", c.Name).Msg("readiness check failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: " + c.Name))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

// handleGRPCError converts gRPC errors to HTTP errors.
func (h *Handler) handleGRPCError(w http.ResponseWriter, err error) {
	st := status.Convert(err)
	statusCode := httpStatus(st.Code())

	if statusCode >= 500 {
		h.log.Error().Err(err).Int("status", statusCode).Msg("REST API error")
	} else {
		h.log.Debug().Err(err).Int("status", statusCode).Msg("REST API request refused")
	}
	h.writeError(w, statusCode, st.Message())
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusUnprocessableEntity
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError writes a JSON error response.
func (h *Handler) writeError(w http.ResponseWriter, statusCode int, message string) {
	h.writeJSON(w, statusCode, map[string]interface{}{
		"error": map[string]interface{}{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// CORS middleware for development
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware logs all HTTP requests
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", wrapped.statusCode).
				Dur("duration_ms", time.Since(start)).
				Str("remote_addr", r.RemoteAddr).
				Msg("HTTP request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

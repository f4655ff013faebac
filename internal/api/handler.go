// Package api exposes the credit ledger over HTTP/JSON.
//
// The bot-interaction layer is the only intended client. It adapts
// Telegram updates into these calls and owns every Telegram-specific
// concern; this surface knows nothing about chats, messages, or styles.
//
// Endpoints:
//   GET  /v1/balance/{user_id}   - current balance (cache-first)
//   POST /v1/balance/check       - sufficiency check for a given cost
//   POST /v1/balance/adjust      - signed balance adjustment
//   POST /v1/users               - create or touch a user account
//   GET  /v1/stats               - aggregate account statistics
//   GET  /health                 - liveness
//   GET  /ready                  - readiness (store connectivity)
//   GET  /metrics                - Prometheus metrics
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/portraitlab/stella/internal/ledger"
	"github.com/portraitlab/stella/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stella_http_requests_total",
		Help: "HTTP requests processed, by endpoint and status",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stella_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})
)

// Readiness is what /ready and /v1/stats call on the store. The store
// satisfies it.
type Readiness interface {
	Ping(ctx context.Context) error
	UserStats(ctx context.Context) (store.Stats, error)
}

// Handler serves the ledger REST API.
type Handler struct {
	ledger *ledger.Service
	stats  Readiness
	log    zerolog.Logger
}

// NewHandler creates the REST handler.
func NewHandler(svc *ledger.Service, stats Readiness, logger zerolog.Logger) *Handler {
	return &Handler{
		ledger: svc,
		stats:  stats,
		log:    logger.With().Str("component", "api").Logger(),
	}
}

// RegisterRoutes installs all routes on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/balance/", h.handleBalance)
	mux.HandleFunc("/v1/balance/check", h.handleCheck)
	mux.HandleFunc("/v1/balance/adjust", h.handleAdjust)
	mux.HandleFunc("/v1/users", h.handleUpsertUser)
	mux.HandleFunc("/v1/stats", h.handleStats)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/ready", h.handleReady)
	mux.Handle("/metrics", promhttp.Handler())
}

// handleBalance handles GET /v1/balance/{user_id}.
func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/v1/balance"))
	defer timer.ObserveDuration()

	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET", "/v1/balance", "method not allowed")
		return
	}

	raw := strings.TrimPrefix(r.URL.Path, "/v1/balance/")
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || userID <= 0 {
		h.writeError(w, http.StatusBadRequest, "GET", "/v1/balance", "invalid user_id")
		return
	}

	balance := h.ledger.GetBalance(r.Context(), userID)
	h.writeJSON(w, http.StatusOK, "GET", "/v1/balance", map[string]any{
		"user_id": userID,
		"balance": balance,
	})
}

// handleCheck handles POST /v1/balance/check.
func (h *Handler) handleCheck(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/v1/balance/check"))
	defer timer.ObserveDuration()

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST", "/v1/balance/check", "method not allowed")
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
		Cost   int64 `json:"cost"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "POST", "/v1/balance/check", "invalid JSON: "+err.Error())
		return
	}
	if req.UserID <= 0 || req.Cost <= 0 {
		h.writeError(w, http.StatusBadRequest, "POST", "/v1/balance/check", "user_id and cost must be positive")
		return
	}

	balance := h.ledger.GetBalance(r.Context(), req.UserID)
	h.writeJSON(w, http.StatusOK, "POST", "/v1/balance/check", map[string]any{
		"user_id":    req.UserID,
		"balance":    balance,
		"cost":       req.Cost,
		"sufficient": balance >= req.Cost,
	})
}

// handleAdjust handles POST /v1/balance/adjust.
func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/v1/balance/adjust"))
	defer timer.ObserveDuration()

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST", "/v1/balance/adjust", "method not allowed")
		return
	}

	var req struct {
		UserID int64 `json:"user_id"`
		Delta  int64 `json:"delta"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "POST", "/v1/balance/adjust", "invalid JSON: "+err.Error())
		return
	}
	if req.UserID <= 0 || req.Delta == 0 {
		h.writeError(w, http.StatusBadRequest, "POST", "/v1/balance/adjust", "user_id must be positive and delta non-zero")
		return
	}

	balance := h.ledger.AdjustBalance(r.Context(), req.UserID, req.Delta)
	h.writeJSON(w, http.StatusOK, "POST", "/v1/balance/adjust", map[string]any{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// handleUpsertUser handles POST /v1/users.
func (h *Handler) handleUpsertUser(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/v1/users"))
	defer timer.ObserveDuration()

	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST", "/v1/users", "method not allowed")
		return
	}

	var req struct {
		UserID    int64  `json:"user_id"`
		Username  string `json:"username"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "POST", "/v1/users", "invalid JSON: "+err.Error())
		return
	}
	if req.UserID <= 0 {
		h.writeError(w, http.StatusBadRequest, "POST", "/v1/users", "user_id must be positive")
		return
	}

	balance := h.ledger.CreateOrTouchUser(r.Context(), req.UserID, req.Username, req.FirstName, req.LastName)
	h.writeJSON(w, http.StatusOK, "POST", "/v1/users", map[string]any{
		"user_id": req.UserID,
		"balance": balance,
	})
}

// handleStats handles GET /v1/stats.
func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("GET", "/v1/stats"))
	defer timer.ObserveDuration()

	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET", "/v1/stats", "method not allowed")
		return
	}

	st, err := h.stats.UserStats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("stats query failed")
		h.writeError(w, http.StatusInternalServerError, "GET", "/v1/stats", "stats unavailable")
		return
	}

	h.writeJSON(w, http.StatusOK, "GET", "/v1/stats", map[string]any{
		"total_users":       st.TotalUsers,
		"total_generations": st.TotalGenerations,
		"avg_balance":       st.AvgBalance,
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleReady reports whether the store is reachable. A ping, not a
// query: the probe fires often and must stay cheap.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.stats.Ping(ctx); err != nil {
		h.log.Warn().Err(err).Msg("readiness check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (h *Handler) writeJSON(w http.ResponseWriter, statusCode int, method, endpoint string, data any) {
	httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, statusCode int, method, endpoint, message string) {
	h.writeJSON(w, statusCode, method, endpoint, map[string]any{
		"error": map[string]any{
			"code":    statusCode,
			"message": message,
		},
		"timestamp": time.Now().Unix(),
	})
}

// LoggingMiddleware logs every HTTP request with its status and latency.
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

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kjstillabower/observation-service/internal/client"
	"github.com/kjstillabower/observation-service/internal/lifecycle"
	"github.com/kjstillabower/observation-service/internal/models"
	"github.com/kjstillabower/observation-service/internal/observability"
	"github.com/kjstillabower/observation-service/internal/traffic"
)

// Reconciler is the display state the handlers render and refresh.
type Reconciler interface {
	Snapshot() models.DisplayState
	Refresh(ctx context.Context) error
	Trigger(ctx context.Context) bool
	Watch(fn func(models.DisplayState)) (models.DisplayState, func())
}

// HealthConfig holds thresholds for the health handler.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// BreakerState, when set, reports the circuit breaker state for the observation endpoint.
	BreakerState func() string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	reconciler   Reconciler
	healthConfig *HealthConfig
	stream       StreamConfig
	logger       *zap.Logger

	upgrader  websocket.Upgrader
	closing   chan struct{}
	closeOnce sync.Once

	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	reconciler Reconciler,
	healthConfig *HealthConfig,
	stream StreamConfig,
	logger *zap.Logger,
) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		reconciler:   reconciler,
		healthConfig: healthConfig,
		stream:       stream.withDefaults(),
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		closing: make(chan struct{}),
	}
}

// GetObservation handles GET /observation.
func (h *Handler) GetObservation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.reconciler.Snapshot())
}

// PostRefresh handles POST /observation/refresh. By default it starts a refresh
// (or joins the one in flight) and returns 202 with the loading snapshot.
// With ?wait=true it blocks until the refresh lands.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	logger := observability.LoggerFromContext(r.Context(), h.logger)

	if !wait {
		started := h.reconciler.Trigger(r.Context())
		logger.Debug("refresh triggered", zap.Bool("started", started))
		w.Header().Set("X-Refresh-Started", strconv.FormatBool(started))
		writeJSON(w, http.StatusAccepted, h.reconciler.Snapshot())
		return
	}

	err := h.reconciler.Refresh(r.Context())
	if err == nil {
		writeJSON(w, http.StatusOK, h.reconciler.Snapshot())
		return
	}
	if ctxErr := r.Context().Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Refresh did not complete in time")
			return
		}
		logger.Debug("client went away during refresh")
		return
	}
	writeError(w, r, http.StatusBadGateway, "OBSERVATION_UNAVAILABLE", refreshErrorMessage(err))
	logger.Debug("refresh failed", zap.Error(err))
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus()

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	snap := h.reconciler.Snapshot()
	checks := make(map[string]string)
	switch {
	case snap.Error != "":
		checks["observationApi"] = "unhealthy"
	case !lifecycle.IsReady():
		checks["observationApi"] = "pending"
	default:
		checks["observationApi"] = "healthy"
	}
	if h.healthConfig != nil && h.healthConfig.BreakerState != nil {
		checks["circuitBreaker"] = h.healthConfig.BreakerState()
	}

	resp := map[string]interface{}{
		"status":          result.status,
		"service":         "observation-service",
		"version":         "dev",
		"checks":          checks,
		"observationTime": snap.ObservationTime,
		"isLoading":       snap.IsLoading,
		"timestamp":       time.Now().UTC().Format(time.RFC3339),
	}
	if snap.Error != "" {
		resp["lastError"] = snap.Error
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		resp["rateLimitDenials"] = traffic.DenialCount(h.healthConfig.DegradedWindow)
	}
	writeJSON(w, result.statusCode, resp)
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > degraded > healthy.
func (h *Handler) computeHealthStatus() healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusOK, "no_observation_yet"}
	}
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 && h.healthConfig.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(h.healthConfig.DegradedWindow)
		if total > 0 {
			pct := float64(errs) * 100 / float64(total)
			if pct >= float64(h.healthConfig.DegradedErrorPct) {
				return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
			}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code, message,
// and requestId (correlation ID) if available in request context.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": observability.CorrelationIDFromContext(r.Context()),
		},
	})
}

// refreshErrorMessage maps a fetch error to a client-facing message. The full
// error is carried in the snapshot's error field.
func refreshErrorMessage(err error) string {
	switch client.CategorizeError(err) {
	case client.ErrorCategoryInvalidCredential:
		return "Observation endpoint rejected the credential"
	case client.ErrorCategoryCircuitOpen:
		return "Observation endpoint temporarily unavailable"
	case client.ErrorCategoryMalformed:
		return "Observation endpoint returned an unexpected response"
	case client.ErrorCategoryTimeout:
		return "Observation endpoint timed out"
	default:
		return "Unable to fetch observation"
	}
}

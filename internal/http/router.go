package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/observation-service/internal/observability"
)

// RouterConfig holds the middleware settings for NewRouter.
type RouterConfig struct {
	Logger *zap.Logger
	// Limiter guards POST /observation/refresh. nil disables rate limiting.
	Limiter        *rate.Limiter
	RequestTimeout time.Duration
}

// NewRouter wires the handler's routes and middleware.
func NewRouter(h *Handler, cfg RouterConfig) *mux.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	router.HandleFunc("/observation", h.GetObservation).Methods(http.MethodGet)
	router.HandleFunc("/observation/stream", h.StreamObservation).Methods(http.MethodGet)

	refreshRouter := router.Path("/observation/refresh").Subrouter()
	refreshRouter.Use(RateLimitMiddleware(cfg.Limiter))
	if cfg.RequestTimeout > 0 {
		refreshRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	}
	refreshRouter.Methods(http.MethodPost).HandlerFunc(h.PostRefresh)

	return router
}

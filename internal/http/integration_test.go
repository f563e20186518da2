//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/kjstillabower/observation-service/internal/models"
	"github.com/kjstillabower/observation-service/internal/observability"
	testhelpers "github.com/kjstillabower/observation-service/internal/testhelpers"
)

// setupIntegrationRouter creates the full route stack against the live endpoint.
func setupIntegrationRouter(t *testing.T, limiter *rate.Limiter) http.Handler {
	cfg := testhelpers.GetIntegrationConfig(t)
	reconciler := testhelpers.SetupIntegrationReconciler(t, cfg)

	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	handler := NewHandler(reconciler, &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50}, StreamConfig{}, logger)
	return NewRouter(handler, RouterConfig{Logger: logger, Limiter: limiter, RequestTimeout: 15 * time.Second})
}

// TestIntegration_RefreshAndRead drives a waiting refresh against the live
// endpoint and reads the resulting snapshot.
func TestIntegration_RefreshAndRead(t *testing.T) {
	router := setupIntegrationRouter(t, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/observation/refresh?wait=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("refresh status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/observation", nil))
	var snap models.DisplayState
	if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.IsLoading {
		t.Error("IsLoading = true after completed refresh")
	}
	if snap.Location == "" || snap.ObservationTime == "" {
		t.Errorf("snapshot missing fields: %+v", snap)
	}
	t.Logf("snapshot: %+v", snap)
}

// TestIntegration_RateLimiting_Enforcement verifies refresh requests beyond the burst get 429.
func TestIntegration_RateLimiting_Enforcement(t *testing.T) {
	router := setupIntegrationRouter(t, rate.NewLimiter(rate.Limit(0.1), 2))

	var limited int
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/observation/refresh", nil))
		if w.Code == http.StatusTooManyRequests {
			limited++
			if !strings.Contains(w.Body.String(), "RATE_LIMITED") {
				t.Errorf("429 body = %s, want RATE_LIMITED", w.Body.String())
			}
		}
	}
	if limited != 3 {
		t.Errorf("rate limited %d requests, want 3", limited)
	}
}

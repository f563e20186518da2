package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/observation-service/internal/observability"
	"github.com/kjstillabower/observation-service/internal/traffic"
)

func TestMiddleware_ThroughRouter(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(newTestReconciler(&mockFetcher{fields: taipei}, logger), nil, StreamConfig{}, logger)
	router := NewRouter(handler, RouterConfig{Logger: logger})

	req := httptest.NewRequest("GET", "/observation", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("X-Correlation-ID") == "" {
		t.Error("X-Correlation-ID header missing")
	}
}

func TestMiddleware_CorrelationIDPropagated(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	var gotID string
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(zap.New(core)))
	router.HandleFunc("/observation", func(w http.ResponseWriter, r *http.Request) {
		gotID = observability.CorrelationIDFromContext(r.Context())
		observability.LoggerFromContext(r.Context(), zap.NewNop()).Info("inside handler")
	})

	req := httptest.NewRequest("GET", "/observation", nil)
	req.Header.Set("X-Correlation-ID", "client-provided-id")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if got := w.Header().Get("X-Correlation-ID"); got != "client-provided-id" {
		t.Errorf("X-Correlation-ID = %q, want client-provided-id", got)
	}
	if gotID != "client-provided-id" {
		t.Errorf("context correlation ID = %q, want client-provided-id", gotID)
	}
	entries := logs.FilterMessage("inside handler").All()
	if len(entries) != 1 || entries[0].ContextMap()["correlation_id"] != "client-provided-id" {
		t.Errorf("request logger missing correlation_id field: %v", entries)
	}
}

func TestMiddleware_ErrorBodyCarriesRequestID(t *testing.T) {
	handler := NewHandler(newTestReconciler(&mockFetcher{}, zap.NewNop()), nil, StreamConfig{}, zap.NewNop())
	router := NewRouter(handler, RouterConfig{Limiter: rate.NewLimiter(rate.Limit(0.001), 0)})

	req := httptest.NewRequest("POST", "/observation/refresh", nil)
	req.Header.Set("X-Correlation-ID", "req-42")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	e := decodeBody(t, w)["error"].(map[string]interface{})
	if e["requestId"] != "req-42" {
		t.Errorf("requestId = %v, want req-42", e["requestId"])
	}
}

func TestTimeoutMiddleware_CancelsContextAfterTimeout(t *testing.T) {
	var ctxErr error
	h := TimeoutMiddleware(20 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		ctxErr = r.Context().Err()
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/observation/refresh", nil))

	if ctxErr != context.DeadlineExceeded {
		t.Errorf("ctx.Err() = %v, want context.DeadlineExceeded", ctxErr)
	}
}

func TestRateLimitMiddleware_Returns429WhenExceeded(t *testing.T) {
	traffic.Reset()
	defer traffic.Reset()

	limiter := rate.NewLimiter(rate.Limit(0.001), 2)
	h := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/observation/refresh", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests && !strings.Contains(w.Body.String(), "RATE_LIMITED") {
			t.Errorf("429 body = %s, want RATE_LIMITED", w.Body.String())
		}
	}

	want := []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests, http.StatusTooManyRequests}
	for i := range want {
		if codes[i] != want[i] {
			t.Errorf("request %d status = %d, want %d", i, codes[i], want[i])
		}
	}
	if got := traffic.DenialCount(time.Minute); got != 2 {
		t.Errorf("DenialCount = %d, want 2", got)
	}
}

func TestRateLimitMiddleware_NilLimiterPassesThrough(t *testing.T) {
	called := false
	h := RateLimitMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/observation/refresh", nil))
	if !called {
		t.Error("nil limiter should pass requests through")
	}
}

func TestMiddleware_GetRoute(t *testing.T) {
	var got string
	router := mux.NewRouter()
	router.HandleFunc("/observation/{part}", func(w http.ResponseWriter, r *http.Request) {
		got = getRoute(r)
	})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/observation/anything", nil))
	if got != "/observation/{part}" {
		t.Errorf("getRoute() = %q, want template /observation/{part}", got)
	}

	if unmatched := getRoute(httptest.NewRequest("GET", "/nope", nil)); unmatched != "unmatched" {
		t.Errorf("getRoute() without route = %q, want unmatched", unmatched)
	}
}

func TestRouter_RefreshRouteMethods(t *testing.T) {
	handler := NewHandler(newTestReconciler(&mockFetcher{fields: taipei}, zap.NewNop()), nil, StreamConfig{}, zap.NewNop())
	router := NewRouter(handler, RouterConfig{RequestTimeout: time.Second})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/observation/refresh", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /observation/refresh status = %d, want 405", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("POST", "/observation/refresh?wait=1", nil))
	if w.Code != http.StatusOK {
		t.Errorf("POST /observation/refresh?wait=1 status = %d, want 200", w.Code)
	}
}

func TestMiddleware_MetricsRoute(t *testing.T) {
	handler := NewHandler(newTestReconciler(&mockFetcher{}, zap.NewNop()), nil, StreamConfig{}, zap.NewNop())
	router := NewRouter(handler, RouterConfig{})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/observation", nil))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `route="/observation"`) {
		t.Error("/metrics should expose httpRequestsTotal for route /observation")
	}
}

func TestStatusRecorder_HijackUnsupported(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	if _, _, err := rec.Hijack(); err == nil {
		t.Error("Hijack() on a non-hijackable writer should fail")
	}
}

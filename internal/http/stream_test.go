package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kjstillabower/observation-service/internal/lifecycle"
	"github.com/kjstillabower/observation-service/internal/models"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/observation/stream"
}

func readSnapshot(t *testing.T, conn *websocket.Conn) models.DisplayState {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var s models.DisplayState
	require.NoError(t, conn.ReadJSON(&s))
	return s
}

func TestStream_SendsCurrentThenTransitions(t *testing.T) {
	resetGlobals(t)
	fetcher := &mockFetcher{fields: taipei, block: make(chan struct{})}
	r := newTestReconciler(fetcher, zap.NewNop())
	handler := NewHandler(r, nil, StreamConfig{PingInterval: time.Second, WriteTimeout: time.Second, Buffer: 4}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{}))
	defer srv.Close()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	first := readSnapshot(t, conn)
	assert.True(t, first.IsLoading)
	assert.Equal(t, "臺北市", first.Location)

	require.True(t, r.Trigger(context.Background()))
	loading := readSnapshot(t, conn)
	assert.True(t, loading.IsLoading)

	close(fetcher.block)
	done := readSnapshot(t, conn)
	assert.False(t, done.IsLoading)
	assert.Equal(t, "臺北", done.Location)
	require.NotNil(t, done.Temperature)
	assert.Equal(t, 15.3, *done.Temperature)
	assert.Equal(t, 60.0, done.RainPossibility)
}

// burstReconciler publishes a burst of snapshots from inside Watch, before the
// stream loop can drain any of them.
type burstReconciler struct {
	burst int
}

func (b *burstReconciler) Snapshot() models.DisplayState   { return models.DisplayState{} }
func (b *burstReconciler) Refresh(ctx context.Context) error { return nil }
func (b *burstReconciler) Trigger(ctx context.Context) bool  { return false }
func (b *burstReconciler) Watch(fn func(models.DisplayState)) (models.DisplayState, func()) {
	for i := 0; i < b.burst; i++ {
		fn(models.DisplayState{IsLoading: i%2 == 0})
	}
	return models.DisplayState{}, func() {}
}

func TestStream_DropsSlowConsumer(t *testing.T) {
	resetGlobals(t)
	handler := NewHandler(&burstReconciler{burst: 5}, nil, StreamConfig{PingInterval: time.Second, WriteTimeout: time.Second, Buffer: 2}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var readErr error
	for i := 0; i < 10 && readErr == nil; i++ {
		_, _, readErr = conn.ReadMessage()
	}
	require.Error(t, readErr)
	assert.True(t, websocket.IsCloseError(readErr, websocket.ClosePolicyViolation), "got %v", readErr)
}

func TestStream_CloseStreamsSendsGoingAway(t *testing.T) {
	resetGlobals(t)
	handler := NewHandler(newTestReconciler(&mockFetcher{}, zap.NewNop()), nil, StreamConfig{PingInterval: time.Second, WriteTimeout: time.Second}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()
	readSnapshot(t, conn)

	handler.CloseStreams()
	handler.CloseStreams()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestStream_RejectedWhileShuttingDown(t *testing.T) {
	resetGlobals(t)
	lifecycle.SetShuttingDown(true)
	handler := NewHandler(newTestReconciler(&mockFetcher{}, zap.NewNop()), nil, StreamConfig{}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{}))
	defer srv.Close()

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStream_PingKeepsConnectionAlive(t *testing.T) {
	resetGlobals(t)
	handler := NewHandler(newTestReconciler(&mockFetcher{}, zap.NewNop()), nil, StreamConfig{PingInterval: 20 * time.Millisecond, WriteTimeout: time.Second}, zap.NewNop())
	srv := httptest.NewServer(NewRouter(handler, RouterConfig{}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	defer conn.Close()

	pings := make(chan struct{}, 8)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	readSnapshot(t, conn)

	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-pings:
		case <-time.After(2 * time.Second):
			t.Fatal("no ping received from server")
		}
	}
}

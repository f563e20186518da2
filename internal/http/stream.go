package http

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kjstillabower/observation-service/internal/lifecycle"
	"github.com/kjstillabower/observation-service/internal/models"
	"github.com/kjstillabower/observation-service/internal/observability"
)

const maxClientMessageBytes = 512

// StreamConfig tunes GET /observation/stream.
type StreamConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
	// Buffer is how many snapshots may queue for one client before it is dropped.
	Buffer int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 8
	}
	return c
}

// StreamObservation handles GET /observation/stream. It upgrades to a
// websocket, sends the current snapshot, then every published snapshot in
// order. Clients that fall Buffer snapshots behind are disconnected.
func (h *Handler) StreamObservation(w http.ResponseWriter, r *http.Request) {
	logger := observability.LoggerFromContext(r.Context(), h.logger)
	if lifecycle.IsShuttingDown() {
		writeError(w, r, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Service is shutting down")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates := make(chan models.DisplayState, h.stream.Buffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	current, unsubscribe := h.reconciler.Watch(func(s models.DisplayState) {
		select {
		case updates <- s:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer unsubscribe()

	observability.Subscribers.Inc()
	defer observability.Subscribers.Dec()
	logger.Debug("stream client connected")

	readerDone := make(chan struct{})
	go h.readStream(conn, readerDone)

	ping := time.NewTicker(h.stream.PingInterval)
	defer ping.Stop()

	if err := h.writeSnapshot(conn, current); err != nil {
		logger.Debug("stream write failed", zap.Error(err))
		return
	}
	for {
		select {
		case s := <-updates:
			if err := h.writeSnapshot(conn, s); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.stream.WriteTimeout)); err != nil {
				logger.Debug("stream ping failed", zap.Error(err))
				return
			}
		case <-overflow:
			observability.StreamDroppedTotal.Inc()
			logger.Info("stream client dropped", zap.String("reason", "slow consumer"))
			h.closeStream(conn, websocket.ClosePolicyViolation, "slow consumer")
			return
		case <-h.closing:
			h.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-readerDone:
			logger.Debug("stream client disconnected")
			return
		}
	}
}

// CloseStreams disconnects every stream client with a going-away frame. Call
// before waiting for in-flight requests during shutdown.
func (h *Handler) CloseStreams() {
	h.closeOnce.Do(func() { close(h.closing) })
}

func (h *Handler) writeSnapshot(conn *websocket.Conn, s models.DisplayState) error {
	if err := conn.SetWriteDeadline(time.Now().Add(h.stream.WriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(s)
}

func (h *Handler) closeStream(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.stream.WriteTimeout))
}

// readStream discards client messages and keeps the read deadline alive on
// pongs. done is closed when the client goes away.
func (h *Handler) readStream(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	pongWait := 2 * h.stream.PingInterval
	conn.SetReadLimit(maxClientMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

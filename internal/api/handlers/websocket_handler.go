package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/preauthagent/internal/realtime"
)

// WebSocketHandler subscribes clients to case update channels
type WebSocketHandler struct {
	registry   *realtime.Registry
	upgrader   websocket.Upgrader
	pingPeriod time.Duration
	pongWait   time.Duration
}

// NewWebSocketHandler creates a new websocket handler
func NewWebSocketHandler(registry *realtime.Registry) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pingPeriod: realtime.PingPeriod,
		pongWait:   realtime.PongWait,
	}
}

// Subscribe handles GET /ws/{channel_id}. The connection stays registered
// until the client goes away or stops answering pings; anything the client
// sends is read and discarded.
func (h *WebSocketHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	channel := r.PathValue("channel_id")
	if channel == "" {
		respondWithError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		log.Warn().Err(err).Str("channel", channel).Msg("websocket upgrade failed")
		return
	}

	conn := realtime.NewWebSocketConn(ws)
	h.registry.Connect(channel, conn)
	log.Info().Str("channel", channel).Str("connection_id", conn.ID()).Msg("subscriber connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		h.registry.Disconnect(channel, conn)
		conn.Close()
		log.Info().Str("channel", channel).Str("connection_id", conn.ID()).Msg("subscriber disconnected")
	}()

	go h.keepAlive(conn, done)

	ws.SetReadLimit(4096)
	_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("connection_id", conn.ID()).Msg("websocket read error")
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.pongWait))
	}
}

func (h *WebSocketHandler) keepAlive(conn *realtime.WebSocketConn, done <-chan struct{}) {
	ticker := time.NewTicker(h.pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				log.Debug().Err(err).Str("connection_id", conn.ID()).Msg("websocket ping failed")
				return
			}
		}
	}
}

// Stats handles GET /api/stream/stats
func (h *WebSocketHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"total_connections": h.registry.TotalConnections(),
		"channels":          h.registry.ChannelCount(),
		"timestamp":         time.Now().UTC(),
	})
}

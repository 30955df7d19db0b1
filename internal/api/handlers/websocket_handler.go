package handlers

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/isdelr/vaultkeep/internal/services"
	ws "github.com/isdelr/vaultkeep/internal/websocket"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles upgrading HTTP connections to WebSocket connections.
type WebSocketHandler struct {
	hub      *ws.Hub
	restores services.RestoreServiceProvider
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler. Browsers may connect
// from allowedOrigins only; "*" allows any.
func NewWebSocketHandler(hub *ws.Hub, restores services.RestoreServiceProvider, allowedOrigins []string) *WebSocketHandler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &WebSocketHandler{
		hub:      hub,
		restores: restores,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins["*"] || origins[origin]
			},
		},
	}
}

// Serve handles the WebSocket connection request.
func (h *WebSocketHandler) Serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade websocket connection")
		return
	}

	client := ws.NewClient(h.hub, conn)
	h.hub.Register(client)
	h.sendStatus(client)

	go client.WritePump()
	// The read pump ends when the peer goes away or the write pump closes
	// the connection; unregistering then stops the write pump.
	go func() {
		client.ReadPump(h.handleIncomingWSMessage)
		h.hub.Unregister(client)
	}()
}

// handleIncomingWSMessage processes messages received from a websocket client.
func (h *WebSocketHandler) handleIncomingWSMessage(client *ws.Client, message []byte) {
	var msg ws.Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Debug().Err(err).Bytes("message", message).Msg("Error decoding websocket message")
		trySend(client, ws.NewErrorMessage("Invalid message"))
		return
	}

	switch msg.Action {
	case "get_restore_status":
		h.sendStatus(client)
	case "ping":
		data, _ := json.Marshal(ws.Message{Action: ws.ActionPong})
		trySend(client, data)
	default:
		log.Warn().Str("action", msg.Action).Msg("Unknown websocket action received")
		trySend(client, ws.NewErrorMessage("Unknown action: "+msg.Action))
	}
}

// sendStatus gives a single client the current journal.
func (h *WebSocketHandler) sendStatus(client *ws.Client) {
	rec, err := h.restores.Status()
	if err != nil {
		rec = nil
	}
	data, err := json.Marshal(ws.NewRestoreStatusMessage(rec))
	if err != nil {
		return
	}
	trySend(client, data)
}

func trySend(client *ws.Client, data []byte) {
	if !client.Enqueue(data) {
		log.Debug().Msg("Websocket client gone or backed up, dropping reply")
	}
}

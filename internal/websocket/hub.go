package websocket

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Hub maintains the set of active clients and broadcasts messages to them.
// Register and Unregister never block, even after Serve has returned.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]bool
	// closed is set once Serve stops; later registrations are closed at once.
	closed bool

	// Outbound messages for every client.
	broadcast chan []byte
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 16),
		clients:   make(map[*Client]bool),
	}
}

// Register adds client to the broadcast set.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		client.Close()
		return
	}
	h.clients[client] = true
	log.Info().Int("total_clients", len(h.clients)).Msg("Client connected")
}

// Unregister removes client and closes it. Calling it twice is harmless.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		log.Info().Int("total_clients", len(h.clients)).Msg("Client disconnected")
	}
	client.Close()
}

// Len reports the number of registered clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Serve runs the hub's message loop until ctx is done. Clients still
// connected at that point are closed.
func (h *Hub) Serve(ctx context.Context) error {
	h.mu.Lock()
	h.closed = false
	h.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) fanOut(message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.Enqueue(message) {
			// Slow consumer.
			delete(h.clients, client)
			client.Close()
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

func (h *Hub) String() string { return "websocket-hub" }

// Broadcast queues message for every connected client. It drops the message
// if the hub is backed up rather than block the caller.
func (h *Hub) Broadcast(message []byte) {
	select {
	case h.broadcast <- message:
	default:
		log.Warn().Msg("Websocket broadcast queue full, dropping message")
	}
}

// BroadcastJSON encodes msg and broadcasts it.
func (h *Hub) BroadcastJSON(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	h.Broadcast(data)
	return nil
}

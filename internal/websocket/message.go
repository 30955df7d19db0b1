package websocket

import (
	"github.com/goccy/go-json"
	"github.com/isdelr/vaultkeep/internal/journal"
)

// Actions sent to clients.
const (
	ActionRestoreStatus = "restore_status"
	ActionError         = "error"
	ActionPong          = "pong"
)

// Message defines the structure for websocket messages.
type Message struct {
	Action  string `json:"action"`
	Payload any    `json:"payload"`
}

// NewRestoreStatusMessage wraps a journal snapshot. A nil record means no restore is active.
func NewRestoreStatusMessage(rec *journal.Record) Message {
	return Message{Action: ActionRestoreStatus, Payload: rec}
}

// NewErrorMessage returns an encoded error message for a single client.
func NewErrorMessage(text string) []byte {
	data, _ := json.Marshal(Message{Action: ActionError, Payload: map[string]string{"error": text}})
	return data
}

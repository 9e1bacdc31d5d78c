package internal

import (
	"encoding/json"
	"fmt"
)

// Channel event names shared by the server and the terminal client.
const (
	EventLoadMessages = "load-messages"
	EventMessage      = "message"
	EventUsers        = "users"
	EventUserTyping   = "user-typing"
	EventTyping       = "typing"
	EventResetLogs    = "reset-logs"
	EventError        = "error"
)

// Envelope is the JSON frame exchanged over the websocket in both directions.
type Envelope struct {
	Event string          `json:"event" validate:"required,oneof=message typing reset-logs"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// IncomingMessage is what a client sends with a "message" event. Any id or
// timestamp it carries is ignored; the server assigns both.
type IncomingMessage struct {
	ID        string `json:"id,omitempty"`
	Content   string `json:"content" validate:"required_without=FileURL,max=4000"`
	Sender    string `json:"sender,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	FileURL   string `json:"fileUrl,omitempty" validate:"omitempty,max=2048,fileurl"`
}

// TypingRequest is the payload of a client "typing" event.
type TypingRequest struct {
	IsTyping *bool `json:"isTyping" validate:"required"`
}

// UserTyping is relayed to every other connection.
type UserTyping struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorPayload is sent back to a sender whose frame was rejected.
type ErrorPayload struct {
	Event string `json:"event,omitempty"`
	Error string `json:"error"`
}

func encodeEvent(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

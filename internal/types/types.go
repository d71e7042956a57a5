package types

import (
	"time"

	"pizzapal-backend/internal/dialogue"
	"pizzapal-backend/internal/menu"
	"pizzapal-backend/internal/order"
)

type ChatRequest struct {
	SessionID string `json:"sessionId,omitempty"`
	Message   string `json:"message"`
}

type ChatResponse struct {
	SessionID  string        `json:"sessionId"`
	Reply      string        `json:"reply"`
	Transcript string        `json:"transcript,omitempty"`
	Order      *order.Record `json:"order"`
	State      string        `json:"state"`
	// Completed is true on the turn that recorded a new order.
	Completed bool   `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

type OrderResponse struct {
	SessionID string        `json:"sessionId"`
	Order     *order.Record `json:"order"`
	Summary   string        `json:"summary"`
}

type HistoryResponse struct {
	SessionID string          `json:"sessionId"`
	Turns     []dialogue.Turn `json:"turns"`
	Order     *order.Record   `json:"order"`
}

// ArchivedOrderResponse is a completed order read back from the archive.
type ArchivedOrderResponse struct {
	SessionID  string        `json:"sessionId"`
	Variant    string        `json:"variant,omitempty"`
	Order      *order.Record `json:"order"`
	Summary    string        `json:"summary"`
	ArchivedAt time.Time     `json:"archivedAt"`
}

type MenuResponse struct {
	Variant         string          `json:"variant"`
	Currency        string          `json:"currency"`
	VoiceEnabled    bool            `json:"voiceEnabled"`
	CollectsPayment bool            `json:"collectsPayment"`
	Categories      []menu.Category `json:"categories"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

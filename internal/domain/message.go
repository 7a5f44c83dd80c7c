package domain

import "time"

// Kind is the type tag stored with every chat event.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindStatus Kind = "status"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindStatus:
		return true
	}
	return false
}

// Message is a persisted chat event as returned to clients in history.
type Message struct {
	ID        int64     `json:"id"`
	Type      Kind      `json:"type"`
	Content   string    `json:"content"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcast is the live form of a message pushed to connected clients.
// Status notices carry no user.
type Broadcast struct {
	Type    Kind   `json:"type"`
	Content string `json:"content"`
	UserID  string `json:"user_id,omitempty"`
}

// ToBroadcast drops the store-assigned fields.
func (m Message) ToBroadcast() Broadcast {
	return Broadcast{Type: m.Type, Content: m.Content, UserID: m.UserID}
}

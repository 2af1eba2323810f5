package bus

import (
	"time"

	"github.com/dotsetgreg/recdm/pkg/dialogue"
)

// InboundMessage is one user act addressed to a session. An empty SessionID
// starts a new session.
type InboundMessage struct {
	Source     string           `json:"source,omitempty"`
	RequestID  string           `json:"request_id,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	UserID     string           `json:"user_id,omitempty"`
	Act        dialogue.UserAct `json:"act"`
	ReceivedAt time.Time        `json:"received_at"`
}

// OutboundMessage carries the reply to one InboundMessage back to its source.
type OutboundMessage struct {
	Source    string         `json:"source,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Reply     dialogue.Reply `json:"reply"`
	Error     string         `json:"error,omitempty"`
}

// MessageHandler delivers outbound messages for one source.
type MessageHandler func(msg OutboundMessage) error

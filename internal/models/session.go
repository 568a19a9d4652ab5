package models

import "time"

// ChatSession represents a conversation with the backend. A session starts empty with
// no SessionID; the server assigns one on the first completed exchange. It is mutated
// only by completed exchanges, never mid-stream.
type ChatSession struct {
	SessionID        string        `json:"session_id,omitempty"`
	Title            string        `json:"title,omitempty"`
	ConversationTurn int           `json:"conversation_turn"`
	CreatedAt        int64         `json:"created_at"`
	LastActivity     int64         `json:"last_activity"`
	Messages         []ChatMessage `json:"-"`
}

// NewSession creates an empty session with no server-assigned identity.
func NewSession() *ChatSession {
	now := time.Now().UnixMilli()
	return &ChatSession{
		CreatedAt:    now,
		LastActivity: now,
	}
}

// Append adds a message in conversation order and bumps the activity timestamp.
func (s *ChatSession) Append(msg ChatMessage) {
	s.Messages = append(s.Messages, msg)
	s.LastActivity = time.Now().UnixMilli()
}

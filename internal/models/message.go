package models

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message. A message with this role is always fully
	// known at creation time.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. A message with this role may be
	// constructed incrementally, but is only appended to a session once finalized.
	RoleAssistant Role = "assistant"
)

// ChatMessage represents an individual communication entry within a chat session. It
// contains the participant's role, the full message text, the creation instant in epoch
// milliseconds, and, for assistant messages, the source documents and response metadata
// reported by the backend.
type ChatMessage struct {
	ID        string   `json:"id"`
	Role      Role     `json:"role"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Sources   []Source `json:"sources,omitempty"`
	Metadata  Metadata `json:"metadata,omitempty"`
}

// Source is a reference to a document the backend retrieved while answering.
type Source struct {
	ID      string  `json:"id,omitempty"`
	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Metadata is a free-form key/value map carrying response details such as model name,
// token counts, and timing.
type Metadata map[string]any

// Merge copies every entry of other into m, overwriting existing keys. Merging into a
// nil map returns a fresh map so callers can use the result unconditionally.
func (m Metadata) Merge(other Metadata) Metadata {
	if m == nil && other == nil {
		return nil
	}
	if m == nil {
		m = make(Metadata, len(other))
	}
	for k, v := range other {
		m[k] = v
	}
	return m
}

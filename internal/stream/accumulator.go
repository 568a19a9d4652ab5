package stream

import (
	"strings"
	"sync"
	"time"

	"github.com/avandelay-labs/graphrag-webui/internal/models"
	"github.com/google/uuid"
)

// Accumulator collects the transient state of one in-flight assistant turn: the
// answer text received so far plus the most recently seen sources, metadata, and
// reasoning summary. Deltas are appended synchronously in arrival order; only
// rendering is throttled, never accumulation.
//
// An Accumulator is owned by a single send operation. Its methods are safe to call
// concurrently with snapshot reads from a render loop.
type Accumulator struct {
	mu sync.Mutex

	buf       strings.Builder
	sources   []models.Source
	metadata  models.Metadata
	reasoning string
}

// Apply folds a stream event into the accumulated state. Terminal events are not
// applied here; the caller finalizes with the done payload instead.
func (a *Accumulator) Apply(ev Event) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch ev.Type {
	case EventTypeContent:
		a.buf.WriteString(ev.Delta)
	case EventTypeReasoning:
		a.reasoning = ev.Reasoning
	case EventTypeSources:
		a.sources = ev.Sources
	case EventTypeMetadata:
		if len(ev.Sources) > 0 {
			a.sources = ev.Sources
		}
		a.metadata = a.metadata.Merge(ev.Metadata)
	}
}

// Snapshot returns the content received so far. The result is always a prefix of the
// eventually finalized content.
func (a *Accumulator) Snapshot() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.String()
}

// Len reports how many content bytes have been buffered.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buf.Len()
}

// Finalize materializes the buffered turn into an assistant message. Fields from the
// done payload take precedence over previously accumulated metadata. If no content
// was ever streamed, the done payload's full answer (non-streaming fallback) is used
// instead.
func (a *Accumulator) Finalize(done Event) models.ChatMessage {
	a.mu.Lock()
	defer a.mu.Unlock()

	content := a.buf.String()
	if content == "" {
		content = done.Answer
	}

	md := a.metadata
	if a.reasoning != "" {
		md = md.Merge(models.Metadata{"reasoning_summary": a.reasoning})
	}
	md = md.Merge(done.Metadata)

	return models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		Sources:   a.sources,
		Metadata:  md,
	}
}

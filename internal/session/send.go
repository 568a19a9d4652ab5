package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/avandelay-labs/graphrag-webui/internal/backend"
	"github.com/avandelay-labs/graphrag-webui/internal/models"
	"github.com/avandelay-labs/graphrag-webui/internal/stream"
	"github.com/google/uuid"
)

// SendMessage sends one user message and blocks until the exchange reaches a terminal
// state: finalized, errored, or cancelled. Callers wanting asynchrony run it in a
// goroutine and observe progress through Subscribe.
//
// The user message is appended optimistically and never rolled back, even if the
// assistant turn fails. mode is passed through to the backend as the response mode.
// When streamingEnabled is false a single request/response exchange is performed
// instead of consuming a stream.
func (m *Manager) SendMessage(ctx context.Context, text, mode string, streamingEnabled bool) error {
	if !m.backend.Credentials().Valid() {
		return m.fail(ErrNoAuth)
	}
	if strings.TrimSpace(text) == "" {
		return m.fail(ErrEmptyMessage)
	}

	m.mu.Lock()
	if m.inFlight {
		m.mu.Unlock()
		return ErrSendInFlight
	}
	m.inFlight = true
	if m.session == nil {
		m.session = models.NewSession()
	}
	sessionID := m.session.SessionID
	m.mu.Unlock()

	userMsg := models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now().UnixMilli(),
	}
	m.update(func() {
		m.session.Append(userMsg)
		m.loading = true
		m.errMsg = ""
	})

	req := backend.QueryRequest{
		Query:           text,
		UserID:          m.backend.Credentials().UserID,
		SessionID:       sessionID,
		ResponseMode:    mode,
		IncludeSources:  true,
		MaintainContext: true,
	}

	var err error
	if streamingEnabled {
		err = m.sendStreaming(ctx, req)
	} else {
		err = m.sendOnce(ctx, req)
	}

	m.update(func() {
		m.inFlight = false
		m.loading = false
		m.streaming = false
		m.partial = ""
		m.cancel = nil
	})
	return err
}

// sendOnce performs the non-streaming fallback exchange.
func (m *Manager) sendOnce(ctx context.Context, req backend.QueryRequest) error {
	resp, err := m.backend.Query(ctx, req)
	if err != nil {
		m.logger.Error("Non-streaming send failed", slog.String(errLoggerKey, err.Error()))
		m.update(func() { m.errMsg = err.Error() })
		return err
	}

	msg := models.ChatMessage{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   resp.Text(),
		Timestamp: time.Now().UnixMilli(),
		Sources:   resp.Sources,
		Metadata:  resp.UsageMetadata(),
	}
	m.update(func() {
		if m.session == nil {
			return
		}
		m.adoptLocked(resp.SessionID)
		m.session.Append(msg)
		m.session.ConversationTurn++
	})
	return nil
}

// sendStreaming consumes the SSE response. Content deltas are buffered in arrival
// order; rendering is throttled through the flusher; the first content delta flips
// the state from loading to streaming.
func (m *Manager) sendStreaming(ctx context.Context, req backend.QueryRequest) error {
	ctx, cancelFn := context.WithCancel(ctx)
	defer cancelFn()

	m.mu.Lock()
	m.cancel = cancelFn
	m.mu.Unlock()

	acc := &stream.Accumulator{}
	flusher := stream.NewFlusher(m.flushInterval)
	defer flusher.Stop()

	var (
		doneEv    stream.Event
		terminal  bool
		streamErr error
		adopted   string
	)

	for ev, err := range m.backend.QueryStream(ctx, req) {
		if err != nil {
			streamErr = err
			break
		}

		switch ev.Type {
		case stream.EventTypeContent:
			acc.Apply(ev)
			m.startRenderLoop(acc, flusher)
		case stream.EventTypeMetadata:
			if ev.SessionID != "" {
				adopted = ev.SessionID
			}
			acc.Apply(ev)
		case stream.EventTypeReasoning, stream.EventTypeSources:
			acc.Apply(ev)
		case stream.EventTypeDone:
			if ev.SessionID != "" {
				adopted = ev.SessionID
			}
			doneEv = ev
			terminal = true
		case stream.EventTypeError:
			streamErr = errors.New(ev.ErrMessage)
			terminal = true
		}
		if terminal {
			break
		}
	}

	// The loop must be deactivated before the buffer is read for finalization.
	flusher.Stop()
	m.clearCancel()

	cancelled := !terminal && (ctx.Err() != nil || errors.Is(streamErr, context.Canceled))
	if cancelled {
		return m.salvageCancelled(acc, adopted)
	}

	if streamErr != nil {
		m.logger.Error("Streaming send failed", slog.String(errLoggerKey, streamErr.Error()))
		m.update(func() { m.errMsg = streamErr.Error() })
		return streamErr
	}
	if !terminal {
		err := errors.New("stream ended before completion")
		m.update(func() { m.errMsg = err.Error() })
		return err
	}

	msg := acc.Finalize(doneEv)
	m.update(func() {
		// EndSession may have torn the session down while the stream was closing.
		if m.session == nil {
			return
		}
		m.adoptLocked(adopted)
		// A pure-metadata stream with no fallback answer clears the loading state
		// without fabricating an empty assistant message.
		if msg.Content != "" {
			m.session.Append(msg)
			m.session.ConversationTurn++
		}
	})
	return nil
}

// salvageCancelled finalizes a cancelled stream. Buffered partial content becomes a
// message with an explicit cancellation marker; with nothing buffered, no assistant
// message is created for the turn. Cancellation is never reported as an error.
func (m *Manager) salvageCancelled(acc *stream.Accumulator, adopted string) error {
	if acc.Len() == 0 {
		m.update(func() { m.adoptLocked(adopted) })
		return nil
	}

	msg := acc.Finalize(stream.Event{})
	msg.Content += CancelledMarker
	m.update(func() {
		if m.session == nil {
			return
		}
		m.adoptLocked(adopted)
		m.session.Append(msg)
	})
	return nil
}

// startRenderLoop transitions loading to streaming and starts the coalescing flusher.
// Subsequent content events find the flusher active and do nothing here.
func (m *Manager) startRenderLoop(acc *stream.Accumulator, flusher *stream.Flusher) {
	if flusher.Active() {
		return
	}
	m.update(func() {
		m.loading = false
		m.streaming = true
	})
	flusher.Start(acc.Snapshot, func(s string) {
		m.update(func() { m.partial = s })
	})
}

// adoptLocked adopts a server-assigned session id if the session has none yet. Must
// be called with the state lock held (inside an update mutation).
func (m *Manager) adoptLocked(sessionID string) {
	if m.session != nil && sessionID != "" && m.session.SessionID == "" {
		m.session.SessionID = sessionID
	}
}

func (m *Manager) clearCancel() {
	m.mu.Lock()
	m.cancel = nil
	m.mu.Unlock()
}

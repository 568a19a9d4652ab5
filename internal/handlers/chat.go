package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/avandelay-labs/graphrag-webui/internal/models"
	"github.com/avandelay-labs/graphrag-webui/internal/session"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

type sessionItem struct {
	ID    string
	Title string

	Active bool
}

type message struct {
	ID        string
	Role      string
	Content   template.HTML
	Timestamp time.Time

	StreamingState string
}

// SSE event types for real-time updates.
var (
	sessionsSSEType = sse.Type("sessions")
	messagesSSEType = sse.Type("messages")
)

// HandleChats processes chat interactions through HTTP POST requests, managing both
// new session creation and message handling. It accepts the user message through form
// data, starts a backend session when no session_id is provided, and kicks off the
// asynchronous send whose progress is streamed to the browser through Server-Sent
// Events.
//
// For successful requests it renders either a complete chatbox template for new
// sessions or individual message templates for existing ones.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	msg := r.FormValue("message")
	if strings.TrimSpace(msg) == "" {
		m.logger.Error("Message is required")
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	mgr := session.NewManager(m.backend, m.cfg.FlushInterval, m.logger)

	sessionID := r.FormValue("session_id")
	isNewSession := false
	if sessionID == "" {
		var err error
		sessionID, err = m.newSession(r.Context(), mgr)
		if err != nil {
			m.logger.Error("Failed to start new session", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		isNewSession = true
	} else {
		history, err := m.store.Messages(r.Context(), sessionID)
		if err != nil {
			m.logger.Error("Failed to load messages",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		mgr.LoadMessages(sessionID, history)
	}

	// One outstanding send per session.
	send, ok := m.active.begin(sessionID, mgr)
	if !ok {
		http.Error(w, "A response is already in progress for this session", http.StatusConflict)
		return
	}

	// The assistant turn gets its SSE topic id before any content exists, so the
	// browser can subscribe while the send is still pending.
	aiMsgID := uuid.New().String()

	go m.chat(send, sessionID, aiMsgID, msg)

	if isNewSession {
		go m.generateSessionTitle(sessionID, msg)

		data := homePageData{
			CurrentSessionID: sessionID,
			Messages: []message{
				{
					ID:             uuid.New().String(),
					Role:           string(models.RoleUser),
					Content:        template.HTML(template.HTMLEscapeString(msg)),
					Timestamp:      time.Now(),
					StreamingState: "ended",
				},
				{
					ID:             aiMsgID,
					Role:           string(models.RoleAssistant),
					Timestamp:      time.Now(),
					StreamingState: "loading",
				},
			},
		}
		if err := m.templates.ExecuteTemplate(w, "chatbox", data); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	err := m.templates.ExecuteTemplate(w, "user_message", message{
		ID:             uuid.New().String(),
		Role:           string(models.RoleUser),
		Content:        template.HTML(template.HTMLEscapeString(msg)),
		Timestamp:      time.Now(),
		StreamingState: "ended",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	err = m.templates.ExecuteTemplate(w, "ai_message", message{
		ID:             aiMsgID,
		Role:           string(models.RoleAssistant),
		Timestamp:      time.Now(),
		StreamingState: "loading",
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleCancel aborts the in-flight send of a session. Cancellation is an intentional
// outcome, not an error; already buffered content is salvaged into the conversation.
func (m Main) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session id is required", http.StatusBadRequest)
		return
	}

	if s := m.active.get(sessionID); s != nil {
		s.mgr.CancelStreaming()
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleEndSession tears a session down: it cancels any in-flight send, discards the
// manager state, and removes the persisted conversation.
func (m Main) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		http.Error(w, "Session id is required", http.StatusBadRequest)
		return
	}

	// An in-flight send may still salvage partial content into the store; wait for
	// it to finish before the records are removed, or the salvage would recreate
	// an orphan message bucket.
	if s := m.active.get(sessionID); s != nil {
		s.mgr.EndSession()
		select {
		case <-s.done:
		case <-time.After(5 * time.Second):
		}
	}

	if err := m.store.DeleteSession(r.Context(), sessionID); err != nil {
		m.logger.Error("Failed to delete session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := m.publishSessionList(""); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}

	w.Header().Set("HX-Redirect", "/")
	w.WriteHeader(http.StatusOK)
}

func (m Main) newSession(ctx context.Context, mgr *session.Manager) (string, error) {
	if err := mgr.StartNewSession(ctx); err != nil {
		return "", err
	}
	st := mgr.State()

	s := models.NewSession()
	s.SessionID = st.SessionID
	if err := m.store.SaveSession(ctx, *s); err != nil {
		return "", err
	}

	if err := m.publishSessionList(st.SessionID); err != nil {
		return "", err
	}

	return st.SessionID, nil
}

// chat drives one send operation to its terminal state, republishing every coalesced
// render snapshot to the assistant turn's SSE topic and persisting the finalized
// exchange.
func (m Main) chat(send *activeSend, sessionID, aiMsgID, text string) {
	topic := messageIDTopic(aiMsgID)
	mgr := send.mgr

	defer func() {
		e := &sse.Message{Type: sse.Type("closeMessage")}
		e.AppendData("bye")
		_ = m.sseSrv.Publish(e, topic)
		m.active.finish(sessionID, send)
	}()

	base := len(mgr.State().Messages)

	mgr.Subscribe(func(st session.State) {
		if st.Err != "" {
			m.publishMessage(topic, st.Err)
			return
		}
		if st.IsStreaming {
			m.publishMessage(topic, st.StreamingContent)
		}
	})

	err := mgr.SendMessage(context.Background(), text, m.cfg.ResponseMode, m.cfg.StreamingEnabled)

	st := mgr.State()

	// The user message is preserved even when the assistant turn failed; the
	// listener already surfaced the error to the client.
	m.persistMessages(st, base, sessionID)

	if err != nil {
		m.logger.Error("Send failed",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.store.TouchSession(context.Background(),
		sessionID, st.ConversationTurn, time.Now().UnixMilli()); err != nil {
		m.logger.Error("Failed to update session record",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}

	// One final flush with the complete content.
	if n := len(st.Messages); n > base {
		last := st.Messages[n-1]
		if last.Role == models.RoleAssistant {
			m.publishMessage(topic, last.Content)
		}
	}
}

// persistMessages stores every message the send appended beyond base. EndSession may
// have already emptied the message list, in which case there is nothing to store.
func (m Main) persistMessages(st session.State, base int, sessionID string) {
	if len(st.Messages) <= base {
		return
	}
	for _, msg := range st.Messages[base:] {
		if err := m.store.AddMessage(context.Background(), sessionID, msg); err != nil {
			m.logger.Error("Failed to persist message",
				slog.String("sessionID", sessionID),
				slog.String(errLoggerKey, err.Error()))
			return
		}
	}
}

// publishMessage renders markdown content and publishes it to a message topic.
func (m Main) publishMessage(topic, content string) {
	html, err := models.RenderMarkdown(content)
	if err != nil {
		m.logger.Error("Failed to render content", slog.String(errLoggerKey, err.Error()))
		return
	}

	msg := sse.Message{Type: messagesSSEType}
	msg.AppendData(html)
	if err := m.sseSrv.Publish(&msg, topic); err != nil {
		m.logger.Error("Failed to publish message", slog.String(errLoggerKey, err.Error()))
	}
}

func (m Main) generateSessionTitle(sessionID, firstMessage string) {
	title, err := m.titleGen.GenerateTitle(context.Background(), firstMessage)
	if err != nil {
		m.logger.Error("Error generating session title",
			slog.String("message", firstMessage),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.store.SetSessionTitle(context.Background(), sessionID, title); err != nil {
		m.logger.Error("Failed to update session title", slog.String(errLoggerKey, err.Error()))
		return
	}

	if err := m.publishSessionList(sessionID); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}
}

// publishSessionList broadcasts the rendered session list to all clients.
func (m Main) publishSessionList(activeID string) error {
	divs, err := m.sessionDivs(activeID)
	if err != nil {
		return err
	}

	msg := sse.Message{Type: sessionsSSEType}
	msg.AppendData(divs)
	return m.sseSrv.Publish(&msg, sessionsSSETopic)
}

func (m Main) sessionDivs(activeID string) (string, error) {
	sessions, err := m.store.Sessions(context.Background())
	if err != nil {
		return "", fmt.Errorf("failed to get sessions: %w", err)
	}

	var sb strings.Builder
	for _, s := range sessions {
		err := m.templates.ExecuteTemplate(&sb, "session_title", sessionItem{
			ID:     s.SessionID,
			Title:  s.Title,
			Active: s.SessionID == activeID,
		})
		if err != nil {
			return "", fmt.Errorf("failed to execute session_title template: %w", err)
		}
	}
	return sb.String(), nil
}

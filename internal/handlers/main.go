package handlers

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"sync"
	"time"

	graphragwebui "github.com/avandelay-labs/graphrag-webui"
	"github.com/avandelay-labs/graphrag-webui/internal/models"
	"github.com/avandelay-labs/graphrag-webui/internal/session"
	"github.com/tmaxmax/go-sse"
)

// Store defines the interface for persisting completed conversations. Only finalized
// messages pass through it; transient streaming state never does.
type Store interface {
	Sessions(ctx context.Context) ([]models.ChatSession, error)
	SaveSession(ctx context.Context, s models.ChatSession) error
	TouchSession(ctx context.Context, sessionID string, conversationTurn int, lastActivity int64) error
	SetSessionTitle(ctx context.Context, sessionID, title string) error
	DeleteSession(ctx context.Context, sessionID string) error

	Messages(ctx context.Context, sessionID string) ([]models.ChatMessage, error)
	AddMessage(ctx context.Context, sessionID string, message models.ChatMessage) error
}

// TitleGenerator generates a short conversation title from its first message.
type TitleGenerator interface {
	GenerateTitle(ctx context.Context, message string) (string, error)
}

// Config carries the chat behavior settings the UI layer passes to each send.
type Config struct {
	// ResponseMode is forwarded to the backend verbatim.
	ResponseMode string
	// StreamingEnabled selects the SSE path; when false every exchange is a single
	// request/response call.
	StreamingEnabled bool
	// FlushInterval bounds how often streaming snapshots are pushed to clients. Zero
	// selects the default cadence.
	FlushInterval time.Duration
}

// Main handles the core functionality of the chat application, managing server-sent
// events, HTML templates, and the session managers driving in-flight exchanges.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	backend  session.Querier
	store    Store
	titleGen TitleGenerator
	cfg      Config

	active *activeSends

	logger *slog.Logger
}

const sessionsSSETopic = "sessions"

const errLoggerKey = "err"

// NewMain creates a new Main instance with the provided backend, store, and title
// generator. It initializes the SSE server and parses the HTML templates from the
// embedded filesystem. The SSE server subscribes each client to the session-list
// topic and, when requested, a message-specific topic.
func NewMain(backend session.Querier, store Store, titleGen TitleGenerator, cfg Config, logger *slog.Logger) (Main, error) {
	tmpl, err := template.ParseFS(
		graphragwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, err
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, sessionsSSETopic}

				// Clients streaming a particular assistant turn subscribe to its topic.
				messageID := s.Req.URL.Query().Get("message_id")
				if messageID != "" {
					topics = append(topics, messageIDTopic(messageID))
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		templates: tmpl,
		backend:   backend,
		store:     store,
		titleGen:  titleGen,
		cfg:       cfg,
		active:    &activeSends{sends: make(map[string]*activeSend)},
		logger:    logger.With(slog.String("module", "handlers")),
	}, nil
}

func messageIDTopic(messageID string) string {
	return fmt.Sprintf("message-%s", messageID)
}

// HandleSSE serves the server-sent events endpoint browsers subscribe to.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// Shutdown gracefully terminates the Main instance's SSE server. It broadcasts a
// close message to all connected clients and waits up to 5 seconds for connections to
// terminate. After the timeout, any remaining connections are forcefully closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// The SSE spec requires data on every message, even a close marker.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

// activeSend is one in-flight send operation. done is closed once the send has
// reached its terminal state and its messages are persisted.
type activeSend struct {
	mgr  *session.Manager
	done chan struct{}
}

// activeSends tracks the in-flight send of each session so cancellation and teardown
// requests can reach it. A session holds at most one entry at a time.
type activeSends struct {
	mu    sync.Mutex
	sends map[string]*activeSend
}

// begin claims the session's send slot. It reports false without inserting when
// another send already holds the slot; check and insertion happen under one lock.
func (a *activeSends) begin(id string, mgr *session.Manager) (*activeSend, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sends[id]; ok {
		return nil, false
	}
	s := &activeSend{mgr: mgr, done: make(chan struct{})}
	a.sends[id] = s
	return s, true
}

func (a *activeSends) get(id string) *activeSend {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sends[id]
}

// finish releases the session's send slot and marks the send complete. Only the
// entry the caller registered is removed, so a finished send can never deregister a
// newer one.
func (a *activeSends) finish(id string, s *activeSend) {
	a.mu.Lock()
	if a.sends[id] == s {
		delete(a.sends, id)
	}
	a.mu.Unlock()
	close(s.done)
}

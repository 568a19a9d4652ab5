package handlers_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avandelay-labs/graphrag-webui/internal/backend"
	"github.com/avandelay-labs/graphrag-webui/internal/handlers"
	"github.com/avandelay-labs/graphrag-webui/internal/models"
	"github.com/avandelay-labs/graphrag-webui/internal/stream"
)

type mockQuerier struct {
	sessionID string
	events    []stream.Event

	// blocking holds each stream open after its scripted events until the send's
	// context is cancelled. started is signalled once per stream when it blocks.
	blocking bool
	started  chan struct{}
}

func (m *mockQuerier) StartSession(context.Context) (string, error) {
	return m.sessionID, nil
}

func (m *mockQuerier) QueryStream(ctx context.Context, _ backend.QueryRequest) iter.Seq2[stream.Event, error] {
	return func(yield func(stream.Event, error) bool) {
		for _, ev := range m.events {
			if !yield(ev, nil) {
				return
			}
		}
		if m.blocking {
			m.started <- struct{}{}
			<-ctx.Done()
		}
	}
}

func (m *mockQuerier) Query(context.Context, backend.QueryRequest) (*backend.QueryResponse, error) {
	return nil, errors.New("not implemented")
}

func (m *mockQuerier) Credentials() backend.Credentials {
	return backend.Credentials{Token: "token", UserID: "user-1"}
}

type mockStore struct {
	mu       sync.Mutex
	sessions []models.ChatSession
	messages map[string][]models.ChatMessage
	ops      []string
	err      error
}

func (s *mockStore) recordOpLocked(op string) {
	s.ops = append(s.ops, op)
}

func (s *mockStore) Sessions(context.Context) ([]models.ChatSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, s.err
}

func (s *mockStore) SaveSession(_ context.Context, session models.ChatSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.sessions {
		if existing.SessionID == session.SessionID {
			s.sessions[i] = session
			return s.err
		}
	}
	s.sessions = append(s.sessions, session)
	return s.err
}

func (s *mockStore) TouchSession(_ context.Context, sessionID string, conversationTurn int, lastActivity int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordOpLocked("touch")
	for i, existing := range s.sessions {
		if existing.SessionID == sessionID {
			s.sessions[i].ConversationTurn = conversationTurn
			s.sessions[i].LastActivity = lastActivity
			return s.err
		}
	}
	s.sessions = append(s.sessions, models.ChatSession{
		SessionID:        sessionID,
		ConversationTurn: conversationTurn,
		CreatedAt:        lastActivity,
		LastActivity:     lastActivity,
	})
	return s.err
}

func (s *mockStore) SetSessionTitle(_ context.Context, sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.sessions {
		if existing.SessionID == sessionID {
			s.sessions[i].Title = title
			break
		}
	}
	return s.err
}

func (s *mockStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordOpLocked("delete")
	for i, existing := range s.sessions {
		if existing.SessionID == sessionID {
			s.sessions = append(s.sessions[:i], s.sessions[i+1:]...)
			break
		}
	}
	delete(s.messages, sessionID)
	return s.err
}

func (s *mockStore) Messages(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[sessionID], s.err
}

func (s *mockStore) AddMessage(_ context.Context, sessionID string, message models.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordOpLocked("addMessage")
	if s.messages == nil {
		s.messages = make(map[string][]models.ChatMessage)
	}
	s.messages[sessionID] = append(s.messages[sessionID], message)
	return s.err
}

func (s *mockStore) storedMessages(sessionID string) []models.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messages[sessionID]
}

func (s *mockStore) storedSession(sessionID string) (models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.SessionID == sessionID {
			return existing, true
		}
	}
	return models.ChatSession{}, false
}

func (s *mockStore) opLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

type mockTitleGen struct {
	title string
}

func (g *mockTitleGen) GenerateTitle(context.Context, string) (string, error) {
	return g.title, nil
}

func newTestMain(t *testing.T, q *mockQuerier, store *mockStore) handlers.Main {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m, err := handlers.NewMain(q, store, &mockTitleGen{title: "Test Title"}, handlers.Config{
		StreamingEnabled: true,
	}, logger)
	if err != nil {
		t.Fatalf("NewMain() error = %v", err)
	}
	return m
}

func TestNewMain(t *testing.T) {
	m := newTestMain(t, &mockQuerier{}, &mockStore{})
	if err := m.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestHandleHome(t *testing.T) {
	store := &mockStore{
		sessions: []models.ChatSession{
			{SessionID: "sess-1", Title: "Graph Questions"},
		},
		messages: map[string][]models.ChatMessage{
			"sess-1": {
				{ID: "1", Role: models.RoleUser, Content: "what is a graph?"},
				{ID: "2", Role: models.RoleAssistant, Content: "**Nodes** and edges."},
			},
		},
	}
	m := newTestMain(t, &mockQuerier{}, store)

	tests := []struct {
		name       string
		url        string
		wantStatus int
		wantBody   []string
	}{
		{
			name:       "session list without history",
			url:        "/",
			wantStatus: http.StatusOK,
			wantBody:   []string{"Graph Questions"},
		},
		{
			name:       "session history",
			url:        "/?session_id=sess-1",
			wantStatus: http.StatusOK,
			wantBody:   []string{"what is a graph?", "<strong>Nodes</strong>"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			w := httptest.NewRecorder()

			m.HandleHome(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			for _, want := range tt.wantBody {
				if !strings.Contains(w.Body.String(), want) {
					t.Errorf("body does not contain %q", want)
				}
			}
		})
	}
}

func TestHandleHomeStoreError(t *testing.T) {
	m := newTestMain(t, &mockQuerier{}, &mockStore{err: errors.New("disk gone")})

	w := httptest.NewRecorder()
	m.HandleHome(w, httptest.NewRequest(http.MethodGet, "/", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func postForm(target string, form url.Values) *http.Request {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req
}

func TestHandleChatsRejectsNonPost(t *testing.T) {
	m := newTestMain(t, &mockQuerier{}, &mockStore{})

	w := httptest.NewRecorder()
	m.HandleChats(w, httptest.NewRequest(http.MethodGet, "/chats", nil))

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", w.Code)
	}
}

func TestHandleChatsRequiresMessage(t *testing.T) {
	m := newTestMain(t, &mockQuerier{}, &mockStore{})

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", url.Values{"message": {"   "}}))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHandleChatsNewSession(t *testing.T) {
	q := &mockQuerier{
		sessionID: "sess-new",
		events: []stream.Event{
			{Type: stream.EventTypeContent, Delta: "Nodes and edges."},
			{Type: stream.EventTypeDone, SessionID: "sess-new"},
		},
	}
	store := &mockStore{}
	m := newTestMain(t, q, store)

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", url.Values{"message": {"what is a graph?"}}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "what is a graph?") {
		t.Error("response should echo the user message")
	}

	// The send runs asynchronously; wait for the finalized exchange to land in
	// the store.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.storedMessages("sess-new")) == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stored := store.storedMessages("sess-new")
	if len(stored) != 2 {
		t.Fatalf("stored %d messages, want the completed exchange", len(stored))
	}
	if stored[1].Role != models.RoleAssistant || stored[1].Content != "Nodes and edges." {
		t.Errorf("stored assistant message = %+v", stored[1])
	}
}

func TestHandleChatsExistingSession(t *testing.T) {
	q := &mockQuerier{
		events: []stream.Event{
			{Type: stream.EventTypeContent, Delta: "More detail."},
			{Type: stream.EventTypeDone, SessionID: "sess-1"},
		},
	}
	store := &mockStore{
		sessions: []models.ChatSession{{SessionID: "sess-1"}},
		messages: map[string][]models.ChatMessage{
			"sess-1": {
				{ID: "1", Role: models.RoleUser, Content: "first"},
				{ID: "2", Role: models.RoleAssistant, Content: "answer"},
			},
		},
	}
	m := newTestMain(t, q, store)

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", url.Values{
		"message":    {"tell me more"},
		"session_id": {"sess-1"},
	}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "tell me more") {
		t.Error("response should echo the user message")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(store.storedMessages("sess-1")) == 4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	stored := store.storedMessages("sess-1")
	if len(stored) != 4 {
		t.Fatalf("stored %d messages, want history plus the new exchange", len(stored))
	}
	if stored[3].Content != "More detail." {
		t.Errorf("stored assistant message = %+v", stored[3])
	}
}

func TestHandleCancel(t *testing.T) {
	m := newTestMain(t, &mockQuerier{}, &mockStore{})

	tests := []struct {
		name       string
		req        *http.Request
		wantStatus int
	}{
		{
			name:       "rejects non-post",
			req:        httptest.NewRequest(http.MethodGet, "/chats/cancel", nil),
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "requires session id",
			req:        postForm("/chats/cancel", url.Values{}),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "no-op without active send",
			req:        postForm("/chats/cancel", url.Values{"session_id": {"sess-1"}}),
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			m.HandleCancel(w, tt.req)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestChatPreservesSessionRecord(t *testing.T) {
	q := &mockQuerier{
		events: []stream.Event{
			{Type: stream.EventTypeContent, Delta: "More detail."},
			{Type: stream.EventTypeDone, SessionID: "sess-1"},
		},
	}
	store := &mockStore{
		sessions: []models.ChatSession{
			{SessionID: "sess-1", Title: "Graph Questions", CreatedAt: 42, ConversationTurn: 1},
		},
		messages: map[string][]models.ChatMessage{
			"sess-1": {
				{ID: "1", Role: models.RoleUser, Content: "first"},
				{ID: "2", Role: models.RoleAssistant, Content: "answer"},
			},
		},
	}
	m := newTestMain(t, q, store)

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", url.Values{
		"message":    {"tell me more"},
		"session_id": {"sess-1"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	waitUntil(t, func() bool {
		s, ok := store.storedSession("sess-1")
		return ok && s.ConversationTurn == 2
	})

	s, _ := store.storedSession("sess-1")
	if s.Title != "Graph Questions" {
		t.Errorf("Title = %q, a completed exchange must not erase the title", s.Title)
	}
	if s.CreatedAt != 42 {
		t.Errorf("CreatedAt = %d, a completed exchange must not reset it", s.CreatedAt)
	}
	if s.LastActivity == 0 {
		t.Error("LastActivity should be bumped")
	}
}

func TestChatPersistsUserMessageOnFailure(t *testing.T) {
	q := &mockQuerier{
		events: []stream.Event{
			{Type: stream.EventTypeError, ErrMessage: "search index unavailable"},
		},
	}
	store := &mockStore{
		sessions: []models.ChatSession{{SessionID: "sess-1"}},
		messages: map[string][]models.ChatMessage{"sess-1": {}},
	}
	m := newTestMain(t, q, store)

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", url.Values{
		"message":    {"doomed question"},
		"session_id": {"sess-1"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	waitUntil(t, func() bool {
		return len(store.storedMessages("sess-1")) == 1
	})
	time.Sleep(20 * time.Millisecond)

	stored := store.storedMessages("sess-1")
	if len(stored) != 1 {
		t.Fatalf("stored %d messages, want just the user message", len(stored))
	}
	if stored[0].Role != models.RoleUser || stored[0].Content != "doomed question" {
		t.Errorf("stored message = %+v, the user message survives a failed turn", stored[0])
	}
}

func TestHandleChatsSecondSendConflicts(t *testing.T) {
	q := &mockQuerier{blocking: true, started: make(chan struct{})}
	store := &mockStore{
		sessions: []models.ChatSession{{SessionID: "sess-1"}},
		messages: map[string][]models.ChatMessage{"sess-1": {}},
	}
	m := newTestMain(t, q, store)

	form := url.Values{"message": {"first"}, "session_id": {"sess-1"}}

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", form))
	if w.Code != http.StatusOK {
		t.Fatalf("first send status = %d", w.Code)
	}
	<-q.started

	w = httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", url.Values{
		"message":    {"second"},
		"session_id": {"sess-1"},
	}))
	if w.Code != http.StatusConflict {
		t.Fatalf("concurrent send status = %d, want 409", w.Code)
	}

	w = httptest.NewRecorder()
	m.HandleCancel(w, postForm("/chats/cancel", url.Values{"session_id": {"sess-1"}}))
	if w.Code != http.StatusNoContent {
		t.Fatalf("cancel status = %d", w.Code)
	}

	// The cancelled send persists its user message and releases the slot.
	waitUntil(t, func() bool {
		return len(store.storedMessages("sess-1")) == 1
	})
	waitUntil(t, func() bool {
		w := httptest.NewRecorder()
		m.HandleChats(w, postForm("/chats", url.Values{
			"message":    {"third"},
			"session_id": {"sess-1"},
		}))
		return w.Code == http.StatusOK
	})
	<-q.started
	m.HandleCancel(httptest.NewRecorder(), postForm("/chats/cancel", url.Values{"session_id": {"sess-1"}}))
	waitUntil(t, func() bool {
		return len(store.storedMessages("sess-1")) == 2
	})
}

func TestHandleEndSessionWaitsForActiveSend(t *testing.T) {
	q := &mockQuerier{
		events:   []stream.Event{{Type: stream.EventTypeContent, Delta: "partial"}},
		blocking: true,
		started:  make(chan struct{}),
	}
	store := &mockStore{
		sessions: []models.ChatSession{{SessionID: "sess-1", Title: "Doomed"}},
		messages: map[string][]models.ChatMessage{"sess-1": {}},
	}
	m := newTestMain(t, q, store)

	w := httptest.NewRecorder()
	m.HandleChats(w, postForm("/chats", url.Values{
		"message":    {"question"},
		"session_id": {"sess-1"},
	}))
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d", w.Code)
	}
	<-q.started

	w = httptest.NewRecorder()
	m.HandleEndSession(w, postForm("/sessions/end", url.Values{"session_id": {"sess-1"}}))
	if w.Code != http.StatusOK {
		t.Fatalf("end session status = %d", w.Code)
	}

	if _, ok := store.storedSession("sess-1"); ok {
		t.Error("session record should be gone")
	}
	if got := len(store.storedMessages("sess-1")); got != 0 {
		t.Errorf("got %d messages after teardown, want none", got)
	}

	// No store write from the torn-down send may land after the delete.
	ops := store.opLog()
	lastDelete := -1
	for i, op := range ops {
		if op == "delete" {
			lastDelete = i
		}
	}
	if lastDelete == -1 {
		t.Fatal("delete never reached the store")
	}
	for _, op := range ops[lastDelete+1:] {
		if op == "addMessage" || op == "touch" {
			t.Errorf("store write %q after session delete", op)
		}
	}
}

func TestHandleEndSession(t *testing.T) {
	store := &mockStore{
		sessions: []models.ChatSession{{SessionID: "sess-1", Title: "Doomed"}},
	}
	m := newTestMain(t, &mockQuerier{}, store)

	w := httptest.NewRecorder()
	m.HandleEndSession(w, postForm("/sessions/end", url.Values{"session_id": {"sess-1"}}))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("HX-Redirect"); got != "/" {
		t.Errorf("HX-Redirect = %q", got)
	}

	sessions, _ := store.Sessions(context.Background())
	if len(sessions) != 0 {
		t.Errorf("session should be removed from the store")
	}
}

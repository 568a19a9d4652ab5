// Package session owns conversation identity and the lifecycle of each send
// operation: issuing the outbound request, folding the response stream into a
// finalized assistant message, and exposing observable chat state to the UI layer.
package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/avandelay-labs/graphrag-webui/internal/backend"
	"github.com/avandelay-labs/graphrag-webui/internal/models"
	"github.com/avandelay-labs/graphrag-webui/internal/stream"
)

// Precondition and discipline errors. These are detected before any network call and
// surfaced both as a return value and in the observable error state.
var (
	ErrNoAuth       = errors.New("authentication context is missing")
	ErrEmptyMessage = errors.New("message is empty")
	ErrSendInFlight = errors.New("a send operation is already in flight")
)

// CancelledMarker is appended to salvaged partial content when a stream is cancelled,
// so the conversation history shows truncated-but-real content instead of silently
// losing it.
const CancelledMarker = "\n\n_[response cancelled]_"

// Querier is the backend surface the manager depends on.
type Querier interface {
	StartSession(ctx context.Context) (string, error)
	QueryStream(ctx context.Context, req backend.QueryRequest) iter.Seq2[stream.Event, error]
	Query(ctx context.Context, req backend.QueryRequest) (*backend.QueryResponse, error)
	Credentials() backend.Credentials
}

// State is an immutable snapshot of the observable chat state. The UI layer renders
// it; it never mutates the manager through it.
type State struct {
	SessionID        string
	ConversationTurn int
	Messages         []models.ChatMessage
	IsLoading        bool
	IsStreaming      bool
	StreamingContent string
	Err              string
}

// Listener receives a state snapshot after every observable change.
type Listener func(State)

// Manager coordinates a single chat session. All failures are converted into the
// observable error state rather than left to crash callers; every terminal condition
// returns the manager to idle, ready for the next send.
//
// At most one send operation may be active at a time; concurrent SendMessage calls
// beyond the first fail with ErrSendInFlight.
type Manager struct {
	backend       Querier
	flushInterval time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	session   *models.ChatSession
	loading   bool
	streaming bool
	partial   string
	errMsg    string
	inFlight  bool
	cancel    context.CancelFunc
	listeners []Listener

	// notifyMu serializes snapshot+delivery so listeners observe states in the order
	// they were produced.
	notifyMu sync.Mutex
}

// NewManager creates an idle manager with no session. flushInterval bounds how often
// streaming snapshots are published; zero selects the default cadence.
func NewManager(q Querier, flushInterval time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		backend:       q,
		flushInterval: flushInterval,
		logger:        logger.With(slog.String("module", "session")),
	}
}

// Subscribe registers a listener for state changes. Listeners are invoked outside the
// state lock, in registration order.
func (m *Manager) Subscribe(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current observable snapshot.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() State {
	st := State{
		IsLoading:        m.loading,
		IsStreaming:      m.streaming,
		StreamingContent: m.partial,
		Err:              m.errMsg,
	}
	if m.session != nil {
		st.SessionID = m.session.SessionID
		st.ConversationTurn = m.session.ConversationTurn
		st.Messages = slices.Clone(m.session.Messages)
	}
	return st
}

// update applies a mutation under the state lock and delivers the resulting snapshot
// to all listeners. Must not be called while holding either lock.
func (m *Manager) update(mutate func()) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if mutate != nil {
		mutate()
	}
	st := m.snapshotLocked()
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}

// StartNewSession discards any existing conversation and opens a fresh one on the
// backend, adopting the returned session id with the turn counter reset to zero.
func (m *Manager) StartNewSession(ctx context.Context) error {
	if !m.backend.Credentials().Valid() {
		return m.fail(ErrNoAuth)
	}

	sessionID, err := m.backend.StartSession(ctx)
	if err != nil {
		m.logger.Error("Failed to start session", slog.String(errLoggerKey, err.Error()))
		return m.fail(err)
	}

	m.update(func() {
		m.session = models.NewSession()
		m.session.SessionID = sessionID
		m.errMsg = ""
	})
	return nil
}

// EndSession tears the session down completely: conversation identity, message list,
// transient streaming state, and any in-flight send.
func (m *Manager) EndSession() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	m.update(func() {
		m.session = nil
		m.loading = false
		m.streaming = false
		m.partial = ""
		m.errMsg = ""
	})
}

// LoadMessages hydrates the manager with a previously persisted conversation. No
// network call is made. The turn counter is set to the number of completed exchanges,
// approximated by the count of assistant messages.
func (m *Manager) LoadMessages(sessionID string, messages []models.ChatMessage) {
	turns := 0
	for _, msg := range messages {
		if msg.Role == models.RoleAssistant {
			turns++
		}
	}

	m.update(func() {
		m.session = models.NewSession()
		m.session.SessionID = sessionID
		m.session.ConversationTurn = turns
		m.session.Messages = slices.Clone(messages)
		m.errMsg = ""
	})
}

// CancelStreaming aborts the in-flight send, if any. Partial content already buffered
// is salvaged into a finalized message by the send operation; cancellation never
// surfaces as an error state.
func (m *Manager) CancelStreaming() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// fail records an error in the observable state and returns it.
func (m *Manager) fail(err error) error {
	m.update(func() {
		m.errMsg = err.Error()
	})
	return err
}

const errLoggerKey = "err"

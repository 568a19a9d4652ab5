package handlers

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/avandelay-labs/graphrag-webui/internal/models"
)

type homePageData struct {
	CurrentSessionID string
	Sessions         []sessionItem
	Messages         []message
}

// HandleHome renders the main chat page: the session list and, when a session_id
// query parameter is present, that session's conversation history.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sessions, err := m.store.Sessions(r.Context())
	if err != nil {
		m.logger.Error("Failed to get sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	currentID := r.URL.Query().Get("session_id")

	items := make([]sessionItem, len(sessions))
	for i, s := range sessions {
		items[i] = sessionItem{
			ID:     s.SessionID,
			Title:  s.Title,
			Active: s.SessionID == currentID,
		}
	}

	var msgs []message
	if currentID != "" {
		history, err := m.store.Messages(r.Context(), currentID)
		if err != nil {
			m.logger.Error("Failed to get messages",
				slog.String("sessionID", currentID),
				slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		msgs = make([]message, len(history))
		for i, hm := range history {
			content := template.HTML(template.HTMLEscapeString(hm.Content))
			if hm.Role == models.RoleAssistant {
				html, err := models.RenderMarkdown(hm.Content)
				if err != nil {
					m.logger.Error("Failed to render content", slog.String(errLoggerKey, err.Error()))
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				content = template.HTML(html)
			}
			msgs[i] = message{
				ID:             hm.ID,
				Role:           string(hm.Role),
				Content:        content,
				Timestamp:      time.UnixMilli(hm.Timestamp),
				StreamingState: "ended",
			}
		}
	}

	data := homePageData{
		CurrentSessionID: currentID,
		Sessions:         items,
		Messages:         msgs,
	}

	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

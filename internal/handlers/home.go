package handlers

import (
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

type homePageData struct {
	SessionID   string
	Suggestions []string
}

// HandleHome starts a new session and renders the chat page for it. Every page load gets a fresh
// session with an empty transcript; the previous one is left to expire.
func (m Main) HandleHome(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()

	if _, err := m.sessions.Open(sessionID, sessionEvents{m: m, sessionID: sessionID}); err != nil {
		m.logger.Error("Failed to open session",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	data := homePageData{
		SessionID:   sessionID,
		Suggestions: suggestions,
	}

	w.Header().Set("Cache-Control", "no-store")
	if err := m.templates.ExecuteTemplate(w, "home.html", data); err != nil {
		m.logger.Error("Failed to render home page", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

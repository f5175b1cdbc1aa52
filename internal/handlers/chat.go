package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/fullwhere/rag-web-ui/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/tmaxmax/go-sse"
)

// SSE event types pushed to the chat page.
var (
	messagesSSEType = sse.Type("messages")
	statusSSEType   = sse.Type("status")
)

const (
	statusLoading = "loading"
	statusIdle    = "idle"
)

type sessionState struct {
	ID       string           `json:"id"`
	Busy     bool             `json:"busy"`
	Input    string           `json:"input"`
	Messages []models.Message `json:"messages"`
}

// HandleChats submits the user's message to the session's controller.
//
// The handler expects "session_id" and "message" form fields. An accepted message is answered
// with the rendered user message; the bot's answer follows on the session's SSE stream. A message
// that is ignored, because it is blank or because the session is still waiting for an answer, is
// answered with 204 No Content and nothing changes. Unknown or expired sessions get a 404.
func (m Main) HandleChats(w http.ResponseWriter, r *http.Request) {
	sessionID := r.FormValue("session_id")
	ctrl, ok := m.sessions.Get(sessionID)
	if !ok {
		m.logger.Warn("Unknown session", slog.String("sessionID", sessionID))
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	msg := r.FormValue("message")
	ctrl.SetInput(msg)

	um, ok := ctrl.Submit(msg)
	if !ok {
		if ctrl.Closed() {
			// Expired between the lookup and the submit.
			m.logger.Warn("Session expired", slog.String("sessionID", sessionID))
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		m.logger.Debug("Message ignored",
			slog.String("sessionID", sessionID),
			slog.Bool("busy", ctrl.Busy()))
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if err := m.templates.ExecuteTemplate(w, "user_message", um); err != nil {
		m.logger.Error("Failed to render user message",
			slog.String("message", fmt.Sprintf("%+v", um)),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleSession returns the session's state as JSON: the in-flight flag, the pending input and
// the transcript.
func (m Main) HandleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctrl, ok := m.sessions.Get(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	respondJSON(w, http.StatusOK, sessionState{
		ID:       sessionID,
		Busy:     ctrl.Busy(),
		Input:    ctrl.Input(),
		Messages: ctrl.Transcript(),
	})
}

// HandleMessages returns the session's transcript as JSON, oldest message first.
func (m Main) HandleMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	ctrl, ok := m.sessions.Get(sessionID)
	if !ok {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	respondJSON(w, http.StatusOK, ctrl.Transcript())
}

// sessionEvents publishes a session's bot messages and status changes to its SSE topic. User
// messages are rendered in the response to the submitting request instead.
type sessionEvents struct {
	m         Main
	sessionID string
}

func (s sessionEvents) MessageAppended(msg models.Message) {
	if msg.Sender != models.SenderBot {
		return
	}

	var sb strings.Builder
	if err := s.m.templates.ExecuteTemplate(&sb, "bot_message", msg); err != nil {
		s.m.logger.Error("Failed to render bot message",
			slog.String("sessionID", s.sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messagesSSEType}
	e.AppendData(sb.String())
	s.publish(&e)
}

func (s sessionEvents) StatusChanged(busy bool) {
	status := statusIdle
	if busy {
		status = statusLoading
	}

	e := sse.Message{Type: statusSSEType}
	e.AppendData(status)
	s.publish(&e)
}

func (s sessionEvents) publish(e *sse.Message) {
	if err := s.m.sseSrv.Publish(e, sessionTopic(s.sessionID)); err != nil {
		s.m.logger.Error("Failed to publish session event",
			slog.String("sessionID", s.sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

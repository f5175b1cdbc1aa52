package handlers

import (
	"context"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	ragwebui "github.com/fullwhere/rag-web-ui"
	"github.com/fullwhere/rag-web-ui/internal/chat"
	"github.com/fullwhere/rag-web-ui/internal/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tmaxmax/go-sse"
)

// Sessions opens and looks up the chat controllers of browser sessions. It is implemented by
// chat.Registry.
type Sessions interface {
	Open(id string, observer chat.Observer) (*chat.Controller, error)
	Get(id string) (*chat.Controller, bool)
}

// Main serves the chat page, accepts the user's questions and pushes the answers to the page
// through server-sent events.
type Main struct {
	sseSrv    *sse.Server
	templates *template.Template

	// sseWriteTimeout bounds every write to an SSE client. A client that stops reading is
	// dropped instead of holding up the events of every other session.
	sseWriteTimeout time.Duration

	sessions Sessions

	logger *slog.Logger
}

const (
	errLoggerKey = "err"

	defaultSSEWriteTimeout = 10 * time.Second
)

// suggestions are offered on an empty transcript; picking one only fills the input.
var suggestions = []string{
	"How do I get started?",
	"What features are available?",
	"Can you summarize this document?",
}

// NewMain creates a Main serving the given sessions. It parses the page templates from the
// embedded filesystem and prepares an SSE server on which every session has a topic of its own.
func NewMain(sessions Sessions, logger *slog.Logger) (Main, error) {
	tmpl, err := template.New("").Funcs(templateFuncs).ParseFS(
		ragwebui.TemplateFS,
		"templates/layout/*.html",
		"templates/pages/*.html",
		"templates/partials/*.html",
	)
	if err != nil {
		return Main{}, fmt.Errorf("failed to parse templates: %w", err)
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				sessionID := s.Req.URL.Query().Get("session_id")
				if _, ok := sessions.Get(sessionID); !ok {
					return sse.Subscription{}, false
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic, sessionTopic(sessionID)},
				}, true
			},
		},
		templates:       tmpl,
		sseWriteTimeout: defaultSSEWriteTimeout,
		sessions:        sessions,
		logger:          logger.With(slog.String("module", "handlers")),
	}, nil
}

var templateFuncs = template.FuncMap{
	"markdown": func(text string) template.HTML {
		rendered, err := models.RenderMarkdown(text)
		if err != nil {
			return template.HTML(template.HTMLEscapeString(text))
		}
		//nolint:gosec // goldmark escapes raw HTML unless html.WithUnsafe is set.
		return template.HTML(rendered)
	},
	"clock": func(t time.Time) string {
		return t.Format("15:04")
	},
	"sourceLabel": models.SourceLabel,
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// Router returns the HTTP routes of the chat UI.
func (m Main) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	staticFS, err := fs.Sub(ragwebui.StaticFS, "static")
	if err != nil {
		// The embedded directory is fixed at compile time.
		panic(err)
	}
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))

	r.Get("/", m.HandleHome)
	r.Post("/chats", m.HandleChats)
	r.Get("/sse", m.HandleSSE)
	r.Get("/api/sessions/{sessionID}", m.HandleSession)
	r.Get("/api/sessions/{sessionID}/messages", m.HandleMessages)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

// HandleSSE streams the events of the session named by the session_id query parameter.
func (m Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if _, ok := m.sessions.Get(sessionID); !ok {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	rc := http.NewResponseController(w)
	m.sseSrv.ServeHTTP(deadlineWriter{
		ResponseWriter: w,
		rc:             rc,
		timeout:        m.sseWriteTimeout,
	}, r)
	// The connection may be reused for another request.
	_ = rc.SetWriteDeadline(time.Time{})
}

// deadlineWriter moves the connection's write deadline forward before every write and flush.
type deadlineWriter struct {
	http.ResponseWriter
	rc      *http.ResponseController
	timeout time.Duration
}

func (d deadlineWriter) Write(p []byte) (int, error) {
	d.extend()
	return d.ResponseWriter.Write(p)
}

func (d deadlineWriter) FlushError() error {
	d.extend()
	return d.rc.Flush()
}

func (d deadlineWriter) Unwrap() http.ResponseWriter {
	return d.ResponseWriter
}

func (d deadlineWriter) extend() {
	// Recorders and some middleware writers have no deadline to set.
	_ = d.rc.SetWriteDeadline(time.Now().Add(d.timeout))
}

// Shutdown tells connected pages that the server is going away and closes the SSE server. It
// waits up to 5 seconds for connections to terminate, after which they are closed forcefully.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE requires data on every event.
	e.AppendData("bye")

	// We ignore the error here since we're shutting down anyway
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/fullwhere/rag-web-ui/internal/models"
	"github.com/robfig/cron/v3"
)

// Archiver records sessions and their messages as they happen. It is write-only from the chat's
// point of view: transcripts are never restored from it.
type Archiver interface {
	AddSession(ctx context.Context, session models.Session) error
	AddMessage(ctx context.Context, sessionID string, message models.Message) error
}

// ErrSessionExists is returned by Registry.Open when the id is already in use.
var ErrSessionExists = errors.New("session already exists")

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	// TTL is how long a session may stay idle before it is evicted. Sessions with an outstanding
	// request are never evicted.
	TTL time.Duration
	// SweepSchedule is the cron spec of the eviction sweep. Defaults to "@every 1m".
	SweepSchedule string
	// Archiver is optional.
	Archiver Archiver
	Logger   *slog.Logger
	Now      func() time.Time
}

// Registry keeps one Controller per browser session.
type Registry struct {
	querier  Querier
	ttl      time.Duration
	schedule string
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Controller

	cron *cron.Cron
}

// NewRegistry creates an empty Registry whose controllers send their questions to querier.
func NewRegistry(querier Querier, opts RegistryOptions) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	schedule := opts.SweepSchedule
	if schedule == "" {
		schedule = "@every 1m"
	}

	return &Registry{
		querier:  querier,
		ttl:      opts.TTL,
		schedule: schedule,
		archiver: opts.Archiver,
		logger:   logger.With(slog.String("module", "registry")),
		now:      now,
		sessions: make(map[string]*Controller),
	}
}

// Open creates the controller of a new session. The observer, which may be nil, receives the
// session's transcript and status changes.
func (r *Registry) Open(id string, observer Observer) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	session := models.Session{
		ID:        id,
		StartedAt: r.now(),
	}

	if r.archiver != nil {
		if err := r.archiver.AddSession(context.Background(), session); err != nil {
			r.logger.Error("Failed to archive session",
				slog.String("sessionID", id),
				slog.String(errLoggerKey, err.Error()))
		}
		observer = archivingObserver{
			sessionID: id,
			archiver:  r.archiver,
			next:      observer,
			logger:    r.logger,
		}
	}

	ctrl := NewController(r.querier, Options{
		Observer: observer,
		Logger:   r.logger.With(slog.String("sessionID", id)),
		Now:      r.now,
	})
	r.sessions[id] = ctrl

	r.logger.Debug("Session opened", slog.String("sessionID", id))

	return ctrl, nil
}

// Get returns the controller of a live session.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctrl, ok := r.sessions[id]
	return ctrl, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep evicts the idle sessions whose last message is older than the TTL, and returns how many
// were evicted. A zero TTL disables eviction.
func (r *Registry) Sweep() int {
	if r.ttl <= 0 {
		return 0
	}
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	live := maps.Clone(r.sessions)
	r.mu.Unlock()

	evicted := 0
	for id, ctrl := range live {
		if !ctrl.expireIdle(cutoff) {
			continue
		}
		r.mu.Lock()
		if r.sessions[id] == ctrl {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		evicted++
	}

	if evicted > 0 {
		r.logger.Info("Evicted idle sessions", slog.Int("count", evicted))
	}
	return evicted
}

// Start schedules the eviction sweep.
func (r *Registry) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(r.schedule, func() { r.Sweep() }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", r.schedule, err)
	}
	c.Start()

	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	return nil
}

// Close stops the eviction sweep and closes every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	sessions := r.sessions
	r.sessions = make(map[string]*Controller)
	r.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	for _, ctrl := range sessions {
		ctrl.Close()
	}
}

type archivingObserver struct {
	sessionID string
	archiver  Archiver
	next      Observer
	logger    *slog.Logger
}

func (a archivingObserver) MessageAppended(msg models.Message) {
	if err := a.archiver.AddMessage(context.Background(), a.sessionID, msg); err != nil {
		a.logger.Error("Failed to archive message",
			slog.String("sessionID", a.sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
	if a.next != nil {
		a.next.MessageAppended(msg)
	}
}

func (a archivingObserver) StatusChanged(busy bool) {
	if a.next != nil {
		a.next.StatusChanged(busy)
	}
}

package chat_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fullwhere/rag-web-ui/internal/chat"
	"github.com/fullwhere/rag-web-ui/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockArchiver struct {
	mu       sync.Mutex
	sessions []models.Session
	messages map[string][]models.Message
	err      error
}

func (a *mockArchiver) AddSession(_ context.Context, session models.Session) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.sessions = append(a.sessions, session)
	return nil
}

func (a *mockArchiver) AddMessage(_ context.Context, sessionID string, msg models.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	if a.messages == nil {
		a.messages = make(map[string][]models.Message)
	}
	a.messages[sessionID] = append(a.messages[sessionID], msg)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegistryOpenGet(t *testing.T) {
	reg := chat.NewRegistry(&mockQuerier{}, chat.RegistryOptions{})
	defer reg.Close()

	ctrl, err := reg.Open("s1", nil)
	require.NoError(t, err)

	got, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Same(t, ctrl, got)

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	_, err = reg.Open("s1", nil)
	assert.True(t, errors.Is(err, chat.ErrSessionExists))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistrySweep(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	gate := make(chan struct{})
	q := &mockQuerier{res: models.QueryResponse{Answer: "X"}, gate: gate}
	reg := chat.NewRegistry(q, chat.RegistryOptions{
		TTL: 30 * time.Minute,
		Now: clk.Now,
	})
	defer reg.Close()

	_, err := reg.Open("idle", nil)
	require.NoError(t, err)
	busy, err := reg.Open("busy", nil)
	require.NoError(t, err)
	mustSubmit(t, busy, "slow question")

	clk.Advance(10 * time.Minute)
	_, err = reg.Open("fresh", nil)
	require.NoError(t, err)

	clk.Advance(25 * time.Minute)
	assert.Equal(t, 1, reg.Sweep())

	_, ok := reg.Get("idle")
	assert.False(t, ok)
	_, ok = reg.Get("busy")
	assert.True(t, ok, "sessions with an outstanding request are kept")
	_, ok = reg.Get("fresh")
	assert.True(t, ok)

	close(gate)
	busy.Wait()
}

func TestRegistrySweepDisabled(t *testing.T) {
	clk := &clock{now: time.Now()}
	reg := chat.NewRegistry(&mockQuerier{}, chat.RegistryOptions{Now: clk.Now})
	defer reg.Close()

	_, err := reg.Open("s1", nil)
	require.NoError(t, err)

	clk.Advance(24 * time.Hour)
	assert.Zero(t, reg.Sweep())
	assert.Equal(t, 1, reg.Len())
}

func TestRegistryArchives(t *testing.T) {
	archiver := &mockArchiver{}
	obs := &recordingObserver{}
	q := &mockQuerier{res: models.QueryResponse{Answer: "archived answer"}}
	reg := chat.NewRegistry(q, chat.RegistryOptions{Archiver: archiver})
	defer reg.Close()

	ctrl, err := reg.Open("s1", obs)
	require.NoError(t, err)
	mustSubmit(t, ctrl, "question")
	ctrl.Wait()

	archiver.mu.Lock()
	defer archiver.mu.Unlock()

	require.Len(t, archiver.sessions, 1)
	assert.Equal(t, "s1", archiver.sessions[0].ID)

	msgs := archiver.messages["s1"]
	require.Len(t, msgs, 2)
	assert.Equal(t, "question", msgs[0].Text)
	assert.Equal(t, "archived answer", msgs[1].Text)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Len(t, obs.events, 4, "the view observer still receives every event")
}

func TestRegistryArchiveErrorsDoNotReachChat(t *testing.T) {
	archiver := &mockArchiver{err: errors.New("disk full")}
	q := &mockQuerier{res: models.QueryResponse{Answer: "X"}}
	reg := chat.NewRegistry(q, chat.RegistryOptions{Archiver: archiver})
	defer reg.Close()

	ctrl, err := reg.Open("s1", nil)
	require.NoError(t, err)
	mustSubmit(t, ctrl, "question")
	ctrl.Wait()

	assert.Len(t, ctrl.Transcript(), 2)
}

func TestRegistryStartClose(t *testing.T) {
	reg := chat.NewRegistry(&mockQuerier{}, chat.RegistryOptions{
		TTL:           time.Minute,
		SweepSchedule: "@every 1h",
	})
	require.NoError(t, reg.Start())

	_, err := reg.Open("s1", nil)
	require.NoError(t, err)

	reg.Close()
	assert.Zero(t, reg.Len())
}

func TestRegistryStartInvalidSchedule(t *testing.T) {
	reg := chat.NewRegistry(&mockQuerier{}, chat.RegistryOptions{SweepSchedule: "not a schedule"})
	defer reg.Close()

	assert.Error(t, reg.Start())
}

func TestRegistrySweepWithBlockedObserver(t *testing.T) {
	clk := &clock{now: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)}
	obs := &blockingObserver{release: make(chan struct{})}
	q := &mockQuerier{res: models.QueryResponse{Answer: "X"}}
	reg := chat.NewRegistry(q, chat.RegistryOptions{
		TTL: 30 * time.Minute,
		Now: clk.Now,
	})
	defer reg.Close()

	stuck, err := reg.Open("stuck", obs)
	require.NoError(t, err)
	mustSubmit(t, stuck, "question")
	assert.Eventually(t, func() bool { return !stuck.Busy() }, 2*time.Second, 10*time.Millisecond)

	_, err = reg.Open("other", nil)
	require.NoError(t, err)

	clk.Advance(time.Hour)
	within(t, time.Second, func() {
		assert.Equal(t, 2, reg.Sweep())
	})
	within(t, time.Second, func() {
		_, ok := reg.Get("stuck")
		assert.False(t, ok)
	})
	assert.True(t, stuck.Closed())
	assert.False(t, accepted(stuck, "after eviction"))

	close(obs.release)
	stuck.Wait()
}

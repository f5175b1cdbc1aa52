// Package chat holds the per-session conversation state: an append-only transcript and the single
// request that may be outstanding against the answering service at any time.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fullwhere/rag-web-ui/internal/models"
	"github.com/google/uuid"
)

// Querier sends one question to the answering service. The error's message is shown to the user
// verbatim, so implementations should describe the failure without transport internals.
type Querier interface {
	Query(ctx context.Context, query string) (models.QueryResponse, error)
}

// Observer is notified of every transcript append and every change of the in-flight flag.
//
// Observer methods are called one at a time, in the order the changes happen, from a goroutine
// that does not hold the controller's lock. A slow observer delays later notifications of its
// own controller only.
type Observer interface {
	MessageAppended(msg models.Message)
	StatusChanged(busy bool)
}

const (
	// NoAnswerText replaces an absent or empty answer.
	NoAnswerText = "Sorry, I couldn't get a response."

	errorTextFormat = "An error occurred: %s"

	errLoggerKey = "err"
)

// Options configures a Controller. Zero values are usable: no observer, the default logger and
// the wall clock.
type Options struct {
	Observer Observer
	Logger   *slog.Logger
	Now      func() time.Time
}

// Controller owns the transcript of one chat session and dispatches the user's questions, one at
// a time, to a Querier.
//
// The controller has two states. While idle, a Submit with non-blank text appends the user
// message and starts a request; while a request is outstanding, Submit is ignored. Every request
// resolves into exactly one bot message, after which the controller is idle again.
type Controller struct {
	querier  Querier
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	idle       *sync.Cond
	transcript []models.Message
	input      string
	inFlight   bool
	closed     bool
	lastActive time.Time

	// pending holds the notifications not yet handed to the observer; delivering is set while a
	// goroutine drains it.
	pending    []func(Observer)
	delivering bool
}

// NewController creates an idle Controller with an empty transcript.
func NewController(querier Querier, opts Options) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		querier:    querier,
		observer:   opts.Observer,
		logger:     logger.With(slog.String("module", "chat")),
		now:        now,
		ctx:        ctx,
		cancel:     cancel,
		lastActive: now(),
	}
	c.idle = sync.NewCond(&c.mu)
	return c
}

// Submit appends text as a user message and sends it to the answering service. It returns the
// appended message and whether the text was accepted: blank text, text submitted while a request
// is outstanding, and text submitted after Close are ignored without any change.
//
// The pending input is cleared on acceptance. The answer, or a description of the failure, is
// appended asynchronously once the request resolves.
func (c *Controller) Submit(text string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if strings.TrimSpace(text) == "" || c.inFlight || c.closed {
		return models.Message{}, false
	}

	msg := c.newMessage(models.SenderUser, text, nil)
	c.appendLocked(msg)
	c.input = ""
	c.setInFlightLocked(true)

	go c.dispatch(text)

	return msg, true
}

func (c *Controller) dispatch(query string) {
	res, err := c.querier.Query(c.ctx, query)

	c.mu.Lock()
	defer c.mu.Unlock()

	var msg models.Message
	if err != nil {
		c.logger.Debug("Query failed",
			slog.String("query", query),
			slog.String(errLoggerKey, err.Error()))
		msg = c.newMessage(models.SenderBot, fmt.Sprintf(errorTextFormat, err.Error()), nil)
	} else {
		answer := res.Answer
		if answer == "" {
			answer = NoAnswerText
		}
		sources := res.Sources
		if sources == nil {
			sources = []models.Source{}
		}
		msg = c.newMessage(models.SenderBot, answer, sources)
	}

	c.appendLocked(msg)
	c.setInFlightLocked(false)
}

func (c *Controller) newMessage(sender models.Sender, text string, sources []models.Source) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		Sender:    sender,
		Text:      text,
		Sources:   sources,
		Timestamp: c.now(),
	}
}

func (c *Controller) appendLocked(msg models.Message) {
	c.transcript = append(c.transcript, msg)
	c.lastActive = msg.Timestamp
	c.notifyLocked(func(o Observer) { o.MessageAppended(msg) })
}

func (c *Controller) setInFlightLocked(busy bool) {
	c.inFlight = busy
	if !busy {
		c.idle.Broadcast()
	}
	c.notifyLocked(func(o Observer) { o.StatusChanged(busy) })
}

func (c *Controller) notifyLocked(notify func(Observer)) {
	if c.observer == nil {
		return
	}
	c.pending = append(c.pending, notify)
	if !c.delivering {
		c.delivering = true
		go c.deliver()
	}
}

// deliver hands the queued notifications to the observer until the queue is empty.
func (c *Controller) deliver() {
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		if len(batch) == 0 {
			c.delivering = false
			c.idle.Broadcast()
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		for _, notify := range batch {
			notify(c.observer)
		}
	}
}

// Transcript returns a copy of the messages appended so far, oldest first.
func (c *Controller) Transcript() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	copied := make([]models.Message, len(c.transcript))
	copy(copied, c.transcript)
	return copied
}

// Busy reports whether a request is outstanding.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// SetInput replaces the pending input. It may be called while a request is outstanding.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.input = text
}

// Input returns the pending input.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// LastActive returns the time of the last appended message, or the creation time of an empty
// session.
func (c *Controller) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// Wait blocks until no request is outstanding and the observer has been told about every change.
func (c *Controller) Wait() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.inFlight || c.delivering {
		c.idle.Wait()
	}
}

// Closed reports whether Close was called, or the session expired.
func (c *Controller) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// expireIdle closes the controller if it is idle and nothing was appended after cutoff. Unlike
// Close it does not wait for pending observer notifications.
func (c *Controller) expireIdle(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight || c.closed || c.lastActive.After(cutoff) {
		return false
	}
	c.closed = true
	c.cancel()
	return true
}

// Close cancels the outstanding request, if any, and waits for it to resolve. The request
// resolves as a failure; later submits are ignored.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.Wait()
}

// Package sync routes GitHub and Discord events to the handlers that
// mirror them onto the other side.
package sync

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/wesm/threadsync/internal/api"
	"github.com/wesm/threadsync/internal/chat"
	"github.com/wesm/threadsync/internal/clock"
	"github.com/wesm/threadsync/internal/locator"
	"github.com/wesm/threadsync/internal/models"
	"github.com/wesm/threadsync/internal/tags"
)

// ErrNoIdentity means an event could not be tied to a repository or to
// GitHub credentials. Such events are logged and dropped.
var ErrNoIdentity = errors.New("no repository or installation identity for event")

// Default delays.
const (
	DefaultThreadSettleDelay = 2 * time.Second
	DefaultThreadCreateDelay = 5 * time.Second
	maxRateLimitWait         = 15 * time.Minute
	queueDepth               = 64
)

// Tracker is the GitHub client surface the handlers use.
type Tracker interface {
	GetIssue(ctx context.Context, repo models.RepoRef, number int) (*models.Issue, error)
	CreateIssue(ctx context.Context, repo models.RepoRef, title, body string, labels []string) (*models.Issue, error)
	SetIssueState(ctx context.Context, repo models.RepoRef, number int, state string) error
	AddLabels(ctx context.Context, repo models.RepoRef, number int, labels ...string) error
	RemoveLabel(ctx context.Context, repo models.RepoRef, number int, label string) error
	GetLabel(ctx context.Context, repo models.RepoRef, name string) (*models.Label, error)
	CreateLabel(ctx context.Context, repo models.RepoRef, name, color string) (*models.Label, error)
	CreateComment(ctx context.Context, repo models.RepoRef, number int, body string) (*models.Comment, error)
	EditComment(ctx context.Context, repo models.RepoRef, commentID int64, body string) (*models.Comment, error)
	LastComment(ctx context.Context, repo models.RepoRef, number int) (*models.Comment, error)
	IssueTitle(ctx context.Context, repo models.RepoRef, number int) (string, error)
}

var _ Tracker = (*api.GitHubClient)(nil)

// TrackerSource resolves GitHub credentials for an installation and
// repository.
type TrackerSource interface {
	Tracker(ctx context.Context, installationID int64, repo models.RepoRef) (Tracker, error)
}

// StaticTrackers serves one client for every repository.
type StaticTrackers struct {
	Client Tracker
}

func (s StaticTrackers) Tracker(ctx context.Context, installationID int64, repo models.RepoRef) (Tracker, error) {
	if s.Client == nil || repo.IsZero() {
		return nil, ErrNoIdentity
	}
	return s.Client, nil
}

// ThreadCache is the thread identity cache.
type ThreadCache interface {
	locator.Cache
}

// Settings configure the handlers.
type Settings struct {
	ForumID     string
	DefaultRepo models.RepoRef
	// BotLogin is the GitHub login the bridge writes as.
	BotLogin string
	Policy   tags.Policy

	// ThreadSettleDelay is waited after a thread-created event before
	// reading the thread's starter message and tags.
	ThreadSettleDelay time.Duration
	// ThreadCreateDelay is waited after the bridge creates a thread
	// before looking it up again.
	ThreadCreateDelay time.Duration
	PinFetchTimeout   time.Duration
}

// Context is what every handler receives.
type Context struct {
	Event    Event
	Settings Settings
	Chat     chat.Client
	Locator  *locator.Locator
	Tags     *tags.Mapper
	Cache    ThreadCache
	Clock    clock.Clock
	Logger   *slog.Logger

	trackers TrackerSource
}

// TrackerFor returns the GitHub client for repo.
func (c *Context) TrackerFor(ctx context.Context, repo models.RepoRef) (Tracker, error) {
	tracker, err := c.trackers.Tracker(ctx, c.Event.InstallationID, repo)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve tracker for %q: %w", repo, err)
	}
	return tracker, nil
}

// wait pauses for d. It returns false if ctx ends first.
func (c *Context) wait(ctx context.Context, d time.Duration) bool {
	return clock.Sleep(c.Clock, d, ctx.Done())
}

// Handler implements the propagation policy for one event kind.
type Handler interface {
	Handle(ctx context.Context, c *Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, c *Context) error

func (f HandlerFunc) Handle(ctx context.Context, c *Context) error { return f(ctx, c) }

// Dispatcher routes events to handlers, each inside its own chat
// session.
type Dispatcher struct {
	settings Settings
	trackers TrackerSource
	dialer   chat.Dialer
	cache    ThreadCache
	clock    clock.Clock
	logger   *slog.Logger
	handlers map[Kind]Handler

	mu      sync.RWMutex
	queues  []chan queued
	wg      sync.WaitGroup
	stopped bool
}

type queued struct {
	ctx   context.Context
	event Event
}

var _ chat.EventHandler = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher with the default handlers.
func NewDispatcher(settings Settings, trackers TrackerSource, dialer chat.Dialer, cache ThreadCache, clk clock.Clock, logger *slog.Logger) *Dispatcher {
	if settings.ThreadSettleDelay < 0 {
		settings.ThreadSettleDelay = 0
	}
	if settings.ThreadCreateDelay < 0 {
		settings.ThreadCreateDelay = 0
	}
	settings.Policy = settings.Policy.WithDefaults()

	d := &Dispatcher{
		settings: settings,
		trackers: trackers,
		dialer:   dialer,
		cache:    cache,
		clock:    clk,
		logger:   logger,
		handlers: map[Kind]Handler{
			KindIssueOpened:       HandlerFunc(handleIssueOpened),
			KindIssueCommented:    HandlerFunc(handleIssueCommented),
			KindIssueClosed:       HandlerFunc(handleIssueState),
			KindIssueReopened:     HandlerFunc(handleIssueState),
			KindIssueEdited:       HandlerFunc(handleIssueEdited),
			KindIssueLabeled:      HandlerFunc(handleIssueLabel),
			KindIssueUnlabeled:    HandlerFunc(handleIssueLabel),
			KindIssueMilestoned:   HandlerFunc(handleIssueNotice),
			KindIssueDemilestoned: HandlerFunc(handleIssueNotice),
			KindIssueAssigned:     HandlerFunc(handleIssueNotice),
			KindIssueUnassigned:   HandlerFunc(handleIssueNotice),
			KindChatMessage:       HandlerFunc(handleChatMessage),
			KindThreadCreated:     HandlerFunc(handleThreadCreated),
			KindThreadUpdated:     HandlerFunc(handleThreadUpdated),
		},
	}
	return d
}

// Register replaces the handler for kind.
func (d *Dispatcher) Register(kind Kind, handler Handler) {
	d.handlers[kind] = handler
}

// Dispatch handles one event synchronously. Failures, including
// panics, are logged and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) {
	_ = d.process(ctx, event)
}

// process runs the event's handler and returns its error after
// logging it.
func (d *Dispatcher) process(ctx context.Context, event Event) (err error) {
	logger := d.logger.With(event.logAttrs()...)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			logger.Error("sync handler panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	handler, ok := d.handlers[event.Kind]
	if !ok {
		logger.Debug("no handler for event")
		return nil
	}

	if err := d.run(ctx, handler, event, logger); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

func (d *Dispatcher) run(ctx context.Context, handler Handler, event Event, logger *slog.Logger) error {
	if event.Kind.FromTracker() {
		if event.Issue == nil {
			return fmt.Errorf("%s event without issue: %w", event.Kind, ErrNoIdentity)
		}
		if _, err := d.trackers.Tracker(ctx, event.InstallationID, event.Repo); err != nil {
			return fmt.Errorf("failed to resolve tracker for %q: %w", event.Repo, err)
		}
	}

	session, err := d.dialer.Dial(ctx)
	if err != nil {
		return fmt.Errorf("failed to open chat session: %w", err)
	}
	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			logger.Warn("failed to close chat session", "error", closeErr)
		}
	}()

	c := &Context{
		Event:    event,
		Settings: d.settings,
		Chat:     session,
		Locator:  locator.New(session, d.cache, d.settings.Policy, logger, d.settings.PinFetchTimeout),
		Tags:     tags.NewMapper(session, d.settings.Policy, logger),
		Cache:    d.cache,
		Clock:    d.clock,
		Logger:   logger,
		trackers: d.trackers,
	}
	return handler.Handle(ctx, c)
}

// Start launches workers that drain Enqueue'd events. Events with the
// same issue or thread always land on the same worker, so they are
// handled in arrival order. Cancelling ctx only cuts rate-limit pauses
// short; every queued event is still handled before Stop returns.
func (d *Dispatcher) Start(ctx context.Context, workers int) {
	if workers < 1 {
		workers = 1
	}
	if workers > 10 {
		workers = 10
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queues != nil || d.stopped {
		return
	}

	d.queues = make([]chan queued, workers)
	for i := range d.queues {
		queue := make(chan queued, queueDepth)
		d.queues[i] = queue
		d.wg.Add(1)
		go d.work(ctx, queue)
	}
	d.logger.Info("dispatcher started", "workers", workers)
}

func (d *Dispatcher) work(ctx context.Context, queue <-chan queued) {
	defer d.wg.Done()

	for item := range queue {
		err := d.process(item.ctx, item.event)

		var rateLimitErr *api.RateLimitError
		if errors.As(err, &rateLimitErr) {
			wait := rateLimitErr.ResetTime.Sub(d.clock.Now())
			if wait <= 0 {
				wait = 30 * time.Second
			}
			if wait > maxRateLimitWait {
				wait = maxRateLimitWait
			}
			d.logger.Warn("rate limited by GitHub, pausing worker",
				"until", rateLimitErr.ResetTime.Format(time.RFC3339), "wait", wait.Round(time.Second))
			clock.Sleep(d.clock, wait, ctx.Done())
		}
	}
}

// Enqueue hands an event to its worker. Without Start it handles the
// event inline. It blocks while the worker's queue is full.
func (d *Dispatcher) Enqueue(ctx context.Context, event Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return errors.New("dispatcher stopped")
	}
	if d.queues == nil {
		d.Dispatch(ctx, event)
		return nil
	}

	hash := fnv.New32a()
	hash.Write([]byte(event.shardKey()))
	queue := d.queues[hash.Sum32()%uint32(len(d.queues))]

	select {
	case queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop closes the queues and waits for queued events to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, queue := range d.queues {
		close(queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// HandleMessage queues a Discord message.
func (d *Dispatcher) HandleMessage(ctx context.Context, event chat.MessageEvent) {
	message := event.Message
	d.enqueueChat(ctx, Event{Kind: KindChatMessage, Message: &message})
}

// HandleThreadCreate queues a new Discord thread.
func (d *Dispatcher) HandleThreadCreate(ctx context.Context, event chat.ThreadCreateEvent) {
	thread := event.Thread
	d.enqueueChat(ctx, Event{Kind: KindThreadCreated, Thread: &thread})
}

// HandleThreadUpdate queues a Discord thread change.
func (d *Dispatcher) HandleThreadUpdate(ctx context.Context, event chat.ThreadUpdateEvent) {
	after := event.After
	d.enqueueChat(ctx, Event{Kind: KindThreadUpdated, Thread: &after, PreviousThread: event.Before})
}

func (d *Dispatcher) enqueueChat(ctx context.Context, event Event) {
	if err := d.Enqueue(ctx, event); err != nil {
		d.logger.Warn("dropping chat event", append(event.logAttrs(), "error", err)...)
	}
}

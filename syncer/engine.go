// Package syncer replays the offline action queue against the storefront API.
// Actions are sent one at a time in FIFO order; each outcome is independent
// and failed actions stay pending for the next run.
package syncer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shery7378/multifront-sub002/offline"
	"github.com/shery7378/multifront-sub002/telemetry"
)

// Result summarises one sync run.
type Result struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Handler replays one action. A nil error means the API accepted it.
type Handler func(ctx context.Context, action offline.Action) error

// Notifier is told the outcome of every run that processed actions.
type Notifier interface {
	NotifySync(ctx context.Context, result Result)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, result Result)

func (f NotifierFunc) NotifySync(ctx context.Context, result Result) { f(ctx, result) }

// Queue is the part of the offline queue the engine drives.
type Queue interface {
	ListPending(ctx context.Context) ([]offline.Action, error)
	MarkComplete(ctx context.Context, id uint64) error
}

// Engine drains the offline queue.
type Engine struct {
	queue     Queue
	handlers  map[offline.ActionType]Handler
	notifiers []Notifier
	logger    *slog.Logger

	// run serialises sync runs.
	run sync.Mutex

	// Background runs started by Trigger.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithNotifier adds a notifier called after runs that processed actions.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifiers = append(e.notifiers, n)
	}
}

// WithHandler registers or replaces the handler for an action type.
func WithHandler(t offline.ActionType, h Handler) Option {
	return func(e *Engine) {
		e.handlers[t] = h
	}
}

// New creates an engine. When client is non-nil the built-in action types
// are dispatched to it.
func New(queue Queue, client *Client, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		queue:    queue,
		handlers: make(map[offline.ActionType]Handler),
		logger:   slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if client != nil {
		e.handlers[offline.ActionAddToCart] = func(ctx context.Context, a offline.Action) error {
			return client.AddToCart(ctx, a.Data, a.IdempotencyKey)
		}
		e.handlers[offline.ActionAddToFavorites] = func(ctx context.Context, a offline.Action) error {
			return client.AddToFavorites(ctx, a.Data, a.IdempotencyKey)
		}
		e.handlers[offline.ActionUpdateProfile] = func(ctx context.Context, a offline.Action) error {
			return client.UpdateProfile(ctx, a.Data, a.IdempotencyKey)
		}
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "syncer")
	return e
}

// Register adds or replaces the handler for an action type. It waits for a
// running sync to finish.
func (e *Engine) Register(t offline.ActionType, h Handler) {
	e.run.Lock()
	defer e.run.Unlock()
	e.handlers[t] = h
}

type triggerKey struct{}

// WithTrigger labels ctx with what started a sync, for metrics and logs.
func WithTrigger(ctx context.Context, trigger string) context.Context {
	return context.WithValue(ctx, triggerKey{}, trigger)
}

func triggerFrom(ctx context.Context) string {
	if t, ok := ctx.Value(triggerKey{}).(string); ok && t != "" {
		return t
	}
	return "manual"
}

// Sync replays every pending action once. Runs never overlap: a call made
// while another run is in progress waits for it, then reads the queue again.
// The error is non-nil only when the pending list could not be read.
func (e *Engine) Sync(ctx context.Context) (Result, error) {
	e.run.Lock()
	defer e.run.Unlock()

	start := time.Now()
	trigger := triggerFrom(ctx)

	pending, err := e.queue.ListPending(ctx)
	if err != nil {
		e.logger.Warn("reading pending actions failed", "trigger", trigger, "error", err)
		return Result{}, err
	}
	if len(pending) == 0 {
		return Result{}, nil
	}

	e.logger.Info("syncing offline actions", "trigger", trigger, "pending", len(pending))

	result := Result{Total: len(pending)}
	for _, action := range pending {
		if ctx.Err() != nil {
			// Unsent actions stay pending for the next run.
			result.Failed += result.Total - result.Synced - result.Failed
			break
		}
		if e.replay(ctx, action) {
			result.Synced++
		} else {
			result.Failed++
		}
	}

	telemetry.RecordSyncRun(ctx, trigger, result.Synced, result.Failed, time.Since(start))
	e.logger.Info("sync finished",
		"trigger", trigger,
		"synced", result.Synced,
		"failed", result.Failed,
		"total", result.Total,
		"duration", time.Since(start))

	for _, n := range e.notifiers {
		n.NotifySync(ctx, result)
	}
	return result, nil
}

// replay sends one action and marks it complete. It reports success.
func (e *Engine) replay(ctx context.Context, action offline.Action) bool {
	logger := e.logger.With("id", action.ID, "type", action.Type)

	handler, ok := e.handlers[action.Type]
	if !ok {
		// Unknown types are completed so they cannot block the queue.
		logger.Warn("no handler for action type, marking complete")
	} else if err := handler(ctx, action); err != nil {
		logger.Warn("replaying action failed", "error", err)
		return false
	}

	if err := e.queue.MarkComplete(ctx, action.ID); err != nil {
		// The action stays pending and will be sent again.
		logger.Error("marking action complete failed", "error", err)
		return false
	}
	logger.Debug("action synced")
	return true
}

// Trigger starts a sync in the background. Runs started this way are
// tracked and waited for by Close.
func (e *Engine) Trigger(trigger string) {
	if e.ctx.Err() != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if _, err := e.Sync(WithTrigger(e.ctx, trigger)); err != nil {
			e.logger.Debug("background sync failed", "trigger", trigger, "error", err)
		}
	}()
}

// OnConnectivity is a connectivity subscriber: it triggers a sync when the
// network comes back.
func (e *Engine) OnConnectivity(online bool) {
	if online {
		e.Trigger("online")
	}
}

// Close cancels background runs and waits for them to finish.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

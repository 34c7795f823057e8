// Package worker routes lifecycle, fetch, push and sync events to handlers.
// Each event gets exactly one handler invocation; handlers may extend an
// event with background work that outlives the caller.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Kind identifies an event.
type Kind string

const (
	KindInstall           Kind = "install"
	KindActivate          Kind = "activate"
	KindFetch             Kind = "fetch"
	KindPush              Kind = "push"
	KindNotificationClick Kind = "notificationclick"
	KindSync              Kind = "sync"
	KindMessage           Kind = "message"
)

var (
	// ErrPassThrough is returned by fetch handlers that decline a request.
	// The caller should let it reach the network untouched.
	ErrPassThrough = errors.New("worker: pass through")

	// ErrNoHandler is returned when no handler is registered for a kind.
	ErrNoHandler = errors.New("worker: no handler")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("worker: dispatcher closed")
)

// Event is one incoming event. Only the fields for its Kind are set.
type Event struct {
	Kind Kind

	// Request is the intercepted request for fetch events.
	Request *http.Request

	// Data is the push or message payload.
	Data json.RawMessage

	// Tag is the background sync tag.
	Tag string

	// URL is the notification target for notificationclick events.
	URL string

	d *Dispatcher
}

// WaitUntil extends the event with fn. fn runs in the background under the
// dispatcher's context, not the caller's, and Close waits for it. Work
// registered after Close is dropped.
func (e *Event) WaitUntil(fn func(ctx context.Context) error) {
	if e.d == nil {
		return
	}
	e.d.goBackground(e.Kind, fn)
}

// Handler handles one event and returns its result.
type Handler func(ctx context.Context, ev *Event) (any, error)

// Dispatcher is a table from event kind to handler.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[Kind]Handler
	closed   bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger for the dispatcher.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		logger:   slog.Default(),
		handlers: make(map[Kind]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "worker")
	return d
}

// Handle registers h for kind, replacing any previous handler.
func (d *Dispatcher) Handle(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Dispatch runs the handler for ev.Kind once and returns its result. A fetch
// event without a handler passes through.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) (any, error) {
	d.mu.RLock()
	h, ok := d.handlers[ev.Kind]
	closed := d.closed
	d.mu.RUnlock()

	if closed {
		return nil, ErrClosed
	}
	if !ok {
		if ev.Kind == KindFetch {
			return nil, ErrPassThrough
		}
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, ev.Kind)
	}

	ev.d = d
	start := time.Now()
	res, err := h(ctx, ev)
	if err != nil && !errors.Is(err, ErrPassThrough) {
		d.logger.Debug("event handler failed", "kind", ev.Kind, "duration", time.Since(start), "error", err)
	}
	return res, err
}

func (d *Dispatcher) goBackground(kind Kind, fn func(ctx context.Context) error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.Debug("dropping background work after close", "kind", kind)
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(d.ctx); err != nil {
			d.logger.Debug("background work failed", "kind", kind, "error", err)
		}
	}()
}

// Close stops accepting events and waits for background work until ctx is
// done, then cancels it and waits for it to return.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

// Package lifecycle handles install and activate for the cache partitions,
// plus push notifications, notification clicks, background sync and control
// messages from client windows.
package lifecycle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.uber.org/multierr"

	"github.com/shery7378/multifront-sub002/gateway"
	"github.com/shery7378/multifront-sub002/store/cachedb"
	"github.com/shery7378/multifront-sub002/syncer"
	"github.com/shery7378/multifront-sub002/telemetry"
	"github.com/shery7378/multifront-sub002/worker"
)

// SyncTag is the background sync tag that drains the offline queue.
const SyncTag = "sync-offline-actions"

// Control message types.
const (
	MessageSkipWaiting = "SKIP_WAITING"
	MessageCacheURLs   = "CACHE_URLS"
)

var (
	// ErrUnknownMessage is returned for control messages with an unknown type.
	ErrUnknownMessage = errors.New("lifecycle: unknown message type")

	// ErrNoSyncer is returned by BackgroundSync when no sync engine is set.
	ErrNoSyncer = errors.New("lifecycle: no sync engine configured")
)

// State is the controller's lifecycle position.
type State string

const (
	StateNew       State = "new"
	StateInstalled State = "installed"
	StateActivated State = "activated"
)

// Cache is the partition management the controller needs.
type Cache interface {
	OpenPartition(ctx context.Context, name string) error
	Partitions(ctx context.Context) ([]string, error)
	DeletePartition(ctx context.Context, name string) error
}

// Origin fetches and stores origin resources.
type Origin interface {
	Warm(ctx context.Context, partition, ref string) (*cachedb.Entry, error)
	Resolve(ref string) string
	OfflinePageURL() string
	Partitions() gateway.Partitions
}

// Syncer runs the offline queue.
type Syncer interface {
	Sync(ctx context.Context) (syncer.Result, error)
}

// Notification is shown by client windows for a push.
type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon,omitempty"`
	Badge string `json:"badge,omitempty"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

// DefaultNotification is used for fields missing from a push payload.
func DefaultNotification() Notification {
	return Notification{
		Title: "Storefront",
		Body:  "You have a new notification",
		Icon:  "/icons/icon-192x192.png",
		Badge: "/icons/badge-72x72.png",
		URL:   "/",
		Tag:   "storefront",
	}
}

// InstallResult lists the precached URLs.
type InstallResult struct {
	Cached []string `json:"cached"`
	Failed []string `json:"failed,omitempty"`
}

// Message is a control message from a client window.
type Message struct {
	Type string `json:"type"`
	// URLs for CACHE_URLS. Payload is accepted as an alias.
	URLs    []string `json:"urls,omitempty"`
	Payload []string `json:"payload,omitempty"`
}

// MessageResult is the outcome of a control message.
type MessageResult struct {
	Type    string   `json:"type"`
	Deleted []string `json:"deleted,omitempty"`
	Cached  []string `json:"cached,omitempty"`
	Failed  []string `json:"failed,omitempty"`
}

// ClickResult says how a notification click was routed.
type ClickResult struct {
	// Action is "focus" when an open window showed the URL, else "open".
	Action string      `json:"action"`
	URL    string      `json:"url"`
	Client *ClientInfo `json:"client,omitempty"`
}

// Controller coordinates lifecycle events.
type Controller struct {
	cache      Cache
	origin     Origin
	partitions gateway.Partitions
	precache   []string
	discover   bool
	syncer     Syncer
	clients    *Clients
	logger     *slog.Logger

	mu    sync.Mutex
	state State
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger for the controller.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithPrecache adds app-shell URLs fetched at install.
func WithPrecache(urls ...string) Option {
	return func(c *Controller) {
		c.precache = append(c.precache, urls...)
	}
}

// WithDiscovery toggles precaching the assets referenced by the offline page.
// Enabled by default.
func WithDiscovery(enabled bool) Option {
	return func(c *Controller) {
		c.discover = enabled
	}
}

// WithSyncer sets the engine run by background sync.
func WithSyncer(s Syncer) Option {
	return func(c *Controller) {
		c.syncer = s
	}
}

// WithClients sets the hub used for push and click routing.
func WithClients(h *Clients) Option {
	return func(c *Controller) {
		c.clients = h
	}
}

// New creates a controller.
func New(cache Cache, origin Origin, opts ...Option) *Controller {
	c := &Controller{
		cache:      cache,
		origin:     origin,
		partitions: origin.Partitions(),
		discover:   true,
		logger:     slog.Default(),
		state:      StateNew,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.clients == nil {
		c.clients = NewClients(c.logger)
	}
	c.logger = c.logger.With("component", "lifecycle")
	return c
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Clients returns the window hub.
func (c *Controller) Clients() *Clients {
	return c.clients
}

// Install opens the current partitions and precaches the app shell. The
// offline page must be cached or install fails; other URLs are best effort.
func (c *Controller) Install(ctx context.Context) (InstallResult, error) {
	var res InstallResult

	for _, name := range c.partitions.Whitelist() {
		if err := c.cache.OpenPartition(ctx, name); err != nil {
			return res, fmt.Errorf("opening partition %s: %w", name, err)
		}
	}

	offline := c.origin.OfflinePageURL()
	page, err := c.origin.Warm(ctx, c.partitions.AppShell, offline)
	if err != nil {
		return res, fmt.Errorf("precaching offline page: %w", err)
	}
	res.Cached = append(res.Cached, page.URL)

	urls := make([]string, 0, len(c.precache))
	for _, u := range c.precache {
		urls = append(urls, c.origin.Resolve(u))
	}
	if c.discover && strings.Contains(page.Header.Get("Content-Type"), "html") {
		assets, err := DiscoverAssets(page.Body, page.URL)
		if err != nil {
			c.logger.Warn("discovering offline page assets failed", "error", err)
		}
		urls = append(urls, assets...)
	}

	seen := map[string]bool{page.URL: true}
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		if _, err := c.origin.Warm(ctx, c.partitions.AppShell, u); err != nil {
			c.logger.Warn("precache failed", "url", u, "error", err)
			res.Failed = append(res.Failed, u)
			continue
		}
		res.Cached = append(res.Cached, u)
	}

	c.setState(StateInstalled)
	c.logger.Info("installed",
		"version", c.partitions.Version,
		"cached", len(res.Cached),
		"failed", len(res.Failed))
	return res, nil
}

// Activate deletes every partition outside the current whitelist and
// returns the deleted names.
func (c *Controller) Activate(ctx context.Context) ([]string, error) {
	names, err := c.cache.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}

	var (
		deleted []string
		errs    error
	)
	for _, name := range names {
		if c.partitions.Contains(name) {
			continue
		}
		if err := c.cache.DeletePartition(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting partition %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	telemetry.RecordPartitionsEvicted(ctx, len(deleted))

	c.setState(StateActivated)
	if len(deleted) > 0 {
		c.logger.Info("old partitions deleted", "version", c.partitions.Version, "deleted", deleted)
	}
	c.clients.Broadcast(ctx, Notice{Type: NoticeActivate, Version: c.partitions.Version})
	return deleted, errs
}

// Message handles a control message from a window.
func (c *Controller) Message(ctx context.Context, msg Message) (MessageResult, error) {
	res := MessageResult{Type: msg.Type}
	switch msg.Type {
	case MessageSkipWaiting:
		deleted, err := c.Activate(ctx)
		res.Deleted = deleted
		return res, err
	case MessageCacheURLs:
		urls := append(append([]string{}, msg.URLs...), msg.Payload...)
		for _, u := range urls {
			if _, err := c.origin.Warm(ctx, c.partitions.Runtime, u); err != nil {
				c.logger.Debug("caching requested URL failed", "url", u, "error", err)
				res.Failed = append(res.Failed, u)
				continue
			}
			res.Cached = append(res.Cached, u)
		}
		return res, nil
	default:
		return res, fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
	}
}

// Push builds a notification from payload and sends it to every window. An
// empty payload uses the defaults; a payload that is not JSON becomes the
// body. It returns the notification and how many windows received it.
func (c *Controller) Push(ctx context.Context, payload []byte) (Notification, int) {
	n := DefaultNotification()

	payload = bytes.TrimSpace(payload)
	if len(payload) > 0 {
		var in Notification
		if err := json.Unmarshal(payload, &in); err != nil {
			n.Body = string(payload)
		} else {
			mergeNotification(&n, in)
		}
	}

	delivered := c.clients.Broadcast(ctx, Notice{Type: NoticePush, Notification: &n})
	c.logger.Debug("push delivered", "title", n.Title, "windows", delivered)
	return n, delivered
}

func mergeNotification(dst *Notification, src Notification) {
	if src.Title != "" {
		dst.Title = src.Title
	}
	if src.Body != "" {
		dst.Body = src.Body
	}
	if src.Icon != "" {
		dst.Icon = src.Icon
	}
	if src.Badge != "" {
		dst.Badge = src.Badge
	}
	if src.URL != "" {
		dst.URL = src.URL
	}
	if src.Tag != "" {
		dst.Tag = src.Tag
	}
}

// NotificationClick focuses a window already showing target, or asks the
// first connected window to open it. With no windows connected the result
// is still "open" with no client.
func (c *Controller) NotificationClick(ctx context.Context, target string) ClickResult {
	if target == "" {
		target = "/"
	}
	abs := c.origin.Resolve(target)

	if client, ok := c.clients.Focus(ctx, abs); ok {
		return ClickResult{Action: NoticeFocus, URL: abs, Client: &client}
	}
	if client, ok := c.clients.Open(ctx, abs); ok {
		return ClickResult{Action: NoticeOpen, URL: abs, Client: &client}
	}
	return ClickResult{Action: NoticeOpen, URL: abs}
}

// BackgroundSync runs the sync engine for SyncTag. Other tags are ignored
// and report false.
func (c *Controller) BackgroundSync(ctx context.Context, tag string) (syncer.Result, bool, error) {
	if tag != SyncTag {
		c.logger.Debug("ignoring sync tag", "tag", tag)
		return syncer.Result{}, false, nil
	}
	if c.syncer == nil {
		return syncer.Result{}, true, ErrNoSyncer
	}
	res, err := c.syncer.Sync(syncer.WithTrigger(ctx, "background-sync"))
	return res, true, err
}

// Register installs the controller's handlers on d.
func (c *Controller) Register(d *worker.Dispatcher) {
	d.Handle(worker.KindInstall, func(ctx context.Context, _ *worker.Event) (any, error) {
		return c.Install(ctx)
	})
	d.Handle(worker.KindActivate, func(ctx context.Context, _ *worker.Event) (any, error) {
		return c.Activate(ctx)
	})
	d.Handle(worker.KindMessage, func(ctx context.Context, ev *worker.Event) (any, error) {
		var msg Message
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			return nil, fmt.Errorf("decoding message: %w", err)
		}
		if msg.Type == MessageCacheURLs {
			// Warming runs past the sender's request.
			ev.WaitUntil(func(ctx context.Context) error {
				res, err := c.Message(ctx, msg)
				if err == nil && len(res.Failed) > 0 {
					err = fmt.Errorf("caching %d of %d URLs failed", len(res.Failed), len(res.Failed)+len(res.Cached))
				}
				return err
			})
			return MessageResult{Type: msg.Type}, nil
		}
		return c.Message(ctx, msg)
	})
	d.Handle(worker.KindPush, func(ctx context.Context, ev *worker.Event) (any, error) {
		n, delivered := c.Push(ctx, ev.Data)
		return map[string]any{"notification": n, "delivered": delivered}, nil
	})
	d.Handle(worker.KindNotificationClick, func(ctx context.Context, ev *worker.Event) (any, error) {
		return c.NotificationClick(ctx, ev.URL), nil
	})
	d.Handle(worker.KindSync, func(ctx context.Context, ev *worker.Event) (any, error) {
		res, handled, err := c.BackgroundSync(ctx, ev.Tag)
		if !handled {
			return nil, nil
		}
		return res, err
	})
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

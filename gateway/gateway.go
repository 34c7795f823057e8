// Package gateway answers storefront GET requests from the cache partitions
// or the origin, choosing a strategy per request. Non-GET requests and
// cross-origin requests other than images are proxied untouched.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	storefront "github.com/shery7378/multifront-sub002"
	"github.com/shery7378/multifront-sub002/download"
	"github.com/shery7378/multifront-sub002/store/cachedb"
	"github.com/shery7378/multifront-sub002/telemetry"
)

const (
	// DefaultMaxStale bounds how old an API entry may be and still be served
	// ahead of the live fetch.
	DefaultMaxStale = 24 * time.Hour

	// DefaultTimeout bounds a foreground upstream request.
	DefaultTimeout = 30 * time.Second

	// refreshTimeout bounds a background revalidation.
	refreshTimeout = 2 * time.Minute
)

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Cache is the partition storage the gateway reads and writes.
type Cache interface {
	Match(ctx context.Context, partition string, req *http.Request) (*cachedb.Entry, error)
	MatchAny(ctx context.Context, req *http.Request) (*cachedb.Entry, string, error)
	PutEntry(ctx context.Context, partition string, entry *cachedb.Entry) error
}

// Response is a gateway answer. The caller must close Body.
type Response struct {
	*http.Response
	Route  Route
	Result telemetry.CacheResult
}

// Gateway applies the routing policy.
type Gateway struct {
	cache         Cache
	client        *http.Client
	origin        *url.URL
	partitions    Partitions
	router        *Router
	apiPrefix     string
	offlinePage   string
	offlineRoutes []string
	maxStale      time.Duration
	downloader    *download.Downloader
	now           func() time.Time
	logger        *slog.Logger

	// Background revalidation lifecycle.
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger for the gateway.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithHTTPClient sets the client used for upstream requests. Redirects
// should not be followed so they reach the caller.
func WithHTTPClient(client *http.Client) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithPartitions sets the versioned partition names.
func WithPartitions(p Partitions) Option {
	return func(g *Gateway) {
		g.partitions = p
	}
}

// WithAPIPrefix sets the path prefix served stale-while-revalidate.
func WithAPIPrefix(prefix string) Option {
	return func(g *Gateway) {
		g.apiPrefix = prefix
	}
}

// WithOfflinePage sets the navigation fallback path.
func WithOfflinePage(p string) Option {
	return func(g *Gateway) {
		if p != "" {
			g.offlinePage = p
		}
	}
}

// WithOfflineRoutes sets the navigation paths cached for offline use.
func WithOfflineRoutes(routes []string) Option {
	return func(g *Gateway) {
		g.offlineRoutes = routes
	}
}

// WithMaxStale sets how old an API entry may be and still be served before
// the live fetch. Zero removes the bound.
func WithMaxStale(d time.Duration) Option {
	return func(g *Gateway) {
		g.maxStale = d
	}
}

// WithNow overrides the clock, primarily for testing.
func WithNow(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// New creates a gateway in front of origin, e.g. "https://shop.example".
func New(cache Cache, origin string, opts ...Option) (*Gateway, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return nil, fmt.Errorf("parsing origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("origin must be an absolute URL: %q", origin)
	}

	partitions, _ := NewPartitions(DefaultVersion)
	ctx, cancel := context.WithCancel(context.Background())
	g := &Gateway{
		cache:       cache,
		origin:      u,
		partitions:  partitions,
		offlinePage: DefaultOfflinePage,
		maxStale:    DefaultMaxStale,
		now:         time.Now,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.client == nil {
		g.client = &http.Client{
			Timeout:       DefaultTimeout,
			Transport:     telemetry.NewInstrumentedTransport(nil, "origin"),
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}
	}
	g.logger = g.logger.With("component", "gateway")
	g.downloader = download.New(download.WithLogger(g.logger))
	g.router = NewRouter(u, g.partitions, g.apiPrefix, g.offlineRoutes)
	return g, nil
}

// Partitions returns the current partition names.
func (g *Gateway) Partitions() Partitions {
	return g.partitions
}

// Router returns the request classifier.
func (g *Gateway) Router() *Router {
	return g.router
}

// OfflinePageURL returns the absolute URL of the navigation fallback page.
func (g *Gateway) OfflinePageURL() string {
	return g.Resolve(g.offlinePage)
}

// Resolve turns an origin-relative reference into an absolute URL.
func (g *Gateway) Resolve(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return g.origin.ResolveReference(u).String()
}

// Fetch answers req according to its route. The error is non-nil only when
// the strategy had no live response and no fallback.
func (g *Gateway) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	return g.fetch(ctx, req, g.router.Classify(req))
}

func (g *Gateway) fetch(ctx context.Context, req *http.Request, route Route) (*Response, error) {
	out := g.upstreamRequest(ctx, req)

	var (
		resp *Response
		err  error
	)
	switch route.Strategy {
	case PassThrough:
		return g.passThrough(out, route)
	case CacheFirst:
		resp, err = g.cacheFirst(ctx, out, route)
	case StaleWhileRevalidate:
		resp, err = g.staleWhileRevalidate(ctx, out, route)
	case NetworkFirstNav:
		resp, err = g.networkFirstNavigation(ctx, out, route)
	default:
		resp, err = g.networkFirst(ctx, out, route)
	}
	if err != nil {
		return nil, err
	}
	telemetry.RecordCacheLookup(ctx, string(route.Strategy), route.Partition, resp.Result)
	return resp, nil
}

func (g *Gateway) passThrough(out *http.Request, route Route) (*Response, error) {
	resp, err := g.client.Do(out)
	if err != nil {
		return nil, fmt.Errorf("forwarding %s %s: %w", out.Method, out.URL.Redacted(), err)
	}
	return &Response{Response: resp, Route: route, Result: telemetry.CacheBypass}, nil
}

// cacheFirst serves a cached entry and refreshes it in the background, or
// fetches, stores and returns the live response.
func (g *Gateway) cacheFirst(ctx context.Context, out *http.Request, route Route) (*Response, error) {
	if cached, ok := g.lookup(ctx, route.Partition, out); ok {
		g.revalidate(out, route.Partition)
		return respond(cached, out, route, telemetry.CacheHit), nil
	}

	live, err := g.fetchEntry(ctx, out)
	if err != nil {
		return nil, err
	}
	g.store(ctx, route.Partition, live)
	return respond(live, out, route, telemetry.CacheMiss), nil
}

// staleWhileRevalidate serves a cached entry younger than maxStale while a
// background fetch replaces it. Older entries are only a fallback for a
// failed live fetch.
func (g *Gateway) staleWhileRevalidate(ctx context.Context, out *http.Request, route Route) (*Response, error) {
	cached, ok := g.lookup(ctx, route.Partition, out)
	if ok && g.servable(cached) {
		g.revalidate(out, route.Partition)
		return respond(cached, out, route, telemetry.CacheStale), nil
	}

	live, err := g.fetchEntry(ctx, out)
	if err != nil {
		if ok {
			g.logger.Debug("serving expired entry after fetch failure", "url", out.URL.Redacted(), "error", err)
			return respond(cached, out, route, telemetry.CacheFallback), nil
		}
		return nil, err
	}
	g.store(ctx, route.Partition, live)
	return respond(live, out, route, telemetry.CacheMiss), nil
}

// networkFirstNavigation prefers the live page. Only 200 answers for
// offline-capable routes are stored. On failure it falls back to the cached
// page, then the offline page.
func (g *Gateway) networkFirstNavigation(ctx context.Context, out *http.Request, route Route) (*Response, error) {
	live, err := g.fetchEntry(ctx, out)
	if err == nil {
		if live.Status == http.StatusOK && g.router.OfflineCapable(out.URL.Path) {
			g.store(ctx, route.Partition, live)
		}
		return respond(live, out, route, telemetry.CacheMiss), nil
	}

	if cached, ok := g.lookupAny(ctx, out); ok {
		return respond(cached, out, route, telemetry.CacheFallback), nil
	}
	if page, ok := g.offlineEntry(ctx); ok {
		g.logger.Debug("serving offline page", "url", out.URL.Redacted(), "error", err)
		return respond(page, out, route, telemetry.CacheOffline), nil
	}
	return nil, err
}

// networkFirst prefers the live response and falls back to any cached copy.
func (g *Gateway) networkFirst(ctx context.Context, out *http.Request, route Route) (*Response, error) {
	live, err := g.fetchEntry(ctx, out)
	if err == nil {
		g.store(ctx, route.Partition, live)
		return respond(live, out, route, telemetry.CacheMiss), nil
	}
	if cached, ok := g.lookupAny(ctx, out); ok {
		return respond(cached, out, route, telemetry.CacheFallback), nil
	}
	return nil, err
}

// Warm fetches ref from the origin and stores it in partition. Unlike the
// strategies, a non-2xx answer or a storage failure is an error.
func (g *Gateway) Warm(ctx context.Context, partition, ref string) (*cachedb.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.Resolve(ref), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	entry, err := g.fetchEntry(ctx, req)
	if err != nil {
		return nil, err
	}
	if !entry.Cacheable() {
		return nil, fmt.Errorf("fetching %s: %w: status %d", req.URL.Redacted(), cachedb.ErrNotCacheable, entry.Status)
	}
	if err := g.cache.PutEntry(ctx, partition, entry); err != nil {
		return nil, fmt.Errorf("storing %s: %w", req.URL.Redacted(), err)
	}
	return entry, nil
}

// Wait blocks until in-flight background revalidations finish.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// Close cancels background revalidations and waits for them to finish.
func (g *Gateway) Close() {
	g.cancel()
	g.wg.Wait()
}

// ServeHTTP adapts the gateway to an http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route := g.router.Classify(r)
	telemetry.SetStrategy(r, string(route.Strategy))
	telemetry.SetPartition(r, route.Partition)

	resp, err := g.fetch(r.Context(), r, route)
	if err != nil {
		g.WriteError(w, r, err)
		return
	}
	g.WriteResponse(w, r, resp)
}

// WriteResponse copies resp to w, adding the X-Cache headers, and closes
// its body.
func (g *Gateway) WriteResponse(w http.ResponseWriter, r *http.Request, resp *Response) {
	defer func() { _ = resp.Body.Close() }()
	telemetry.SetStrategy(r, string(resp.Route.Strategy))
	telemetry.SetPartition(r, resp.Route.Partition)
	telemetry.SetCacheResult(r, resp.Result)

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		w.Header().Del(h)
	}
	w.Header().Set("X-Cache", string(resp.Result))
	w.Header().Set("X-Cache-Strategy", string(resp.Route.Strategy))
	w.WriteHeader(resp.StatusCode)

	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		g.logger.Debug("failed to stream response", "url", r.URL.Redacted(), "error", err)
	}
}

// WriteError answers a request whose strategy had nothing to serve.
func (g *Gateway) WriteError(w http.ResponseWriter, r *http.Request, err error) {
	telemetry.SetCacheResult(r, telemetry.CacheMiss)
	writeFetchError(w, g.logger, err)
}

func writeFetchError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Warn("upstream fetch failed", "error", err)
	http.Error(w, "upstream unavailable", http.StatusBadGateway)
}

// revalidate refreshes one cached entry in the background. Concurrent
// refreshes of the same entry share one upstream request. Failures only
// leave the old entry in place.
func (g *Gateway) revalidate(out *http.Request, partition string) {
	if g.ctx.Err() != nil {
		return
	}
	key := download.Key(partition, storefront.RequestKey(out.Method, out.URL.String()))
	bg := out.Clone(g.ctx)
	strategy := telemetry.StrategyFromContext(out.Context())

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()

		ctx, cancel := context.WithTimeout(telemetry.WithStrategyContext(g.ctx, strategy), refreshTimeout)
		defer cancel()

		// The fetch runs under ctx rather than the detached context so Close
		// aborts it.
		_, shared, err := g.downloader.Do(ctx, key, func(context.Context) (*cachedb.Entry, error) {
			entry, err := g.fetchEntry(ctx, bg.WithContext(ctx))
			if err != nil {
				return nil, err
			}
			if entry.Cacheable() {
				if err := g.cache.PutEntry(ctx, partition, entry); err != nil {
					return nil, err
				}
			}
			return entry, nil
		})
		if err != nil {
			download.ForgetOnError(g.downloader, key, err)
			g.logger.Debug("background refresh failed", "url", bg.URL.Redacted(), "partition", partition, "error", err)
			return
		}
		if !shared {
			g.logger.Debug("background refresh stored", "url", bg.URL.Redacted(), "partition", partition)
		}
	}()
}

// fetchEntry performs the upstream request and buffers the response.
func (g *Gateway) fetchEntry(ctx context.Context, out *http.Request) (*cachedb.Entry, error) {
	resp, err := g.client.Do(out.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", out.URL.Redacted(), err)
	}
	entry, err := cachedb.NewEntry(out, resp, g.now())
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", out.URL.Redacted(), err)
	}
	return entry, nil
}

// lookup reads partition. Storage failures count as a miss.
func (g *Gateway) lookup(ctx context.Context, partition string, req *http.Request) (*cachedb.Entry, bool) {
	entry, err := g.cache.Match(ctx, partition, req)
	if err != nil {
		if !errors.Is(err, cachedb.ErrCacheMiss) {
			g.logger.Warn("cache read failed", "partition", partition, "url", req.URL.Redacted(), "error", err)
		}
		return nil, false
	}
	return entry, true
}

func (g *Gateway) lookupAny(ctx context.Context, req *http.Request) (*cachedb.Entry, bool) {
	entry, _, err := g.cache.MatchAny(ctx, req)
	if err != nil {
		if !errors.Is(err, cachedb.ErrCacheMiss) {
			g.logger.Warn("cache read failed", "url", req.URL.Redacted(), "error", err)
		}
		return nil, false
	}
	return entry, true
}

func (g *Gateway) offlineEntry(ctx context.Context) (*cachedb.Entry, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.OfflinePageURL(), nil)
	if err != nil {
		return nil, false
	}
	if entry, ok := g.lookup(ctx, g.partitions.AppShell, req); ok {
		return entry, true
	}
	return g.lookupAny(ctx, req)
}

// store persists a cacheable entry. Storage failures are logged and the
// response is still served.
func (g *Gateway) store(ctx context.Context, partition string, entry *cachedb.Entry) {
	if !entry.Cacheable() {
		return
	}
	if err := g.cache.PutEntry(ctx, partition, entry); err != nil {
		g.logger.Warn("cache write failed", "partition", partition, "url", entry.URL, "error", err)
	}
}

func (g *Gateway) servable(entry *cachedb.Entry) bool {
	return g.maxStale <= 0 || entry.Age(g.now()) <= g.maxStale
}

// upstreamRequest builds the outgoing request: origin-relative URLs are
// resolved against the origin and hop-by-hop headers are dropped. Encoding
// is left to the transport so stored bodies are decoded.
func (g *Gateway) upstreamRequest(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	if !req.URL.IsAbs() {
		out.URL = g.origin.ResolveReference(&url.URL{
			Path:     req.URL.Path,
			RawPath:  req.URL.RawPath,
			RawQuery: req.URL.RawQuery,
		})
	}
	out.Host = ""
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Header.Del("Accept-Encoding")
	return out
}

func respond(entry *cachedb.Entry, req *http.Request, route Route, result telemetry.CacheResult) *Response {
	return &Response{Response: entry.Response(req), Route: route, Result: result}
}

// Package server provides the HTTP server for the storefront cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/shery7378/multifront-sub002/connectivity"
	"github.com/shery7378/multifront-sub002/gateway"
	"github.com/shery7378/multifront-sub002/lifecycle"
	"github.com/shery7378/multifront-sub002/offline"
	"github.com/shery7378/multifront-sub002/store/cachedb"
	"github.com/shery7378/multifront-sub002/store/localdb"
	"github.com/shery7378/multifront-sub002/syncer"
	"github.com/shery7378/multifront-sub002/telemetry"
	"github.com/shery7378/multifront-sub002/worker"
)

// Paths served by the server itself. Everything outside the /_sw/, /_offline/
// and /_store/ namespaces goes to the gateway, so origin pages never collide
// with these.
const (
	healthPath  = "/_sw/health"
	statsPath   = "/_sw/stats"
	metricsPath = "/_sw/metrics"
	clientsPath = "/_sw/clients"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// DataDir holds local.db and cache.db.
	DataDir string

	// Origin is the storefront origin the gateway fronts, e.g. "https://shop.example".
	Origin string

	// APIBaseURL is where offline actions are replayed.
	// Default: Origin + "/api"
	APIBaseURL string

	// APIToken is sent as a bearer token when replaying actions (optional).
	APIToken string

	// CartPath, FavoritesPath and ProfilePath override the replay endpoints.
	CartPath      string
	FavoritesPath string
	ProfilePath   string

	// CacheVersion names the cache partitions. Changing it and restarting
	// evicts every partition of the previous version.
	CacheVersion string

	// APIPrefix marks API requests (stale-while-revalidate). Default "/api/".
	APIPrefix string

	// OfflinePage is served for failed navigations with no cached copy.
	OfflinePage string

	// OfflineRoutes are the navigation paths kept for offline use.
	OfflineRoutes []string

	// Precache lists extra URLs cached at install.
	Precache []string

	// DisableDiscovery stops install from caching assets referenced by the offline page.
	DisableDiscovery bool

	// MaxStale bounds how old an API entry may be and still be served.
	// Zero keeps the default of 24h; a negative value removes the bound.
	MaxStale time.Duration

	// ProbeURL is polled for connectivity. Empty disables probing.
	ProbeURL string

	// ProbeInterval is how often ProbeURL is polled. Default 30s.
	ProbeInterval time.Duration

	// PruneSchedule is the cron spec for deleting completed actions.
	PruneSchedule string

	// PruneRetention is how long completed actions are kept.
	PruneRetention time.Duration

	// StoreQuota caps local.db in bytes. Zero means unlimited.
	StoreQuota int64

	// AuthToken protects the admin endpoints when set.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the storefront cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	local      *localdb.Store
	cache      *cachedb.Storage
	queue      *offline.Queue
	pruner     *offline.Pruner
	monitor    *connectivity.Monitor
	engine     *syncer.Engine
	gateway    *gateway.Gateway
	controller *lifecycle.Controller
	clients    *lifecycle.Clients
	dispatcher *worker.Dispatcher

	unsubscribe func()

	bootOnce    sync.Once
	probeCancel context.CancelFunc
	probeWg     sync.WaitGroup
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Origin == "" {
		return nil, errors.New("origin is required")
	}
	cfg.Origin = strings.TrimSuffix(cfg.Origin, "/")
	if cfg.APIBaseURL == "" {
		cfg.APIBaseURL = cfg.Origin + "/api"
	}
	if cfg.CacheVersion == "" {
		cfg.CacheVersion = gateway.DefaultVersion
	}

	partitions, err := gateway.NewPartitions(cfg.CacheVersion)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}

	local := localdb.New(filepath.Join(cfg.DataDir, "local.db"),
		localdb.WithLogger(cfg.Logger.With("component", "localdb")),
		localdb.WithQuota(cfg.StoreQuota),
	)
	if err := local.Open(context.Background()); err != nil {
		return nil, fmt.Errorf("opening local store: %w", err)
	}

	cache := cachedb.New(cachedb.WithLogger(cfg.Logger.With("component", "cachedb")))
	if err := cache.Open(filepath.Join(cfg.DataDir, "cache.db")); err != nil {
		return nil, multierr.Append(fmt.Errorf("opening cache: %w", err), local.Close())
	}

	monitor := connectivity.NewMonitor(
		connectivity.WithLogger(cfg.Logger),
		connectivity.WithProbe(cfg.ProbeURL, cfg.ProbeInterval),
	)

	queue := offline.NewQueue(local, offline.WithLogger(cfg.Logger))
	pruner := offline.NewPruner(queue,
		offline.WithSchedule(cfg.PruneSchedule),
		offline.WithRetention(cfg.PruneRetention),
		offline.WithPrunerLogger(cfg.Logger),
	)

	clients := lifecycle.NewClients(cfg.Logger)

	apiClient := syncer.NewClient(
		syncer.WithBaseURL(cfg.APIBaseURL),
		syncer.WithBearerToken(cfg.APIToken),
		syncer.WithEndpoints(cfg.CartPath, cfg.FavoritesPath, cfg.ProfilePath),
		syncer.WithHTTPClient(&http.Client{
			Timeout:   syncer.DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "api", telemetry.WithReachability(monitor.Observe)),
		}),
	)
	engine := syncer.New(queue, apiClient,
		syncer.WithLogger(cfg.Logger),
		syncer.WithNotifier(clients),
	)

	gwOpts := []gateway.Option{
		gateway.WithLogger(cfg.Logger),
		gateway.WithPartitions(partitions),
		gateway.WithHTTPClient(&http.Client{
			Timeout:       gateway.DefaultTimeout,
			Transport:     telemetry.NewInstrumentedTransport(nil, "origin", telemetry.WithReachability(monitor.Observe)),
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		}),
	}
	if cfg.APIPrefix != "" {
		gwOpts = append(gwOpts, gateway.WithAPIPrefix(cfg.APIPrefix))
	}
	if cfg.OfflinePage != "" {
		gwOpts = append(gwOpts, gateway.WithOfflinePage(cfg.OfflinePage))
	}
	if len(cfg.OfflineRoutes) > 0 {
		gwOpts = append(gwOpts, gateway.WithOfflineRoutes(cfg.OfflineRoutes))
	}
	if cfg.MaxStale != 0 {
		gwOpts = append(gwOpts, gateway.WithMaxStale(max(cfg.MaxStale, 0)))
	}
	gw, err := gateway.New(cache, cfg.Origin, gwOpts...)
	if err != nil {
		engine.Close()
		clients.Close()
		return nil, multierr.Combine(fmt.Errorf("creating gateway: %w", err), cache.Close(), local.Close())
	}

	controller := lifecycle.New(cache, gw,
		lifecycle.WithLogger(cfg.Logger),
		lifecycle.WithPrecache(cfg.Precache...),
		lifecycle.WithDiscovery(!cfg.DisableDiscovery),
		lifecycle.WithSyncer(engine),
		lifecycle.WithClients(clients),
	)

	dispatcher := worker.New(worker.WithLogger(cfg.Logger))
	controller.Register(dispatcher)

	s := &Server{
		config:     cfg,
		logger:     cfg.Logger,
		local:      local,
		cache:      cache,
		queue:      queue,
		pruner:     pruner,
		monitor:    monitor,
		engine:     engine,
		gateway:    gw,
		controller: controller,
		clients:    clients,
		dispatcher: dispatcher,
	}
	dispatcher.Handle(worker.KindFetch, s.fetchEvent)
	s.unsubscribe = monitor.Subscribe(engine.OnConnectivity)

	// Build HTTP server
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET "+healthPath, s.handleHealth)

	// Cache stats
	mux.HandleFunc("GET "+statsPath, s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET "+metricsPath, telemetry.PrometheusHandler())

	// Lifecycle events
	mux.HandleFunc("GET /_sw/partitions", s.handlePartitions)
	mux.HandleFunc("POST /_sw/install", s.handleInstall)
	mux.HandleFunc("POST /_sw/activate", s.handleActivate)
	mux.HandleFunc("POST /_sw/message", s.handleMessage)
	mux.HandleFunc("POST /_sw/push", s.handlePush)
	mux.HandleFunc("POST /_sw/notificationclick", s.handleNotificationClick)
	mux.HandleFunc("POST /_sw/sync", s.handleBackgroundSync)
	mux.Handle("GET "+clientsPath, s.clients)

	// Offline action queue
	mux.HandleFunc("GET /_offline/actions", s.handleListActions)
	mux.HandleFunc("POST /_offline/actions", s.handleEnqueueAction)
	mux.HandleFunc("DELETE /_offline/actions", s.handleClearActions)
	mux.HandleFunc("DELETE /_offline/actions/{id}", s.handleRemoveAction)
	mux.HandleFunc("POST /_offline/sync", s.handleSync)
	mux.HandleFunc("GET /_offline/connectivity", s.handleConnectivity)
	mux.HandleFunc("POST /_offline/connectivity", s.handleSetConnectivity)

	// Durable store
	mux.HandleFunc("GET /_store/{partition}", s.handleStoreList)
	mux.HandleFunc("POST /_store/{partition}", s.handleStoreAdd)
	mux.HandleFunc("DELETE /_store/{partition}", s.handleStoreClear)
	mux.HandleFunc("GET /_store/{partition}/{key}", s.handleStoreGet)
	mux.HandleFunc("PATCH /_store/{partition}/{key}", s.handleStoreUpdate)
	mux.HandleFunc("DELETE /_store/{partition}/{key}", s.handleStoreDelete)

	// Admin namespaces never reach the origin.
	for _, prefix := range []string{"/_sw/", "/_offline/", "/_store/"} {
		mux.HandleFunc(prefix, s.handleNotFound)
	}

	// Everything else is a fetch event.
	mux.HandleFunc("/", s.handleFetch)
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so the gateway can set strategy, partition and cache_result.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		group := routeGroup(r.URL.Path)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			// Request identification
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"route", group,

			// Response details
			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			// Timing
			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			// Client info
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add gateway-set tags
		if tags.Strategy != "" {
			attrs = append(attrs, "strategy", tags.Strategy)
		}
		if tags.Partition != "" {
			attrs = append(attrs, "partition", tags.Partition)
		}
		if group == "gateway" && tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Bootstrap installs and activates the current cache version, starts the
// pruner and the connectivity probe, and replays pending actions when
// online. A failed install keeps the previous partitions in service.
// Only the first call has any effect.
func (s *Server) Bootstrap(ctx context.Context) error {
	var err error
	s.bootOnce.Do(func() {
		err = s.bootstrap(ctx)
	})
	return err
}

func (s *Server) bootstrap(ctx context.Context) error {
	if _, err := s.dispatcher.Dispatch(ctx, &worker.Event{Kind: worker.KindInstall}); err != nil {
		s.logger.Warn("install failed, keeping previous cache version", "version", s.config.CacheVersion, "error", err)
	} else if _, err := s.dispatcher.Dispatch(ctx, &worker.Event{Kind: worker.KindActivate}); err != nil {
		s.logger.Warn("activate failed", "version", s.config.CacheVersion, "error", err)
	}

	if err := s.pruner.Start(); err != nil {
		return fmt.Errorf("starting pruner: %w", err)
	}

	probeCtx, cancel := context.WithCancel(context.Background())
	s.probeCancel = cancel
	s.probeWg.Add(1)
	go func() {
		defer s.probeWg.Done()
		s.monitor.Run(probeCtx)
	}()

	if s.monitor.Online() {
		s.engine.Trigger("startup")
	}
	return nil
}

// Start bootstraps the components and starts the server.
func (s *Server) Start() error {
	if err := s.Bootstrap(context.Background()); err != nil {
		return err
	}

	s.logger.Info("starting server",
		"address", s.config.Address,
		"origin", s.config.Origin,
		"version", s.config.CacheVersion,
	)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, drains background work and
// closes both stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)

	if s.probeCancel != nil {
		s.probeCancel()
	}
	s.probeWg.Wait()
	s.unsubscribe()
	<-s.pruner.Stop().Done()

	s.engine.Close()
	err = multierr.Append(err, s.dispatcher.Close(ctx))
	s.gateway.Close()
	s.clients.Close()

	return multierr.Combine(err, s.cache.Close(), s.local.Close())
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for the client window websocket.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// routeGroup classifies a request path for logs.
func routeGroup(path string) string {
	switch {
	case path == healthPath || path == statsPath || path == metricsPath:
		return "internal"
	case isAdminPath(path):
		return "admin"
	default:
		return "gateway"
	}
}

func isAdminPath(path string) bool {
	return strings.HasPrefix(path, "/_sw/") ||
		strings.HasPrefix(path, "/_offline/") ||
		strings.HasPrefix(path, "/_store/")
}

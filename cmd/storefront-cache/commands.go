package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/multierr"

	"github.com/shery7378/multifront-sub002/credentials"
	"github.com/shery7378/multifront-sub002/credentials/opprovider"
	"github.com/shery7378/multifront-sub002/gateway"
	"github.com/shery7378/multifront-sub002/offline"
	"github.com/shery7378/multifront-sub002/server"
	"github.com/shery7378/multifront-sub002/store/localdb"
	"github.com/shery7378/multifront-sub002/syncer"
	"github.com/shery7378/multifront-sub002/telemetry"
)

// APIFlags locate the storefront REST API used for replay.
type APIFlags struct {
	APIBaseURL    string `name:"api-url" help:"Storefront API base URL (default: <origin>/api)." env:"STOREFRONT_API_URL"`
	APIToken      string `name:"api-token" help:"Bearer token sent when replaying actions." env:"STOREFRONT_API_TOKEN"`
	CartPath      string `help:"Cart endpoint path." default:"/cart" env:"STOREFRONT_CART_PATH"`
	FavoritesPath string `help:"Favorites endpoint path." default:"/favorites" env:"STOREFRONT_FAVORITES_PATH"`
	ProfilePath   string `help:"Profile endpoint path." default:"/profile" env:"STOREFRONT_PROFILE_PATH"`

	CredentialsFile string `help:"Credentials template (env, file and op:// references); flags take precedence." type:"existingfile" env:"STOREFRONT_CREDENTIALS_FILE"`
}

// applyCredentials fills unset API flags, and the admin token when authToken
// is non-nil, from the credentials file.
func (f *APIFlags) applyCredentials(ctx context.Context, logger *slog.Logger, authToken *string) error {
	if f.CredentialsFile == "" {
		return nil
	}
	resolver := credentials.NewResolver(
		credentials.WithLogger(logger.With("component", "credentials")),
		opprovider.WithOnePassword(),
	)
	creds, err := resolver.ResolveFile(ctx, f.CredentialsFile)
	if err != nil {
		return fmt.Errorf("resolving credentials: %w", err)
	}
	if f.APIBaseURL == "" {
		f.APIBaseURL = creds.APIBaseURL()
	}
	if f.APIToken == "" {
		f.APIToken = creds.APIToken()
	}
	if authToken != nil && *authToken == "" {
		*authToken = creds.AuthToken
	}
	return nil
}

// ServeCmd runs the gateway.
type ServeCmd struct {
	APIFlags

	Address       string        `help:"Address to listen on." default:":8080" env:"STOREFRONT_ADDRESS"`
	Origin        string        `help:"Storefront origin, e.g. https://shop.example." required:"" env:"STOREFRONT_ORIGIN"`
	CacheVersion  string        `help:"Cache version; partitions of other versions are evicted on start." default:"v1" env:"STOREFRONT_CACHE_VERSION"`
	APIPrefix     string        `help:"Path prefix of API requests." default:"/api/" env:"STOREFRONT_API_PREFIX"`
	OfflinePage   string        `help:"Page served for failed navigations." default:"/offline" env:"STOREFRONT_OFFLINE_PAGE"`
	OfflineRoutes []string      `help:"Navigation routes kept for offline use." env:"STOREFRONT_OFFLINE_ROUTES"`
	Precache      []string      `help:"Extra URLs cached at install." env:"STOREFRONT_PRECACHE"`
	NoDiscovery   bool          `help:"Do not cache assets referenced by the offline page." env:"STOREFRONT_NO_DISCOVERY"`
	MaxStale      time.Duration `help:"Oldest API entry served while revalidating (negative: unbounded)." default:"24h" env:"STOREFRONT_MAX_STALE"`
	ProbeURL      string        `help:"Health URL polled for connectivity." env:"STOREFRONT_PROBE_URL"`
	ProbeInterval time.Duration `help:"Connectivity probe interval." default:"30s" env:"STOREFRONT_PROBE_INTERVAL"`
	PruneSchedule string        `help:"Cron schedule for pruning completed actions." default:"@hourly" env:"STOREFRONT_PRUNE_SCHEDULE"`
	PruneAfter    time.Duration `help:"How long completed actions are kept." default:"168h" env:"STOREFRONT_PRUNE_AFTER"`
	StoreQuota    int64         `help:"Maximum size of local.db in bytes (0: unlimited)." default:"0" env:"STOREFRONT_STORE_QUOTA"`
	AuthToken     string        `help:"Bearer token required by admin endpoints." env:"STOREFRONT_AUTH_TOKEN"`

	Prometheus   bool   `help:"Expose Prometheus metrics on /_sw/metrics." default:"true" negatable:"" env:"STOREFRONT_PROMETHEUS"`
	OTLPEndpoint string `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"STOREFRONT_OTLP_ENDPOINT"`
}

// Run starts the server and blocks until a signal arrives.
func (c *ServeCmd) Run(g *Globals, logger *slog.Logger) error {
	if err := c.applyCredentials(context.Background(), logger, &c.AuthToken); err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceName:      "storefront-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(ctx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:          c.Address,
		DataDir:          g.DataDir,
		Origin:           c.Origin,
		APIBaseURL:       c.APIBaseURL,
		APIToken:         c.APIToken,
		CartPath:         c.CartPath,
		FavoritesPath:    c.FavoritesPath,
		ProfilePath:      c.ProfilePath,
		CacheVersion:     c.CacheVersion,
		APIPrefix:        c.APIPrefix,
		OfflinePage:      c.OfflinePage,
		OfflineRoutes:    c.OfflineRoutes,
		Precache:         c.Precache,
		DisableDiscovery: c.NoDiscovery,
		MaxStale:         c.MaxStale,
		ProbeURL:         c.ProbeURL,
		ProbeInterval:    c.ProbeInterval,
		PruneSchedule:    c.PruneSchedule,
		PruneRetention:   c.PruneAfter,
		StoreQuota:       c.StoreQuota,
		AuthToken:        c.AuthToken,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"origin", c.Origin,
		"version", c.CacheVersion,
		"proxy_url", fmt.Sprintf("http://localhost%s/", srv.Address()),
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return multierr.Append(err, srv.Shutdown(shutdownCtx))
	}
}

// SyncCmd replays pending actions without starting the server.
type SyncCmd struct {
	APIFlags

	Origin string `help:"Storefront origin; the API defaults to <origin>/api." env:"STOREFRONT_ORIGIN"`
}

func (c *SyncCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	if err := c.applyCredentials(ctx, logger, nil); err != nil {
		return err
	}

	base := c.APIBaseURL
	if base == "" {
		if c.Origin == "" {
			return errors.New("one of --api-url or --origin is required")
		}
		base = strings.TrimSuffix(c.Origin, "/") + "/api"
	}

	local, err := openLocal(ctx, g, logger)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	client := syncer.NewClient(
		syncer.WithBaseURL(base),
		syncer.WithBearerToken(c.APIToken),
		syncer.WithEndpoints(c.CartPath, c.FavoritesPath, c.ProfilePath),
	)
	engine := syncer.New(offline.NewQueue(local, offline.WithLogger(logger)), client, syncer.WithLogger(logger))
	defer engine.Close()

	res, err := engine.Sync(syncer.WithTrigger(ctx, "cli"))
	if err != nil {
		return fmt.Errorf("syncing: %w", err)
	}
	return printJSON(res)
}

// QueueCmd groups queue subcommands.
type QueueCmd struct {
	List    QueueListCmd    `cmd:"" help:"List offline actions."`
	Enqueue QueueEnqueueCmd `cmd:"" help:"Stage an action for replay."`
	Clear   QueueClearCmd   `cmd:"" help:"Discard every action, pending ones included."`
}

type QueueListCmd struct {
	Pending bool `help:"Only list pending actions."`
}

func (c *QueueListCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	local, err := openLocal(ctx, g, logger)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	q := offline.NewQueue(local, offline.WithLogger(logger))
	var actions []offline.Action
	if c.Pending {
		actions, err = q.ListPending(ctx)
	} else {
		actions, err = q.List(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(actions)
}

type QueueEnqueueCmd struct {
	Type string `arg:"" enum:"add_to_cart,add_to_favorites,update_profile" help:"Action type (add_to_cart, add_to_favorites, update_profile)."`
	Data string `arg:"" help:"JSON payload, e.g. '{\"product_id\":5,\"quantity\":1}'."`
}

func (c *QueueEnqueueCmd) Run(g *Globals, logger *slog.Logger) error {
	if !json.Valid([]byte(c.Data)) {
		return errors.New("payload is not valid JSON")
	}

	ctx := context.Background()
	local, err := openLocal(ctx, g, logger)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	action, err := offline.NewQueue(local, offline.WithLogger(logger)).Enqueue(ctx, offline.ActionType(c.Type), json.RawMessage(c.Data))
	if err != nil {
		return err
	}
	return printJSON(action)
}

type QueueClearCmd struct{}

func (c *QueueClearCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	local, err := openLocal(ctx, g, logger)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()
	return offline.NewQueue(local, offline.WithLogger(logger)).Clear(ctx)
}

// PartitionsCmd groups cache partition subcommands.
type PartitionsCmd struct {
	List     PartitionsListCmd     `cmd:"" help:"List cache partitions and their entry counts."`
	Activate PartitionsActivateCmd `cmd:"" help:"Evict every partition that does not belong to a version."`
}

type PartitionsListCmd struct{}

func (c *PartitionsListCmd) Run(g *Globals, logger *slog.Logger) error {
	cache, err := openCache(g, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	names, err := cache.Partitions(context.Background())
	if err != nil {
		return err
	}
	counts := make(map[string]int, len(names))
	for _, name := range names {
		n, err := cache.Count(name)
		if err != nil {
			return err
		}
		counts[name] = n
	}
	return printJSON(counts)
}

type PartitionsActivateCmd struct {
	CacheVersion string `arg:"" help:"Version whose partitions are kept."`
}

func (c *PartitionsActivateCmd) Run(g *Globals, logger *slog.Logger) error {
	keep, err := gateway.NewPartitions(c.CacheVersion)
	if err != nil {
		return err
	}

	cache, err := openCache(g, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	ctx := context.Background()
	names, err := cache.Partitions(ctx)
	if err != nil {
		return err
	}

	deleted := []string{}
	var errs error
	for _, name := range names {
		if keep.Contains(name) {
			continue
		}
		if err := cache.DeletePartition(ctx, name); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting partition %s: %w", name, err))
			continue
		}
		deleted = append(deleted, name)
	}
	if err := printJSON(map[string][]string{"deleted": deleted}); err != nil {
		return err
	}
	return errs
}

// StoreCmd groups durable store subcommands.
type StoreCmd struct {
	Dump StoreDumpCmd `cmd:"" help:"Print the records of one or every partition."`
}

type StoreDumpCmd struct {
	Partition string `arg:"" optional:"" help:"Partition to dump (default: all)."`
}

func (c *StoreDumpCmd) Run(g *Globals, logger *slog.Logger) error {
	ctx := context.Background()
	local, err := openLocal(ctx, g, logger)
	if err != nil {
		return err
	}
	defer func() { _ = local.Close() }()

	names := make([]string, 0, len(localdb.Schema))
	if c.Partition != "" {
		names = append(names, c.Partition)
	} else {
		for _, p := range localdb.Schema {
			names = append(names, p.Name)
		}
	}

	out := make(map[string][]localdb.Record, len(names))
	for _, name := range names {
		records, err := local.GetAll(ctx, name)
		if err != nil {
			return err
		}
		out[name] = records
	}
	return printJSON(out)
}

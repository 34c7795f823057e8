// Command storefront-cache is an offline-first caching gateway for the storefront.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/shery7378/multifront-sub002/store/cachedb"
	"github.com/shery7378/multifront-sub002/store/localdb"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" enum:"debug,info,warn,error" env:"STOREFRONT_LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json, plain)." default:"text" enum:"text,json,plain" env:"STOREFRONT_LOG_FORMAT"`
	DataDir   string `help:"Directory holding local.db and cache.db." default:"./data" type:"path" env:"STOREFRONT_DATA_DIR"`
}

// CLI is the command tree.
type CLI struct {
	Globals

	Version    kong.VersionFlag `help:"Print version and exit."`
	Serve      ServeCmd         `cmd:"" default:"withargs" help:"Run the caching gateway."`
	Sync       SyncCmd          `cmd:"" help:"Replay pending offline actions once."`
	Queue      QueueCmd         `cmd:"" help:"Inspect and edit the offline action queue."`
	Partitions PartitionsCmd    `cmd:"" help:"Inspect and evict cache partitions."`
	Store      StoreCmd         `cmd:"" help:"Inspect the durable local store."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("storefront-cache"),
		kong.Description("Offline-first caching gateway for the storefront."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	ctx.FatalIfErrorf(err)

	ctx.FatalIfErrorf(ctx.Run(&cli.Globals, logger))
}

func newLogger(logLevel, logFormat string) (*slog.Logger, error) {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", logLevel)
	}

	var handler slog.Handler
	switch logFormat {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	case "plain":
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", logFormat)
	}
	return slog.New(handler), nil
}

// openLocal opens local.db for an offline command. It fails fast while a
// server holds the file.
func openLocal(ctx context.Context, g *Globals, logger *slog.Logger) (*localdb.Store, error) {
	s := localdb.New(filepath.Join(g.DataDir, "local.db"), localdb.WithLogger(logger.With("component", "localdb")))
	if err := s.Open(ctx); err != nil {
		return nil, fmt.Errorf("opening local store (is the server running?): %w", err)
	}
	return s, nil
}

func openCache(g *Globals, logger *slog.Logger) (*cachedb.Storage, error) {
	c := cachedb.New(cachedb.WithLogger(logger.With("component", "cachedb")))
	if err := c.Open(filepath.Join(g.DataDir, "cache.db")); err != nil {
		return nil, fmt.Errorf("opening cache (is the server running?): %w", err)
	}
	return c, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

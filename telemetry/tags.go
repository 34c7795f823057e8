// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// strategyKey is the context key for propagating the strategy to background goroutines.
	strategyKey contextKey = "strategy"
)

// CacheResult represents how the gateway answered a request.
type CacheResult string

const (
	// CacheHit: served from cache without waiting on the network.
	CacheHit CacheResult = "hit"
	// CacheMiss: served from the network, cache populated where allowed.
	CacheMiss CacheResult = "miss"
	// CacheStale: served from cache while a background refresh runs.
	CacheStale CacheResult = "stale"
	// CacheFallback: the network failed and a cached copy was served.
	CacheFallback CacheResult = "fallback"
	// CacheOffline: the network failed and the offline page was served.
	CacheOffline CacheResult = "offline"
	CacheBypass  CacheResult = "bypass"
	CacheNA      CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Strategy    string
	Partition   string
	CacheResult CacheResult
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetStrategy sets the caching strategy tag for metrics and logging.
func SetStrategy(r *http.Request, strategy string) {
	if tags := GetTags(r); tags != nil {
		tags.Strategy = strategy
	}
}

// SetPartition sets the cache partition tag for logging.
func SetPartition(r *http.Request, partition string) {
	if tags := GetTags(r); tags != nil {
		tags.Partition = partition
	}
}

// StrategyFromContext retrieves the strategy from a context.
// It checks both background contexts (set by WithStrategyContext) and
// request contexts (set by SetStrategy via InjectTags).
func StrategyFromContext(ctx context.Context) string {
	if s, ok := ctx.Value(strategyKey).(string); ok && s != "" {
		return s
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Strategy
	}
	return ""
}

// WithStrategyContext returns a context with the strategy stored.
// Use this to propagate the strategy into goroutines that outlive the request context.
func WithStrategyContext(ctx context.Context, strategy string) context.Context {
	return context.WithValue(ctx, strategyKey, strategy)
}

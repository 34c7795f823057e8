// Package download collapses concurrent upstream fetches of the same cache
// key into one. Background revalidations that race for a key share a single
// request and its buffered response.
package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"

	storefront "github.com/shery7378/multifront-sub002"
	"github.com/shery7378/multifront-sub002/store/cachedb"
)

// FetchFunc performs the fetch and returns the buffered response. The
// context passed to FetchFunc is detached from any single caller so that one
// caller giving up does not cancel the fetch for the others.
type FetchFunc func(ctx context.Context) (*cachedb.Entry, error)

// Downloader deduplicates concurrent fetches for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight fetch for others.
type Downloader struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Key scopes a request key to a partition, since the same URL may be stored
// in more than one partition.
func Key(partition string, key storefront.Hash) string {
	return partition + "/" + key.String()
}

// Do runs fn once for all concurrent callers with the same key.
// Returns the entry, whether it was shared with another caller, and any error.
// The entry is shared: callers must not modify it.
//
// If the caller's context expires before the fetch completes, Do returns
// the context error but the in-flight fetch continues for other waiters.
func (d *Downloader) Do(ctx context.Context, key string, fn FetchFunc) (*cachedb.Entry, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			d.logger.Debug("shared in-flight fetch", "key", key)
		}
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		return res.Val.(*cachedb.Entry), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry immediately.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}

// ForgetOnError forgets key after a real fetch failure so the next caller
// retries. Caller timeouts leave the in-flight fetch joinable.
func ForgetOnError(d *Downloader, key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	d.Forget(key)
}

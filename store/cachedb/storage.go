package cachedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/multierr"

	storefront "github.com/shery7378/multifront-sub002"
	"github.com/shery7378/multifront-sub002/telemetry"
)

// Storage holds the cache partitions. Every top-level bucket of the database
// is a partition.
type Storage struct {
	db     *bbolt.DB
	codec  *Codec
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// Option configures a Storage instance.
type Option func(*Storage)

// WithLogger sets the logger for the storage.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Storage) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Storage) {
		s.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Storage) {
		s.noSync = noSync
	}
}

// New creates a new Storage with options. Call Open before use.
func New(opts ...Option) *Storage {
	s := &Storage{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database at the given path.
func (s *Storage) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	codec, err := NewCodec()
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating envelope codec: %w", err)
	}

	s.db = db
	s.codec = codec
	s.logger.Debug("opened cachedb", "path", path, "noSync", s.noSync)
	return nil
}

// Close closes the database and releases resources.
func (s *Storage) Close() error {
	if s.codec != nil {
		s.codec.Close()
		s.codec = nil
	}
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing cachedb")
	err := s.db.Close()
	s.db = nil
	return err
}

// OpenPartition creates the named partition if it does not exist.
func (s *Storage) OpenPartition(ctx context.Context, name string) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
			return fmt.Errorf("creating partition %s: %w", name, err)
		}
		return nil
	})
	s.record(ctx, "open_partition", err, start)
	return err
}

// HasPartition reports whether the named partition exists.
func (s *Storage) HasPartition(name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		ok = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return ok, err
}

// Partitions returns the names of every partition in lexical order.
func (s *Storage) Partitions(ctx context.Context) ([]string, error) {
	start := time.Now()
	names := []string{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bbolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	s.record(ctx, "partitions", err, start)
	if err != nil {
		return nil, fmt.Errorf("listing partitions: %w", err)
	}
	return names, nil
}

// DeletePartition removes a partition and every entry in it. It returns
// ErrPartitionNotFound when the partition does not exist.
func (s *Storage) DeletePartition(ctx context.Context, name string) error {
	start := time.Now()
	err := s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if errors.Is(err, bbolt.ErrBucketNotFound) {
			return ErrPartitionNotFound
		}
		return err
	})
	s.record(ctx, "delete_partition", err, start)
	return err
}

// Match returns the entry stored for req in partition. It returns
// ErrCacheMiss when there is none, including when the partition does not
// exist. Entries that fail to decode are deleted and reported as a miss.
func (s *Storage) Match(ctx context.Context, partition string, req *http.Request) (*Entry, error) {
	start := time.Now()
	entry, err := s.match(partition, req.Method, req.URL.String())
	switch {
	case errors.Is(err, ErrCacheMiss):
		telemetry.RecordStorageOp(ctx, "cachedb", "match", "miss", time.Since(start))
	default:
		s.record(ctx, "match", err, start)
	}
	return entry, err
}

func (s *Storage) match(partition, method, rawURL string) (*Entry, error) {
	key := storefront.RequestKey(method, rawURL)

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return ErrCacheMiss
		}
		v := bucket.Get(key[:])
		if v == nil {
			return ErrCacheMiss
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry, err := s.codec.Decode(data)
	if err != nil {
		s.logger.Warn("dropping unreadable cache entry",
			"partition", partition, "url", rawURL, "error", err)
		if delErr := s.deleteKey(partition, key); delErr != nil {
			s.logger.Debug("deleting unreadable cache entry failed", "error", delErr)
		}
		return nil, ErrCacheMiss
	}
	return entry, nil
}

// MatchAny searches every partition for req and returns the first entry found
// together with the name of the partition that held it.
func (s *Storage) MatchAny(ctx context.Context, req *http.Request) (*Entry, string, error) {
	names, err := s.Partitions(ctx)
	if err != nil {
		return nil, "", err
	}
	for _, name := range names {
		entry, err := s.Match(ctx, name, req)
		if errors.Is(err, ErrCacheMiss) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return entry, name, nil
	}
	return nil, "", ErrCacheMiss
}

// Put stores resp as the answer to req in partition, creating the partition
// if needed. Non-GET requests and non-2xx responses are not stored and
// ErrNotCacheable is returned. resp.Body is consumed and replaced with an
// in-memory copy, so the caller can still serve it.
func (s *Storage) Put(ctx context.Context, partition string, req *http.Request, resp *http.Response) (*Entry, error) {
	if req.Method != http.MethodGet || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, ErrNotCacheable
	}
	entry, err := NewEntry(req, resp, s.now())
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if err := s.PutEntry(ctx, partition, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// PutEntry stores an already buffered entry, replacing any previous entry
// for the same request.
func (s *Storage) PutEntry(ctx context.Context, partition string, entry *Entry) error {
	if !entry.Cacheable() {
		return ErrNotCacheable
	}
	start := time.Now()
	err := s.putEntry(partition, entry)
	s.record(ctx, "put", err, start)
	return err
}

func (s *Storage) putEntry(partition string, entry *Entry) error {
	if entry.StoredAt.IsZero() {
		entry.StoredAt = s.now()
	}
	data, err := s.codec.Encode(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	key := storefront.RequestKey(entry.Method, entry.URL)

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(partition))
		if err != nil {
			return fmt.Errorf("creating partition %s: %w", partition, err)
		}
		return bucket.Put(key[:], data)
	})
}

// Delete removes the entry for req from partition. Missing entries and
// partitions are not an error.
func (s *Storage) Delete(ctx context.Context, partition string, req *http.Request) error {
	start := time.Now()
	err := s.deleteKey(partition, storefront.RequestKey(req.Method, req.URL.String()))
	s.record(ctx, "delete", err, start)
	return err
}

func (s *Storage) deleteKey(partition string, key storefront.Hash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return nil
		}
		return bucket.Delete(key[:])
	})
}

// Keys returns the URLs of every readable entry in partition.
func (s *Storage) Keys(ctx context.Context, partition string) ([]string, error) {
	start := time.Now()
	urls := []string{}
	var decodeErrs error
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return ErrPartitionNotFound
		}
		return bucket.ForEach(func(_, v []byte) error {
			entry, err := s.codec.Decode(v)
			if err != nil {
				decodeErrs = multierr.Append(decodeErrs, err)
				return nil
			}
			urls = append(urls, entry.URL)
			return nil
		})
	})
	s.record(ctx, "keys", err, start)
	if err != nil {
		return nil, err
	}
	if decodeErrs != nil {
		s.logger.Debug("skipped unreadable cache entries", "partition", partition, "error", decodeErrs)
	}
	return urls, nil
}

// Count returns the number of entries in partition.
func (s *Storage) Count(partition string) (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(partition))
		if bucket == nil {
			return ErrPartitionNotFound
		}
		n = bucket.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *Storage) record(ctx context.Context, op string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordStorageOp(ctx, "cachedb", op, outcome, time.Since(start))
}

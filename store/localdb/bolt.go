package localdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/shery7378/multifront-sub002/telemetry"
)

// Store is the bbolt-backed durable store. The database is opened lazily on
// first use and the handle is shared by every subsequent operation.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time
	quota  int64
	noSync bool

	mu     sync.Mutex
	db     *bbolt.DB
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithQuota caps the database size in bytes. Writes that would exceed it fail
// with ErrQuotaExceeded. Zero disables the quota.
func WithQuota(bytes int64) Option {
	return func(s *Store) {
		s.quota = bytes
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: use only for testing, never in production.
func WithNoSync(noSync bool) Option {
	return func(s *Store) {
		s.noSync = noSync
	}
}

// New creates a store for the database file at path. Nothing touches the disk
// until the first operation.
func New(path string, opts ...Option) *Store {
	s := &Store{
		path:   path,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open initialises the database and its partitions. It is idempotent: later
// calls return immediately with the already open handle.
func (s *Store) Open(_ context.Context) error {
	_, err := s.handle()
	return err
}

// DB returns the shared bbolt handle, opening it if needed.
func (s *Store) DB() (*bbolt.DB, error) {
	return s.handle()
}

func (s *Store) handle() (*bbolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.db != nil {
		return s.db, nil
	}

	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  s.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := s.migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.db = db
	s.logger.Debug("opened localdb", "path", s.path)
	return db, nil
}

// migrate creates every partition bucket when the recorded schema version is
// older than SchemaVersion.
func (s *Store) migrate(db *bbolt.DB) error {
	return db.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return fmt.Errorf("creating bucket %s: %w", bucketMeta, err)
		}

		current := 0
		if v := meta.Get(keySchemaVersion); v != nil {
			current, _ = strconv.Atoi(string(v))
		}
		if current >= SchemaVersion {
			return nil
		}

		for _, p := range Schema {
			for _, name := range bucketsFor(p) {
				if _, err := tx.CreateBucketIfNotExists(name); err != nil {
					return fmt.Errorf("creating bucket %s: %w", name, err)
				}
			}
		}
		s.logger.Info("upgraded localdb schema", "from", current, "to", SchemaVersion)
		return meta.Put(keySchemaVersion, []byte(strconv.Itoa(SchemaVersion)))
	})
}

// Close closes the database. Operations after Close fail with ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	if s.db == nil {
		return nil
	}
	s.logger.Debug("closing localdb")
	err := s.db.Close()
	s.db = nil
	return err
}

// Add inserts a record, stamping timestamp (epoch millis) when absent.
// Auto-increment partitions assign the key field. Keyed partitions replace any
// existing record with the same key and move it to the end of the order.
// The stored record is returned.
func (s *Store) Add(ctx context.Context, partition string, rec Record) (Record, error) {
	start := time.Now()
	stored, err := s.add(partition, rec)
	s.record(ctx, "add", err, start)
	if err != nil {
		return nil, &StorageError{Op: "add", Partition: partition, Err: err}
	}
	return stored, nil
}

func (s *Store) add(partition string, rec Record) (Record, error) {
	p, ok := LookupPartition(partition)
	if !ok {
		return nil, ErrUnknownPartition
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	stored := rec.Clone()
	if _, ok := stored["timestamp"]; !ok {
		stored["timestamp"] = s.now().UnixMilli()
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(primaryBucket(p))
		if bucket == nil {
			return ErrUnknownPartition
		}

		var key []byte
		if p.AutoIncrement {
			seq, err := bucket.NextSequence()
			if err != nil {
				return fmt.Errorf("allocating id: %w", err)
			}
			stored[p.KeyField] = seq
			key = encodeSeq(seq)
		} else {
			k, err := encodeKey(p, stored[p.KeyField])
			if err != nil {
				return err
			}
			key = k
			if err := s.appendOrder(tx, p, key); err != nil {
				return err
			}
		}

		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if s.quota > 0 && tx.Size()+int64(len(data)) > s.quota {
			return ErrQuotaExceeded
		}
		return bucket.Put(key, data)
	})
	if err != nil {
		return nil, err
	}

	// Round-trip so the caller sees what GetAll will return.
	return roundTrip(stored)
}

// appendOrder moves key to the end of a keyed partition's insertion order.
func (s *Store) appendOrder(tx *bbolt.Tx, p Partition, key []byte) error {
	order := tx.Bucket(orderBucket(p))
	byKey := tx.Bucket(orderByKeyBucket(p))
	if order == nil || byKey == nil {
		return ErrUnknownPartition
	}

	if old := byKey.Get(key); old != nil {
		if err := order.Delete(old); err != nil {
			return fmt.Errorf("deleting old order entry: %w", err)
		}
	}
	seq, err := order.NextSequence()
	if err != nil {
		return fmt.Errorf("allocating order: %w", err)
	}
	if err := order.Put(encodeSeq(seq), key); err != nil {
		return fmt.Errorf("putting order entry: %w", err)
	}
	return byKey.Put(key, encodeSeq(seq))
}

func (s *Store) removeOrder(tx *bbolt.Tx, p Partition, key []byte) error {
	if p.AutoIncrement {
		return nil
	}
	order := tx.Bucket(orderBucket(p))
	byKey := tx.Bucket(orderByKeyBucket(p))
	if order == nil || byKey == nil {
		return nil
	}
	if seq := byKey.Get(key); seq != nil {
		if err := order.Delete(seq); err != nil {
			return fmt.Errorf("deleting order entry: %w", err)
		}
	}
	return byKey.Delete(key)
}

// GetAll returns every record in insertion order. It never fails hard: on any
// error it returns an empty slice together with the error, so callers can
// treat a broken store as an empty cache.
func (s *Store) GetAll(ctx context.Context, partition string) ([]Record, error) {
	start := time.Now()
	records, err := s.getAll(partition)
	s.record(ctx, "get_all", err, start)
	if err != nil {
		s.logger.Warn("reading partition failed", "partition", partition, "error", err)
		return []Record{}, &StorageError{Op: "get_all", Partition: partition, Err: err}
	}
	return records, nil
}

func (s *Store) getAll(partition string) ([]Record, error) {
	p, ok := LookupPartition(partition)
	if !ok {
		return nil, ErrUnknownPartition
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	records := []Record{}
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(primaryBucket(p))
		if bucket == nil {
			return ErrUnknownPartition
		}

		if p.AutoIncrement {
			cursor := bucket.Cursor()
			for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
				rec, err := decodeRecord(v)
				if err != nil {
					return err
				}
				records = append(records, rec)
			}
			return nil
		}

		order := tx.Bucket(orderBucket(p))
		if order == nil {
			return ErrUnknownPartition
		}
		cursor := order.Cursor()
		for _, key := cursor.First(); key != nil; _, key = cursor.Next() {
			v := bucket.Get(key)
			if v == nil {
				continue
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Get looks up a record by primary key. It returns ErrNotFound when the record
// is absent and a *StorageError when the store itself failed.
func (s *Store) Get(ctx context.Context, partition string, key any) (Record, error) {
	start := time.Now()
	rec, err := s.get(partition, key)
	if errors.Is(err, ErrNotFound) {
		s.record(ctx, "get", nil, start)
		return nil, ErrNotFound
	}
	s.record(ctx, "get", err, start)
	if err != nil {
		return nil, &StorageError{Op: "get", Partition: partition, Err: err}
	}
	return rec, nil
}

func (s *Store) get(partition string, key any) (Record, error) {
	p, ok := LookupPartition(partition)
	if !ok {
		return nil, ErrUnknownPartition
	}
	k, err := encodeKey(p, key)
	if err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var rec Record
	err = db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(primaryBucket(p))
		if bucket == nil {
			return ErrUnknownPartition
		}
		v := bucket.Get(k)
		if v == nil {
			return ErrNotFound
		}
		rec, err = decodeRecord(v)
		return err
	})
	return rec, err
}

// Delete removes one record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, partition string, key any) error {
	start := time.Now()
	err := s.delete(partition, key)
	s.record(ctx, "delete", err, start)
	if err != nil {
		return &StorageError{Op: "delete", Partition: partition, Err: err}
	}
	return nil
}

func (s *Store) delete(partition string, key any) error {
	p, ok := LookupPartition(partition)
	if !ok {
		return ErrUnknownPartition
	}
	k, err := encodeKey(p, key)
	if err != nil {
		return err
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(primaryBucket(p))
		if bucket == nil {
			return ErrUnknownPartition
		}
		if err := s.removeOrder(tx, p, k); err != nil {
			return err
		}
		return bucket.Delete(k)
	})
}

// Clear removes every record in a partition. Auto-increment sequences keep
// counting so ids are never reused.
func (s *Store) Clear(ctx context.Context, partition string) error {
	start := time.Now()
	err := s.clear(partition)
	s.record(ctx, "clear", err, start)
	if err != nil {
		return &StorageError{Op: "clear", Partition: partition, Err: err}
	}
	return nil
}

func (s *Store) clear(partition string) error {
	p, ok := LookupPartition(partition)
	if !ok {
		return ErrUnknownPartition
	}
	db, err := s.handle()
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		for _, name := range bucketsFor(p) {
			var seq uint64
			if b := tx.Bucket(name); b != nil {
				seq = b.Sequence()
				if err := tx.DeleteBucket(name); err != nil {
					return fmt.Errorf("deleting bucket %s: %w", name, err)
				}
			}
			b, err := tx.CreateBucket(name)
			if err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
			if err := b.SetSequence(seq); err != nil {
				return fmt.Errorf("restoring sequence %s: %w", name, err)
			}
		}
		return nil
	})
}

// ClearAll clears every partition, as on logout.
func (s *Store) ClearAll(ctx context.Context) error {
	for _, p := range Schema {
		if err := s.Clear(ctx, p.Name); err != nil {
			return err
		}
	}
	return nil
}

// Update shallow-merges patch into the record stored under key and writes it
// back. The key field cannot be changed. When no record exists Update is a
// no-op and returns a nil record.
func (s *Store) Update(ctx context.Context, partition string, key any, patch Record) (Record, error) {
	start := time.Now()
	rec, err := s.update(partition, key, patch)
	s.record(ctx, "update", err, start)
	if err != nil {
		return nil, &StorageError{Op: "update", Partition: partition, Err: err}
	}
	return rec, nil
}

func (s *Store) update(partition string, key any, patch Record) (Record, error) {
	p, ok := LookupPartition(partition)
	if !ok {
		return nil, ErrUnknownPartition
	}
	k, err := encodeKey(p, key)
	if err != nil {
		return nil, err
	}
	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	var merged Record
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(primaryBucket(p))
		if bucket == nil {
			return ErrUnknownPartition
		}
		v := bucket.Get(k)
		if v == nil {
			return nil
		}
		existing, err := decodeRecord(v)
		if err != nil {
			return err
		}
		for field, value := range patch {
			if field == p.KeyField {
				continue
			}
			existing[field] = value
		}
		data, err := json.Marshal(existing)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if s.quota > 0 && tx.Size()+int64(len(data)-len(v)) > s.quota {
			return ErrQuotaExceeded
		}
		if err := bucket.Put(k, data); err != nil {
			return err
		}
		merged = existing
		return nil
	})
	if err != nil || merged == nil {
		return nil, err
	}
	return roundTrip(merged)
}

// Stats returns the number of records per partition.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	db, err := s.handle()
	if err != nil {
		return nil, &StorageError{Op: "stats", Err: err}
	}
	counts := make(map[string]int, len(Schema))
	err = db.View(func(tx *bbolt.Tx) error {
		for _, p := range Schema {
			if b := tx.Bucket(primaryBucket(p)); b != nil {
				counts[p.Name] = b.Stats().KeyN
			}
		}
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "stats", Err: err}
	}
	return counts, nil
}

func (s *Store) record(ctx context.Context, op string, err error, start time.Time) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordStorageOp(ctx, "localdb", op, outcome, time.Since(start))
}

func decodeRecord(data []byte) (Record, error) {
	return ParseRecord(data)
}

func roundTrip(rec Record) (Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return decodeRecord(data)
}

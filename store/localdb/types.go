// Package localdb provides the durable, partitioned local store behind the cart,
// favorites, recently viewed, user data cache and offline action queue.
package localdb

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SchemaVersion is bumped whenever a partition is added. Opening a store with
// an older recorded version creates the missing partitions.
const SchemaVersion = 1

// Partition names.
const (
	PartitionCart           = "cart"
	PartitionFavorites      = "favorites"
	PartitionRecentlyViewed = "recently_viewed"
	PartitionOfflineActions = "offline_actions"
	PartitionUserData       = "user_data"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("localdb: not found")

	// ErrUnknownPartition is returned for partition names outside the schema.
	ErrUnknownPartition = errors.New("localdb: unknown partition")

	// ErrQuotaExceeded is returned when a write would grow the store past its quota.
	ErrQuotaExceeded = errors.New("localdb: quota exceeded")

	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("localdb: store closed")

	// ErrMissingKey is returned when a record for a keyed partition lacks its key field.
	ErrMissingKey = errors.New("localdb: record missing key field")
)

// StorageError describes a failed storage operation on a partition.
type StorageError struct {
	Op        string
	Partition string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("localdb: %s %s: %v", e.Op, e.Partition, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Partition describes one named object partition.
type Partition struct {
	Name string
	// KeyField is the record field holding the primary key.
	KeyField string
	// AutoIncrement partitions assign KeyField from a monotonic sequence and
	// allow any number of records. Keyed partitions hold at most one record per key.
	AutoIncrement bool
}

// Schema is the fixed set of partitions.
var Schema = []Partition{
	{Name: PartitionCart, KeyField: "id", AutoIncrement: true},
	{Name: PartitionFavorites, KeyField: "productId"},
	{Name: PartitionRecentlyViewed, KeyField: "productId"},
	{Name: PartitionOfflineActions, KeyField: "id", AutoIncrement: true},
	{Name: PartitionUserData, KeyField: "key"},
}

// LookupPartition returns the schema entry for name.
func LookupPartition(name string) (Partition, bool) {
	for _, p := range Schema {
		if p.Name == name {
			return p, true
		}
	}
	return Partition{}, false
}

// Record is a stored row. Top-level integers decode as int64 and other
// top-level numbers as float64. Nested values keep their numbers as
// json.Number so they are written back exactly as they were read.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// CartItem is a line in the local cart.
type CartItem struct {
	ID        uint64 `json:"id,omitempty"`
	ProductID int64  `json:"productId"`
	Quantity  int    `json:"quantity"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Favorite is a product saved by the user.
type Favorite struct {
	ProductID   int64           `json:"productId"`
	ProductData json.RawMessage `json:"productData,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

// RecentlyViewed is a product the user opened recently.
type RecentlyViewed struct {
	ProductID   int64           `json:"productId"`
	ProductData json.RawMessage `json:"productData,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
}

// UserDataEntry is a cached piece of user data keyed by name.
type UserDataEntry struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Encode converts a typed value into a Record.
func Encode(v any) (Record, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling record: %w", err)
	}
	return ParseRecord(data)
}

// ParseRecord decodes a JSON object into a Record without losing numeric
// precision.
func ParseRecord(data []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var rec Record
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record: %w", err)
	}
	if dec.More() {
		return nil, errors.New("unmarshaling record: trailing data after object")
	}
	for k, v := range rec {
		n, ok := v.(json.Number)
		if !ok {
			continue
		}
		if !strings.ContainsAny(n.String(), ".eE") {
			// Integers beyond int64 stay json.Number.
			if i, err := n.Int64(); err == nil {
				rec[k] = i
			}
			continue
		}
		if f, err := n.Float64(); err == nil {
			rec[k] = f
		}
	}
	return rec, nil
}

// Decode converts a Record into a typed value.
func Decode[T any](rec Record) (T, error) {
	var out T
	data, err := json.Marshal(rec)
	if err != nil {
		return out, fmt.Errorf("marshaling record: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("unmarshaling record: %w", err)
	}
	return out, nil
}

package offline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shery7378/multifront-sub002/store/localdb"
	"github.com/shery7378/multifront-sub002/telemetry"
)

// Store is the subset of the durable store the queue needs.
type Store interface {
	Add(ctx context.Context, partition string, rec localdb.Record) (localdb.Record, error)
	GetAll(ctx context.Context, partition string) ([]localdb.Record, error)
	Get(ctx context.Context, partition string, key any) (localdb.Record, error)
	Update(ctx context.Context, partition string, key any, patch localdb.Record) (localdb.Record, error)
	Delete(ctx context.Context, partition string, key any) error
	Clear(ctx context.Context, partition string) error
}

// Queue is the offline action queue, persisted in the offline_actions
// partition of the durable store.
type Queue struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
	types  map[ActionType]PayloadFactory

	// Serialises status transitions so completion happens at most once.
	mu sync.Mutex
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithLogger sets the logger for the queue.
func WithLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
	}
}

// WithActionType registers an additional action type and its payload schema.
func WithActionType(t ActionType, factory PayloadFactory) QueueOption {
	return func(q *Queue) {
		q.types[t] = factory
	}
}

// NewQueue creates a queue over store.
func NewQueue(store Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		types:  builtinTypes(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.logger = q.logger.With("component", "offline-queue")
	return q
}

// Types returns the action types the queue accepts.
func (q *Queue) Types() []ActionType {
	types := make([]ActionType, 0, len(q.types))
	for t := range q.types {
		types = append(types, t)
	}
	return types
}

// Enqueue validates data against the schema for t and stores a pending
// action. Storage failures are returned: the action was not saved.
func (q *Queue) Enqueue(ctx context.Context, t ActionType, data json.RawMessage) (*Action, error) {
	if _, err := decodePayload(q.types, t, data); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	action := Action{
		Type:           t,
		Data:           data,
		Status:         StatusPending,
		Timestamp:      q.now().UnixMilli(),
		IdempotencyKey: uuid.NewString(),
	}
	rec, err := actionRecord(action)
	if err != nil {
		return nil, fmt.Errorf("encoding action: %w", err)
	}
	// The store assigns the id.
	delete(rec, "id")

	stored, err := q.store.Add(ctx, localdb.PartitionOfflineActions, rec)
	if err != nil {
		return nil, fmt.Errorf("saving action: %w", err)
	}
	saved, err := decodeAction(stored)
	if err != nil {
		return nil, fmt.Errorf("decoding action: %w", err)
	}

	q.logger.Debug("action enqueued", "id", saved.ID, "type", saved.Type)
	return &saved, nil
}

// EnqueuePayload marshals p and enqueues it under its own type.
func (q *Queue) EnqueuePayload(ctx context.Context, p Payload) (*Action, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}
	return q.Enqueue(ctx, p.ActionType(), data)
}

// Get returns one action.
func (q *Queue) Get(ctx context.Context, id uint64) (*Action, error) {
	rec, err := q.store.Get(ctx, localdb.PartitionOfflineActions, id)
	if errors.Is(err, localdb.ErrNotFound) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, err
	}
	action, err := decodeAction(rec)
	if err != nil {
		return nil, fmt.Errorf("decoding action %d: %w", id, err)
	}
	return &action, nil
}

// List returns every action in insertion order. On a storage failure it
// returns an empty slice and the error.
func (q *Queue) List(ctx context.Context) ([]Action, error) {
	records, err := q.store.GetAll(ctx, localdb.PartitionOfflineActions)
	actions := make([]Action, 0, len(records))
	if err != nil {
		return actions, err
	}
	for _, rec := range records {
		action, err := decodeAction(rec)
		if err != nil {
			q.logger.Warn("skipping unreadable action", "record", rec, "error", err)
			continue
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// ListPending returns pending actions in FIFO replay order.
func (q *Queue) ListPending(ctx context.Context) ([]Action, error) {
	all, err := q.List(ctx)
	if err != nil {
		return all, err
	}
	pending := make([]Action, 0, len(all))
	for _, a := range all {
		if a.Pending() {
			pending = append(pending, a)
		}
	}
	telemetry.UpdatePendingActions(ctx, len(pending))
	return pending, nil
}

// MarkComplete moves a pending action to completed and stamps completedAt.
// Missing and already completed actions are left alone.
func (q *Queue) MarkComplete(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	action, err := q.Get(ctx, id)
	if errors.Is(err, ErrActionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if !action.Pending() {
		return nil
	}

	_, err = q.store.Update(ctx, localdb.PartitionOfflineActions, id, localdb.Record{
		"status":      string(StatusCompleted),
		"completedAt": q.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("completing action %d: %w", id, err)
	}
	return nil
}

// Remove deletes one action regardless of status.
func (q *Queue) Remove(ctx context.Context, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Delete(ctx, localdb.PartitionOfflineActions, id)
}

// Clear discards every action, pending ones included.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.store.Clear(ctx, localdb.PartitionOfflineActions); err != nil {
		return err
	}
	q.logger.Info("offline queue cleared")
	return nil
}

// PruneCompleted deletes completed actions whose completedAt is before
// cutoff. Pending actions are never touched. It returns the number deleted.
func (q *Queue) PruneCompleted(ctx context.Context, cutoff time.Time) (int, error) {
	all, err := q.List(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var deleted int
	for _, a := range all {
		if a.Pending() || a.CompletedAt == nil || *a.CompletedAt >= cutoff.UnixMilli() {
			continue
		}
		if err := q.store.Delete(ctx, localdb.PartitionOfflineActions, a.ID); err != nil {
			return deleted, fmt.Errorf("pruning action %d: %w", a.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// actionRecord encodes a for the offline_actions partition. Data is stored
// as a JSON string so the bytes replayed are the bytes enqueued.
func actionRecord(a Action) (localdb.Record, error) {
	rec, err := localdb.Encode(a)
	if err != nil {
		return nil, err
	}
	rec["data"] = string(a.Data)
	return rec, nil
}

// decodeAction reverses actionRecord. Rows holding data as an object are
// read as they are.
func decodeAction(rec localdb.Record) (Action, error) {
	a, err := localdb.Decode[Action](rec)
	if err != nil {
		return Action{}, err
	}
	var raw string
	if json.Unmarshal(a.Data, &raw) == nil {
		a.Data = json.RawMessage(raw)
	}
	return a, nil
}

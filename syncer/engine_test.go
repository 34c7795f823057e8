package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shery7378/multifront-sub002/offline"
	"github.com/shery7378/multifront-sub002/store/localdb"
)

type apiCall struct {
	Method         string
	Path           string
	Body           string
	IdempotencyKey string
	Authorization  string
}

// fakeAPI records every request and answers with the status chosen by fail.
type fakeAPI struct {
	mu    sync.Mutex
	calls []apiCall
	fail  func(call apiCall) int
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	call := apiCall{
		Method:         r.Method,
		Path:           r.URL.Path,
		Body:           string(body),
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		Authorization:  r.Header.Get("Authorization"),
	}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()

	status := http.StatusCreated
	if fail := f.failFunc(); fail != nil {
		if s := fail(call); s != 0 {
			status = s
		}
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

func (f *fakeAPI) failFunc() func(apiCall) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

func (f *fakeAPI) setFail(fail func(apiCall) int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]apiCall(nil), f.calls...)
}

type fixture struct {
	queue  *offline.Queue
	engine *Engine
	api    *fakeAPI
	clock  *time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	api := &fakeAPI{}
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	store := localdb.New(filepath.Join(t.TempDir(), "local.db"), localdb.WithNoSync(true))
	t.Cleanup(func() { _ = store.Close() })

	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f := &fixture{api: api, clock: &clock}
	f.queue = offline.NewQueue(store, offline.WithNow(func() time.Time {
		// Every reading advances the clock so timestamps are strictly ordered.
		*f.clock = f.clock.Add(time.Millisecond)
		return *f.clock
	}))

	client := NewClient(WithBaseURL(srv.URL+"/api"), WithBearerToken("secret"))
	f.engine = New(f.queue, client, opts...)
	t.Cleanup(f.engine.Close)
	return f
}

func (f *fixture) enqueue(t *testing.T, p offline.Payload) *offline.Action {
	t.Helper()
	a, err := f.queue.EnqueuePayload(context.Background(), p)
	require.NoError(t, err)
	return a
}

func TestSync_EmptyQueue(t *testing.T) {
	f := newFixture(t)

	result, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Empty(t, f.api.Calls())
}

func TestSync_ForwardsPayloadBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	payload := `{"product_id":9007199254740993,"quantity":1,"meta":{"sku":12345678901234567890}}`
	_, err := f.queue.Enqueue(ctx, offline.ActionAddToCart, json.RawMessage(payload))
	require.NoError(t, err)

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 1, Total: 1}, result)

	calls := f.api.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, payload, calls[0].Body)
}

func TestSync_ReplaysInFIFOOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.enqueue(t, offline.AddToCart{ProductID: 1, Quantity: 2})
	b := f.enqueue(t, offline.AddToFavorites{ProductID: 2})
	c := f.enqueue(t, offline.UpdateProfile{Name: ptr("Ada")})

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 3, Failed: 0, Total: 3}, result)

	calls := f.api.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, http.MethodPost, calls[0].Method)
	assert.Equal(t, "/api/cart", calls[0].Path)
	assert.JSONEq(t, `{"product_id":1,"quantity":2}`, calls[0].Body)
	assert.Equal(t, a.IdempotencyKey, calls[0].IdempotencyKey)
	assert.Equal(t, "Bearer secret", calls[0].Authorization)
	assert.Equal(t, http.MethodPost, calls[1].Method)
	assert.Equal(t, "/api/favorites", calls[1].Path)
	assert.Equal(t, http.MethodPut, calls[2].Method)
	assert.Equal(t, "/api/profile", calls[2].Path)

	var completed []int64
	for _, id := range []uint64{a.ID, b.ID, c.ID} {
		got, err := f.queue.Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got.CompletedAt)
		completed = append(completed, *got.CompletedAt)
	}
	assert.LessOrEqual(t, completed[0], completed[1])
	assert.LessOrEqual(t, completed[1], completed[2])
}

func TestSync_FailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.setFail(func(call apiCall) int {
		if call.Path == "/api/cart" {
			return http.StatusServiceUnavailable
		}
		return 0
	})

	a := f.enqueue(t, offline.AddToCart{ProductID: 1, Quantity: 1})
	b := f.enqueue(t, offline.AddToFavorites{ProductID: 2})

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 1, Failed: 1, Total: 2}, result)

	gotA, err := f.queue.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.StatusPending, gotA.Status)
	assert.Nil(t, gotA.CompletedAt)

	gotB, err := f.queue.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.StatusCompleted, gotB.Status)

	t.Run("failed action is retried on the next run", func(t *testing.T) {
		f.api.setFail(nil)

		result, err := f.engine.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, Result{Synced: 1, Total: 1}, result)

		calls := f.api.Calls()
		require.Len(t, calls, 3)
		assert.Equal(t, calls[0].IdempotencyKey, calls[2].IdempotencyKey, "retries reuse the idempotency key")
	})
}

func TestSync_NeverResendsCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.enqueue(t, offline.AddToFavorites{ProductID: 9})

	first, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Synced)

	second, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, second)

	assert.Len(t, f.api.Calls(), 1)
}

func TestSync_FavoriteScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	action, err := f.queue.Enqueue(ctx, offline.ActionAddToFavorites, json.RawMessage(`{"product_id":42}`))
	require.NoError(t, err)

	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)

	pending, err := f.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := f.queue.Get(ctx, action.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestSync_UnknownTypeIsCompleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// A queue that knows a type the engine has no handler for.
	store := localdb.New(filepath.Join(t.TempDir(), "local.db"), localdb.WithNoSync(true))
	t.Cleanup(func() { _ = store.Close() })
	q := offline.NewQueue(store, offline.WithActionType("share_wishlist", func() offline.Payload { return &offline.AddToFavorites{} }))
	engine := New(q, nil)
	t.Cleanup(engine.Close)

	_, err := q.Enqueue(ctx, "share_wishlist", json.RawMessage(`{"product_id":1}`))
	require.NoError(t, err)

	result, err := engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Synced: 1, Total: 1}, result)
	assert.Empty(t, f.api.Calls())
}

func TestSync_RegisteredHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var got []uint64
	f.engine.Register(offline.ActionAddToFavorites, func(_ context.Context, a offline.Action) error {
		got = append(got, a.ID)
		return nil
	})

	a := f.enqueue(t, offline.AddToFavorites{ProductID: 1})
	_, err := f.engine.Sync(ctx)
	require.NoError(t, err)

	assert.Equal(t, []uint64{a.ID}, got)
	assert.Empty(t, f.api.Calls())
}

type failingQueue struct {
	pending []offline.Action
	listErr error
	markErr error
}

func (q *failingQueue) ListPending(context.Context) ([]offline.Action, error) {
	return q.pending, q.listErr
}

func (q *failingQueue) MarkComplete(context.Context, uint64) error { return q.markErr }

func TestSync_StorageFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("unreadable queue is an error", func(t *testing.T) {
		e := New(&failingQueue{listErr: errors.New("storage disabled")}, nil)
		t.Cleanup(e.Close)

		_, err := e.Sync(ctx)
		require.Error(t, err)
	})

	t.Run("completion failure counts as failed", func(t *testing.T) {
		q := &failingQueue{
			pending: []offline.Action{{ID: 1, Type: offline.ActionAddToFavorites, Status: offline.StatusPending}},
			markErr: errors.New("quota exceeded"),
		}
		e := New(q, nil, WithHandler(offline.ActionAddToFavorites, func(context.Context, offline.Action) error { return nil }))
		t.Cleanup(e.Close)

		result, err := e.Sync(ctx)
		require.NoError(t, err)
		assert.Equal(t, Result{Failed: 1, Total: 1}, result)
	})
}

func TestSync_NotifiesAfterWork(t *testing.T) {
	ctx := context.Background()

	var results []Result
	f := newFixture(t, WithNotifier(NotifierFunc(func(_ context.Context, r Result) {
		results = append(results, r)
	})))

	_, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, results, "empty runs are not reported")

	f.enqueue(t, offline.AddToFavorites{ProductID: 1})
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Result{{Synced: 1, Total: 1}}, results)
}

func TestEngine_OnConnectivity(t *testing.T) {
	f := newFixture(t)
	f.enqueue(t, offline.AddToFavorites{ProductID: 1})

	f.engine.OnConnectivity(false)
	f.engine.OnConnectivity(true)

	require.Eventually(t, func() bool {
		return len(f.api.Calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	f.engine.Close()
	pending, err := f.queue.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "out of stock", http.StatusConflict)
	}))
	t.Cleanup(srv.Close)

	c := NewClient(WithBaseURL(srv.URL), WithEndpoints("/v2/cart", "", ""))
	err := c.AddToCart(context.Background(), json.RawMessage(`{}`), "k")

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusConflict, statusErr.Status)
	assert.Equal(t, "out of stock", statusErr.Body)
	assert.Contains(t, statusErr.URL, "/v2/cart")
}

func ptr[T any](v T) *T { return &v }

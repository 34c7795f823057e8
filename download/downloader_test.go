package download

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	storefront "github.com/shery7378/multifront-sub002"
	"github.com/shery7378/multifront-sub002/store/cachedb"
)

func entry(body string) *cachedb.Entry {
	return &cachedb.Entry{
		Method: http.MethodGet,
		URL:    "https://shop.example/api/products",
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(body),
	}
}

func TestDo_SingleCall(t *testing.T) {
	d := New()
	expected := entry(`{"id":1}`)

	result, shared, err := d.Do(context.Background(), "key1", func(ctx context.Context) (*cachedb.Entry, error) {
		return expected, nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, expected.Body, result.Body)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := entry("data")

	var wg sync.WaitGroup
	results := make([]*cachedb.Entry, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = d.Do(context.Background(), "shared-key", func(ctx context.Context) (*cachedb.Entry, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return expected, nil
			})
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, expected.Body, results[i].Body)
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	d := New()

	var fetchCompleted atomic.Bool
	expected := entry("slow")

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	started := make(chan struct{})
	var slowErr error
	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, slowErr = d.Do(shortCtx, "timeout-key", func(ctx context.Context) (*cachedb.Entry, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			// The detached context survives the first caller's deadline.
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			fetchCompleted.Store(true)
			return expected, nil
		})
	}()

	<-started

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, shared, err := d.Do(longCtx, "timeout-key", func(ctx context.Context) (*cachedb.Entry, error) {
		t.Error("should not be called - fetch already in flight")
		return nil, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, expected.Body, result.Body)
	require.True(t, fetchCompleted.Load())

	slowWg.Wait()
	require.ErrorIs(t, slowErr, context.DeadlineExceeded)
}

func TestDo_FetchError(t *testing.T) {
	d := New()
	expectedErr := errors.New("upstream unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = d.Do(context.Background(), "error-key", func(ctx context.Context) (*cachedb.Entry, error) {
				time.Sleep(20 * time.Millisecond)
				return nil, expectedErr
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := Key("api-v1", storefront.HashBytes([]byte{byte(idx)}))
			_, _, errs[idx] = d.Do(context.Background(), key, func(ctx context.Context) (*cachedb.Entry, error) {
				callCount.Add(1)
				return entry(key), nil
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own fetch")
}

func TestKey_ScopesByPartition(t *testing.T) {
	h := storefront.RequestKey(http.MethodGet, "https://shop.example/logo.png")
	require.NotEqual(t, Key("images-v1", h), Key("app-shell-v1", h))
	require.Equal(t, Key("images-v1", h), Key("images-v1", h))
}

func TestForgetOnError_SkipsContextErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expected := entry("data")

	started := make(chan struct{})
	go func() {
		_, _, _ = d.Do(context.Background(), "forget-test", func(ctx context.Context) (*cachedb.Entry, error) {
			callCount.Add(1)
			close(started)
			time.Sleep(200 * time.Millisecond)
			return expected, nil
		})
	}()
	<-started

	ForgetOnError(d, "forget-test", context.DeadlineExceeded)

	result, shared, err := d.Do(context.Background(), "forget-test", func(ctx context.Context) (*cachedb.Entry, error) {
		callCount.Add(1)
		return expected, nil
	})

	require.NoError(t, err)
	require.True(t, shared, "should share the in-flight fetch")
	require.Equal(t, expected.Body, result.Body)
	require.Equal(t, int32(1), callCount.Load(), "fetch func should be called exactly once")
}

func TestForgetOnError_ForgetsRealErrors(t *testing.T) {
	d := New()

	var callCount atomic.Int32
	expectedErr := errors.New("upstream error")

	_, _, err := d.Do(context.Background(), "forget-err", func(ctx context.Context) (*cachedb.Entry, error) {
		callCount.Add(1)
		return nil, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)

	ForgetOnError(d, "forget-err", expectedErr)

	expected := entry("retry")
	result, shared, err := d.Do(context.Background(), "forget-err", func(ctx context.Context) (*cachedb.Entry, error) {
		callCount.Add(1)
		return expected, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, expected.Body, result.Body)
	require.Equal(t, int32(2), callCount.Load())
}

package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shery7378/multifront-sub002/lifecycle"
	"github.com/shery7378/multifront-sub002/offline"
	"github.com/shery7378/multifront-sub002/syncer"
)

const offlinePage = `<!doctype html><html><head><link rel="stylesheet" href="/styles.css"></head>
<body><h1>You are offline</h1></body></html>`

// storefront is a fake origin serving pages and the REST API.
type storefront struct {
	*httptest.Server

	mu    sync.Mutex
	carts []string
	keys  []string
}

func newStorefront(t *testing.T) *storefront {
	t.Helper()
	sf := &storefront{}
	mux := http.NewServeMux()
	page := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = io.WriteString(w, body)
		}
	}
	mux.HandleFunc("GET /{$}", page("<h1>home</h1>"))
	mux.HandleFunc("GET /products", page("<h1>products</h1>"))
	mux.HandleFunc("GET /health", page("<h1>our health range</h1>"))
	mux.HandleFunc("GET /offline", page(offlinePage))
	mux.HandleFunc("GET /styles.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = io.WriteString(w, "body{}")
	})
	mux.HandleFunc("GET /api/stores", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `[{"id":1,"name":"Corner Shop"}]`)
	})
	mux.HandleFunc("POST /api/cart", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		sf.mu.Lock()
		sf.carts = append(sf.carts, string(body))
		sf.keys = append(sf.keys, r.Header.Get("Idempotency-Key"))
		sf.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
	})
	sf.Server = httptest.NewServer(mux)
	t.Cleanup(sf.Close)
	return sf
}

func (sf *storefront) cartCalls() []string {
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return append([]string(nil), sf.carts...)
}

type fixture struct {
	s     *Server
	ts    *httptest.Server
	sf    *storefront
	token string
}

func testConfig(t *testing.T, sf *storefront) Config {
	return Config{
		DataDir: t.TempDir(),
		Origin:  sf.URL,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newFixture(t *testing.T, sf *storefront, cfg Config) *fixture {
	t.Helper()
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &fixture{s: s, ts: ts, sf: sf, token: cfg.AuthToken}
}

func (f *fixture) call(t *testing.T, method, path, body string, header map[string]string) (int, http.Header, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.ts.URL+path, rd)
	require.NoError(t, err)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := f.ts.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

var navigate = map[string]string{
	"Accept":         "text/html,application/xhtml+xml",
	"Sec-Fetch-Mode": "navigate",
}

func TestNew_RequiresOrigin(t *testing.T) {
	_, err := New(Config{DataDir: t.TempDir()})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))

	status, _, body := f.call(t, http.MethodGet, "/_sw/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestBootstrap_ActivatesNewVersion(t *testing.T) {
	sf := newStorefront(t)
	cfg := testConfig(t, sf)
	cfg.CacheVersion = "v1"

	old, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, old.Bootstrap(context.Background()))
	require.NoError(t, old.Shutdown(context.Background()))

	cfg.CacheVersion = "v2"
	f := newFixture(t, sf, cfg)
	require.NoError(t, f.s.Bootstrap(context.Background()))

	status, _, body := f.call(t, http.MethodGet, "/_sw/partitions", "", nil)
	require.Equal(t, http.StatusOK, status)
	res := decode[struct {
		Version    string          `json:"version"`
		State      lifecycle.State `json:"state"`
		Partitions []partitionInfo `json:"partitions"`
	}](t, body)

	assert.Equal(t, "v2", res.Version)
	assert.Equal(t, lifecycle.StateActivated, res.State)
	names := make([]string, 0, len(res.Partitions))
	for _, p := range res.Partitions {
		names = append(names, p.Name)
		assert.True(t, p.Current, p.Name)
	}
	assert.ElementsMatch(t, []string{"app-shell-v2", "runtime-v2", "images-v2", "api-v2"}, names)
	for _, p := range res.Partitions {
		if p.Name == "app-shell-v2" {
			assert.Equal(t, 2, p.Entries, "offline page and its stylesheet")
		}
	}
}

func TestGateway_OfflineFallbacks(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))
	require.NoError(t, f.s.Bootstrap(context.Background()))

	status, header, body := f.call(t, http.MethodGet, "/products", "", navigate)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<h1>products</h1>", string(body))
	assert.Equal(t, "miss", header.Get("X-Cache"))
	assert.Equal(t, "network-first-navigation", header.Get("X-Cache-Strategy"))

	status, header, _ = f.call(t, http.MethodGet, "/api/stores", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stale-while-revalidate", header.Get("X-Cache-Strategy"))
	f.s.gateway.Wait()

	sf.Close()

	status, header, body = f.call(t, http.MethodGet, "/products", "", navigate)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "fallback", header.Get("X-Cache"))
	assert.Equal(t, "<h1>products</h1>", string(body))

	status, header, body = f.call(t, http.MethodGet, "/orders", "", navigate)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "offline", header.Get("X-Cache"))
	assert.Contains(t, string(body), "You are offline")

	status, header, body = f.call(t, http.MethodGet, "/api/stores", "", map[string]string{"Accept": "application/json"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "stale", header.Get("X-Cache"))
	assert.JSONEq(t, `[{"id":1,"name":"Corner Shop"}]`, string(body))

	status, _, _ = f.call(t, http.MethodGet, "/api/products", "", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusBadGateway, status)

	status, _, body = f.call(t, http.MethodGet, "/_offline/connectivity", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, decode[map[string]any](t, body)["online"].(bool), "failed round trips mark the gateway offline")
}

func TestGateway_PassThrough(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))

	status, header, _ := f.call(t, http.MethodPost, "/api/cart", `{"product_id":1}`, nil)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "bypass", header.Get("X-Cache"))
	assert.Len(t, sf.cartCalls(), 1)
}

func TestOfflineActions_QueueAndReplay(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))

	status, _, _ := f.call(t, http.MethodPost, "/_offline/connectivity", `{"online":false}`, nil)
	require.Equal(t, http.StatusOK, status)

	status, _, body := f.call(t, http.MethodPost, "/_offline/actions", `{"type":"add_to_cart","data":{"product_id":5,"quantity":2}}`, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	action := decode[offline.Action](t, body)
	assert.Equal(t, offline.StatusPending, action.Status)
	assert.NotEmpty(t, action.IdempotencyKey)

	status, _, body = f.call(t, http.MethodPost, "/_offline/actions", `{"type":"add_to_cart","data":{"quantity":0}}`, nil)
	require.Equal(t, http.StatusBadRequest, status)
	invalid := decode[struct {
		Fields offline.ValidationErrors `json:"fields"`
	}](t, body)
	assert.NotEmpty(t, invalid.Fields)

	status, _, _ = f.call(t, http.MethodPost, "/_offline/actions", `{"type":"checkout","data":{}}`, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _, _ = f.call(t, http.MethodPost, "/_offline/actions", `{not json`, nil)
	require.Equal(t, http.StatusBadRequest, status)

	status, _, body = f.call(t, http.MethodGet, "/_offline/actions?status=pending", "", nil)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, decode[[]offline.Action](t, body), 1)
	assert.Empty(t, sf.cartCalls(), "nothing is sent while offline")

	status, _, _ = f.call(t, http.MethodPost, "/_offline/connectivity", `{"online":true}`, nil)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool { return len(sf.cartCalls()) == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.JSONEq(t, `{"product_id":5,"quantity":2}`, sf.cartCalls()[0])
	sf.mu.Lock()
	assert.Equal(t, action.IdempotencyKey, sf.keys[0])
	sf.mu.Unlock()

	require.Eventually(t, func() bool {
		_, _, body := f.call(t, http.MethodGet, "/_offline/actions?status=completed", "", nil)
		return len(decode[[]offline.Action](t, body)) == 1
	}, 5*time.Second, 20*time.Millisecond)

	status, _, body = f.call(t, http.MethodPost, "/_offline/sync", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, syncer.Result{}, decode[syncer.Result](t, body), "completed actions are never resent")
	assert.Len(t, sf.cartCalls(), 1)

	status, _, _ = f.call(t, http.MethodDelete, "/_offline/actions/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _, _ = f.call(t, http.MethodDelete, "/_offline/actions/1", "", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _, _ = f.call(t, http.MethodDelete, "/_offline/actions", "", nil)
	assert.Equal(t, http.StatusNoContent, status)

	_, _, body = f.call(t, http.MethodGet, "/_offline/actions", "", nil)
	assert.Empty(t, decode[[]offline.Action](t, body))
}

func TestStore_KeepsLargeNumbers(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))

	status, _, body := f.call(t, http.MethodPost, "/_store/favorites", `{"productId":9007199254740993,"productData":{"sku":12345678901234567890}}`, nil)
	require.Equal(t, http.StatusCreated, status, string(body))

	status, _, body = f.call(t, http.MethodPatch, "/_store/favorites/9007199254740993", `{"price":19.99,"stock":98765432109876543210}`, nil)
	require.Equal(t, http.StatusOK, status, string(body))

	status, _, body = f.call(t, http.MethodGet, "/_store/favorites/9007199254740993", "", nil)
	require.Equal(t, http.StatusOK, status)
	for _, literal := range []string{`"productId":9007199254740993`, `"sku":12345678901234567890`, `"stock":98765432109876543210`, `"price":19.99`} {
		assert.Contains(t, string(body), literal)
	}

	status, _, _ = f.call(t, http.MethodPost, "/_store/favorites", `[1,2]`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStore_CRUD(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))

	status, _, body := f.call(t, http.MethodPost, "/_store/favorites", `{"productId":"p1","name":"Lamp"}`, nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	assert.Contains(t, decode[map[string]any](t, body), "timestamp")

	status, _, body = f.call(t, http.MethodGet, "/_store/favorites", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]map[string]any](t, body), 1)

	status, _, body = f.call(t, http.MethodPatch, "/_store/favorites/p1", `{"name":"Desk lamp","productId":"other"}`, nil)
	require.Equal(t, http.StatusOK, status)
	rec := decode[map[string]any](t, body)
	assert.Equal(t, "Desk lamp", rec["name"])
	assert.Equal(t, "p1", rec["productId"], "key field is immutable")

	status, _, _ = f.call(t, http.MethodPatch, "/_store/favorites/missing", `{"name":"x"}`, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _, body = f.call(t, http.MethodPost, "/_store/cart", `{"productId":9,"quantity":1}`, nil)
	require.Equal(t, http.StatusCreated, status)
	assert.EqualValues(t, 1, decode[map[string]any](t, body)["id"])

	status, _, _ = f.call(t, http.MethodGet, "/_store/cart/1", "", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _, _ = f.call(t, http.MethodGet, "/_store/cart/abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _, _ = f.call(t, http.MethodGet, "/_store/wishlist", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _, _ = f.call(t, http.MethodPost, "/_store/favorites", `{"name":"no key"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, _ = f.call(t, http.MethodDelete, "/_store/favorites/p1", "", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _, _ = f.call(t, http.MethodGet, "/_store/favorites/p1", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _, _ = f.call(t, http.MethodDelete, "/_store/cart", "", nil)
	assert.Equal(t, http.StatusNoContent, status)
	_, _, body = f.call(t, http.MethodGet, "/_store/cart", "", nil)
	assert.Empty(t, decode[[]map[string]any](t, body))

	status, _, _ = f.call(t, http.MethodPut, "/_store/cart", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, status, "admin namespace never reaches the origin")
}

func TestLifecycleEvents(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/_sw/clients?url=" + url.QueryEscape(sf.URL+"/orders/7")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return f.s.clients.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	readNotice := func() lifecycle.Notice {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var n lifecycle.Notice
		require.NoError(t, conn.ReadJSON(&n))
		return n
	}

	status, _, body := f.call(t, http.MethodPost, "/_sw/push", `{"title":"Order shipped","url":"/orders/7"}`, nil)
	require.Equal(t, http.StatusOK, status)
	pushed := decode[struct {
		Notification lifecycle.Notification `json:"notification"`
		Delivered    int                    `json:"delivered"`
	}](t, body)
	assert.Equal(t, "Order shipped", pushed.Notification.Title)
	assert.Equal(t, 1, pushed.Delivered)
	assert.Equal(t, lifecycle.NoticePush, readNotice().Type)

	status, _, body = f.call(t, http.MethodPost, "/_sw/notificationclick", `{"url":"/orders/7"}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, lifecycle.NoticeFocus, decode[lifecycle.ClickResult](t, body).Action)
	assert.Equal(t, lifecycle.NoticeFocus, readNotice().Type)

	f.s.monitor.SetOnline(false)
	status, _, _ = f.call(t, http.MethodPost, "/_offline/actions", `{"type":"add_to_cart","data":{"product_id":5,"quantity":1}}`, nil)
	require.Equal(t, http.StatusCreated, status)

	status, _, body = f.call(t, http.MethodPost, "/_sw/sync", "", nil)
	require.Equal(t, http.StatusOK, status)
	synced := decode[struct {
		Handled bool          `json:"handled"`
		Result  syncer.Result `json:"result"`
	}](t, body)
	assert.True(t, synced.Handled)
	assert.Equal(t, syncer.Result{Synced: 1, Total: 1}, synced.Result)
	notice := readNotice()
	assert.Equal(t, lifecycle.NoticeSync, notice.Type)
	require.NotNil(t, notice.Sync)
	assert.Equal(t, 1, notice.Sync.Synced)

	status, _, body = f.call(t, http.MethodPost, "/_sw/sync", `{"tag":"periodic"}`, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, decode[map[string]any](t, body)["handled"])

	status, _, _ = f.call(t, http.MethodPost, "/_sw/message", `{"type":"CLAIM"}`, nil)
	assert.Equal(t, http.StatusBadRequest, status)
	status, _, _ = f.call(t, http.MethodPost, "/_sw/message", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _, body = f.call(t, http.MethodPost, "/_sw/install", "", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	status, _, body = f.call(t, http.MethodPost, "/_sw/message", `{"type":"SKIP_WAITING"}`, nil)
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, lifecycle.NoticeActivate, readNotice().Type)

	status, _, body = f.call(t, http.MethodGet, "/_sw/stats", "", nil)
	require.Equal(t, http.StatusOK, status)
	stats := decode[statsResponse](t, body)
	assert.Equal(t, lifecycle.StateActivated, stats.State)
	assert.Equal(t, 1, stats.Clients)
	assert.Contains(t, stats.Store, "offline_actions")
}

func TestInstall_FailsWithoutOfflinePage(t *testing.T) {
	sf := newStorefront(t)
	cfg := testConfig(t, sf)
	cfg.OfflinePage = "/not-there"
	f := newFixture(t, sf, cfg)

	require.NoError(t, f.s.Bootstrap(context.Background()), "a failed install does not stop the server")
	assert.Equal(t, lifecycle.StateNew, f.s.controller.State())

	status, _, _ := f.call(t, http.MethodPost, "/_sw/install", "", nil)
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestAuth_ProtectsAdminOnly(t *testing.T) {
	sf := newStorefront(t)
	cfg := testConfig(t, sf)
	cfg.AuthToken = "secret"
	f := newFixture(t, sf, cfg)

	f.token = ""
	status, _, _ := f.call(t, http.MethodGet, "/_sw/partitions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _, body := f.call(t, http.MethodGet, "/", "", navigate)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<h1>home</h1>", string(body))

	f.token = "secret"
	status, _, _ = f.call(t, http.MethodGet, "/_sw/partitions", "", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestGateway_OriginPagesAtServerNames(t *testing.T) {
	sf := newStorefront(t)
	f := newFixture(t, sf, testConfig(t, sf))

	status, _, body := f.call(t, http.MethodGet, "/health", "", navigate)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "<h1>our health range</h1>", string(body))

	status, _, body = f.call(t, http.MethodGet, "/_sw/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestRouteGroup(t *testing.T) {
	tests := map[string]string{
		"/_sw/health":       "internal",
		"/_sw/metrics":      "internal",
		"/_sw/stats":        "internal",
		"/health":           "gateway",
		"/stats":            "gateway",
		"/_sw/install":      "admin",
		"/_offline/actions": "admin",
		"/_store/cart/1":    "admin",
		"/":                 "gateway",
		"/api/stores":       "gateway",
		"/_swallow":         "gateway",
	}
	for path, want := range tests {
		assert.Equal(t, want, routeGroup(path), path)
	}
}

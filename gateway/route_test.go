package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) (*Router, Partitions) {
	t.Helper()
	p, err := NewPartitions("v3")
	require.NoError(t, err)
	origin, err := url.Parse("https://shop.example")
	require.NoError(t, err)
	return NewRouter(origin, p, "", nil), p
}

func TestNewPartitions(t *testing.T) {
	p, err := NewPartitions("2024.06")
	require.NoError(t, err)
	assert.Equal(t, []string{"app-shell-2024.06", "runtime-2024.06", "images-2024.06", "api-2024.06"}, p.Whitelist())
	assert.True(t, p.Contains("images-2024.06"))
	assert.False(t, p.Contains("images-2024.05"))

	p, err = NewPartitions("")
	require.NoError(t, err)
	assert.Equal(t, "api-"+DefaultVersion, p.API)

	_, err = NewPartitions("../v1")
	require.Error(t, err)
}

func TestRouter_Classify(t *testing.T) {
	rt, p := testRouter(t)

	tests := []struct {
		name      string
		method    string
		target    string
		header    map[string]string
		strategy  Strategy
		partition string
	}{
		{name: "post is never intercepted", method: http.MethodPost, target: "/api/cart", strategy: PassThrough},
		{name: "put image is never intercepted", method: http.MethodPut, target: "/logo.png", strategy: PassThrough},
		{name: "api prefix", target: "/api/products?page=2", strategy: StaleWhileRevalidate, partition: p.API},
		{name: "api root", target: "/api", strategy: StaleWhileRevalidate, partition: p.API},
		{name: "api wins over image extension", target: "/api/products/1/thumb.png", strategy: StaleWhileRevalidate, partition: p.API},
		{name: "image extension", target: "/uploads/shoe.JPG", strategy: CacheFirst, partition: p.Images},
		{name: "image destination", target: "/media/42", header: map[string]string{"Sec-Fetch-Dest": "image"}, strategy: CacheFirst, partition: p.Images},
		{name: "image accept", target: "/media/42", header: map[string]string{"Accept": "image/webp,*/*"}, strategy: CacheFirst, partition: p.Images},
		{name: "script", target: "/app.js", strategy: CacheFirst, partition: p.AppShell},
		{name: "font", target: "/fonts/inter.woff2", strategy: CacheFirst, partition: p.AppShell},
		{name: "icon", target: "/favicon.ico", strategy: CacheFirst, partition: p.AppShell},
		{name: "versioned build path", target: "/_next/static/chunks/abc", strategy: CacheFirst, partition: p.AppShell},
		{name: "navigation mode", target: "/stores/9", header: map[string]string{"Sec-Fetch-Mode": "navigate"}, strategy: NetworkFirstNav, partition: p.Runtime},
		{
			name:     "html accept",
			target:   "/cart",
			header:   map[string]string{"Accept": "text/html,application/xhtml+xml,image/avif,image/webp,*/*;q=0.8"},
			strategy: NetworkFirstNav, partition: p.Runtime,
		},
		{name: "everything else", target: "/manifest.json", strategy: NetworkFirst, partition: p.Runtime},
		{name: "same origin absolute", target: "https://shop.example/api/stores", strategy: StaleWhileRevalidate, partition: p.API},
		{name: "cross origin image", target: "https://media.example/p/1.webp", strategy: CacheFirst, partition: p.Images},
		{name: "cross origin api", target: "https://other.example/api/products", strategy: PassThrough},
		{name: "cross origin script", target: "https://cdn.example/lib.js", strategy: PassThrough},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method := tt.method
			if method == "" {
				method = http.MethodGet
			}
			req := httptest.NewRequest(method, tt.target, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}

			route := rt.Classify(req)
			assert.Equal(t, tt.strategy, route.Strategy)
			assert.Equal(t, tt.partition, route.Partition)
		})
	}
}

func TestRouter_OfflineCapable(t *testing.T) {
	rt, _ := testRouter(t)

	assert.True(t, rt.OfflineCapable("/"))
	assert.True(t, rt.OfflineCapable("/products"))
	assert.True(t, rt.OfflineCapable("/products/42"))
	assert.True(t, rt.OfflineCapable("/offline"))
	assert.False(t, rt.OfflineCapable("/productsale"))
	assert.False(t, rt.OfflineCapable("/checkout"))
	assert.False(t, rt.OfflineCapable("/admin/"))
}

func TestPrimaryMediaType(t *testing.T) {
	assert.Equal(t, "text/html", primaryMediaType("text/html,application/xhtml+xml"))
	assert.Equal(t, "image/avif", primaryMediaType("image/avif;q=0.9, */*"))
	assert.Equal(t, "", primaryMediaType(""))
}

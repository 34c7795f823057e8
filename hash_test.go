package storefront

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashString(t *testing.T) {
	// BLAKE3 hash of empty string
	h := HashBytes([]byte{})
	expected := "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262"
	require.Equal(t, expected, h.String())
}

func TestHashIsZero(t *testing.T) {
	var zero Hash
	require.True(t, zero.IsZero())
	require.False(t, HashBytes([]byte("test")).IsZero())
}

func TestHashMarshalText(t *testing.T) {
	h := HashBytes([]byte("cart"))
	b, err := json.Marshal(map[string]Hash{"digest": h})
	require.NoError(t, err)
	require.JSONEq(t, `{"digest":"`+h.String()+`"}`, string(b))
}

func TestRequestKey(t *testing.T) {
	t.Run("method is case insensitive", func(t *testing.T) {
		require.Equal(t,
			RequestKey("get", "https://shop.example/api/products"),
			RequestKey("GET", "https://shop.example/api/products"))
	})

	t.Run("fragment is ignored", func(t *testing.T) {
		require.Equal(t,
			RequestKey("GET", "https://shop.example/products#reviews"),
			RequestKey("GET", "https://shop.example/products"))
	})

	t.Run("host case is ignored", func(t *testing.T) {
		require.Equal(t,
			RequestKey("GET", "https://SHOP.example/cart"),
			RequestKey("GET", "https://shop.example/cart"))
	})

	t.Run("query string is significant", func(t *testing.T) {
		require.NotEqual(t,
			RequestKey("GET", "https://shop.example/api/products?page=1"),
			RequestKey("GET", "https://shop.example/api/products?page=2"))
	})

	t.Run("method is significant", func(t *testing.T) {
		require.NotEqual(t,
			RequestKey("GET", "https://shop.example/api/cart"),
			RequestKey("HEAD", "https://shop.example/api/cart"))
	})
}

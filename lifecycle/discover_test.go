package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoverAssets(t *testing.T) {
	assets, err := DiscoverAssets([]byte(offlineHTML), "https://shop.example/offline")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://shop.example/styles.css",
		"https://shop.example/favicon.ico",
		"https://shop.example/missing.css",
		"https://shop.example/app.js",
		"https://shop.example/logo.png",
	}, assets)
}

func TestDiscoverAssets_RelativeAndDuplicates(t *testing.T) {
	page := `<html><head>
<script src="js/main.js#v"></script>
<script src="./js/main.js"></script>
<link rel="Manifest" href="/site.webmanifest">
<link rel="alternate" href="/feed.xml">
</head><body><img src="//shop.example/img/a.png"><img src="http://shop.example/img/b.png"></body></html>`

	assets, err := DiscoverAssets([]byte(page), "https://shop.example/pages/offline")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://shop.example/pages/js/main.js",
		"https://shop.example/site.webmanifest",
		"https://shop.example/img/a.png",
	}, assets)
}

func TestDiscoverAssets_BadURL(t *testing.T) {
	_, err := DiscoverAssets([]byte("<html></html>"), "://bad")
	require.Error(t, err)
}

package gateway

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
)

// Strategy is how a request is answered.
type Strategy string

const (
	PassThrough          Strategy = "pass-through"
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkFirstNav      Strategy = "network-first-navigation"
	NetworkFirst         Strategy = "network-first"
)

// Route is the outcome of classifying a request.
type Route struct {
	Strategy  Strategy
	Partition string
	// CrossOrigin is set for absolute URLs on a host other than the origin.
	CrossOrigin bool
}

// DefaultAPIPrefix is the path prefix answered with stale-while-revalidate.
const DefaultAPIPrefix = "/api/"

// DefaultOfflinePage is the navigation fallback path.
const DefaultOfflinePage = "/offline"

// DefaultOfflineRoutes are the navigation paths cached for offline use.
var DefaultOfflineRoutes = []string{
	"/",
	"/stores",
	"/products",
	"/cart",
	"/favorites",
	"/orders",
	"/account",
	DefaultOfflinePage,
}

var imageExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".webp": true, ".svg": true, ".avif": true, ".bmp": true,
}

var staticExtensions = map[string]bool{
	".js": true, ".mjs": true, ".css": true, ".map": true,
	".woff": true, ".woff2": true, ".ttf": true, ".otf": true, ".eot": true,
	".ico": true,
}

var staticPrefixes = []string{"/_next/static/", "/static/"}

// Router classifies requests. The zero value is not usable; build one with
// NewRouter.
type Router struct {
	origin        *url.URL
	apiPrefix     string
	partitions    Partitions
	offlineRoutes []string
}

// NewRouter creates a router for origin.
func NewRouter(origin *url.URL, partitions Partitions, apiPrefix string, offlineRoutes []string) *Router {
	if apiPrefix == "" {
		apiPrefix = DefaultAPIPrefix
	}
	if offlineRoutes == nil {
		offlineRoutes = DefaultOfflineRoutes
	}
	return &Router{
		origin:        origin,
		apiPrefix:     apiPrefix,
		partitions:    partitions,
		offlineRoutes: offlineRoutes,
	}
}

// Classify picks the strategy for req. Rules are evaluated in order and the
// first match wins.
func (rt *Router) Classify(req *http.Request) Route {
	if req.Method != http.MethodGet {
		return Route{Strategy: PassThrough}
	}

	p := req.URL.Path
	if rt.crossOrigin(req.URL) {
		if isImage(req, p) {
			return Route{Strategy: CacheFirst, Partition: rt.partitions.Images, CrossOrigin: true}
		}
		return Route{Strategy: PassThrough, CrossOrigin: true}
	}

	switch {
	case isUnder(p, rt.apiPrefix):
		return Route{Strategy: StaleWhileRevalidate, Partition: rt.partitions.API}
	case isImage(req, p):
		return Route{Strategy: CacheFirst, Partition: rt.partitions.Images}
	case isStatic(p):
		return Route{Strategy: CacheFirst, Partition: rt.partitions.AppShell}
	case isNavigation(req):
		return Route{Strategy: NetworkFirstNav, Partition: rt.partitions.Runtime}
	default:
		return Route{Strategy: NetworkFirst, Partition: rt.partitions.Runtime}
	}
}

// OfflineCapable reports whether a navigation to p may be cached. "/" only
// matches itself; other routes match on a path segment boundary.
func (rt *Router) OfflineCapable(p string) bool {
	for _, r := range rt.offlineRoutes {
		if r == "/" {
			if p == "/" {
				return true
			}
			continue
		}
		if p == r || strings.HasPrefix(p, strings.TrimSuffix(r, "/")+"/") {
			return true
		}
	}
	return false
}

func (rt *Router) crossOrigin(u *url.URL) bool {
	if !u.IsAbs() || rt.origin == nil {
		return false
	}
	return !strings.EqualFold(u.Scheme, rt.origin.Scheme) || !strings.EqualFold(u.Host, rt.origin.Host)
}

func isUnder(p, prefix string) bool {
	return strings.HasPrefix(p, prefix) || p == strings.TrimSuffix(prefix, "/")
}

func isImage(req *http.Request, p string) bool {
	if req.Header.Get("Sec-Fetch-Dest") == "image" {
		return true
	}
	if strings.HasPrefix(primaryMediaType(req.Header.Get("Accept")), "image/") {
		return true
	}
	return imageExtensions[strings.ToLower(path.Ext(p))]
}

func isStatic(p string) bool {
	for _, prefix := range staticPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return staticExtensions[strings.ToLower(path.Ext(p))]
}

func isNavigation(req *http.Request) bool {
	if req.Header.Get("Sec-Fetch-Mode") == "navigate" {
		return true
	}
	return primaryMediaType(req.Header.Get("Accept")) == "text/html"
}

// primaryMediaType returns the first media type listed in an Accept header.
// Browsers list image types after text/html for page loads, so only the
// first entry identifies the request.
func primaryMediaType(accept string) string {
	first, _, _ := strings.Cut(accept, ",")
	mt, _, err := mime.ParseMediaType(strings.TrimSpace(first))
	if err != nil {
		return ""
	}
	return mt
}

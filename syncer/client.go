package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shery7378/multifront-sub002/telemetry"
)

const (
	// DefaultTimeout is the default timeout for API requests.
	DefaultTimeout = 30 * time.Second

	DefaultCartPath      = "/cart"
	DefaultFavoritesPath = "/favorites"
	DefaultProfilePath   = "/profile"

	// maxErrorBody bounds how much of a failed response is kept in StatusError.
	maxErrorBody = 4096
)

// StatusError is returned when the API answers with a non-2xx status.
type StatusError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: api returned %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// Client replays offline actions against the storefront REST API.
type Client struct {
	baseURL       string
	token         string
	client        *http.Client
	cartPath      string
	favoritesPath string
	profilePath   string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the API base URL, e.g. "https://shop.example/api".
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.client = client
	}
}

// WithBearerToken sets the bearer token sent with every request.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithEndpoints overrides the cart, favorites and profile paths. Empty
// values keep the defaults.
func WithEndpoints(cart, favorites, profile string) ClientOption {
	return func(c *Client) {
		if cart != "" {
			c.cartPath = cart
		}
		if favorites != "" {
			c.favoritesPath = favorites
		}
		if profile != "" {
			c.profilePath = profile
		}
	}
}

// NewClient creates a new API client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		cartPath:      DefaultCartPath,
		favoritesPath: DefaultFavoritesPath,
		profilePath:   DefaultProfilePath,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.client == nil {
		c.client = &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "api"),
		}
	}
	return c
}

// AddToCart posts a cart line.
func (c *Client) AddToCart(ctx context.Context, body json.RawMessage, idempotencyKey string) error {
	return c.Send(ctx, http.MethodPost, c.cartPath, body, idempotencyKey)
}

// AddToFavorites posts a favorite.
func (c *Client) AddToFavorites(ctx context.Context, body json.RawMessage, idempotencyKey string) error {
	return c.Send(ctx, http.MethodPost, c.favoritesPath, body, idempotencyKey)
}

// UpdateProfile puts profile fields.
func (c *Client) UpdateProfile(ctx context.Context, body json.RawMessage, idempotencyKey string) error {
	return c.Send(ctx, http.MethodPut, c.profilePath, body, idempotencyKey)
}

// Send issues one JSON request. The body is sent as is. Any 2xx status is
// success; other statuses return a *StatusError.
func (c *Client) Send(ctx context.Context, method, path string, body json.RawMessage, idempotencyKey string) error {
	url := c.baseURL + path

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

package telemetry

import (
	"errors"
	"io"
	"net/http"
	"sync"
	"time"
)

// InstrumentedTransport records an upstream fetch metric for every round trip
// to the storefront origin or API, and optionally reports reachability.
type InstrumentedTransport struct {
	base     http.RoundTripper
	upstream string
	observe  func(reachable bool)
}

// TransportOption configures an InstrumentedTransport.
type TransportOption func(*InstrumentedTransport)

// WithReachability registers fn to be told after every round trip whether the
// upstream answered. Transport errors and 5xx responses count as unreachable;
// cancellations by the caller are not reported.
func WithReachability(fn func(reachable bool)) TransportOption {
	return func(t *InstrumentedTransport) {
		t.observe = fn
	}
}

// NewInstrumentedTransport wraps base (http.DefaultTransport when nil) and
// labels its metrics with upstream.
func NewInstrumentedTransport(base http.RoundTripper, upstream string, opts ...TransportOption) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	t := &InstrumentedTransport{base: base, upstream: upstream}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// RoundTrip implements http.RoundTripper. Successful responses are recorded
// once their body is drained or closed, so the byte count is complete.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		if ctx.Err() != nil {
			RecordUpstreamFetch(ctx, t.upstream, time.Since(start), 0, "canceled")
			return nil, err
		}
		t.report(false)
		RecordUpstreamFetch(ctx, t.upstream, time.Since(start), 0, "error")
		return nil, err
	}

	t.report(resp.StatusCode < http.StatusInternalServerError)
	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		record: func(n int64) {
			RecordUpstreamFetch(ctx, t.upstream, time.Since(start), n, statusOutcome(resp.StatusCode))
		},
	}
	return resp, nil
}

func (t *InstrumentedTransport) report(reachable bool) {
	if t.observe != nil {
		t.observe(reachable)
	}
}

func statusOutcome(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// meteredBody counts bytes read and calls record once, at EOF or Close.
type meteredBody struct {
	io.ReadCloser
	n      int64
	once   sync.Once
	record func(n int64)
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	if errors.Is(err, io.EOF) {
		b.once.Do(func() { b.record(b.n) })
	}
	return n, err
}

func (b *meteredBody) Close() error {
	b.once.Do(func() { b.record(b.n) })
	return b.ReadCloser.Close()
}

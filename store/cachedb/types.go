// Package cachedb stores cached HTTP responses in named, versioned partitions
// backed by bbolt. A partition is a bucket; an entry is keyed by the BLAKE3
// digest of the request method and URL.
package cachedb

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrCacheMiss is returned when no entry matches a request.
	ErrCacheMiss = errors.New("cachedb: cache miss")

	// ErrNotCacheable is returned by Put for non-GET requests and non-2xx responses.
	ErrNotCacheable = errors.New("cachedb: response not cacheable")

	// ErrPartitionNotFound is returned when a named partition does not exist.
	ErrPartitionNotFound = errors.New("cachedb: partition not found")
)

// Entry is a cached response together with the request it answers.
type Entry struct {
	Method   string
	URL      string
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Cacheable reports whether the entry may be persisted: GET requests with a
// 2xx status only.
func (e *Entry) Cacheable() bool {
	return e.Method == http.MethodGet && e.Status >= 200 && e.Status < 300
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Response builds an *http.Response for req from the entry.
func (e *Entry) Response(req *http.Request) *http.Response {
	header := e.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.Status) + " " + http.StatusText(e.Status),
		StatusCode:    e.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

// NewEntry reads resp fully and returns an entry for it. The response body is
// replaced with an in-memory copy so the caller can still use resp.
func NewEntry(req *http.Request, resp *http.Response, now time.Time) (*Entry, error) {
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))

	header := resp.Header.Clone()
	// Hop-by-hop and length headers are recomputed when the entry is served.
	for _, h := range []string{"Connection", "Keep-Alive", "Transfer-Encoding", "Content-Length"} {
		header.Del(h)
	}

	return &Entry{
		Method:   req.Method,
		URL:      req.URL.String(),
		Status:   resp.StatusCode,
		Header:   header,
		Body:     body,
		StoredAt: now,
	}, nil
}

package cachedb

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	storefront "github.com/shery7378/multifront-sub002"
)

const (
	// CompressionThreshold is the minimum body size before compression is considered.
	// 2KB threshold - zstd overhead not worth it for smaller bodies.
	CompressionThreshold = 2048

	// MaxBodySize is the maximum response body size that will be cached.
	MaxBodySize = 10 * 1024 * 1024 // 10MB

	// MaxDecompressedSize is the hard cap during decompression to prevent compression bombs.
	MaxDecompressedSize = 10 * 1024 * 1024 // 10MB

	// CurrentEnvelopeVersion is the current envelope schema version.
	CurrentEnvelopeVersion = 1
)

var (
	// ErrPayloadTooLarge is returned when a body exceeds MaxBodySize.
	ErrPayloadTooLarge = errors.New("body exceeds maximum size")

	// ErrDecompressionBomb is returned when decompressed size exceeds limit.
	ErrDecompressionBomb = errors.New("decompressed body exceeds maximum size")

	// ErrCorrupted is returned when body digest verification fails.
	ErrCorrupted = errors.New("body digest mismatch")

	// ErrMalformedEnvelope is returned when the wire encoding cannot be parsed.
	ErrMalformedEnvelope = errors.New("malformed envelope")
)

// ContentEncoding identifies how an envelope body is stored.
type ContentEncoding uint64

const (
	EncodingIdentity ContentEncoding = 0
	EncodingZstd     ContentEncoding = 1
)

// Envelope field numbers. The layout is a protobuf message so it can be read
// by generic protobuf tooling:
//
//	message Envelope {
//	  uint32 version = 1;
//	  string method = 2;
//	  string url = 3;
//	  uint32 status = 4;
//	  repeated Header headers = 5; // message Header { string name = 1; string value = 2; }
//	  bytes body = 6;
//	  ContentEncoding encoding = 7;
//	  bytes digest = 8;     // BLAKE3 of the uncompressed body
//	  uint64 size = 9;      // uncompressed body size
//	  int64 stored_at = 10; // unix nanoseconds
//	}
const (
	fieldVersion  protowire.Number = 1
	fieldMethod   protowire.Number = 2
	fieldURL      protowire.Number = 3
	fieldStatus   protowire.Number = 4
	fieldHeader   protowire.Number = 5
	fieldBody     protowire.Number = 6
	fieldEncoding protowire.Number = 7
	fieldDigest   protowire.Number = 8
	fieldSize     protowire.Number = 9
	fieldStoredAt protowire.Number = 10

	fieldHeaderName  protowire.Number = 1
	fieldHeaderValue protowire.Number = 2
)

// Codec encodes entries into envelopes with optional zstd compression.
// Encoder and decoder are goroutine-safe and can be reused.
type Codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	mu      sync.RWMutex
}

// NewCodec creates a new codec with pooled zstd encoder/decoder.
func NewCodec() (*Codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Codec{
		encoder: enc,
		decoder: dec,
	}, nil
}

// Close releases encoder/decoder resources.
func (c *Codec) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder != nil {
		_ = c.encoder.Close()
		c.encoder = nil
	}
	if c.decoder != nil {
		c.decoder.Close()
		c.decoder = nil
	}
}

// Encode serialises an entry.
func (c *Codec) Encode(e *Entry) ([]byte, error) {
	if len(e.Body) > MaxBodySize {
		return nil, ErrPayloadTooLarge
	}

	body, encoding := c.compress(e.Body)
	digest := storefront.HashBytes(e.Body)

	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, CurrentEnvelopeVersion)
	b = protowire.AppendTag(b, fieldMethod, protowire.BytesType)
	b = protowire.AppendString(b, e.Method)
	b = protowire.AppendTag(b, fieldURL, protowire.BytesType)
	b = protowire.AppendString(b, e.URL)
	b = protowire.AppendTag(b, fieldStatus, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Status)) //nolint:gosec // status codes are small positive ints

	// Sorted for a deterministic encoding.
	names := make([]string, 0, len(e.Header))
	for name := range e.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range e.Header[name] {
			var h []byte
			h = protowire.AppendTag(h, fieldHeaderName, protowire.BytesType)
			h = protowire.AppendString(h, name)
			h = protowire.AppendTag(h, fieldHeaderValue, protowire.BytesType)
			h = protowire.AppendString(h, value)
			b = protowire.AppendTag(b, fieldHeader, protowire.BytesType)
			b = protowire.AppendBytes(b, h)
		}
	}

	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, body)
	b = protowire.AppendTag(b, fieldEncoding, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(encoding))
	b = protowire.AppendTag(b, fieldDigest, protowire.BytesType)
	b = protowire.AppendBytes(b, digest[:])
	b = protowire.AppendTag(b, fieldSize, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(len(e.Body)))
	b = protowire.AppendTag(b, fieldStoredAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.StoredAt.UnixNano())) //nolint:gosec // round-trips through int64
	return b, nil
}

// Decode parses an envelope, decompresses the body and verifies its digest.
func (c *Codec) Decode(data []byte) (*Entry, error) {
	e := &Entry{Header: http.Header{}}
	var (
		body     []byte
		encoding ContentEncoding
		digest   []byte
		size     uint64
	)

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldVersion || num == fieldStatus || num == fieldEncoding || num == fieldSize || num == fieldStoredAt):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldStatus:
				e.Status = int(v) //nolint:gosec // written from an int
			case fieldEncoding:
				encoding = ContentEncoding(v)
			case fieldSize:
				size = v
			case fieldStoredAt:
				e.StoredAt = time.Unix(0, int64(v)).UTC() //nolint:gosec // written from an int64
			}
		case typ == protowire.BytesType && (num == fieldMethod || num == fieldURL || num == fieldHeader || num == fieldBody || num == fieldDigest):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case fieldMethod:
				e.Method = string(v)
			case fieldURL:
				e.URL = string(v)
			case fieldHeader:
				name, value, err := decodeHeader(v)
				if err != nil {
					return nil, err
				}
				e.Header[name] = append(e.Header[name], value)
			case fieldBody:
				body = v
			case fieldDigest:
				digest = v
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	decoded, err := c.decompress(body, encoding, size)
	if err != nil {
		return nil, err
	}
	if len(digest) > 0 {
		sum := storefront.HashBytes(decoded)
		if string(sum[:]) != string(digest) {
			return nil, ErrCorrupted
		}
	}
	e.Body = decoded
	return e, nil
}

func decodeHeader(data []byte) (name, value string, err error) {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		data = data[n:]
		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return "", "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}
		v, n := protowire.ConsumeString(data)
		if n < 0 {
			return "", "", fmt.Errorf("%w: %v", ErrMalformedEnvelope, protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case fieldHeaderName:
			name = v
		case fieldHeaderValue:
			value = v
		}
	}
	return name, value, nil
}

func (c *Codec) compress(data []byte) ([]byte, ContentEncoding) {
	if len(data) < CompressionThreshold {
		return data, EncodingIdentity
	}

	c.mu.RLock()
	enc := c.encoder
	c.mu.RUnlock()

	if enc == nil {
		return data, EncodingIdentity
	}

	compressed := enc.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, EncodingIdentity
	}
	return compressed, EncodingZstd
}

func (c *Codec) decompress(payload []byte, encoding ContentEncoding, expectedSize uint64) ([]byte, error) {
	switch encoding {
	case EncodingIdentity:
		return append([]byte{}, payload...), nil
	case EncodingZstd:
	default:
		return nil, fmt.Errorf("unsupported encoding: %d", encoding)
	}

	if expectedSize > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}

	c.mu.RLock()
	dec := c.decoder
	c.mu.RUnlock()

	if dec == nil {
		return nil, errors.New("decoder not initialized")
	}

	decompressed, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing body: %w", err)
	}
	if uint64(len(decompressed)) > MaxDecompressedSize {
		return nil, ErrDecompressionBomb
	}
	return decompressed, nil
}

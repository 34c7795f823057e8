// Package storefront holds the identifiers shared by the offline cache gateway:
// BLAKE3 digests used as cache keys and body checksums.
package storefront

import (
	"encoding/hex"
	"net/url"
	"strings"

	"github.com/zeebo/blake3"
)

// HashSize is the digest length in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 digest. It keys cache entries and checksums their bodies.
type Hash [HashSize]byte

// String returns the hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h was never set.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalText encodes the hash as hex, so digests read naturally in JSON dumps.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// RequestKey returns the cache key for a request: the digest of the upper-cased
// method and the canonical URL. Fragments never reach the network, so they are
// dropped; everything else, including the query string, is significant.
func RequestKey(method, rawURL string) Hash {
	return HashBytes([]byte(strings.ToUpper(method) + " " + CanonicalURL(rawURL)))
}

// CanonicalURL strips the fragment and lower-cases scheme and host.
// Unparseable input is returned unchanged so it still keys consistently.
func CanonicalURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	return u.String()
}

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Cache stores raw provider responses
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

const keyPrefix = "thesiswatch:v1:"

// CacheKey derives a cache key from a request URL and any qualifiers
// (e.g. the declared user agent) that change the response.
func CacheKey(url string, qualifiers ...string) string {
	h := sha256.New()
	h.Write([]byte(url))
	if len(qualifiers) > 0 {
		h.Write([]byte("|" + strings.Join(qualifiers, "|")))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}

// Nop never stores anything; used when caching is disabled
type Nop struct{}

func (Nop) Get(string) ([]byte, bool) { return nil, false }
func (Nop) Set(string, []byte, time.Duration) error { return nil }
func (Nop) Delete(string) error { return nil }
func (Nop) Clear() error { return nil }

// Package cache stores backend responses keyed by a request
// fingerprint. Redis is the primary tier; an in-process LRU serves as
// fallback when Redis is unreachable.
package cache

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrCacheMiss is returned by Get when the key is absent or expired.
var ErrCacheMiss = errors.New("cache: miss")

// Entry is a cached backend response.
type Entry struct {
	StatusCode int                 `json:"statusCode"`
	Header     map[string][]string `json:"header,omitempty"`
	Body       []byte              `json:"body,omitempty"`
	StoredAt   time.Time           `json:"storedAt"`
}

// NewEntry captures a response for caching.
func NewEntry(status int, header http.Header, body []byte) *Entry {
	e := &Entry{
		StatusCode: status,
		Header:     make(map[string][]string, len(header)),
		Body:       body,
		StoredAt:   time.Now(),
	}
	for k, v := range header {
		e.Header[k] = append([]string(nil), v...)
	}
	return e
}

// Cache is a response store with per-entry TTLs.
type Cache interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

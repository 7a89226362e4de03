package proxy

import (
	"mime"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/nextcloud/app-api-sub001/pkg/metrics"
)

// Cache defaults
const (
	DefaultCacheTTL  = 3600 * time.Second
	DefaultCacheSize = 1024

	// maxCachedBody keeps large downloads out of memory
	maxCachedBody = 4 << 20
)

// cachedResponse is a relayed response kept for repeated GETs
type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// ResponseCache keeps static ExApp responses for a fixed TTL
type ResponseCache struct {
	lru *expirable.LRU[string, *cachedResponse]
	ttl time.Duration
}

// NewResponseCache creates a cache holding at most size responses for ttl
func NewResponseCache(size int, ttl time.Duration) *ResponseCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{
		lru: expirable.NewLRU[string, *cachedResponse](size, nil, ttl),
		ttl: ttl,
	}
}

// cacheKey scopes entries to the ExApp version and the caller, so an upgrade
// or a different user never sees a stale or foreign response
func cacheKey(app, version, userID, uri string) string {
	return app + "\x00" + version + "\x00" + userID + "\x00" + uri
}

func (c *ResponseCache) get(key string) (*cachedResponse, bool) {
	resp, ok := c.lru.Get(key)
	if ok {
		metrics.ProxyCacheHits.Inc()
	}
	return resp, ok
}

func (c *ResponseCache) add(key string, resp *cachedResponse) {
	c.lru.Add(key, resp)
}

// Len returns the number of live entries
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry
func (c *ResponseCache) Purge() {
	c.lru.Purge()
}

// cacheable reports whether a relayed response may carry a max-age and be
// kept. HTML never is, since every copy carries its own nonce.
func cacheable(isHTML bool, upstream http.Header) bool {
	if isHTML || upstream.Get("Cache-Control") != "" {
		return false
	}
	mediaType, _, _ := mime.ParseMediaType(upstream.Get("Content-Type"))
	switch mediaType {
	case "application/json", "application/x-tar":
		return false
	}
	return true
}

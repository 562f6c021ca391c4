package registry

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/tempochess/tempo/metrics"
)

// lobbyCacheSize bounds the number of distinct lobby pages kept hot.
const lobbyCacheSize = 64

// LobbyCache holds rendered lobby pages for a short TTL. It is purely an
// optimization: entries are purged on create and join, and expire on their
// own regardless, so a stale read is bounded by the TTL.
type LobbyCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewLobbyCache creates a cache whose entries expire after ttl.
func NewLobbyCache(ttl time.Duration) *LobbyCache {
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &LobbyCache{
		lru: expirable.NewLRU[string, []byte](lobbyCacheSize, nil, ttl),
	}
}

// Get returns the cached page for key, if present and fresh.
func (c *LobbyCache) Get(key string) ([]byte, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		metrics.LobbyCacheHits.Inc()
	} else {
		metrics.LobbyCacheMisses.Inc()
	}
	return v, ok
}

// Put stores a rendered page under key.
func (c *LobbyCache) Put(key string, page []byte) {
	c.lru.Add(key, page)
}

// Purge drops every entry; called whenever the lobby changes.
func (c *LobbyCache) Purge() {
	c.lru.Purge()
}

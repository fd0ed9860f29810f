package server

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// StatementCache is the per-server-connection LRU of installed prepared
// statement names, ported from pg_doorman's server/prepared_statements.rs
// add_to_cache/remove_from_cache/has helpers (there backed by lru::LruCache
// used as a set; here keyed by canonical hash with the assigned server
// name as the value, since callers need the name back).
type StatementCache struct {
	lru  *lru.Cache[uint64, string]
	size int
}

// NewStatementCache constructs a StatementCache bounded by the given pool
// policy size.
func NewStatementCache(size int) *StatementCache {
	if size <= 0 {
		size = 1
	}
	c, _ := lru.New[uint64, string](size)
	return &StatementCache{lru: c, size: size}
}

// Has reports whether canonicalHash is currently installed, returning its
// server-side name.
func (c *StatementCache) Has(canonicalHash uint64) (string, bool) {
	return c.lru.Get(canonicalHash)
}

// Add records canonicalHash as installed under name. If the cache is at
// capacity and canonicalHash is not already present, the oldest entry is
// evicted first and its name returned so the caller can emit
// Close('S', evictedName) to the server before the current Parse.
func (c *StatementCache) Add(canonicalHash uint64, name string) (evictedName string, evicted bool) {
	if c.lru.Contains(canonicalHash) {
		c.lru.Add(canonicalHash, name)
		return "", false
	}
	if c.lru.Len() >= c.size {
		if evKey, evVal, ok := c.lru.RemoveOldest(); ok && evKey != canonicalHash {
			c.lru.Add(canonicalHash, name)
			return evVal, true
		}
	}
	c.lru.Add(canonicalHash, name)
	return "", false
}

// Remove deletes canonicalHash from the installed set. A client
// Close('S', ...) does not call it: the session absorbs that Close and the
// statement stays installed for other sessions.
func (c *StatementCache) Remove(canonicalHash uint64) {
	c.lru.Remove(canonicalHash)
}

// Len returns the number of currently installed statements.
func (c *StatementCache) Len() int { return c.lru.Len() }

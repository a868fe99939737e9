package mmu

import (
	"log/slog"

	"github.com/pkg/errors"

	"ramparse/internal/dumperr"
)

// CacheStats reports translation cache usage.
type CacheStats struct {
	Entries int
	Hits    int
	Misses  int
}

type cacheEntry struct {
	phys uint64
	ok   bool
}

// Cache remembers the first answer given for each virtual address,
// including negative ones. Entries are never replaced.
type Cache struct {
	entries map[uint64]cacheEntry
	hits    int
	misses  int
}

func NewCache() *Cache {
	return &Cache{entries: make(map[uint64]cacheEntry)}
}

func (c *Cache) Stats() CacheStats {
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}

func (c *Cache) resolve(va uint64, useCache bool, translate func(uint64) (Mapping, error)) (uint64, bool) {
	if useCache {
		if e, ok := c.entries[va]; ok {
			c.hits++
			return e.phys, e.ok
		}
	}
	c.misses++

	var e cacheEntry
	m, err := translate(va)
	if err == nil {
		e = cacheEntry{phys: m.Resolve(va), ok: true}
	} else {
		var te *dumperr.TranslationError
		if errors.As(err, &te) {
			slog.Debug("Bad descriptor", "va", hexAddr(va), "level", te.Level, "raw", hexAddr(te.Raw), "reason", te.Reason)
		}
	}
	if _, seen := c.entries[va]; !seen {
		c.entries[va] = e
	}
	return e.phys, e.ok
}

// cached is embedded by every translator.
type cached struct {
	cache *Cache
}

func (c cached) CacheStats() CacheStats { return c.cache.Stats() }

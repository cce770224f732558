// Package idcache implements the per-peer recent-message-ID set used for
// replay detection: a message ID is accepted at most once within a
// tick-based expiry window.
package idcache

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kvikproto/kvik-go/internal/ktimer"
)

// Cache tracks recently seen (peer, id) pairs. An entry's net lifetime is
// between maxAge*timeUnit and (maxAge+1)*timeUnit.
type Cache struct {
	maxAge uint8
	mu     sync.Mutex
	tick   uint64
	byPeer map[string]map[uint64]map[uint16]struct{} // peer -> expiryTick -> ids
	timer  *ktimer.Timer
}

// New creates a cache that expires entries on a ticker of period timeUnit.
// maxAge must be >= 1. A nil clock uses the real wall clock.
func New(clk clock.Clock, timeUnit time.Duration, maxAge uint8) (*Cache, error) {
	if maxAge < 1 {
		return nil, fmt.Errorf("idcache: max age must be at least 1")
	}
	c := &Cache{
		maxAge: maxAge,
		byPeer: make(map[string]map[uint64]map[uint16]struct{}),
	}
	c.timer = ktimer.New(clk, timeUnit, c.onTick)
	return c, nil
}

// Insert records id as seen for addr. It returns false if the pair was
// already present (a duplicate / replay), true if it was newly inserted.
func (c *Cache) Insert(addr string, id uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	buckets, ok := c.byPeer[addr]
	if ok {
		for _, ids := range buckets {
			if _, dup := ids[id]; dup {
				return false
			}
		}
	} else {
		buckets = make(map[uint64]map[uint16]struct{})
		c.byPeer[addr] = buckets
	}

	expiry := c.tick + uint64(c.maxAge) + 1
	ids, ok := buckets[expiry]
	if !ok {
		ids = make(map[uint16]struct{})
		buckets[expiry] = ids
	}
	ids[id] = struct{}{}
	return true
}

func (c *Cache) onTick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tick++
	for addr, buckets := range c.byPeer {
		delete(buckets, c.tick)
		if len(buckets) == 0 {
			delete(c.byPeer, addr)
		}
	}
}

// Close stops the internal expiry timer.
func (c *Cache) Close() {
	c.timer.Stop()
}

package quote

import (
	"sync"
	"time"

	"github.com/luxfi/log"

	"github.com/yoniassia/etoroterminal-sub000/pkg/metrics"
)

// DefaultStaleAfter is how old a quote may grow before IsStale reports it.
const DefaultStaleAfter = 10 * time.Second

// CacheParams configures a Cache.
type CacheParams struct {
	// StaleAfter is the freshness threshold for IsStale.
	//
	// Defaults to DefaultStaleAfter.
	StaleAfter time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Callback receives the full merged quote after every write for the
// instrument it is registered on.
type Callback func(Quote)

// Cache is the single source of truth for the most recently known quote per
// instrument id, decoupled from how it was obtained. The polling path and
// the push path both write into it; UI-facing code only reads and
// subscribes.
//
// Writes and their fan-out are serialized: a later write's notifications
// always happen strictly after all notifications of the write that preceded
// it. Callbacks may read from the cache but must not write into it.
type Cache struct {
	p      CacheParams
	logger log.Logger

	// writeMu serializes write+notify sequences; mu guards the maps.
	writeMu sync.Mutex
	mu      sync.RWMutex
	quotes  map[int64]Quote
	subs    map[int64][]*subscription
}

type subscription struct {
	cb Callback
}

// NewCache creates an empty quote cache.
func NewCache(p CacheParams, logger log.Logger) *Cache {
	if p.StaleAfter <= 0 {
		p.StaleAfter = DefaultStaleAfter
	}
	if p.Now == nil {
		p.Now = time.Now
	}
	return &Cache{
		p:      p,
		logger: logger,
		quotes: make(map[int64]Quote),
		subs:   make(map[int64][]*subscription),
	}
}

// Write merges the update onto the stored quote for the instrument (creating
// it with zero-valued fields first if absent), stamps ReceivedAt, and
// synchronously notifies every subscriber for that instrument in
// registration order. A panicking subscriber is logged and skipped; it never
// prevents the remaining subscribers from being notified.
func (c *Cache) Write(instrumentID int64, u Update) Quote {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	q, ok := c.quotes[instrumentID]
	if !ok {
		q = Quote{InstrumentID: instrumentID}
	}
	u.apply(&q)
	now := c.p.Now()
	// ReceivedAt must never move backwards for an instrument.
	if now.Before(q.ReceivedAt) {
		now = q.ReceivedAt
	}
	q.ReceivedAt = now
	c.quotes[instrumentID] = q
	c.p.Metrics.RecordCacheWrite()
	subs := make([]*subscription, len(c.subs[instrumentID]))
	copy(subs, c.subs[instrumentID])
	c.mu.Unlock()

	for _, s := range subs {
		c.notify(s, q)
	}
	return q
}

func (c *Cache) notify(s *subscription, q Quote) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Quote subscriber panicked",
				"instrumentID", q.InstrumentID, "panic", r)
		}
	}()
	s.cb(q)
}

// Read returns the current stored quote, or false when nothing has been
// written for the instrument yet.
func (c *Cache) Read(instrumentID int64) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[instrumentID]
	return q, ok
}

// IsStale reports whether the instrument has no quote at all, or its last
// write is older than the freshness threshold. Staleness is advisory; it
// never evicts or re-fetches anything.
func (c *Cache) IsStale(instrumentID int64) bool {
	c.mu.RLock()
	q, ok := c.quotes[instrumentID]
	c.mu.RUnlock()
	stale := !ok || c.p.Now().Sub(q.ReceivedAt) > c.p.StaleAfter
	if stale {
		c.p.Metrics.RecordStaleRead()
	}
	return stale
}

// Subscribe registers a callback invoked on every future write for the
// instrument and returns its disposer. After the last callback for an
// instrument unsubscribes, no bookkeeping for that instrument remains.
func (c *Cache) Subscribe(instrumentID int64, cb Callback) func() {
	s := &subscription{cb: cb}
	c.mu.Lock()
	c.subs[instrumentID] = append(c.subs[instrumentID], s)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[instrumentID]
		for i, cur := range list {
			if cur == s {
				list = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(list) == 0 {
			delete(c.subs, instrumentID)
		} else {
			c.subs[instrumentID] = list
		}
	}
}

// SubscriberCount returns the number of registered callbacks for the
// instrument.
func (c *Cache) SubscriberCount(instrumentID int64) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.subs[instrumentID])
}

// Len returns the number of cached instruments.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.quotes)
}

// Clear drops every stored quote. It is the only removal path; staleness
// never deletes entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[int64]Quote)
}

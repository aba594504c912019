// Package cache holds the announcement cache: the set of identities that were
// greeted recently and must not be greeted again until their entry expires.
package cache

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	identity string
	at       time.Time
}

// Cache is a TTL set bounded to maxEntries. Entries are evicted oldest-inserted
// first when the bound is hit, regardless of their remaining TTL. Reads never
// extend an entry's lifetime. Safe for concurrent use.
type Cache struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	order *list.List               // front = oldest insertion
	index map[string]*list.Element // identity -> element in order
}

type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(ttl time.Duration, maxEntries int, opts ...Option) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	c := &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
		order:      list.New(),
		index:      make(map[string]*list.Element),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) live(e *entry, at time.Time) bool {
	return at.Before(e.at.Add(c.ttl))
}

// Contains reports whether identity has a live entry.
func (c *Cache) Contains(identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[identity]
	return ok && c.live(el.Value.(*entry), c.now())
}

// Put inserts identity with a fresh TTL. An existing entry is replaced and
// moves to the newest position.
func (c *Cache) Put(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.replaceLocked(identity, c.now())
}

// Claim is ClaimAt with the current time.
func (c *Cache) Claim(identity string) bool {
	return c.ClaimAt(identity, time.Time{})
}

// ClaimAt inserts identity as seen at the given time, unless an entry exists
// that is less than one TTL older than at (or newer than it). It reports
// whether it inserted. Workers pass the frame capture time, so a backlog of
// queued frames cannot reopen the window. A zero at means now.
func (c *Cache) ClaimAt(identity string, at time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if at.IsZero() {
		at = c.now()
	}
	if el, ok := c.index[identity]; ok && c.live(el.Value.(*entry), at) {
		return false
	}
	c.replaceLocked(identity, at)
	return true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return len(c.Identities())
}

// Identities returns live identities, oldest first.
func (c *Cache) Identities() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		if e := el.Value.(*entry); c.live(e, now) {
			out = append(out, e.identity)
		}
	}
	return out
}

func (c *Cache) replaceLocked(identity string, at time.Time) {
	if el, ok := c.index[identity]; ok {
		c.order.Remove(el)
		delete(c.index, identity)
	}
	if c.order.Len() >= c.maxEntries {
		c.expireLocked(c.now())
	}
	for c.order.Len() >= c.maxEntries {
		oldest := c.order.Front()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*entry).identity)
	}
	c.index[identity] = c.order.PushBack(&entry{identity: identity, at: at})
}

// expireLocked drops entries whose TTL has passed by now. Reads leave expired
// entries in place; they only go when room is needed.
func (c *Cache) expireLocked(now time.Time) {
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		if e := el.Value.(*entry); !c.live(e, now) {
			c.order.Remove(el)
			delete(c.index, e.identity)
		}
		el = next
	}
}

// Package cache is the in-memory result cache: fingerprint-keyed, TTL
// and LRU bounded, with a single-flight discipline so concurrent misses
// for one fingerprint cost exactly one model call.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/tenderpipe/internal/job"
	"github.com/local/tenderpipe/internal/metrics"
	"github.com/local/tenderpipe/internal/taskerr"
)

// Options bound the cache. Zero MaxEntries or MaxBytes disables that
// bound.
type Options struct {
	MaxEntries int
	MaxBytes   int64
	DefaultTTL time.Duration
}

type entry struct {
	fp       string
	res      *job.AIResult
	storedAt time.Time
	ttl      time.Duration
	cost     int
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) >= e.ttl
}

// Cache stores AIResults keyed by prompt fingerprint. All methods are
// safe for concurrent use. Stored results are never mutated, so a hit
// returns the stored value byte for byte.
type Cache struct {
	mu      sync.Mutex
	opts    Options
	ll      *list.List
	items   map[string]*list.Element
	bytes   int64
	flights map[string]*flight
}

func New(opts Options) *Cache {
	return &Cache{
		opts:    opts,
		ll:      list.New(),
		items:   make(map[string]*list.Element),
		flights: make(map[string]*flight),
	}
}

// Get returns the live entry for fp. Entries past their TTL are removed
// and reported absent.
func (c *Cache) Get(fp string) (*job.AIResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[fp]
	if !ok {
		metrics.CacheEvent("miss")
		return nil, false
	}
	ent := el.Value.(*entry)
	if ent.expired(time.Now()) {
		c.removeElement(el)
		metrics.CacheEvent("expire")
		return nil, false
	}
	c.ll.MoveToFront(el)
	metrics.CacheEvent("hit")
	return ent.res, true
}

// Put stores a result under fp. ttl <= 0 uses the default TTL.
func (c *Cache) Put(fp string, res *job.AIResult, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.putLocked(fp, res, ttl)
}

func (c *Cache) putLocked(fp string, res *job.AIResult, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	cost := res.Cost()
	if c.opts.MaxBytes > 0 && int64(cost) > c.opts.MaxBytes {
		log.Debug().Str("fingerprint", fp).Int("cost", cost).Msg("result larger than cache byte bound, not cached")
		return
	}

	if el, ok := c.items[fp]; ok {
		c.removeElement(el)
	}
	el := c.ll.PushFront(&entry{fp: fp, res: res, storedAt: time.Now(), ttl: ttl, cost: cost})
	c.items[fp] = el
	c.bytes += int64(cost)
	metrics.CacheEvent("store")

	for (c.opts.MaxEntries > 0 && c.ll.Len() > c.opts.MaxEntries) ||
		(c.opts.MaxBytes > 0 && c.bytes > c.opts.MaxBytes) {
		back := c.ll.Back()
		if back == nil || back == el {
			break
		}
		c.removeElement(back)
		metrics.CacheEvent("evict")
	}
}

func (c *Cache) removeElement(el *list.Element) {
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.items, ent.fp)
	c.bytes -= int64(ent.cost)
}

// Stats is a point-in-time view of cache occupancy.
type Stats struct {
	Entries  int   `json:"entries"`
	Bytes    int64 `json:"bytes"`
	InFlight int   `json:"in_flight"`
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.ll.Len(), Bytes: c.bytes, InFlight: len(c.flights)}
}

// waiter is one caller parked behind an in-flight fingerprint.
type waiter struct {
	promote chan struct{}
}

// flight is one in-progress computation for a fingerprint. The followers
// slice holds callers in arrival order; the oldest is promoted to leader
// if the current leader is cancelled.
type flight struct {
	followers []*waiter
	done      chan struct{}
	result    *job.AIResult
	err       error
}

// Do returns the cached result for fp or computes it via fn, guaranteeing
// at most one concurrent fn per fingerprint. A successful fn result is
// stored before anyone observes completion. The hit flag is true only for
// a TTL-cache hit; followers that shared a leader's result report false.
//
// Cancellation: a follower whose ctx trips leaves the flight and returns
// its own cancellation error. A leader whose ctx trips hands leadership
// to the oldest waiting follower, which reruns fn under its own ctx; with
// no followers the flight fails and late joiners start fresh.
func (c *Cache) Do(ctx context.Context, fp string, ttl time.Duration, fn func(context.Context) (*job.AIResult, error)) (*job.AIResult, bool, error) {
	if res, ok := c.Get(fp); ok {
		return res, true, nil
	}

	c.mu.Lock()
	f, exists := c.flights[fp]
	if !exists {
		f = &flight{done: make(chan struct{})}
		c.flights[fp] = f
		c.mu.Unlock()
		res, err := c.lead(ctx, fp, ttl, f, fn)
		return res, false, err
	}

	w := &waiter{promote: make(chan struct{})}
	f.followers = append(f.followers, w)
	c.mu.Unlock()
	metrics.CacheEvent("coalesced")

	select {
	case <-f.done:
		return f.result, false, f.err
	case <-w.promote:
		res, err := c.lead(ctx, fp, ttl, f, fn)
		return res, false, err
	case <-ctx.Done():
		if c.leaveFlight(f, w) {
			// Promotion raced our cancellation; we hold leadership now
			// and must pass it on. fn fails fast on a dead ctx.
			res, err := c.lead(ctx, fp, ttl, f, fn)
			return res, false, err
		}
		return nil, false, taskerr.FromContext("cache", ctx.Err())
	}
}

// lead runs fn as the flight's leader and settles the flight. On the
// leader's own cancellation the oldest follower takes over instead of the
// flight failing.
func (c *Cache) lead(ctx context.Context, fp string, ttl time.Duration, f *flight, fn func(context.Context) (*job.AIResult, error)) (*job.AIResult, error) {
	res, err := fn(ctx)

	if err != nil && ctx.Err() != nil {
		cancelErr := taskerr.FromContext("cache", ctx.Err())
		c.mu.Lock()
		if len(f.followers) > 0 {
			next := f.followers[0]
			f.followers = f.followers[1:]
			c.mu.Unlock()
			close(next.promote)
			log.Debug().Str("fingerprint", fp).Msg("cancelled leader handed flight to follower")
			return nil, cancelErr
		}
		delete(c.flights, fp)
		f.result, f.err = nil, cancelErr
		c.mu.Unlock()
		close(f.done)
		return nil, cancelErr
	}

	c.mu.Lock()
	delete(c.flights, fp)
	if err == nil {
		c.putLocked(fp, res, ttl)
	}
	f.result, f.err = res, err
	c.mu.Unlock()
	close(f.done)
	return res, err
}

// leaveFlight removes w from the flight's follower list. A waiter absent
// from the list was already promoted and is the leader whether it wants
// to be or not.
func (c *Cache) leaveFlight(f *flight, w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, candidate := range f.followers {
		if candidate == w {
			f.followers = append(f.followers[:i], f.followers[i+1:]...)
			return false
		}
	}
	return true
}

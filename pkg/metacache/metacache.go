// Package metacache caches remote resource attributes with TTL-based
// expiry and coalesces concurrent probes for the same target.
//
// Each target is in one of four states: unknown (never probed, or a
// transient failure forgot it), resolving (a probe is in flight),
// valid (attributes cached), invalid (a definite failure cached so a
// missing resource is not re-probed in a hot loop). Transient network
// failures are never cached: the entry returns to unknown and the next
// caller probes again.
package metacache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/higlass/simple-httpfs/internal/logging"
	"github.com/higlass/simple-httpfs/pkg/fetch"
	"github.com/higlass/simple-httpfs/pkg/fserr"
	"github.com/higlass/simple-httpfs/pkg/resolver"
)

// DefaultTTL bounds how long cached attributes, positive or negative,
// are served without re-validation.
const DefaultTTL = 60 * time.Second

// Prober establishes attributes for a target over the network.
type Prober interface {
	Probe(ctx context.Context, target resolver.Target) (fetch.Attributes, error)
}

type state int

const (
	stateUnknown state = iota
	stateResolving
	stateValid
	stateInvalid
)

// probe is a single in-flight resolution. Waiters block on done and
// then read attrs/err, which are written exactly once before close.
type probe struct {
	done  chan struct{}
	attrs fetch.Attributes
	err   error
}

type entry struct {
	state    state
	attrs    fetch.Attributes
	err      error
	expires  time.Time
	inflight *probe
}

// Cache coalesces and caches metadata probes. Safe for concurrent use.
type Cache struct {
	prober Prober
	ttl    time.Duration

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a cache backed by the given prober. A zero ttl means
// DefaultTTL.
func New(prober Prober, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		prober:  prober,
		ttl:     ttl,
		entries: make(map[string]*entry),
	}
}

// Attributes returns the cached attributes for target, probing the
// remote if the cache has no fresh answer. Concurrent callers for the
// same target share one probe. A cached definite failure (not-found,
// protocol error) is returned as its original error until it expires;
// transient failures are returned but never cached.
func (c *Cache) Attributes(ctx context.Context, target resolver.Target) (fetch.Attributes, error) {
	key := target.URL()

	c.mu.Lock()
	e := c.entries[key]
	if e == nil {
		e = &entry{}
		c.entries[key] = e
	}

	now := time.Now()
	switch e.state {
	case stateValid:
		if now.Before(e.expires) {
			attrs := e.attrs
			c.mu.Unlock()
			return attrs, nil
		}
		// Expired, re-probe below.
	case stateInvalid:
		if now.Before(e.expires) {
			err := e.err
			c.mu.Unlock()
			return fetch.Attributes{}, err
		}
	case stateResolving:
		p := e.inflight
		c.mu.Unlock()
		select {
		case <-ctx.Done():
			return fetch.Attributes{}, ctx.Err()
		case <-p.done:
			return p.attrs, p.err
		}
	}

	p := &probe{done: make(chan struct{})}
	e.state = stateResolving
	e.inflight = p
	c.mu.Unlock()

	// The probe outlives the caller that started it: other callers may
	// have joined it, and cancelling one request must not abort
	// theirs. The prober bounds its own requests with timeouts.
	go func() {
		attrs, err := c.prober.Probe(context.WithoutCancel(ctx), target)
		c.finish(key, p, attrs, err)
	}()

	select {
	case <-ctx.Done():
		return fetch.Attributes{}, ctx.Err()
	case <-p.done:
		return p.attrs, p.err
	}
}

// finish records the probe outcome and releases any waiters.
func (c *Cache) finish(key string, p *probe, attrs fetch.Attributes, err error) {
	p.attrs = attrs
	p.err = err

	c.mu.Lock()
	e := c.entries[key]
	if e != nil && e.inflight == p {
		e.inflight = nil
		switch {
		case err == nil:
			e.state = stateValid
			e.attrs = attrs
			e.err = nil
			e.expires = time.Now().Add(c.ttl)
		case fserr.Is(err, fserr.NotFound) || fserr.Is(err, fserr.Protocol):
			e.state = stateInvalid
			e.err = err
			e.expires = time.Now().Add(c.ttl)
			logging.Debug("caching negative probe result",
				zap.String("target", key),
				zap.Error(err))
		default:
			// Transient: forget the entry so the next caller retries.
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	close(p.done)
}

// Forget drops any cached state for target. In-flight probes still
// complete and deliver to their waiters.
func (c *Cache) Forget(target resolver.Target) {
	c.mu.Lock()
	e := c.entries[target.URL()]
	if e != nil && e.inflight == nil {
		delete(c.entries, target.URL())
	}
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

package binding

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sbc-server/pkg/metrics"
	"sbc-server/pkg/scheduler"
	"sbc-server/pkg/util"
)

// KeepAliver keeps a NAT pinhole towards one destination open
type KeepAliver interface {
	SetDestination(dest util.PeerAddress)
	Halt()
}

// KeepAliveFactory starts a keep-alive towards dest. It is called with
// the cache lock held and must not call back into the cache.
type KeepAliveFactory func(dest util.PeerAddress) KeepAliver

type entry struct {
	actual    util.PeerAddress
	expiresAt time.Time
	keepAlive KeepAliver
}

// Cache maps the address a UA claims to have (its reference address) to
// the address its packets actually arrive from. Entries expire
// expireWindow after their last update and are removed by a sweep that
// runs every refresh period.
type Cache struct {
	mu      sync.Mutex
	entries map[util.PeerAddress]*entry

	refreshPeriod time.Duration
	expireWindow  time.Duration
	now           func() time.Time
	keepAlives    KeepAliveFactory

	sweep  scheduler.Handle
	logger *logrus.Logger
}

// Option configures a Cache
type Option func(*Cache)

// WithClock overrides the time source used for expiry
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithKeepAlive makes the cache keep a keep-alive running towards the
// actual address of every live binding
func WithKeepAlive(factory KeepAliveFactory) Option {
	return func(c *Cache) { c.keepAlives = factory }
}

// New creates a cache and schedules its sweep every refreshPeriod
func New(refreshPeriod time.Duration, sched scheduler.Scheduler, logger *logrus.Logger, opts ...Option) *Cache {
	c := &Cache{
		entries:       make(map[util.PeerAddress]*entry),
		refreshPeriod: refreshPeriod,
		expireWindow:  refreshPeriod / 2,
		now:           time.Now,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(c)
	}

	if refreshPeriod > 0 {
		c.sweep = sched.ScheduleRepeating(refreshPeriod, func() { c.Sweep() })
	}

	logger.WithFields(logrus.Fields{
		"refresh_period": refreshPeriod,
		"expire_window":  c.expireWindow,
		"keep_alive":     c.keepAlives != nil,
	}).Info("Address binding cache initialized")
	return c
}

// UpdateBinding inserts, refreshes or replaces the binding of ref
func (c *Cache) UpdateBinding(ref, actual util.PeerAddress) {
	if ref.IsZero() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt := c.now().Add(c.expireWindow)
	e, ok := c.entries[ref]
	switch {
	case !ok:
		e = &entry{actual: actual, expiresAt: expiresAt}
		if c.keepAlives != nil {
			e.keepAlive = c.keepAlives(actual)
		}
		c.entries[ref] = e
		c.logger.WithFields(logrus.Fields{
			"reference": ref.String(),
			"actual":    actual.String(),
		}).Debug("New address binding")
	case e.actual != actual:
		c.logger.WithFields(logrus.Fields{
			"reference":  ref.String(),
			"old_actual": e.actual.String(),
			"actual":     actual.String(),
		}).Debug("Address binding changed")
		e.actual = actual
		e.expiresAt = expiresAt
		if e.keepAlive != nil {
			e.keepAlive.SetDestination(actual)
		}
	default:
		e.expiresAt = expiresAt
	}
	metrics.SetBindings(len(c.entries))
}

// RemoveBinding drops the binding of ref
func (c *Cache) RemoveBinding(ref util.PeerAddress) {
	if ref.IsZero() {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[ref]; ok {
		c.drop(ref, e)
	}
}

func (c *Cache) drop(ref util.PeerAddress, e *entry) {
	if e.keepAlive != nil {
		e.keepAlive.Halt()
	}
	delete(c.entries, ref)
	metrics.SetBindings(len(c.entries))
}

// Resolve returns the actual address bound to ref
func (c *Cache) Resolve(ref util.PeerAddress) (util.PeerAddress, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[ref]
	if !ok {
		return util.PeerAddress{}, false
	}
	return e.actual, true
}

// Size returns the number of live bindings
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// ReferenceAddresses returns a snapshot of the bound reference addresses
func (c *Cache) ReferenceAddresses() []util.PeerAddress {
	c.mu.Lock()
	defer c.mu.Unlock()
	refs := make([]util.PeerAddress, 0, len(c.entries))
	for ref := range c.entries {
		refs = append(refs, ref)
	}
	return refs
}

// Sweep removes every binding whose expiry time has passed and returns
// how many were removed
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for ref, e := range c.entries {
		if e.expiresAt.Before(now) {
			c.drop(ref, e)
			removed++
		}
	}
	if removed > 0 {
		c.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(c.entries),
		}).Debug("Expired address bindings removed")
	}
	return removed
}

// Close cancels the sweep and halts every keep-alive
func (c *Cache) Close() {
	if c.sweep != nil {
		c.sweep.Cancel()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, e := range c.entries {
		c.drop(ref, e)
	}
}

// Package grace decides whether a disappearance is a reconciliation
// move or a true removal. Each removed tracked node gets a bounded
// window: matched against newly added candidates it is restored;
// unmatched when the window closes it is declared lost after one final
// look at the live tree.
package grace

import (
	"sort"
	"time"

	"github.com/hazyhaar/domtrack/ident"
)

// DefaultPeriod is the disappearance window before a node is declared
// lost. Long enough to span slow framework re-renders, short enough
// that a truly removed control leaves the display quickly.
const DefaultPeriod = 2 * time.Second

// Entry is one node waiting out its grace period.
type Entry struct {
	ID     string
	FP     ident.Fingerprint
	LostAt time.Time
}

// Controller owns the searching set. It is driven entirely from the
// tracker loop; timers only signal on the expiry channel.
type Controller struct {
	period   time.Duration
	entries  map[string]*Entry
	timers   map[string]*time.Timer
	expiryCh chan string
}

// New creates a Controller. Zero period selects DefaultPeriod.
func New(period time.Duration) *Controller {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Controller{
		period:   period,
		entries:  make(map[string]*Entry),
		timers:   make(map[string]*time.Timer),
		expiryCh: make(chan string, 64),
	}
}

// Period returns the configured window.
func (c *Controller) Period() time.Duration { return c.period }

// ExpiryC delivers ids whose window closed. A delivered id may already
// have been resolved (timer fired concurrently with a match); Expire
// reports whether it is still pending.
func (c *Controller) ExpiryC() <-chan string { return c.expiryCh }

// Begin opens the window for a disappeared node.
func (c *Controller) Begin(id string, fp ident.Fingerprint, lostAt time.Time) {
	if _, dup := c.entries[id]; dup {
		return
	}
	c.entries[id] = &Entry{ID: id, FP: fp, LostAt: lostAt}
	c.timers[id] = time.AfterFunc(c.period, c.signal(id))
}

// resendDelay paces redelivery attempts when the expiry channel is full.
const resendDelay = 20 * time.Millisecond

// signal delivers id on the expiry channel. A full channel means the
// loop is far behind; the send re-arms until it lands so an entry can
// never stay searching with no pending signal. A signal that lands
// after the entry was matched is ignored by Expire.
func (c *Controller) signal(id string) func() {
	var fn func()
	fn = func() {
		select {
		case c.expiryCh <- id:
		default:
			time.AfterFunc(resendDelay, fn)
		}
	}
	return fn
}

// Searching returns the pending entries, oldest first, ties broken by
// id so match processing is deterministic.
func (c *Controller) Searching() []*Entry {
	out := make([]*Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LostAt.Equal(out[j].LostAt) {
			return out[i].LostAt.Before(out[j].LostAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Resolve cancels the window after a successful match. The timer is
// stopped the instant its node is matched.
func (c *Controller) Resolve(id string) {
	if t, ok := c.timers[id]; ok {
		t.Stop()
		delete(c.timers, id)
	}
	delete(c.entries, id)
}

// Expire removes and returns the entry if it is still pending. A false
// return means the node was matched before the timer's signal drained.
func (c *Controller) Expire(id string) (*Entry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	delete(c.timers, id)
	return e, true
}

// Len returns the number of pending entries.
func (c *Controller) Len() int { return len(c.entries) }

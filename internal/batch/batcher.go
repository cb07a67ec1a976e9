// Package batch coalesces raw mutation notifications into discrete
// processing rounds. A burst of framework reconciliation produces one
// flush, not one per mutation: each mutation re-arms a render-deferred
// trigger (two chained frame callbacks, to outlast a single
// reconciliation pass) while a fixed timeout bounds the wait for
// pathological mutation storms. Whichever trigger fires first flushes;
// the other is cancelled.
package batch

import (
	"time"

	"github.com/hazyhaar/domtrack/internal/dom"
)

// DefaultTimeout is the hard flush fallback.
const DefaultTimeout = 100 * time.Millisecond

// State is the batcher state machine position.
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateFlushScheduled
)

// Flush is one processing round: pending mutations partitioned for the
// grace controller and tracker core. Removals are resolved before
// additions, additions before plain updates.
type Flush struct {
	Removed []dom.Mutation
	Added   []dom.Mutation
	Changed []dom.Mutation
}

// Empty reports whether the flush carries nothing.
func (f Flush) Empty() bool {
	return len(f.Removed) == 0 && len(f.Added) == 0 && len(f.Changed) == 0
}

// FrameScheduler is the render-cycle deferral hook.
type FrameScheduler interface {
	OnNextFrame(fn func())
}

// Batcher implements the idle → collecting → flush-scheduled machine.
// All methods except the frame callback run on the tracker loop; the
// frame callback only sends on an internal channel.
type Batcher struct {
	frames  FrameScheduler
	timeout time.Duration

	state   State
	pending []dom.Mutation

	// gen invalidates in-flight frame deferrals: a frame trigger for a
	// stale generation is ignored by Frame.
	gen     uint64
	frameCh chan uint64

	timer  *time.Timer
	timerC <-chan time.Time
}

// New creates a Batcher deferring through frames, with the given hard
// timeout (DefaultTimeout when zero).
func New(frames FrameScheduler, timeout time.Duration) *Batcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Batcher{
		frames:  frames,
		timeout: timeout,
		frameCh: make(chan uint64, 16),
	}
}

// State returns the current machine state.
func (b *Batcher) State() State { return b.state }

// Pending returns the number of buffered mutations.
func (b *Batcher) Pending() int { return len(b.pending) }

// FrameC is the render-deferred trigger channel; pass received values
// to Frame.
func (b *Batcher) FrameC() <-chan uint64 { return b.frameCh }

// TimerC is the fallback timeout channel. Nil (blocking forever) while
// no flush is scheduled.
func (b *Batcher) TimerC() <-chan time.Time { return b.timerC }

// Add buffers a raw mutation and (re)schedules the flush triggers.
func (b *Batcher) Add(m dom.Mutation) {
	b.pending = append(b.pending, m)

	if b.state == StateIdle {
		b.state = StateCollecting
	}

	// Re-arm the frame deferral: two chained callbacks outlast one
	// framework reconciliation pass. Earlier deferrals go stale.
	b.gen++
	gen := b.gen
	b.frames.OnNextFrame(func() {
		b.frames.OnNextFrame(func() {
			// Keep the newest generation when the channel is full of
			// stale ones; dropping it would leave the flush unarmed.
			for {
				select {
				case b.frameCh <- gen:
					return
				default:
				}
				select {
				case <-b.frameCh:
				default:
				}
			}
		})
	})

	// The hard timeout is armed once per collecting cycle and is NOT
	// re-armed per mutation, so a storm cannot postpone it.
	if b.state == StateCollecting {
		b.timer = time.NewTimer(b.timeout)
		b.timerC = b.timer.C
		b.state = StateFlushScheduled
	}
}

// Frame handles a render-deferred trigger. Returns a flush when the
// trigger is current; stale generations return ok false.
func (b *Batcher) Frame(gen uint64) (Flush, bool) {
	if b.state != StateFlushScheduled || gen != b.gen {
		return Flush{}, false
	}
	return b.flush(), true
}

// Timeout handles the fallback timer firing.
func (b *Batcher) Timeout() (Flush, bool) {
	if b.state != StateFlushScheduled {
		return Flush{}, false
	}
	return b.flush(), true
}

// Drain flushes whatever is pending regardless of triggers. Used on
// stop so no observed mutation is silently dropped.
func (b *Batcher) Drain() (Flush, bool) {
	if len(b.pending) == 0 {
		return Flush{}, false
	}
	return b.flush(), true
}

// flush partitions pending mutations, cancels both triggers and resets
// to idle.
func (b *Batcher) flush() Flush {
	f := partition(b.pending)

	b.pending = nil
	b.gen++ // cancels any in-flight frame deferral
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.timerC = nil
	}
	b.state = StateIdle
	return f
}

// partition splits mutations into removed, added and changed sets.
// Changed mutations are coalesced per (element, kind, attribute): only
// the final value matters within one flush.
func partition(pending []dom.Mutation) Flush {
	var f Flush
	type changeKey struct {
		key  string
		kind dom.MutationKind
		attr string
	}
	lastChange := make(map[changeKey]int)

	for _, m := range pending {
		switch m.Kind {
		case dom.MutRemoved:
			f.Removed = append(f.Removed, m)
		case dom.MutAdded:
			f.Added = append(f.Added, m)
		case dom.MutAttr, dom.MutText:
			k := changeKey{key: m.Target.Key(), kind: m.Kind, attr: m.AttrName}
			if i, ok := lastChange[k]; ok {
				f.Changed[i] = m
				continue
			}
			lastChange[k] = len(f.Changed)
			f.Changed = append(f.Changed, m)
		}
	}
	return f
}

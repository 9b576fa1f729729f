package timeline

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Tick reports that the delay issued for Slot has elapsed. Pass it to
// Delays.Accept before acting on it.
type Tick struct {
	Slot  int
	token uint64
}

type pendingDelay struct {
	token uint64
	timer clockwork.Timer
}

// Delays issues cancellable delays keyed by slot. Every delay gets a fresh
// token; a tick whose token no longer matches its slot is stale and Accept
// drops it. Apart from the timer callbacks, a Delays value belongs to the
// single goroutine that reads C.
type Delays struct {
	clock   clockwork.Clock
	ticks   chan Tick
	done    <-chan struct{}
	next    uint64
	pending map[int]pendingDelay
}

// NewDelays creates a Delays whose timer callbacks give up once done closes.
func NewDelays(clock clockwork.Clock, done <-chan struct{}) *Delays {
	return &Delays{
		clock:   clock,
		ticks:   make(chan Tick, 64),
		done:    done,
		pending: make(map[int]pendingDelay),
	}
}

// C delivers ticks for elapsed delays.
func (d *Delays) C() <-chan Tick { return d.ticks }

// After issues a delay for slot, replacing any delay already pending there.
func (d *Delays) After(slot int, dur time.Duration) {
	d.Cancel(slot)
	d.next++
	tick := Tick{Slot: slot, token: d.next}
	timer := d.clock.AfterFunc(dur, func() {
		select {
		case d.ticks <- tick:
		case <-d.done:
		}
	})
	d.pending[slot] = pendingDelay{token: tick.token, timer: timer}
}

// Accept reports whether t belongs to the delay currently pending in its
// slot, and clears the slot if so.
func (d *Delays) Accept(t Tick) bool {
	p, ok := d.pending[t.Slot]
	if !ok || p.token != t.token {
		return false
	}
	delete(d.pending, t.Slot)
	return true
}

// Cancel drops the delay pending in slot, if any.
func (d *Delays) Cancel(slot int) {
	if p, ok := d.pending[slot]; ok {
		p.timer.Stop()
		delete(d.pending, slot)
	}
}

// CancelAll drops every pending delay.
func (d *Delays) CancelAll() {
	for slot, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, slot)
	}
}

// Pending returns the number of outstanding delays.
func (d *Delays) Pending() int { return len(d.pending) }

// ui/input_test.go
package ui

import (
	"testing"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/bus"
)

// harness drives the poller's step function with scripted samples.
type harness struct {
	p   *Poller
	sub *bus.Subscription
	now time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New(32)
	conn := b.NewConnection("test")
	sub := conn.Subscribe(bus.UIEventTopic())
	return &harness{
		p:   NewPoller(nil, conn, nil),
		sub: sub,
		now: time.Unix(1000, 0),
	}
}

func (h *harness) advance(d time.Duration, s LineState) {
	h.now = h.now.Add(d)
	h.p.step(s, h.now)
}

func (h *harness) events() []Event {
	var out []Event
	for {
		select {
		case m := <-h.sub.Channel():
			out = append(out, m.Payload.(Event))
			continue
		default:
		}
		return out
	}
}

// spinCW walks one full detent clockwise: 00 -> 10 -> 11 -> 01 -> 00.
func (h *harness) spinCW() {
	for _, s := range []LineState{{A: true}, {A: true, B: true}, {B: true}, {}} {
		h.advance(5*time.Millisecond, s)
	}
}

func (h *harness) spinCCW() {
	for _, s := range []LineState{{B: true}, {A: true, B: true}, {A: true}, {}} {
		h.advance(5*time.Millisecond, s)
	}
}

func TestRotateClockwise(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{}) // prime decoder
	h.spinCW()

	evs := h.events()
	if len(evs) != 1 || evs[0].Kind != RotateCW {
		t.Fatalf("events = %v", evs)
	}
}

func TestRotateCounterClockwise(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.spinCCW()

	evs := h.events()
	if len(evs) != 1 || evs[0].Kind != RotateCCW {
		t.Fatalf("events = %v", evs)
	}
}

func TestMultipleDetents(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.spinCW()
	h.spinCW()
	h.spinCW()

	evs := h.events()
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
}

func TestShortPress(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.advance(5*time.Millisecond, LineState{Pressed: true})
	h.advance(200*time.Millisecond, LineState{})

	evs := h.events()
	if len(evs) != 1 || evs[0].Kind != ShortPress {
		t.Fatalf("events = %v", evs)
	}
}

func TestBounceIgnored(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.advance(5*time.Millisecond, LineState{Pressed: true})
	h.advance(20*time.Millisecond, LineState{}) // released after 20 ms

	if evs := h.events(); len(evs) != 0 {
		t.Fatalf("events = %v", evs)
	}
}

func TestLongPressFiresAtThreshold(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.advance(5*time.Millisecond, LineState{Pressed: true})
	// Held exactly to the 1 s threshold: resolves long, not short.
	h.advance(time.Second, LineState{Pressed: true})

	evs := h.events()
	if len(evs) != 1 || evs[0].Kind != LongPress {
		t.Fatalf("events = %v", evs)
	}

	// Release after a long press emits nothing further.
	h.advance(100*time.Millisecond, LineState{})
	if evs := h.events(); len(evs) != 0 {
		t.Fatalf("release after long press: events = %v", evs)
	}
}

func TestPushAndTurnAdjusts(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.advance(5*time.Millisecond, LineState{Pressed: true})
	for _, s := range []LineState{
		{A: true, Pressed: true},
		{A: true, B: true, Pressed: true},
		{B: true, Pressed: true},
		{Pressed: true},
	} {
		h.advance(5*time.Millisecond, s)
	}
	h.advance(5*time.Millisecond, LineState{}) // release

	evs := h.events()
	if len(evs) != 1 || evs[0].Kind != AdjustCW {
		t.Fatalf("events = %v", evs)
	}
}

func TestPushAndTurnSuppressesLongPress(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.advance(5*time.Millisecond, LineState{Pressed: true})
	for _, s := range []LineState{
		{A: true, Pressed: true},
		{A: true, B: true, Pressed: true},
		{B: true, Pressed: true},
		{Pressed: true},
	} {
		h.advance(5*time.Millisecond, s)
	}
	h.advance(2*time.Second, LineState{Pressed: true}) // keep holding
	h.advance(5*time.Millisecond, LineState{})

	for _, ev := range h.events() {
		if ev.Kind == LongPress || ev.Kind == ShortPress {
			t.Fatalf("press event after push-and-turn: %v", ev)
		}
	}
}

func TestLongPressOnlyOnceWhileHeld(t *testing.T) {
	h := newHarness(t)
	h.advance(0, LineState{})
	h.advance(5*time.Millisecond, LineState{Pressed: true})
	for i := 0; i < 5; i++ {
		h.advance(time.Second, LineState{Pressed: true})
	}

	evs := h.events()
	if len(evs) != 1 {
		t.Fatalf("got %d long presses, want 1", len(evs))
	}
}

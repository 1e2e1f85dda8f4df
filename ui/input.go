// ui/input.go
package ui

import (
	"context"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/bus"
)

// EventKind is a high-level front-panel action.
type EventKind uint8

const (
	RotateCW EventKind = iota
	RotateCCW
	AdjustCW  // rotation while the button is held (push-and-turn)
	AdjustCCW
	ShortPress
	LongPress
)

func (k EventKind) String() string {
	switch k {
	case RotateCW:
		return "cw"
	case RotateCCW:
		return "ccw"
	case AdjustCW:
		return "adjust_cw"
	case AdjustCCW:
		return "adjust_ccw"
	case ShortPress:
		return "short_press"
	case LongPress:
		return "long_press"
	default:
		return "unknown"
	}
}

// Event is published on the bus UI topic.
type Event struct {
	Kind EventKind
	TS   time.Time
}

// LineState is one sample of the encoder lines and button.
type LineState struct {
	A, B    bool
	Pressed bool
}

// Sampler reads the raw GPIO lines. The chip driver lives outside the
// core; tests feed scripted samples.
type Sampler interface {
	Sample() (LineState, error)
}

const (
	pollInterval = 5 * time.Millisecond
	debounceMin  = 50 * time.Millisecond
	longPressMin = time.Second
)

// Poller owns the front-panel input task: quadrature decode of the
// rotary encoder plus press classification for its push-button.
type Poller struct {
	sampler Sampler
	conn    *bus.Connection
	beat    func(task string) // may be nil

	decoder quadDecoder
	pressed bool
	pressAt time.Time
	// A press consumed by long-press emission or push-and-turn must
	// not also classify on release.
	longSent bool
	turned   bool
}

func NewPoller(sampler Sampler, conn *bus.Connection, beat func(string)) *Poller {
	return &Poller{sampler: sampler, conn: conn, beat: beat}
}

// Start launches the poll loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	go func() {
		tick := time.NewTicker(pollInterval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-tick.C:
				if p.beat != nil {
					p.beat("input")
				}
				s, err := p.sampler.Sample()
				if err != nil {
					continue // transient; the line is re-read next tick
				}
				p.step(s, now)
			}
		}
	}()
}

// step advances decoding by one sample. Split out for tests.
func (p *Poller) step(s LineState, now time.Time) {
	if dir := p.decoder.feed(s.A, s.B); dir != 0 {
		var kind EventKind
		switch {
		case s.Pressed && dir > 0:
			kind = AdjustCW
		case s.Pressed && dir < 0:
			kind = AdjustCCW
		case dir > 0:
			kind = RotateCW
		default:
			kind = RotateCCW
		}
		if s.Pressed {
			p.turned = true
		}
		p.emit(Event{Kind: kind, TS: now})
	}

	switch {
	case s.Pressed && !p.pressed:
		p.pressed = true
		p.pressAt = now
		p.longSent = false
		p.turned = false
	case s.Pressed && p.pressed:
		if !p.longSent && !p.turned && now.Sub(p.pressAt) >= longPressMin {
			// Fire at the threshold so abort does not wait for the
			// release; the release is then swallowed.
			p.longSent = true
			p.emit(Event{Kind: LongPress, TS: now})
		}
	case !s.Pressed && p.pressed:
		p.pressed = false
		held := now.Sub(p.pressAt)
		if p.longSent || p.turned || held < debounceMin {
			return
		}
		p.emit(Event{Kind: ShortPress, TS: now})
	}
}

func (p *Poller) emit(ev Event) {
	p.conn.Publish(bus.UIEventTopic(), ev, false)
}

// quadDecoder turns 2-bit Gray-code transitions into detents. One
// detent is four valid quarter steps.
type quadDecoder struct {
	prev  uint8
	accum int8
	init  bool
}

// feed returns +1 (CW), -1 (CCW) or 0 per sample.
var quadDelta = [16]int8{
	// prev<<2 | curr
	0, -1, 1, 0,
	1, 0, 0, -1,
	-1, 0, 0, 1,
	0, 1, -1, 0,
}

func (q *quadDecoder) feed(a, b bool) int8 {
	curr := uint8(0)
	if a {
		curr |= 2
	}
	if b {
		curr |= 1
	}
	if !q.init {
		q.init = true
		q.prev = curr
		return 0
	}
	d := quadDelta[q.prev<<2|curr]
	q.prev = curr
	if d == 0 {
		return 0
	}
	q.accum += d
	switch {
	case q.accum >= 4:
		q.accum = 0
		return 1
	case q.accum <= -4:
		q.accum = 0
		return -1
	}
	return 0
}

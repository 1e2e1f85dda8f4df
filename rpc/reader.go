// rpc/reader.go
package rpc

import (
	"time"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/serialio"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

// readLoop owns one device's receive side: poll reads, line framing,
// response correlation, and the reconnect path on channel loss.
func (m *Multiplexer) readLoop(c *channel) {
	task := "rpc-rx-" + c.dev.String()
	scanner := serialio.NewLineScanner(types.MaxWireBytes)
	buf := make([]byte, 256)

	for {
		select {
		case <-m.stop:
			return
		default:
		}
		m.beat(task)

		port := c.getPort()
		if port == nil {
			return
		}
		// Port read timeout is <=10 ms, so this loop stays live for
		// heartbeats and shutdown even when the line is silent.
		n, err := port.Read(buf)
		if n > 0 {
			scanner.Feed(buf[:n], func(line string) {
				if line == "" {
					return
				}
				m.deliver(c, line)
			})
		}
		if err != nil {
			scanner.Reset()
			if !m.reconnect(c) {
				return
			}
		}
	}
}

// deliver parses one line and completes the matching in-flight entry.
func (m *Multiplexer) deliver(c *channel, line string) {
	resp, err := serialio.ParseResponse(line, time.Now())
	if err != nil {
		m.notify(types.Fault{
			Kind:    types.FaultSerialCrc,
			Message: c.dev.String() + ": " + err.Error(),
			Origin:  "rpc",
		})
		return
	}
	e := c.remove(resp.Token)
	if e == nil {
		// Token matches nothing in flight: stale or fabricated.
		return
	}
	e.ch <- Result{Resp: resp}
}

// reconnect fails all in-flight entries, then retries the dial with
// exponential backoff until the budget is spent. Returns false when
// the channel is declared permanently failed or shutdown began.
func (m *Multiplexer) reconnect(c *channel) bool {
	c.closePort()
	c.failAll(errcode.SerialIo)
	m.notify(types.Fault{
		Kind:    types.FaultSerialIo,
		Message: c.dev.String() + ": channel lost",
		Origin:  "rpc",
	})

	start := time.Now()
	delay := 100 * time.Millisecond
	for {
		elapsed := time.Since(start)
		if elapsed >= m.cfg.ReconnectBudget {
			break
		}
		// Never wait past the budget: the last attempt lands on it.
		if rem := m.cfg.ReconnectBudget - elapsed; delay > rem {
			delay = rem
		}
		// Wait in slices so the heartbeat stays live across long
		// backoff intervals.
		for waited := time.Duration(0); waited < delay; {
			slice := delay - waited
			if slice > 200*time.Millisecond {
				slice = 200 * time.Millisecond
			}
			select {
			case <-m.stop:
				return false
			case <-time.After(slice):
			}
			waited += slice
			m.beat("rpc-rx-" + c.dev.String())
		}

		port, err := m.cfg.Dialer(c.path)
		if err == nil {
			c.setPort(port)
			return true
		}
		delay *= 2
		if delay > m.cfg.ReconnectBudget {
			delay = m.cfg.ReconnectBudget
		}
	}

	c.failed.Store(true)
	m.notify(types.Fault{
		Kind:      types.FaultSerialIo,
		Message:   c.dev.String() + ": permanently unavailable",
		Origin:    "rpc",
		Permanent: true,
	})
	return false
}

// sweepLoop is the single monotonic timer task: every tick it expires
// in-flight entries whose deadline passed.
func (m *Multiplexer) sweepLoop() {
	tick := time.NewTicker(sweepTick)
	defer tick.Stop()
	lastBeat := time.Time{}

	for {
		select {
		case <-m.stop:
			return
		case now := <-tick.C:
			if now.Sub(lastBeat) >= 100*time.Millisecond {
				m.beat("rpc-timer")
				lastBeat = now
			}
			for _, dev := range types.Devices() {
				c := m.chans[dev]
				for _, e := range c.expire(now) {
					e.ch <- Result{Err: errcode.Timeout}
					m.notify(types.Fault{
						Kind:    types.FaultSerialTimeout,
						Message: dev.String() + ": deadline expired",
						Origin:  "rpc",
					})
				}
			}
		}
	}
}

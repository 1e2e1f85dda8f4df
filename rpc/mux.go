// rpc/mux.go
package rpc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/monitor"
	"github.com/AsherValentini/MiLO-Middleware/serialio"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

// Result is the terminal event of one dispatched Command: a matched
// Response, or an error code (timeout, cancelled, serial_io). Every
// dispatched command gets exactly one; a command refused before
// dispatch (channel_unavailable, not_connected) gets Send's error
// instead.
type Result struct {
	Resp types.Response
	Err  error
}

// Waiter delivers the single Result for one command.
type Waiter <-chan Result

// Config wires the multiplexer to its collaborators.
type Config struct {
	// Paths maps each device to its serial device node.
	Paths [types.DeviceCount]string

	// WithCRC appends CRC-16 framing to every outbound command.
	// Inbound CRC fields are verified whenever present; a response
	// line without one is accepted either way.
	WithCRC bool

	// Dialer opens one channel; defaults to serialio.Open.
	Dialer serialio.Dialer

	// ReconnectBudget bounds total reconnect wall-clock per loss.
	ReconnectBudget time.Duration

	Monitor *monitor.Monitor

	// Heartbeat publishes task liveness; may be nil.
	Heartbeat func(task string)
}

const (
	sweepTick   = time.Millisecond
	tokenWindow = 4096 // recently-used bitmap size, power of two
)

// Multiplexer owns one serial channel per device: command dispatch,
// response correlation, timeouts, reconnect.
type Multiplexer struct {
	cfg   Config
	chans [types.DeviceCount]*channel

	connected bool
	connMu    sync.Mutex

	stop chan struct{}
	wg   sync.WaitGroup
}

type channel struct {
	dev  types.Device
	path string

	// mu guards the in-flight table and token state. Never held
	// across a system call.
	mu       sync.Mutex
	inflight map[uint32]*entry
	next     uint32
	recent   [tokenWindow / 64]uint64

	// wmu serializes writers; one writer per device at a time.
	wmu  sync.Mutex
	wbuf []byte

	// pmu guards the port handle across reader and reconnect.
	pmu  sync.Mutex
	port serialio.Port

	failed atomic.Bool
}

type entry struct {
	deadline time.Time
	ch       chan Result
}

func New(cfg Config) *Multiplexer {
	if cfg.Dialer == nil {
		cfg.Dialer = serialio.Open
	}
	if cfg.ReconnectBudget <= 0 {
		cfg.ReconnectBudget = 5 * time.Second
	}
	m := &Multiplexer{cfg: cfg, stop: make(chan struct{})}
	for _, dev := range types.Devices() {
		m.chans[dev] = &channel{
			dev:      dev,
			path:     cfg.Paths[dev],
			inflight: make(map[uint32]*entry, 64),
			next:     1, // token 0 is reserved as "no token"
			wbuf:     make([]byte, 0, types.MaxWireBytes),
		}
	}
	return m
}

// Connect opens all channels and starts the reader and timer tasks.
// All-or-nothing: on any failure the already-opened channels are
// closed and the error names the device. Idempotent once connected.
func (m *Multiplexer) Connect() error {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.connected {
		return nil
	}
	select {
	case <-m.stop: // previous generation shut down; fresh stop channel
		m.stop = make(chan struct{})
	default:
	}

	var opened []*channel
	for _, dev := range types.Devices() {
		c := m.chans[dev]
		port, err := m.cfg.Dialer(c.path)
		if err != nil {
			for _, o := range opened {
				o.closePort()
			}
			return &errcode.E{C: errcode.SerialIo, Op: "rpc.connect", Msg: dev.String(), Err: err}
		}
		c.setPort(port)
		c.failed.Store(false)
		opened = append(opened, c)
	}

	for _, dev := range types.Devices() {
		c := m.chans[dev]
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.readLoop(c)
		}()
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.sweepLoop()
	}()

	m.connected = true
	return nil
}

// Send frames and dispatches a command, returning a Waiter for its
// terminal Result and the immutable Command value (token stamped).
// deadline is absolute; a deadline already passed expires on the next
// sweep tick.
func (m *Multiplexer) Send(dev types.Device, opcode string, args []string, deadline time.Time) (Waiter, types.Command, error) {
	m.connMu.Lock()
	connected := m.connected
	m.connMu.Unlock()
	if !connected {
		return nil, types.Command{}, errcode.NotConnected
	}
	if int(dev) >= types.DeviceCount {
		return nil, types.Command{}, errcode.UnknownDevice
	}
	c := m.chans[dev]
	if c.failed.Load() {
		return nil, types.Command{}, errcode.ChannelUnavailable
	}

	cmd := types.Command{
		Device:   dev,
		Opcode:   opcode,
		Args:     args,
		IssuedAt: time.Now(),
	}

	c.mu.Lock()
	token, ok := c.allocToken()
	if !ok {
		c.mu.Unlock()
		return nil, types.Command{}, errcode.Busy
	}
	cmd.Token = token
	e := &entry{deadline: deadline, ch: make(chan Result, 1)}
	c.inflight[token] = e
	c.mu.Unlock()

	// Frame and write outside the table lock; wmu keeps one writer
	// per device and owns the preallocated frame buffer.
	c.wmu.Lock()
	buf, err := serialio.AppendCommand(c.wbuf[:0], cmd, m.cfg.WithCRC)
	if err == nil {
		c.wbuf = buf[:0]
		err = c.write(buf)
	}
	c.wmu.Unlock()

	if err != nil {
		c.remove(token)
		m.notify(types.Fault{
			Kind:    types.FaultSerialIo,
			Message: "write " + dev.String() + ": " + err.Error(),
			Origin:  "rpc",
		})
		return nil, types.Command{}, err
	}
	return e.ch, cmd, nil
}

// AbortInFlight cancels all in-flight requests for a device, signaling
// each waiter with Cancelled.
func (m *Multiplexer) AbortInFlight(dev types.Device) {
	m.chans[dev].failAll(errcode.Cancelled)
}

// Shutdown aborts all in-flight requests and closes all channels.
func (m *Multiplexer) Shutdown() {
	m.connMu.Lock()
	if !m.connected {
		m.connMu.Unlock()
		return
	}
	m.connected = false
	close(m.stop)
	m.connMu.Unlock()

	for _, dev := range types.Devices() {
		c := m.chans[dev]
		c.failAll(errcode.Cancelled)
		c.closePort()
	}
	m.wg.Wait()
}

// ChannelFailed reports whether a device's channel is permanently down.
func (m *Multiplexer) ChannelFailed(dev types.Device) bool {
	return m.chans[dev].failed.Load()
}

func (m *Multiplexer) notify(f types.Fault) {
	if m.cfg.Monitor != nil {
		m.cfg.Monitor.Notify(f)
	}
}

func (m *Multiplexer) beat(task string) {
	if m.cfg.Heartbeat != nil {
		m.cfg.Heartbeat(task)
	}
}

// ---- channel internals ----

func (c *channel) setPort(p serialio.Port) {
	c.pmu.Lock()
	c.port = p
	c.pmu.Unlock()
}

func (c *channel) getPort() serialio.Port {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return c.port
}

func (c *channel) closePort() {
	c.pmu.Lock()
	if c.port != nil {
		c.port.Close()
		c.port = nil
	}
	c.pmu.Unlock()
}

func (c *channel) write(frame []byte) error {
	p := c.getPort()
	if p == nil {
		return errcode.ChannelUnavailable
	}
	total := 0
	for total < len(frame) {
		n, err := p.Write(frame[total:])
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

// allocToken hands out tokens monotonically modulo 2^32, skipping any
// whose bitmap slot is still occupied so a token cannot be reissued
// while its previous life is in flight.
func (c *channel) allocToken() (uint32, bool) {
	for i := 0; i < tokenWindow+1; i++ {
		t := c.next
		c.next++
		if t == 0 { // reserved
			continue
		}
		slot, bit := t%tokenWindow/64, uint64(1)<<(t%64)
		if c.recent[slot]&bit == 0 {
			c.recent[slot] |= bit
			return t, true
		}
	}
	return 0, false // window exhausted: caller backs off
}

func (c *channel) releaseToken(t uint32) {
	slot, bit := t%tokenWindow/64, uint64(1)<<(t%64)
	c.recent[slot] &^= bit
}

// remove takes the entry out of the table, releasing its token.
func (c *channel) remove(token uint32) *entry {
	c.mu.Lock()
	e := c.inflight[token]
	if e != nil {
		delete(c.inflight, token)
		c.releaseToken(token)
	}
	c.mu.Unlock()
	return e
}

// failAll terminates every in-flight entry with err.
func (c *channel) failAll(err error) {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.inflight))
	for token, e := range c.inflight {
		delete(c.inflight, token)
		c.releaseToken(token)
		entries = append(entries, e)
	}
	c.mu.Unlock()
	for _, e := range entries {
		e.ch <- Result{Err: err}
	}
}

// expire sweeps entries whose deadline has passed (a deadline equal to
// now counts as expired).
func (c *channel) expire(now time.Time) []*entry {
	c.mu.Lock()
	var out []*entry
	for token, e := range c.inflight {
		if !e.deadline.After(now) {
			delete(c.inflight, token)
			c.releaseToken(token)
			out = append(out, e)
		}
	}
	c.mu.Unlock()
	return out
}

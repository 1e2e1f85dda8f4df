// rpc/mux_test.go
package rpc

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/monitor"
	"github.com/AsherValentini/MiLO-Middleware/serialio"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

// fakePort scripts a peripheral: written frames are parsed and a
// reply function decides what comes back.
type fakePort struct {
	mu     sync.Mutex
	rx     []byte // bytes waiting to be Read
	closed bool
	fail   bool // next Read returns an error (unplug)

	// reply maps a written line to response lines; nil suppresses.
	reply func(line string) []string

	written []string
}

func newFakePort(reply func(line string) []string) *fakePort {
	return &fakePort{reply: reply}
}

func (p *fakePort) Read(buf []byte) (int, error) {
	deadline := time.Now().Add(10 * time.Millisecond)
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return 0, io.EOF
		}
		if p.fail {
			p.fail = false
			p.mu.Unlock()
			return 0, io.ErrUnexpectedEOF
		}
		if len(p.rx) > 0 {
			n := copy(buf, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()
		if time.Now().After(deadline) {
			return 0, nil // poll timeout
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	line := strings.TrimSuffix(string(b), "\r\n")
	p.written = append(p.written, line)
	if p.reply != nil {
		for _, r := range p.reply(line) {
			p.rx = append(p.rx, r...)
			p.rx = append(p.rx, '\r', '\n')
		}
	}
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) inject(lines ...string) {
	p.mu.Lock()
	for _, l := range lines {
		p.rx = append(p.rx, l...)
		p.rx = append(p.rx, '\r', '\n')
	}
	p.mu.Unlock()
}

// echoOK acknowledges every command with OK.
func echoOK(line string) []string {
	tok := strings.Fields(line)[0]
	return []string{tok + " OK"}
}

type fakeFleet struct {
	mu    sync.Mutex
	ports map[string]*fakePort
	reply func(line string) []string
	fails map[string]int // path -> remaining dial failures
}

func newFleet(reply func(string) []string) *fakeFleet {
	return &fakeFleet{ports: map[string]*fakePort{}, reply: reply, fails: map[string]int{}}
}

func (f *fakeFleet) dial(path string) (serialio.Port, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.fails[path]; n > 0 {
		f.fails[path] = n - 1
		return nil, errors.New("no such device")
	}
	p := newFakePort(f.reply)
	f.ports[path] = p
	return p, nil
}

func (f *fakeFleet) port(path string) *fakePort {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ports[path]
}

func testPaths() [types.DeviceCount]string {
	return [types.DeviceCount]string{"/dev/psu", "/dev/pulsegen", "/dev/pump"}
}

func newTestMux(t *testing.T, fleet *fakeFleet) (*Multiplexer, *monitor.Monitor) {
	t.Helper()
	mon := monitor.New()
	m := New(Config{
		Paths:           testPaths(),
		Dialer:          fleet.dial,
		ReconnectBudget: 300 * time.Millisecond,
		Monitor:         mon,
	})
	require.NoError(t, m.Connect())
	t.Cleanup(m.Shutdown)
	return m, mon
}

func awaitResult(t *testing.T, w Waiter) Result {
	t.Helper()
	select {
	case r := <-w:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no terminal event for command")
		return Result{}
	}
}

func TestSendReceivesMatchedResponse(t *testing.T) {
	fleet := newFleet(echoOK)
	m, _ := newTestMux(t, fleet)

	w, cmd, err := m.Send(types.PowerSupply, "enable", []string{"12.0"}, time.Now().Add(time.Second))
	require.NoError(t, err)

	r := awaitResult(t, w)
	require.NoError(t, r.Err)
	assert.Equal(t, cmd.Token, r.Resp.Token)
	assert.Equal(t, types.StatusOk, r.Resp.Status)
}

func TestTokensUniqueAndMonotonic(t *testing.T) {
	fleet := newFleet(nil) // never answers
	m, _ := newTestMux(t, fleet)

	seen := map[uint32]bool{}
	deadline := time.Now().Add(time.Minute)
	var waiters []Waiter
	var prev uint32
	for i := 0; i < 100; i++ {
		w, cmd, err := m.Send(types.Pump, "run", nil, deadline)
		require.NoError(t, err)
		require.False(t, seen[cmd.Token], "token %d reused in flight", cmd.Token)
		require.Greater(t, cmd.Token, prev, "tokens increase")
		prev = cmd.Token
		seen[cmd.Token] = true
		waiters = append(waiters, w)
	}
	m.AbortInFlight(types.Pump)
	for _, w := range waiters {
		r := awaitResult(t, w)
		assert.True(t, errors.Is(r.Err, errcode.Cancelled))
	}
}

func TestDeadlineExpiresWithTimeout(t *testing.T) {
	fleet := newFleet(nil)
	m, mon := newTestMux(t, fleet)

	w, _, err := m.Send(types.PulseGen, "fire", nil, time.Now().Add(30*time.Millisecond))
	require.NoError(t, err)

	r := awaitResult(t, w)
	assert.True(t, errors.Is(r.Err, errcode.Timeout))

	time.Sleep(10 * time.Millisecond)
	faults := mon.Drain()
	require.NotEmpty(t, faults)
	assert.Equal(t, types.FaultSerialTimeout, faults[0].Kind)
}

func TestDeadlineAlreadyPassedExpires(t *testing.T) {
	fleet := newFleet(nil)
	m, _ := newTestMux(t, fleet)

	w, _, err := m.Send(types.PulseGen, "fire", nil, time.Now())
	require.NoError(t, err)
	r := awaitResult(t, w)
	assert.True(t, errors.Is(r.Err, errcode.Timeout))
}

func TestCorruptLineReportsCrcFault(t *testing.T) {
	fleet := newFleet(nil)
	m, mon := newTestMux(t, fleet)

	w, _, err := m.Send(types.PowerSupply, "status", nil, time.Now().Add(500*time.Millisecond))
	require.NoError(t, err)

	fleet.port("/dev/psu").inject("garbage line *ZZZZ")
	// The bad line is dropped; the command still times out normally.
	r := awaitResult(t, w)
	assert.True(t, errors.Is(r.Err, errcode.Timeout))

	var kinds []types.FaultKind
	for _, f := range mon.Drain() {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, types.FaultSerialCrc)
}

func TestUnknownTokenIgnored(t *testing.T) {
	fleet := newFleet(nil)
	m, _ := newTestMux(t, fleet)

	w, cmd, err := m.Send(types.PowerSupply, "status", nil, time.Now().Add(time.Second))
	require.NoError(t, err)

	fleet.port("/dev/psu").inject("9999 OK", fmt.Sprintf("%d OK", cmd.Token))
	r := awaitResult(t, w)
	require.NoError(t, r.Err)
	assert.Equal(t, cmd.Token, r.Resp.Token)
}

func TestChannelLossFailsInFlightThenReconnects(t *testing.T) {
	fleet := newFleet(echoOK)
	m, mon := newTestMux(t, fleet)

	w, _, err := m.Send(types.Pump, "run", nil, time.Now().Add(5*time.Second))
	require.NoError(t, err)

	p := fleet.port("/dev/pump")
	p.mu.Lock()
	p.fail = true
	p.mu.Unlock()

	r := awaitResult(t, w)
	assert.True(t, errors.Is(r.Err, errcode.SerialIo))

	// Dialer succeeds immediately, so the channel comes back.
	require.Eventually(t, func() bool {
		w2, _, err := m.Send(types.Pump, "run", nil, time.Now().Add(time.Second))
		if err != nil {
			return false
		}
		r2 := awaitResult(t, w2)
		return r2.Err == nil && r2.Resp.Status == types.StatusOk
	}, 2*time.Second, 50*time.Millisecond)

	var kinds []types.FaultKind
	for _, f := range mon.Drain() {
		kinds = append(kinds, f.Kind)
	}
	assert.Contains(t, kinds, types.FaultSerialIo)
}

func TestReconnectBudgetExhaustedPermanentFailure(t *testing.T) {
	fleet := newFleet(echoOK)
	m, mon := newTestMux(t, fleet)

	fleet.mu.Lock()
	fleet.fails["/dev/pump"] = 1000 // dialer keeps failing
	fleet.mu.Unlock()

	p := fleet.port("/dev/pump")
	p.mu.Lock()
	p.fail = true
	p.mu.Unlock()

	require.Eventually(t, func() bool {
		return m.ChannelFailed(types.Pump)
	}, 3*time.Second, 20*time.Millisecond)

	_, _, err := m.Send(types.Pump, "run", nil, time.Now().Add(time.Second))
	assert.True(t, errors.Is(err, errcode.ChannelUnavailable))

	var permanent bool
	for _, f := range mon.Drain() {
		if f.Kind == types.FaultSerialIo && f.Permanent {
			permanent = true
		}
	}
	assert.True(t, permanent, "permanent failure escalated")

	// Other channels unaffected.
	w, _, err := m.Send(types.PowerSupply, "status", nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	r := awaitResult(t, w)
	assert.NoError(t, r.Err)
}

func TestConnectIdempotent(t *testing.T) {
	fleet := newFleet(echoOK)
	m, _ := newTestMux(t, fleet)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Connect())
	}
}

func TestConnectAllOrNothing(t *testing.T) {
	fleet := newFleet(echoOK)
	fleet.fails["/dev/pulsegen"] = 1

	mon := monitor.New()
	m := New(Config{Paths: testPaths(), Dialer: fleet.dial, Monitor: mon})
	err := m.Connect()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulsegen")

	// The PSU channel opened first must have been closed again.
	psu := fleet.port("/dev/psu")
	require.NotNil(t, psu)
	psu.mu.Lock()
	closed := psu.closed
	psu.mu.Unlock()
	assert.True(t, closed)
}

func TestSendAfterShutdown(t *testing.T) {
	fleet := newFleet(echoOK)
	mon := monitor.New()
	m := New(Config{Paths: testPaths(), Dialer: fleet.dial, Monitor: mon})
	require.NoError(t, m.Connect())
	m.Shutdown()

	_, _, err := m.Send(types.Pump, "run", nil, time.Now().Add(time.Second))
	assert.True(t, errors.Is(err, errcode.NotConnected))
}

func TestCRCNegotiatedFrames(t *testing.T) {
	fleet := newFleet(func(line string) []string {
		// Reply with a CRC-framed OK for the received token.
		tok := strings.Fields(line)[0]
		body := tok + " OK"
		crc := serialio.CRC16([]byte(body))
		return []string{fmt.Sprintf("%s *%04X", body, crc)}
	})
	mon := monitor.New()
	m := New(Config{Paths: testPaths(), Dialer: fleet.dial, Monitor: mon, WithCRC: true})
	require.NoError(t, m.Connect())
	t.Cleanup(m.Shutdown)

	w, _, err := m.Send(types.PowerSupply, "status", nil, time.Now().Add(time.Second))
	require.NoError(t, err)
	r := awaitResult(t, w)
	require.NoError(t, r.Err)
	assert.Equal(t, types.StatusOk, r.Resp.Status)

	// The outbound frame carried a CRC field.
	p := fleet.port("/dev/psu")
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.written)
	assert.Contains(t, p.written[0], " *")
}

// monitor/monitor.go
package monitor

import (
	"sync"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/ring"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

const (
	dedupWindow  = time.Second
	dedupEntries = 64
	queueDepth   = 64
)

type dedupEntry struct {
	kind     types.FaultKind
	message  string
	lastSeen time.Time
	count    uint64
}

// Monitor aggregates Fault values from any goroutine. Faults are
// deduplicated over a sliding window, queued on a bounded ring, and
// drained by the coordinator's tick loop. The monitor itself never
// runs supervisor code: reporting threads only enqueue and signal.
type Monitor struct {
	mu   sync.Mutex
	seen []dedupEntry // LRU, most recent last

	queue  *ring.Ring[types.Fault]
	signal chan struct{}
}

func New() *Monitor {
	return &Monitor{
		seen:   make([]dedupEntry, 0, dedupEntries),
		queue:  ring.New[types.Fault](queueDepth, ring.DropNewest),
		signal: make(chan struct{}, 1),
	}
}

// Notify records a fault. A fault is new if no fault with the same
// (kind, message) was observed within the last second; duplicates are
// counted but not re-escalated.
func (m *Monitor) Notify(f types.Fault) {
	if f.TS.IsZero() {
		f.TS = time.Now()
	}
	// The mutex serializes reporters, so the ring sees one producer.
	m.mu.Lock()
	if !m.admit(f) {
		m.mu.Unlock()
		return
	}
	// Queue overflow is recorded on the fault itself so the drained
	// batch carries the loss count for later inspection.
	f.Dropped = m.queue.Dropped()
	m.queue.TryPush(f)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// admit applies the dedup window; returns true when f escalates.
// Caller holds mu.
func (m *Monitor) admit(f types.Fault) bool {

	for i := range m.seen {
		e := &m.seen[i]
		if e.kind == f.Kind && e.message == f.Message {
			if f.TS.Sub(e.lastSeen) < dedupWindow {
				e.count++
				e.lastSeen = f.TS
				m.touch(i)
				return false
			}
			e.lastSeen = f.TS
			e.count = 1
			m.touch(i)
			return true
		}
	}

	if len(m.seen) == dedupEntries {
		copy(m.seen, m.seen[1:]) // evict least recently seen
		m.seen = m.seen[:dedupEntries-1]
	}
	m.seen = append(m.seen, dedupEntry{kind: f.Kind, message: f.Message, lastSeen: f.TS, count: 1})
	return true
}

// touch moves entry i to the most-recent position.
func (m *Monitor) touch(i int) {
	e := m.seen[i]
	copy(m.seen[i:], m.seen[i+1:])
	m.seen[len(m.seen)-1] = e
}

// DuplicateCount reports how many times (kind, message) has been seen
// in its current window. Zero when unknown.
func (m *Monitor) DuplicateCount(kind types.FaultKind, message string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.seen {
		if m.seen[i].kind == kind && m.seen[i].message == message {
			return m.seen[i].count
		}
	}
	return 0
}

// Signal fires (coalesced) whenever a fault escalates. The coordinator
// may also drain purely on its tick.
func (m *Monitor) Signal() <-chan struct{} { return m.signal }

// Drain removes and returns all queued faults. Called from the
// coordinator goroutine only.
func (m *Monitor) Drain() []types.Fault {
	var out []types.Fault
	for {
		f, ok := m.queue.TryPop()
		if !ok {
			return out
		}
		out = append(out, f)
	}
}

// Dropped is the total number of faults lost to queue overflow.
func (m *Monitor) Dropped() uint64 { return m.queue.Dropped() }

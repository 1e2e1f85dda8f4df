// logging/worker.go
package logging

import (
	"os"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/types"
)

// sink is the worker-owned file state. Everything here runs on the
// worker goroutine only.
type sink struct {
	l *Logger

	file     *os.File
	path     string
	degraded bool // storage failed; draining to nowhere
	pending  []byte
	unsynced int // bytes written since last flush

	lastFlush  time.Time
	lastReopen time.Time
}

func (l *Logger) workerLoop() {
	s := &sink{l: l, pending: make([]byte, 0, flushBytes)}

	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	lastDropReport := time.Now()

	for {
		select {
		case cmd := <-l.cmds:
			if s.handle(cmd) {
				return
			}

		case now := <-tick.C:
			l.beat()
			// Apply queued control first so a StartRun issued before
			// its events is in effect when they drain.
			for done := false; !done; {
				select {
				case cmd := <-l.cmds:
					if s.handle(cmd) {
						return
					}
				default:
					done = true
				}
			}
			s.drainBatch()

			if now.Sub(s.lastFlush) >= flushInterval || s.unsynced >= flushBytes {
				s.flush()
			}
			if s.degraded && now.Sub(s.lastReopen) >= reopenRetry {
				s.retryOpen()
			}
			if now.Sub(lastDropReport) >= dropReport {
				lastDropReport = now
				if d := l.queue.Dropped(); d > l.reported {
					delta := d - l.reported
					l.reported = d
					// Synthetic record so loss is visible in the trace.
					l.Log(types.LogEvent{
						Kind:    types.EvEventsDropped,
						Message: "dropped=" + itoa(delta),
					})
				}
			}
		}
	}
}

// handle applies one control command; true means stop.
func (s *sink) handle(cmd command) bool {
	switch cmd.kind {
	case cmdStartRun:
		s.openRun(cmd.run)
	case cmdFinishRun:
		s.drainAll()
		s.closeRun(cmd.outcome)
	case cmdStop:
		s.drainAll()
		s.flush()
		s.close()
		return true
	}
	return false
}

// drainBatch writes up to batchSize queued events.
func (s *sink) drainBatch() {
	for i := 0; i < batchSize; i++ {
		ev, ok := s.l.queue.TryPop()
		if !ok {
			return
		}
		s.writeEvent(ev)
	}
}

// drainAll empties the queue completely.
func (s *sink) drainAll() {
	for {
		ev, ok := s.l.queue.TryPop()
		if !ok {
			return
		}
		s.writeEvent(ev)
	}
}

func (s *sink) writeEvent(ev types.LogEvent) {
	if s.file == nil {
		return // before the first run or degraded: event is consumed unwritten
	}
	s.pending = appendCSV(s.pending[:0], ev)
	n, err := s.file.Write(s.pending)
	s.unsynced += n
	if err != nil {
		s.storageFailed(err)
	}
}

func (s *sink) flush() {
	s.lastFlush = time.Now()
	if s.file == nil {
		return
	}
	if err := s.file.Sync(); err != nil {
		s.storageFailed(err)
		return
	}
	s.unsynced = 0
	s.enforceQuota()
}

func (s *sink) openRun(run types.RunID) {
	s.close()
	// Make room before accepting the first write of the new run.
	s.enforceQuota()

	s.path = s.l.runFilePath(run)
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		s.storageFailed(err)
		return
	}
	s.file = f
	s.degraded = false
	if _, err := f.WriteString(csvHeader); err != nil {
		s.storageFailed(err)
		return
	}
	s.lastFlush = time.Now()
}

// closeRun seals the run in the manifest but keeps the file open so
// events between runs (parameter changes, idle-time faults) remain
// visible in the last trace. The next openRun or Stop closes it.
func (s *sink) closeRun(outcome types.Outcome) {
	s.flush()
	s.l.appendManifest(s.path, outcome)
}

func (s *sink) close() {
	if s.file != nil {
		s.file.Sync()
		s.file.Close()
		s.file = nil
	}
}

// storageFailed reports once and degrades to memory-only draining.
func (s *sink) storageFailed(err error) {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	if !s.degraded {
		s.degraded = true
		kind := types.FaultStorageMissing
		if isNoSpace(err) {
			kind = types.FaultStorageFull
		}
		s.l.notify(types.Fault{Kind: kind, Message: err.Error()})
	}
	s.lastReopen = time.Now()
}

// retryOpen attempts to resume the current run file after a failure.
func (s *sink) retryOpen() {
	s.lastReopen = time.Now()
	if s.path == "" {
		return
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	s.file = f
	s.degraded = false
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// logging/logger.go
package logging

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/monitor"
	"github.com/AsherValentini/MiLO-Middleware/ring"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

const (
	queueDepth    = 4096
	batchSize     = 64
	flushInterval = 100 * time.Millisecond
	flushBytes    = 4 * 1024
	dropReport    = time.Second
	reopenRetry   = time.Second

	// DefaultQuota bounds the logs directory on removable storage.
	DefaultQuota = 512 << 20
)

// Config for the run-event logger.
type Config struct {
	Dir        string // logs directory
	QuotaBytes int64  // 0 means DefaultQuota
	Monitor    *monitor.Monitor
	Heartbeat  func(task string) // may be nil

	// now is swappable for tests.
	now func() time.Time
}

// Logger consumes LogEvents from a bounded ring on its own worker
// goroutine and writes the CSV run trace. Log never blocks and never
// fails; loss is surfaced through the dropped-event counter.
type Logger struct {
	cfg   Config
	queue *ring.Ring[types.LogEvent]
	cmds  chan command

	// pushMu serializes producers: the ring admits one pusher at a
	// time and Log is called from every component.
	pushMu sync.Mutex

	start   time.Time // monotonic epoch
	run     atomic.Value // types.RunID
	state   atomic.Int32
	stopped atomic.Bool

	reported uint64 // dropped count already surfaced

	wg   sync.WaitGroup
	once sync.Once
}

type cmdKind uint8

const (
	cmdStartRun cmdKind = iota
	cmdFinishRun
	cmdStop
)

type command struct {
	kind    cmdKind
	run     types.RunID
	outcome types.Outcome
}

func New(cfg Config) *Logger {
	if cfg.QuotaBytes <= 0 {
		cfg.QuotaBytes = DefaultQuota
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	l := &Logger{
		cfg:   cfg,
		queue: ring.New[types.LogEvent](queueDepth, ring.DropNewest),
		cmds:  make(chan command, 8),
		start: time.Now(),
	}
	l.run.Store(types.RunID(""))
	return l
}

// Start launches the worker. Returns an error only when the logs
// directory cannot be created at boot.
func (l *Logger) Start() error {
	if err := os.MkdirAll(l.cfg.Dir, 0o755); err != nil {
		return err
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
	return nil
}

// SetState records the coordinator state stamped onto each event.
func (l *Logger) SetState(s types.SystemState) { l.state.Store(int32(s)) }

// Log enqueues one event, stamping timestamps, run and state. It never
// waits for queue space; on a full queue the event is counted as
// dropped. Only the push itself is held under pushMu.
func (l *Logger) Log(ev types.LogEvent) {
	if l.stopped.Load() {
		return
	}
	ev.Mono = time.Since(l.start).Nanoseconds()
	ev.Wall = l.cfg.now()
	ev.Run = l.run.Load().(types.RunID)
	ev.State = types.SystemState(l.state.Load())
	ev.Message = types.SanitizeMessage(ev.Message)
	l.pushMu.Lock()
	l.queue.TryPush(ev)
	l.pushMu.Unlock()
}

// Dropped is the number of events lost to queue overflow so far.
func (l *Logger) Dropped() uint64 { return l.queue.Dropped() }

// StartRun opens a fresh run file named after the wall clock and run
// id, and makes run the stamp for subsequent events.
func (l *Logger) StartRun(run types.RunID) {
	l.run.Store(run)
	l.cmds <- command{kind: cmdStartRun, run: run}
	l.Log(types.LogEvent{Kind: types.EvRunStart, Message: run.String()})
}

// FinishRun records the terminating event; once the queue drains, the
// run file is flushed and the run is added to the manifest. The file
// stays open for later events until the next StartRun or Stop.
func (l *Logger) FinishRun(outcome types.Outcome) {
	msg := outcome.Kind.String()
	if outcome.Reason != "" {
		msg += ": " + outcome.Reason
	}
	l.Log(types.LogEvent{Kind: types.EvRunEnd, Message: msg})
	l.cmds <- command{kind: cmdFinishRun, outcome: outcome}
}

// Stop drains the queue fully, flushes, closes the file and joins the
// worker.
func (l *Logger) Stop() {
	l.once.Do(func() {
		l.stopped.Store(true)
		l.cmds <- command{kind: cmdStop}
		l.wg.Wait()
	})
}

func (l *Logger) notify(f types.Fault) {
	if l.cfg.Monitor != nil {
		f.Origin = "logger"
		l.cfg.Monitor.Notify(f)
	}
}

func (l *Logger) beat() {
	if l.cfg.Heartbeat != nil {
		l.cfg.Heartbeat("logger")
	}
}

func (l *Logger) runFilePath(run types.RunID) string {
	name := l.cfg.now().UTC().Format(time.RFC3339) + "_" + run.String() + ".csv"
	return filepath.Join(l.cfg.Dir, name)
}

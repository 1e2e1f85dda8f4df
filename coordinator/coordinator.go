// coordinator/coordinator.go
package coordinator

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AsherValentini/MiLO-Middleware/bus"
	"github.com/AsherValentini/MiLO-Middleware/config"
	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/logging"
	"github.com/AsherValentini/MiLO-Middleware/monitor"
	"github.com/AsherValentini/MiLO-Middleware/params"
	"github.com/AsherValentini/MiLO-Middleware/protocol"
	"github.com/AsherValentini/MiLO-Middleware/rpc"
	"github.com/AsherValentini/MiLO-Middleware/serialio"
	"github.com/AsherValentini/MiLO-Middleware/types"
	"github.com/AsherValentini/MiLO-Middleware/ui"
)

const (
	tickInterval  = 100 * time.Millisecond
	hbCheckEvery  = time.Second
	hbStaleAfter  = 3 * time.Second
	abortDeadline = 5 * time.Second
)

// Options wires the coordinator to its environment. A nil Dialer
// defaults to the real serial ports; a nil Sampler means no input task
// and a nil Display means nothing is rendered (headless). Tests inject
// fakes.
type Options struct {
	Cfg     *config.Config
	Root    string // storage root; logs default to <root>/logs
	Dialer  serialio.Dialer
	Sampler ui.Sampler
	Display ui.Display
	Diag    *logrus.Logger
}

// Coordinator is the supervisor: it owns every subsystem, runs the
// lifecycle state machine on a single goroutine, and is the only
// place state transitions happen.
type Coordinator struct {
	cfg  *config.Config
	opts Options
	diag *logrus.Logger

	bus    *bus.Bus
	conn   *bus.Connection
	store  *params.Store
	mon    *monitor.Monitor
	mux    *rpc.Multiplexer
	logger *logging.Logger
	poller *ui.Poller

	state    types.SystemState
	engine   *protocol.Engine
	run      types.RunID
	selected int
	staged   map[types.Parameter]float64 // mid-run operator adjustments
	stepName atomic.Value // string; written by the engine's event tee
	reason   string       // shown in the error state

	// errorPending defers the Error transition until a cancelled
	// engine has delivered its outcome.
	errorPending bool

	inputCancel context.CancelFunc
	uiSub       *bus.Subscription

	lastHBCheck time.Time
}

// hbTasks are the supervised background tasks. Readers for a
// permanently failed channel are excluded at check time.
func hbTasks() []string {
	out := []string{"logger", "input", "rpc-timer"}
	for _, dev := range types.Devices() {
		out = append(out, "rpc-rx-"+dev.String())
	}
	return out
}

func New(opts Options) *Coordinator {
	if opts.Diag == nil {
		opts.Diag = logrus.StandardLogger()
	}
	c := &Coordinator{
		cfg:    opts.Cfg,
		opts:   opts,
		diag:   opts.Diag,
		bus:    bus.New(32),
		store:  params.New(),
		mon:    monitor.New(),
		state:  types.StateBoot,
		staged: map[types.Parameter]float64{},
	}
	c.conn = c.bus.NewConnection("coordinator")
	c.stepName.Store("")
	return c
}

// Store exposes the parameter store (shared with input and engine).
func (c *Coordinator) Store() *params.Store { return c.store }

// Bus exposes the fan-out fabric: state broadcast, heartbeats, UI
// events.
func (c *Coordinator) Bus() *bus.Bus { return c.bus }

// beat publishes a retained heartbeat for task. Called from the
// background tasks themselves.
func (c *Coordinator) beat(task string) {
	c.conn.Publish(bus.HeartbeatTopic(task), time.Now(), true)
}

// Run drives the whole lifecycle: boot, the main loop, shutdown.
// reload delivers re-validated configs on SIGHUP. The returned error
// is nil on clean shutdown; boot failures carry an errcode the caller
// maps to an exit code.
func (c *Coordinator) Run(ctx context.Context, reload <-chan *config.Config) error {
	c.setState(types.StateBoot)
	if err := c.boot(ctx); err != nil {
		c.diag.WithError(err).Error("boot failed")
		c.setState(types.StateError)
		if c.logger != nil {
			c.logger.Stop()
		}
		return err
	}
	c.setState(types.StateIdle)

	tick := time.NewTicker(tickInterval)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil

		case cfg := <-reload:
			c.handleReload(cfg)

		case <-c.mon.Signal():
			c.drainFaults()

		case m := <-c.uiSub.Channel():
			if ev, ok := m.Payload.(ui.Event); ok {
				c.handleUI(ev)
			}

		case out := <-c.engineDone():
			c.handleOutcome(out)

		case now := <-tick.C:
			c.drainFaults()
			if now.Sub(c.lastHBCheck) >= hbCheckEvery {
				c.lastHBCheck = now
				c.checkHeartbeats(now)
			}
			c.refreshDisplay()
		}
	}
}

// boot performs Boot -> Init: storage, parameter defaults, serial
// channels, the input task. The display is refreshed from the main
// loop's tick, not by a task of its own.
func (c *Coordinator) boot(ctx context.Context) error {
	c.setState(types.StateInit)

	logDir := c.cfg.LogDir
	if logDir == "" {
		logDir = filepath.Join(c.opts.Root, "logs")
	}
	c.logger = logging.New(logging.Config{
		Dir:        logDir,
		QuotaBytes: c.cfg.QuotaBytes,
		Monitor:    c.mon,
		Heartbeat:  c.beat,
	})
	c.logger.SetState(types.StateInit)
	if err := c.logger.Start(); err != nil {
		return &errcode.E{C: errcode.StorageMissing, Op: "coordinator.boot", Err: err}
	}

	for p, v := range c.cfg.Defaults {
		if _, err := c.store.Set(p, v); err != nil {
			return err
		}
	}

	c.mux = rpc.New(rpc.Config{
		Paths:     c.cfg.Paths,
		WithCRC:   c.cfg.WithCRC,
		Dialer:    c.opts.Dialer,
		Monitor:   c.mon,
		Heartbeat: c.beat,
	})
	if err := c.mux.Connect(); err != nil {
		c.logger.Stop()
		c.logger = nil
		return err
	}

	c.uiSub = c.conn.Subscribe(bus.UIEventTopic())
	c.startInput(ctx)

	// Seed heartbeats so the first check has a baseline.
	for _, task := range hbTasks() {
		c.beat(task)
	}
	return nil
}

func (c *Coordinator) startInput(ctx context.Context) {
	if c.opts.Sampler == nil {
		return
	}
	ictx, cancel := context.WithCancel(ctx)
	c.inputCancel = cancel
	c.poller = ui.NewPoller(c.opts.Sampler, c.bus.NewConnection("input"), c.beat)
	c.poller.Start(ictx)
}

// engineDone blocks forever while no engine exists.
func (c *Coordinator) engineDone() <-chan types.Outcome {
	if c.engine == nil {
		return nil
	}
	return c.engine.Done()
}

func (c *Coordinator) setState(s types.SystemState) {
	if c.state == s {
		return
	}
	old := c.state
	c.state = s
	if c.logger != nil {
		c.logger.SetState(s)
		c.logger.Log(types.LogEvent{
			Kind:    types.EvStateChanged,
			Message: old.String() + ">" + s.String(),
		})
	}
	c.conn.Publish(bus.StateTopic(), s, true)
	c.diag.WithFields(logrus.Fields{"from": old.String(), "to": s.String()}).Info("state")
}

// State reports the current FSM state (coordinator goroutine only;
// tests poll via the bus instead).
func (c *Coordinator) State() types.SystemState { return c.state }

// coordinator/run.go
package coordinator

import (
	"context"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AsherValentini/MiLO-Middleware/bus"
	"github.com/AsherValentini/MiLO-Middleware/config"
	"github.com/AsherValentini/MiLO-Middleware/protocol"
	"github.com/AsherValentini/MiLO-Middleware/types"
	"github.com/AsherValentini/MiLO-Middleware/ui"
	"github.com/AsherValentini/MiLO-Middleware/x/mathx"
)

// uiStep is the per-detent adjustment for push-and-turn.
func uiStep(p types.Parameter) float64 {
	switch p {
	case types.Frequency:
		return 10
	case types.SyringeDiameter:
		return 0.05
	default:
		return 0.5
	}
}

func (c *Coordinator) handleUI(ev ui.Event) {
	switch ev.Kind {
	case ui.RotateCW, ui.RotateCCW:
		if c.state != types.StateIdle {
			return
		}
		n := len(types.Parameters())
		if ev.Kind == ui.RotateCW {
			c.selected = (c.selected + 1) % n
		} else {
			c.selected = (c.selected + n - 1) % n
		}

	case ui.AdjustCW, ui.AdjustCCW:
		switch c.state {
		case types.StateIdle:
			c.adjustSelected(ev.Kind == ui.AdjustCW)
		case types.StateRunning, types.StateAborting:
			// A running protocol reads from its snapshots; operator
			// changes are staged and applied after the run ends so
			// the trace shows them past RunEnd, never during.
			c.stageAdjust(ev.Kind == ui.AdjustCW)
		}

	case ui.ShortPress:
		switch c.state {
		case types.StateIdle:
			c.startRun()
		case types.StateFinished:
			c.setState(types.StateIdle)
		case types.StateError:
			c.acknowledgeError()
		}

	case ui.LongPress:
		if c.state == types.StateRunning && c.engine != nil {
			c.engine.Cancel()
			c.setState(types.StateAborting)
		}
	}
}

func (c *Coordinator) adjustSelected(up bool) {
	p := types.Parameters()[c.selected]
	delta := uiStep(p)
	if !up {
		delta = -delta
	}
	old := c.store.Get(p)
	// Clamp to bounds instead of surfacing out_of_range to the knob.
	b := types.Bounds(p)
	target := mathx.Clamp(old+delta, b.Min, b.Max)
	ch, err := c.store.Set(p, target)
	if err != nil || ch.Old == ch.New {
		return
	}
	c.logger.Log(types.LogEvent{
		Kind:    types.EvParameterChanged,
		Message: p.String() + " " + formatFloat(ch.Old) + ">" + formatFloat(ch.New),
	})
}

// stageAdjust accumulates a mid-run adjustment of the selected
// parameter for application after the run.
func (c *Coordinator) stageAdjust(up bool) {
	p := types.Parameters()[c.selected]
	base, ok := c.staged[p]
	if !ok {
		base = c.store.Get(p)
	}
	delta := uiStep(p)
	if !up {
		delta = -delta
	}
	b := types.Bounds(p)
	c.staged[p] = mathx.Clamp(base+delta, b.Min, b.Max)
}

// applyStaged commits mid-run adjustments once the run is over.
func (c *Coordinator) applyStaged() {
	for p, v := range c.staged {
		if ch, err := c.store.Set(p, v); err == nil && ch.Old != ch.New {
			c.logger.Log(types.LogEvent{
				Kind:    types.EvParameterChanged,
				Message: p.String() + " " + formatFloat(ch.Old) + ">" + formatFloat(ch.New),
			})
		}
		delete(c.staged, p)
	}
}

// startRun transitions Idle -> Running with a fresh engine.
func (c *Coordinator) startRun() {
	proto, err := c.cfg.BuildProtocol()
	if err != nil {
		c.reason = err.Error()
		c.setState(types.StateError)
		return
	}

	c.run = types.NewRunID(time.Now())
	c.logger.StartRun(c.run)
	c.stepName.Store("")
	c.errorPending = false

	c.engine = protocol.NewEngine(proto, c.mux, c.store, &teeSink{c: c})
	c.engine.Start()
	c.setState(types.StateRunning)
}

// handleOutcome consumes the engine's terminal outcome.
func (c *Coordinator) handleOutcome(out types.Outcome) {
	c.logger.FinishRun(out)
	c.applyStaged()
	c.engine = nil
	c.stepName.Store("")

	switch {
	case c.errorPending:
		c.errorPending = false
		c.setState(types.StateError)
	case out.Kind == types.OutcomeCompleted:
		c.setState(types.StateFinished)
	case out.Kind == types.OutcomeFailed:
		c.reason = out.Reason
		c.setState(types.StateError)
	default: // Aborted
		c.setState(types.StateIdle)
	}
}

// drainFaults moves queued faults into the trace and escalates the
// unrecoverable ones. Runs on the coordinator goroutine only.
func (c *Coordinator) drainFaults() {
	for _, f := range c.mon.Drain() {
		c.logger.Log(types.LogEvent{
			Kind:    types.EvFault,
			Message: f.Kind.String() + ": " + f.Message,
		})
		c.diag.WithFields(logrus.Fields{
			"kind":   f.Kind.String(),
			"origin": f.Origin,
		}).Warn(f.Message)

		if !f.Permanent && !f.Kind.Fatal() {
			continue
		}
		c.reason = f.Kind.String()
		switch c.state {
		case types.StateRunning:
			// Abort the run first; Error lands once the outcome is in.
			c.errorPending = true
			c.engine.Cancel()
			c.setState(types.StateAborting)
		case types.StateAborting:
			c.errorPending = true
		case types.StateError:
			// already there
		default:
			c.setState(types.StateError)
		}
	}
}

// acknowledgeError attempts the reinit pass; only success returns the
// system to Idle.
func (c *Coordinator) acknowledgeError() {
	c.mux.Shutdown()
	if err := c.mux.Connect(); err != nil {
		c.reason = err.Error()
		c.diag.WithError(err).Error("reinit failed")
		return
	}
	c.reason = ""
	c.setState(types.StateIdle)
}

// handleReload applies a re-validated config; only legal in Idle.
func (c *Coordinator) handleReload(cfg *config.Config) {
	if cfg == nil {
		return
	}
	if c.state != types.StateIdle {
		c.logger.Log(types.LogEvent{
			Kind:    types.EvFault,
			Message: "config_invalid: reload rejected outside idle",
		})
		return
	}
	c.cfg = cfg
	for p, v := range cfg.Defaults {
		if ch, err := c.store.Set(p, v); err == nil && ch.Old != ch.New {
			c.logger.Log(types.LogEvent{
				Kind:    types.EvParameterChanged,
				Message: p.String() + " " + formatFloat(ch.Old) + ">" + formatFloat(ch.New),
			})
		}
	}
	c.diag.Info("config reloaded")
}

// checkHeartbeats flags tasks whose retained heartbeat went stale.
func (c *Coordinator) checkHeartbeats(now time.Time) {
	for _, task := range hbTasks() {
		if task == "input" && c.opts.Sampler == nil {
			continue // headless: no input task to supervise
		}
		if dev, ok := readerDevice(task); ok && c.mux.ChannelFailed(dev) {
			continue // reader exited with its permanently failed channel
		}
		m, ok := c.bus.Retained(bus.HeartbeatTopic(task))
		if !ok {
			continue
		}
		ts, ok := m.Payload.(time.Time)
		if !ok || now.Sub(ts) < hbStaleAfter {
			continue
		}
		c.logger.Log(types.LogEvent{
			Kind:    types.EvHeartbeatMissed,
			Message: task,
		})
		if task == "input" {
			// Input polling is restartable; give it a fresh task.
			if c.inputCancel != nil {
				c.inputCancel()
			}
			c.startInput(context.Background())
			c.beat(task)
			c.mon.Notify(types.Fault{Kind: types.FaultThreadStall, Message: task + " restarted", Origin: "coordinator"})
			continue
		}
		c.mon.Notify(types.Fault{
			Kind:      types.FaultThreadStall,
			Message:   task + " stalled",
			Origin:    "coordinator",
			Permanent: true,
		})
	}
}

func readerDevice(task string) (types.Device, bool) {
	for _, dev := range types.Devices() {
		if task == "rpc-rx-"+dev.String() {
			return dev, true
		}
	}
	return 0, false
}

func (c *Coordinator) refreshDisplay() {
	if c.opts.Display == nil {
		return
	}
	sel := types.Parameters()[c.selected]
	v := ui.View{
		State:    c.state,
		Selected: sel,
		Value:    c.store.Get(sel),
		RunStep:  c.stepName.Load().(string),
		Reason:   c.reason,
	}
	if err := c.opts.Display.Render(ui.BuildScreen(v)); err != nil {
		c.mon.Notify(types.Fault{Kind: types.FaultDisplayIo, Message: err.Error(), Origin: "coordinator"})
	}
}

// shutdown tears tasks down in reverse dependency order: engine,
// multiplexer, input, logger.
func (c *Coordinator) shutdown() {
	c.diag.Info("shutting down")
	if c.engine != nil {
		c.engine.Cancel()
		select {
		case out := <-c.engine.Done():
			c.logger.FinishRun(out)
		case <-time.After(abortDeadline):
			c.logger.FinishRun(types.Outcome{Kind: types.OutcomeAborted, Reason: "shutdown"})
		}
		c.engine = nil
	}
	// Error is a legitimate terminal state; everything else exits Idle.
	if c.state != types.StateError {
		c.setState(types.StateIdle)
	}
	c.mux.Shutdown()
	if c.inputCancel != nil {
		c.inputCancel()
	}
	c.logger.Stop()
}

// teeSink forwards engine events to the logger and keeps the active
// step name for the display.
type teeSink struct {
	c *Coordinator
}

func (t *teeSink) Log(ev types.LogEvent) {
	if ev.Kind == types.EvStepEntered {
		t.c.stepName.Store(ev.Message)
	}
	t.c.logger.Log(ev)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// protocol/engine.go
package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/params"
	"github.com/AsherValentini/MiLO-Middleware/rpc"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

const (
	defaultRetries = 2
	retryBackoff   = 100 * time.Millisecond
)

// RPC is the multiplexer surface the engine drives.
type RPC interface {
	Send(dev types.Device, opcode string, args []string, deadline time.Time) (rpc.Waiter, types.Command, error)
	AbortInFlight(dev types.Device)
}

// EventSink receives trace events; satisfied by *logging.Logger.
type EventSink interface {
	Log(types.LogEvent)
}

// Engine executes one protocol as a finite-state program on its own
// goroutine. Exactly one instance exists while the system is Running
// or Aborting; the coordinator owns its lifetime.
type Engine struct {
	proto  Protocol
	rpc    RPC
	store  *params.Store
	events EventSink

	cancel     chan struct{}
	cancelOnce sync.Once
	done       chan types.Outcome
}

func NewEngine(p Protocol, r RPC, store *params.Store, events EventSink) *Engine {
	return &Engine{
		proto:  p,
		rpc:    r,
		store:  store,
		events: events,
		cancel: make(chan struct{}),
		done:   make(chan types.Outcome, 1),
	}
}

// Start spawns the run. The terminal outcome arrives on Done exactly
// once.
func (e *Engine) Start() {
	go func() {
		e.done <- e.run()
	}()
}

// Done delivers the terminal outcome.
func (e *Engine) Done() <-chan types.Outcome { return e.done }

// Cancel requests an abort. Safe from any goroutine, idempotent; any
// current await unblocks within 10 ms.
func (e *Engine) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancel) })
}

func (e *Engine) cancelled() bool {
	select {
	case <-e.cancel:
		return true
	default:
		return false
	}
}

func (e *Engine) run() (out types.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = types.Outcome{Kind: types.OutcomeFailed, Reason: fmt.Sprint(r)}
		}
	}()

	i := 0
	for i >= 0 && i < len(e.proto.Steps) {
		st := &e.proto.Steps[i]

		if e.cancelled() {
			return e.abort()
		}
		snap := e.store.Snapshot()
		if st.Guard != nil && !st.Guard(snap) {
			i++
			continue
		}

		e.events.Log(types.LogEvent{
			Kind:    types.EvStepEntered,
			Message: e.proto.Name + "/" + st.Name,
		})

		resp, verdict := e.runStep(st, snap)
		switch verdict {
		case stepOk:
			if st.Next != nil {
				next := st.Next(resp)
				if next == "" {
					i = len(e.proto.Steps)
					continue
				}
				j := e.proto.stepIndex(next)
				if j < 0 {
					return types.Outcome{Kind: types.OutcomeFailed, Reason: "unknown step " + next}
				}
				i = j
				continue
			}
			i++
		case stepAbort:
			return e.abort()
		case stepFailed:
			return types.Outcome{Kind: types.OutcomeFailed, Reason: "step " + st.Name + " misconfigured"}
		}
	}
	return types.Outcome{Kind: types.OutcomeCompleted}
}

type verdict uint8

const (
	stepOk verdict = iota
	stepAbort
	stepFailed
)

// runStep executes one step with its retry policy. The parameter
// snapshot is taken once at entry so all attempts see one view.
func (e *Engine) runStep(st *Step, snap params.Snapshot) (types.Response, verdict) {
	retries := st.Retries
	if retries < 0 {
		retries = defaultRetries
	}
	args := substituteArgs(st.Args, snap)

	for attempt := 0; ; attempt++ {
		if e.cancelled() {
			return types.Response{}, stepAbort
		}

		w, cmd, err := e.rpc.Send(st.Device, st.Opcode, args, time.Now().Add(st.Deadline))
		if err != nil {
			switch {
			case errors.Is(err, errcode.ChannelUnavailable), errors.Is(err, errcode.NotConnected):
				// The channel is gone; retrying cannot help.
				return types.Response{}, stepAbort
			case errors.Is(err, errcode.UnknownDevice):
				return types.Response{}, stepFailed
			}
			if attempt >= retries {
				return types.Response{}, stepAbort
			}
			if !e.sleep(retryBackoff) {
				return types.Response{}, stepAbort
			}
			continue
		}

		e.events.Log(types.LogEvent{
			Kind:      types.EvCommandSent,
			HasDevice: true, Device: st.Device,
			HasToken: true, Token: cmd.Token,
			Message: st.Opcode,
		})

		var res rpc.Result
		select {
		case res = <-w:
		case <-e.cancel:
			e.rpc.AbortInFlight(st.Device)
			<-w // terminal Cancelled arrives immediately
			return types.Response{}, stepAbort
		}

		if res.Err == nil {
			latency := res.Resp.ReceivedAt.Sub(cmd.IssuedAt).Microseconds()
			e.events.Log(types.LogEvent{
				Kind:     types.EvResponseReceived,
				HasToken: true, Token: res.Resp.Token,
				HasStatus: true, Status: res.Resp.Status,
				Message: "latency_us=" + strconv.FormatInt(latency, 10),
			})
			if res.Resp.Status == types.StatusOk {
				return res.Resp, stepOk
			}
			// Error / Nack fall through to the retry policy.
		} else if errors.Is(res.Err, errcode.Cancelled) {
			return types.Response{}, stepAbort
		} else if errors.Is(res.Err, errcode.ChannelUnavailable) {
			return types.Response{}, stepAbort
		}
		// Timeout and transient serial errors retry like Error.

		if attempt >= retries {
			return types.Response{}, stepAbort
		}
		if !e.sleep(retryBackoff) {
			return types.Response{}, stepAbort
		}
	}
}

// abort runs the protocol's cleanup sequence best-effort. Failures are
// logged and do not chain further aborts.
func (e *Engine) abort() types.Outcome {
	for i := range e.proto.Abort {
		c := &e.proto.Abort[i]
		deadline := c.Deadline
		if deadline <= 0 {
			deadline = time.Second
		}
		w, cmd, err := e.rpc.Send(c.Device, c.Opcode, c.Args, time.Now().Add(deadline))
		if err != nil {
			e.events.Log(types.LogEvent{
				Kind:      types.EvFault,
				HasDevice: true, Device: c.Device,
				Message: "abort cleanup " + c.Opcode + ": " + err.Error(),
			})
			continue
		}
		e.events.Log(types.LogEvent{
			Kind:      types.EvCommandSent,
			HasDevice: true, Device: c.Device,
			HasToken: true, Token: cmd.Token,
			Message: c.Opcode,
		})
		res := <-w
		if res.Err != nil {
			e.events.Log(types.LogEvent{
				Kind:      types.EvFault,
				HasDevice: true, Device: c.Device,
				Message: "abort cleanup " + c.Opcode + ": " + res.Err.Error(),
			})
			continue
		}
		e.events.Log(types.LogEvent{
			Kind:     types.EvResponseReceived,
			HasToken: true, Token: res.Resp.Token,
			HasStatus: true, Status: res.Resp.Status,
			Message: c.Opcode,
		})
	}
	return types.Outcome{Kind: types.OutcomeAborted}
}

// sleep waits d unless cancelled first; false means cancelled.
func (e *Engine) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.cancel:
		return false
	}
}

// protocol/step.go
package protocol

import (
	"strconv"
	"strings"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/params"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

// A protocol is a value, not a subclass: a vector of step definitions
// plus optional callables for guards and branching.

// Step is one unit of an experiment: dispatch a command, await its
// response, branch.
type Step struct {
	Name   string
	Device types.Device
	Opcode string

	// Args go on the wire verbatim, except tokens of the form
	// "$<parameter>" which are substituted from the step's parameter
	// snapshot at dispatch time.
	Args []string

	// Deadline bounds the round trip per attempt.
	Deadline time.Duration

	// Retries after the first failed attempt. Negative means the
	// engine default.
	Retries int

	// Guard, when set and false, skips the step.
	Guard func(params.Snapshot) bool

	// Next selects the following step by name from an Ok response.
	// Nil advances to the next step in order.
	Next func(types.Response) string
}

// Cleanup is one best-effort command on the abort path.
type Cleanup struct {
	Device   types.Device
	Opcode   string
	Args     []string
	Deadline time.Duration
}

// Protocol is a named experiment: ordered steps plus the cleanup
// sequence executed on abort.
type Protocol struct {
	Name  string
	Steps []Step
	Abort []Cleanup
}

// stepIndex resolves a step name; -1 when unknown.
func (p *Protocol) stepIndex(name string) int {
	for i := range p.Steps {
		if p.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// substituteArgs resolves "$<parameter>" tokens against snap.
// Unresolvable tokens pass through untouched; config validation
// rejects them upstream.
func substituteArgs(args []string, snap params.Snapshot) []string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "$") {
			if p, ok := types.ParseParameter(a[1:]); ok {
				out[i] = strconv.FormatFloat(snap.Get(p), 'f', -1, 64)
				continue
			}
		}
		out[i] = a
	}
	return out
}

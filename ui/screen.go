// ui/screen.go
package ui

import (
	"strconv"

	"github.com/AsherValentini/MiLO-Middleware/types"
)

// Display pushes rendered text lines to the front-panel screen. The
// pixel transport lives outside the core.
type Display interface {
	Render(lines []string) error
}

// View is what the coordinator wants on screen this tick.
type View struct {
	State    types.SystemState
	Selected types.Parameter
	Value    float64
	RunStep  string // active step while running
	Reason   string // shown in the error state
}

// BuildScreen renders the status screen for the current view: four
// lines while running or aborting, three in every other state.
func BuildScreen(v View) []string {
	lines := make([]string, 0, 4)
	lines = append(lines, "MiLO  ["+v.State.String()+"]")

	switch v.State {
	case types.StateRunning, types.StateAborting:
		lines = append(lines, "step: "+v.RunStep)
	case types.StateError:
		lines = append(lines, "fault: "+v.Reason)
		lines = append(lines, "press to ack")
		return lines
	case types.StateFinished:
		lines = append(lines, "run complete")
		lines = append(lines, "press to ack")
		return lines
	}

	lines = append(lines, "> "+v.Selected.String())
	lines = append(lines, "  "+strconv.FormatFloat(v.Value, 'f', 2, 64))
	return lines
}

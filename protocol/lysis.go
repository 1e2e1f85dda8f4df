// protocol/lysis.go
package protocol

import (
	"time"

	"github.com/AsherValentini/MiLO-Middleware/types"
)

// LysisProtocol is the reference three-step protocol: energize the
// supply, fire the pulse train, flush the chamber.
func LysisProtocol() Protocol {
	return Protocol{
		Name: "lysis",
		Steps: []Step{
			{
				Name:     "prepare",
				Device:   types.PowerSupply,
				Opcode:   "enable",
				Args:     []string{"$voltage"},
				Deadline: 5 * time.Second,
				Retries:  -1,
			},
			{
				Name:     "pulse",
				Device:   types.PulseGen,
				Opcode:   "fire",
				Args:     []string{"$frequency"},
				Deadline: 5 * time.Second,
				Retries:  -1,
			},
			{
				Name:     "flush",
				Device:   types.Pump,
				Opcode:   "run",
				Args:     []string{"$flow_rate", "$syringe_diameter"},
				Deadline: 5 * time.Second,
				Retries:  -1,
			},
		},
		Abort: []Cleanup{
			{Device: types.PowerSupply, Opcode: "disable", Deadline: time.Second},
			{Device: types.Pump, Opcode: "stop", Deadline: time.Second},
		},
	}
}

func init() {
	Register("lysis", LysisProtocol)
}

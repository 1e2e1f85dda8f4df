// types/param.go
package types

// Parameter is a strong-typed key for every tunable setting shared
// between the front panel and a running protocol.
type Parameter uint8

const (
	Temperature Parameter = iota
	FlowRate
	Voltage
	Frequency
	SyringeDiameter

	ParameterCount = 5
)

func (p Parameter) String() string {
	switch p {
	case Temperature:
		return "temperature"
	case FlowRate:
		return "flow_rate"
	case Voltage:
		return "voltage"
	case Frequency:
		return "frequency"
	case SyringeDiameter:
		return "syringe_diameter"
	default:
		return "unknown"
	}
}

// ParseParameter maps a config-facing name to a Parameter.
func ParseParameter(s string) (Parameter, bool) {
	switch s {
	case "temperature":
		return Temperature, true
	case "flow_rate":
		return FlowRate, true
	case "voltage":
		return Voltage, true
	case "frequency":
		return Frequency, true
	case "syringe_diameter":
		return SyringeDiameter, true
	default:
		return 0, false
	}
}

// ParamBounds is the validation range plus default for one Parameter.
type ParamBounds struct {
	Min, Max, Default float64
}

// Units chosen to suit the instrument: degC, mL/min, V, Hz, mm.
var paramBounds = [ParameterCount]ParamBounds{
	Temperature:     {Min: 4, Max: 95, Default: 25},
	FlowRate:        {Min: 0, Max: 50, Default: 5},
	Voltage:         {Min: 0, Max: 48, Default: 12},
	Frequency:       {Min: 0.1, Max: 5000, Default: 100},
	SyringeDiameter: {Min: 1, Max: 30, Default: 12.06},
}

// Bounds returns the validation range for key p.
func Bounds(p Parameter) ParamBounds { return paramBounds[p] }

// Parameters lists all keys in display order.
func Parameters() [ParameterCount]Parameter {
	return [ParameterCount]Parameter{Temperature, FlowRate, Voltage, Frequency, SyringeDiameter}
}

// types/event.go
package types

import (
	"strings"
	"time"
)

// EventKind tags a LogEvent record.
type EventKind uint8

const (
	EvRunStart EventKind = iota
	EvRunEnd
	EvStepEntered
	EvCommandSent
	EvResponseReceived
	EvParameterChanged
	EvFault
	EvHeartbeatMissed
	EvEventsDropped
	EvStateChanged
)

func (k EventKind) String() string {
	switch k {
	case EvRunStart:
		return "run_start"
	case EvRunEnd:
		return "run_end"
	case EvStepEntered:
		return "step_entered"
	case EvCommandSent:
		return "command_sent"
	case EvResponseReceived:
		return "response_received"
	case EvParameterChanged:
		return "parameter_changed"
	case EvFault:
		return "fault"
	case EvHeartbeatMissed:
		return "heartbeat_missed"
	case EvEventsDropped:
		return "events_dropped"
	case EvStateChanged:
		return "state_changed"
	default:
		return "unknown"
	}
}

// MaxMessageBytes caps the free-text portion of a LogEvent.
const MaxMessageBytes = 128

// LogEvent is one record in the run trace. Flat so the queue slot is a
// single fixed-size value; unused fields stay zero and serialize empty.
type LogEvent struct {
	Mono  int64 // monotonic ns since process start
	Wall  time.Time
	Run   RunID
	State SystemState
	Kind  EventKind

	HasDevice bool
	Device    Device
	HasToken  bool
	Token     uint32
	HasStatus bool
	Status    Status

	Message string
}

// SanitizeMessage bounds a message and strips characters the CSV line
// format forbids. Oversize text is truncated with a marker.
func SanitizeMessage(s string) string {
	if strings.ContainsAny(s, ",\n\r") {
		r := strings.NewReplacer(",", ";", "\n", " ", "\r", " ")
		s = r.Replace(s)
	}
	if len(s) > MaxMessageBytes {
		s = s[:MaxMessageBytes-3] + "..."
	}
	return s
}

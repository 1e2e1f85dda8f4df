// logging/csv.go
package logging

import (
	"strconv"
	"time"

	"github.com/AsherValentini/MiLO-Middleware/types"
)

// One event per line:
//
//	<monotonic_ns>,<wall_utc_iso>,<run_id>,<state>,<kind>,<device_or_empty>,<token_or_empty>,<status_or_empty>,<message>
//
// Messages are sanitized at enqueue, so commas and newlines cannot
// appear inside a field.
const csvHeader = "mono_ns,wall_utc,run_id,state,kind,device,token,status,message\n"

func appendCSV(dst []byte, ev types.LogEvent) []byte {
	dst = strconv.AppendInt(dst, ev.Mono, 10)
	dst = append(dst, ',')
	dst = ev.Wall.UTC().AppendFormat(dst, time.RFC3339Nano)
	dst = append(dst, ',')
	dst = append(dst, ev.Run.String()...)
	dst = append(dst, ',')
	dst = append(dst, ev.State.String()...)
	dst = append(dst, ',')
	dst = append(dst, ev.Kind.String()...)
	dst = append(dst, ',')
	if ev.HasDevice {
		dst = append(dst, ev.Device.String()...)
	}
	dst = append(dst, ',')
	if ev.HasToken {
		dst = strconv.AppendUint(dst, uint64(ev.Token), 10)
	}
	dst = append(dst, ',')
	if ev.HasStatus {
		dst = append(dst, ev.Status.String()...)
	}
	dst = append(dst, ',')
	dst = append(dst, ev.Message...)
	dst = append(dst, '\n')
	return dst
}

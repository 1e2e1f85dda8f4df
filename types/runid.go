// types/runid.go
package types

import (
	"time"

	"github.com/google/uuid"
)

// RunID identifies one protocol execution. Opaque to everything but the
// logger's file naming.
type RunID string

// NewRunID derives an identifier from wall-clock time at run start plus
// a short random suffix so restarts within one second stay unique.
func NewRunID(now time.Time) RunID {
	return RunID(now.UTC().Format("20060102T150405") + "-" + uuid.NewString()[:8])
}

func (r RunID) String() string { return string(r) }

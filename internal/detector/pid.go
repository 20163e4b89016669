package detector

import (
	"fmt"

	"github.com/loykin/dbhelm/internal/process"
)

// PIDDetector checks a pid with a zero-effect signal. When StartUnix is set
// and the OS reports a different start time the pid was reused and the
// detector reports not alive.
type PIDDetector struct {
	PID       int
	StartUnix int64
}

func (d PIDDetector) Alive() (bool, error) {
	if !process.Exists(d.PID) {
		return false, nil
	}
	if d.StartUnix > 0 {
		if cur := ProcStartUnix(d.PID); cur > 0 && cur != d.StartUnix {
			return false, nil
		}
	}
	return true, nil
}

func (d PIDDetector) Describe() string { return fmt.Sprintf("pid:%d", d.PID) }

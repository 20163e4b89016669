package cleanup

import (
	"context"
	"time"

	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// GopsLister reads the process table through gopsutil. Fields the caller
// may not read (another user's environment, for instance) are left empty.
type GopsLister struct{}

func (GopsLister) List(ctx context.Context) ([]Proc, error) {
	ps, err := gopsproc.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Proc, 0, len(ps))
	for _, p := range ps {
		row := Proc{PID: int(p.Pid)}
		if ppid, err := p.PpidWithContext(ctx); err == nil {
			row.PPID = int(ppid)
		}
		row.Name, _ = p.NameWithContext(ctx)
		row.Cmdline, _ = p.CmdlineWithContext(ctx)
		row.Env, _ = p.EnvironWithContext(ctx)
		if ms, err := p.CreateTimeWithContext(ctx); err == nil && ms > 0 {
			row.CreatedAt = time.UnixMilli(ms)
		}
		out = append(out, row)
	}
	return out, nil
}

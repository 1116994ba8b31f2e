package supervisor

import (
	"os"
	"runtime"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceGauges is one process-health sample, reported alongside
// per-session health so an operator running this unattended for weeks
// can see host pressure building before it starts tripping sessions.
type ResourceGauges struct {
	RSSBytes      uint64
	OpenFDs       int32
	Goroutines    int
}

// sampleResources takes a single process-level measurement, logging
// and returning a zero-valued sample on any gopsutil failure rather
// than failing the probe cycle.
func sampleResources(logger zerolog.Logger) ResourceGauges {
	g := ResourceGauges{Goroutines: runtime.NumGoroutine()}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("failed to open self process handle for resource sampling")
		return g
	}

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		g.RSSBytes = mem.RSS
	}
	if fds, err := proc.NumFDs(); err == nil {
		g.OpenFDs = fds
	}

	return g
}

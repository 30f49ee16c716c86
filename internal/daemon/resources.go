package daemon

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Resources is a point-in-time sample of host and process usage.
type Resources struct {
	HostCPUPercent float64 `json:"host_cpu_percent"`
	HostMemPercent float64 `json:"host_mem_percent"`
	ProcessRSS     uint64  `json:"process_rss"`
	Goroutines     int     `json:"goroutines"`
}

// Resources samples usage without blocking; a probe that fails leaves its
// field zero.
func (d *Daemon) Resources() Resources {
	r := Resources{Goroutines: runtime.NumGoroutine()}
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		r.HostCPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		r.HostMemPercent = vm.UsedPercent
	}
	d.procOnce.Do(func() {
		d.proc, _ = process.NewProcess(int32(os.Getpid()))
	})
	if d.proc == nil {
		return r
	}
	if mi, err := d.proc.MemoryInfo(); err == nil {
		r.ProcessRSS = mi.RSS
	}
	return r
}

func (r Resources) String() string {
	return fmt.Sprintf("CPU: %.1f%% | RAM: %.1f%% | RSS: %.1f MiB | Goroutines: %d",
		r.HostCPUPercent, r.HostMemPercent, float64(r.ProcessRSS)/(1<<20), r.Goroutines)
}

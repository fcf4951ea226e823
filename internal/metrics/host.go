package metrics

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/process"
)

// DiskFree returns the free bytes of the filesystem holding path.
func DiskFree(ctx context.Context, path string) (uint64, error) {
	u, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return u.Free, nil
}

// HostSampler refreshes the disk and daemon gauges.
type HostSampler struct {
	paths []string
	self  *process.Process
}

// NewHostSampler watches the given directories. The daemon's own process
// is sampled too when it can be resolved.
func NewHostSampler(paths ...string) *HostSampler {
	h := &HostSampler{paths: paths}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		h.self = p
	}
	return h
}

// Sample updates the gauges and returns the first error encountered. A
// failing path does not stop the others from being sampled.
func (h *HostSampler) Sample(ctx context.Context) error {
	var first error
	for _, p := range h.paths {
		free, err := DiskFree(ctx, p)
		if err != nil {
			if first == nil {
				first = err
			}
			continue
		}
		if regOK.Load() {
			diskFree.WithLabelValues(p).Set(float64(free))
		}
	}
	if h.self != nil && regOK.Load() {
		if mi, err := h.self.MemoryInfoWithContext(ctx); err == nil {
			selfRSS.Set(float64(mi.RSS))
		}
		if cpu, err := h.self.PercentWithContext(ctx, 0); err == nil {
			selfCPU.Set(cpu)
		}
	}
	return first
}

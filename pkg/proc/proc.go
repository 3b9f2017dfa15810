package proc

import (
	sysinfo "github.com/elastic/go-sysinfo"
)

// Prober checks whether a process id still exists on this host. The probe is
// non-destructive: it never signals or otherwise touches the target process.
type Prober interface {
	IsAlive(pid int) bool
}

// SystemProber probes liveness through the host process table.
type SystemProber struct{}

// NewSystemProber creates a prober backed by the host process table.
func NewSystemProber() *SystemProber {
	return &SystemProber{}
}

// IsAlive implements Prober.IsAlive. A pid whose process table entry cannot
// be found is considered dead.
func (p *SystemProber) IsAlive(pid int) bool {
	_, err := sysinfo.Process(pid)
	return err == nil
}

package monitor

import (
	"context"
	"time"

	"gpulock/pkg/gpu"
	"gpulock/pkg/logging"
)

// Monitor samples a supervised child's actual memory consumption on a device
// at a fixed cadence and reports every sample to its consumer. It never
// mutates the reservation ledger itself; escalation decisions belong to the
// supervisor, which keeps all lock-protected mutation in one place.
type Monitor struct {
	// log is the component logger.
	log logging.Logger
	// devices answers per-process usage queries.
	devices gpu.Info
	// device is the monitored device index.
	device int
	// pid is the supervised child's process id.
	pid int
	// pollInterval is the sampling cadence.
	pollInterval time.Duration
	// samples carries observed usage values, in bytes, to the consumer.
	samples chan uint64
}

// New creates a monitor for the given child process on the given device.
func New(log logging.Logger, devices gpu.Info, device, pid int, pollInterval time.Duration) *Monitor {
	return &Monitor{
		log:          log,
		devices:      devices,
		device:       device,
		pid:          pid,
		pollInterval: pollInterval,
		samples:      make(chan uint64),
	}
}

// Samples returns the channel on which usage samples are delivered. The
// channel is closed when Run returns.
func (m *Monitor) Samples() <-chan uint64 {
	return m.samples
}

// Run samples usage once per interval until childExited is closed, then
// performs one final sample to catch a trailing usage spike, and closes the
// sample channel. A transient device query failure is logged and treated as
// zero usage rather than aborting monitoring.
func (m *Monitor) Run(ctx context.Context, childExited <-chan struct{}) {
	defer close(m.samples)
	for {
		select {
		case <-ctx.Done():
			return
		case <-childExited:
			// One trailing poll, one interval after exit, to catch a usage
			// spike between the last regular sample and termination.
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.pollInterval):
			}
			m.emit(ctx, m.sample())
			return
		case <-time.After(m.pollInterval):
			m.emit(ctx, m.sample())
		}
	}
}

// sample performs a single usage query.
func (m *Monitor) sample() uint64 {
	usage, err := m.devices.ProcessUsage(m.device, m.pid)
	if err != nil {
		m.log.Debugf("Usage query for pid %d on device %d failed, assuming zero: %v",
			m.pid, m.device, err,
		)
		return 0
	}
	return usage
}

// emit delivers a sample unless the context is cancelled first.
func (m *Monitor) emit(ctx context.Context, usage uint64) {
	select {
	case m.samples <- usage:
	case <-ctx.Done():
	}
}

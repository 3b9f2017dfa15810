package ledger

import (
	"strconv"

	"gpulock/pkg/logging"
	"gpulock/pkg/proc"
)

// Manager performs the reservation lifecycle operations on the shared
// ledger. Every mutation is a single lock-protected load-mutate-save cycle,
// so concurrent mutations from cooperating processes serialize and never
// interleave.
type Manager struct {
	// log is the component logger.
	log logging.Logger
	// store persists the ledger.
	store *Store
	// mutex is the host-wide exclusive section.
	mutex *Mutex
	// prober checks recorded process ids for liveness during cleanup.
	prober proc.Prober
	// pid identifies this process in the ledger.
	pid int
}

// NewManager creates a reservation lifecycle manager that records
// reservations under the given process id. Production callers pass
// os.Getpid(); tests may use distinct pids to simulate multiple cooperating
// processes against one ledger.
func NewManager(log logging.Logger, store *Store, mutex *Mutex, prober proc.Prober, pid int) *Manager {
	return &Manager{
		log:    log,
		store:  store,
		mutex:  mutex,
		prober: prober,
		pid:    pid,
	}
}

// Pid returns the process id under which this manager records reservations.
func (m *Manager) Pid() int {
	return m.pid
}

// mutate runs fn against the current ledger inside the exclusive section and
// persists the result if fn reports a change.
func (m *Manager) mutate(fn func(Ledger) bool) error {
	if err := m.mutex.Lock(); err != nil {
		return err
	}
	defer func() {
		if err := m.mutex.Unlock(); err != nil {
			m.log.Warnf("Ledger unlock failed: %v", err)
		}
	}()
	l := m.store.Load()
	if !fn(l) {
		return nil
	}
	return m.store.Save(l)
}

// Reserve records a reservation of the given size for this process on the
// given device, creating the device entry if it has not been seen before.
func (m *Manager) Reserve(device int, bytes uint64) error {
	return m.mutate(func(l Ledger) bool {
		l.device(device).add(m.pid, bytes)
		return true
	})
}

// Update replaces this process's recorded reservation on the given device.
// It is a silent no-op if the process has no recorded reservation there,
// which guards against an update racing a concurrent release.
func (m *Manager) Update(device int, oldBytes, newBytes uint64) error {
	return m.mutate(func(l Ledger) bool {
		state := l.device(device)
		if _, ok := state.Processes[pidKey(m.pid)]; !ok {
			m.log.Debugf("Skipping reservation update of %d -> %d bytes on device %d: no entry for pid %d",
				oldBytes, newBytes, device, m.pid,
			)
			return false
		}
		state.add(m.pid, newBytes)
		return true
	})
}

// Release removes this process's reservation from the given device. It is
// idempotent: releasing an already-released reservation is a silent no-op.
func (m *Manager) Release(device int) error {
	return m.mutate(func(l Ledger) bool {
		return l.device(device).remove(m.pid) > 0
	})
}

// Cleanup purges reservations recorded for processes that no longer exist,
// restoring the capacity of anything that died without releasing. The ledger
// is only rewritten if an entry was actually removed.
func (m *Manager) Cleanup() error {
	return m.mutate(func(l Ledger) bool {
		changed := false
		for deviceID, state := range l {
			for pidStr := range state.Processes {
				pid, err := strconv.Atoi(pidStr)
				if err != nil {
					m.log.Warnf("Dropping malformed pid entry %q on device %s", pidStr, deviceID)
					state.removeKey(pidStr)
					changed = true
					continue
				}
				if m.prober.IsAlive(pid) {
					continue
				}
				released := state.removeKey(pidStr)
				m.log.Debugf("Reclaimed %d bytes on device %s from dead process %d",
					released, deviceID, pid,
				)
				changed = true
			}
		}
		return changed
	})
}

// Reserved returns the aggregate reservation currently recorded for the
// given device, initializing the device entry if it is absent.
func (m *Manager) Reserved(device int) (uint64, error) {
	var reserved uint64
	err := m.mutate(func(l Ledger) bool {
		key := deviceKey(device)
		_, existed := l[key]
		reserved = l.device(device).Reserved
		return !existed
	})
	return reserved, err
}

// Snapshot returns the current ledger without holding the exclusive section.
// It is suitable for informational display only.
func (m *Manager) Snapshot() Ledger {
	return m.store.Load()
}

package ledger

import (
	"strconv"
)

// DeviceState records the aggregate and per-process memory reservations for
// a single device. Reserved always equals the sum of the Processes values;
// every mutation in this package maintains that by adding and removing whole
// process entries, never by adjusting Reserved independently.
type DeviceState struct {
	// Reserved is the aggregate reserved memory on the device, in bytes.
	Reserved uint64 `json:"reserved"`
	// Processes maps process ids (as decimal strings) to the number of bytes
	// each has reserved.
	Processes map[string]uint64 `json:"processes"`
}

// Ledger maps device ids (as decimal strings) to their reservation state.
type Ledger map[string]*DeviceState

// deviceKey converts a device index to its ledger key.
func deviceKey(device int) string {
	return strconv.Itoa(device)
}

// pidKey converts a process id to its ledger key.
func pidKey(pid int) string {
	return strconv.Itoa(pid)
}

// device returns the state for a device, creating an empty entry if the
// device has not been seen before.
func (l Ledger) device(device int) *DeviceState {
	key := deviceKey(device)
	state, ok := l[key]
	if !ok {
		state = &DeviceState{Processes: make(map[string]uint64)}
		l[key] = state
	}
	if state.Processes == nil {
		state.Processes = make(map[string]uint64)
	}
	return state
}

// add records a reservation for a process on a device, replacing any amount
// previously recorded for that process.
func (s *DeviceState) add(pid int, bytes uint64) {
	s.remove(pid)
	s.Processes[pidKey(pid)] = bytes
	s.Reserved += bytes
}

// remove deletes a process's reservation from a device, if present. It
// returns the amount removed.
func (s *DeviceState) remove(pid int) uint64 {
	return s.removeKey(pidKey(pid))
}

// removeKey deletes a reservation by its raw ledger key.
func (s *DeviceState) removeKey(key string) uint64 {
	bytes, ok := s.Processes[key]
	if !ok {
		return 0
	}
	delete(s.Processes, key)
	if bytes > s.Reserved {
		// Only reachable through a corrupt or hand-edited ledger file, since
		// add and remove keep Reserved equal to the sum of the entries.
		bytes = s.Reserved
	}
	s.Reserved -= bytes
	return bytes
}

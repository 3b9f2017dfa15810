package gpu

import (
	"errors"
	"fmt"
	"sync"
)

// Fake is an in-memory Info implementation for deterministic tests. All
// methods are safe for concurrent use.
type Fake struct {
	mu sync.Mutex
	// free maps device index to free memory in bytes.
	free map[int]uint64
	// usage maps device index to per-pid memory usage in bytes.
	usage map[int]map[int]uint64
	// defaultUsage maps device index to the usage reported for pids without
	// an explicit entry, for tests that don't know the pid in advance.
	defaultUsage map[int]uint64
	// queryErr, if set, is returned by every query method.
	queryErr error
}

// NewFake creates a fake adapter with the given number of devices, each
// reporting the given amount of free memory.
func NewFake(devices int, freeBytes uint64) *Fake {
	f := &Fake{
		free:         make(map[int]uint64, devices),
		usage:        make(map[int]map[int]uint64, devices),
		defaultUsage: make(map[int]uint64, devices),
	}
	for d := 0; d < devices; d++ {
		f.free[d] = freeBytes
		f.usage[d] = make(map[int]uint64)
	}
	return f
}

// SetFreeMemory adjusts the free memory reported for a device.
func (f *Fake) SetFreeMemory(device int, bytes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.free[device] = bytes
}

// SetProcessUsage adjusts the usage reported for a pid on a device.
func (f *Fake) SetProcessUsage(device, pid int, bytes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.usage[device] == nil {
		f.usage[device] = make(map[int]uint64)
	}
	f.usage[device][pid] = bytes
}

// SetDefaultUsage adjusts the usage reported for any pid on a device that
// has no explicit entry.
func (f *Fake) SetDefaultUsage(device int, bytes uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defaultUsage[device] = bytes
}

// FailQueries makes every subsequent query return the given error, or
// restores normal behavior if err is nil.
func (f *Fake) FailQueries(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryErr = err
}

// DeviceCount implements Info.DeviceCount.
func (f *Fake) DeviceCount() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	return len(f.free), nil
}

// FreeMemory implements Info.FreeMemory.
func (f *Fake) FreeMemory(device int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	free, ok := f.free[device]
	if !ok {
		return 0, errors.New("no such device")
	}
	return free, nil
}

// DeviceName implements Info.DeviceName.
func (f *Fake) DeviceName(device int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return "", f.queryErr
	}
	if _, ok := f.free[device]; !ok {
		return "", errors.New("no such device")
	}
	return fmt.Sprintf("Fake GPU %d", device), nil
}

// ProcessUsage implements Info.ProcessUsage.
func (f *Fake) ProcessUsage(device, pid int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return 0, f.queryErr
	}
	if usage, ok := f.usage[device][pid]; ok {
		return usage, nil
	}
	return f.defaultUsage[device], nil
}

package gpu

// Info reports device inventory and memory figures for the GPUs on this
// host. Implementations must be safe for concurrent use: the supervisor's
// main path and the usage monitor query it from separate goroutines.
type Info interface {
	// DeviceCount returns the number of GPUs visible on this host.
	DeviceCount() (int, error)
	// FreeMemory returns the current free memory of the given device, in
	// bytes.
	FreeMemory(device int) (uint64, error)
	// DeviceName returns a human-readable name for the given device.
	DeviceName(device int) (string, error)
	// ProcessUsage returns the memory, in bytes, that the given process
	// currently uses on the given device. It returns 0 (and no error) if the
	// process is not using the device.
	ProcessUsage(device, pid int) (uint64, error)
}

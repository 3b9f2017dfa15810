package gpu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/jaypipes/ghw"

	"gpulock/pkg/logging"
)

// queryTimeout bounds a single nvidia-smi invocation. The tool normally
// answers in well under a second; anything longer indicates a wedged driver.
const queryTimeout = 30 * time.Second

// errNoSuchDevice indicates a device index outside the range reported by the
// driver.
var errNoSuchDevice = errors.New("no such device")

// NVIDIA is an Info implementation backed by the nvidia-smi query interface,
// with ghw-based PCI discovery as a fallback for device inventory.
type NVIDIA struct {
	// log is the component logger.
	log logging.Logger
	// smiPath is the nvidia-smi binary path or name.
	smiPath string
}

// NewNVIDIA creates an NVIDIA device query adapter. The nvidia-smi binary is
// resolved through PATH.
func NewNVIDIA(log logging.Logger) *NVIDIA {
	return &NVIDIA{
		log:     log,
		smiPath: "nvidia-smi",
	}
}

// query runs nvidia-smi with the given arguments and returns its output
// lines, skipping blanks.
func (n *NVIDIA) query(args ...string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, n.smiPath, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi query failed: %w", err)
	}
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// DeviceCount implements Info.DeviceCount.
func (n *NVIDIA) DeviceCount() (int, error) {
	lines, err := n.query("--query-gpu=index", "--format=csv,noheader")
	if err == nil {
		return len(lines), nil
	}

	// Some driverless hosts still expose the cards on the PCI bus. ghw can
	// enumerate those even when nvidia-smi is absent.
	n.log.Debugf("Falling back to PCI discovery for device count: %v", err)
	gpu, ghwErr := ghw.GPU()
	if ghwErr != nil {
		return 0, fmt.Errorf("unable to discover GPUs: %w", ghwErr)
	}
	return len(gpu.GraphicsCards), nil
}

// FreeMemory implements Info.FreeMemory. nvidia-smi reports memory in MiB.
func (n *NVIDIA) FreeMemory(device int) (uint64, error) {
	lines, err := n.query(
		"--query-gpu=memory.free",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(device),
	)
	if err != nil {
		return 0, err
	}
	if len(lines) == 0 {
		return 0, errNoSuchDevice
	}
	mib, err := strconv.ParseUint(lines[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected nvidia-smi memory output %q: %w", lines[0], err)
	}
	return mib * 1024 * 1024, nil
}

// DeviceName implements Info.DeviceName.
func (n *NVIDIA) DeviceName(device int) (string, error) {
	lines, err := n.query(
		"--query-gpu=name",
		"--format=csv,noheader",
		"-i", strconv.Itoa(device),
	)
	if err == nil && len(lines) > 0 {
		return lines[0], nil
	}

	n.log.Debugf("Falling back to PCI discovery for device name: %v", err)
	gpu, ghwErr := ghw.GPU()
	if ghwErr != nil {
		return "", fmt.Errorf("unable to discover GPUs: %w", ghwErr)
	}
	if device < 0 || device >= len(gpu.GraphicsCards) {
		return "", errNoSuchDevice
	}
	if info := gpu.GraphicsCards[device].DeviceInfo; info != nil && info.Product != nil {
		return info.Product.Name, nil
	}
	return fmt.Sprintf("GPU %d", device), nil
}

// ProcessUsage implements Info.ProcessUsage. Output lines have the form
// "pid, used_memory" with memory in MiB. A pid that does not appear is not
// using the device.
func (n *NVIDIA) ProcessUsage(device, pid int) (uint64, error) {
	lines, err := n.query(
		"--query-compute-apps=pid,used_memory",
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(device),
	)
	if err != nil {
		return 0, err
	}
	for _, line := range lines {
		fields := strings.SplitN(line, ",", 2)
		if len(fields) != 2 {
			continue
		}
		linePid, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || linePid != pid {
			continue
		}
		mib, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected nvidia-smi usage output %q: %w", line, err)
		}
		return mib * 1024 * 1024, nil
	}
	return 0, nil
}

package admission

import (
	"context"
	"time"

	"github.com/docker/go-units"

	"gpulock/pkg/gpu"
	"gpulock/pkg/ledger"
	"gpulock/pkg/logging"
)

// DefaultPollInterval is the cadence at which capacity is re-evaluated.
// Cooperating processes have no way to signal "memory became free" across
// process boundaries other than through the shared ledger, so periodic
// re-evaluation is the simplest correct design.
const DefaultPollInterval = time.Second

// Controller blocks callers until a device can satisfy their declared memory
// requirement.
type Controller struct {
	// log is the component logger.
	log logging.Logger
	// devices answers free-memory queries.
	devices gpu.Info
	// manager provides reservation reads and dead-process cleanup.
	manager *ledger.Manager
	// pollInterval is the capacity re-evaluation cadence.
	pollInterval time.Duration
}

// NewController creates an admission controller polling at the default
// interval.
func NewController(log logging.Logger, devices gpu.Info, manager *ledger.Manager) *Controller {
	return &Controller{
		log:          log,
		devices:      devices,
		manager:      manager,
		pollInterval: DefaultPollInterval,
	}
}

// SetPollInterval overrides the polling cadence. Intended for tests that
// cannot afford second-scale sleeps.
func (c *Controller) SetPollInterval(interval time.Duration) {
	c.pollInterval = interval
}

// WaitForCapacity blocks until the device's true available capacity (free
// memory minus the aggregate coordinated reservation) can satisfy the
// requirement. It returns false if the timeout elapses or ctx is cancelled
// first. With force set, it returns true on the first poll regardless of
// capacity, after a one-time warning.
//
// The free-memory query deliberately happens outside the exclusive section:
// the ledger stays internally consistent either way, and holding the lock
// across a device query would stall every cooperating process behind a slow
// driver. Two waiters can therefore both admit into the same window and
// overcommit the device; this is an accepted best-effort trade-off.
func (c *Controller) WaitForCapacity(ctx context.Context, device int, required uint64, timeout time.Duration, force bool) (bool, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	announced := false
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			c.log.Warnf("Timed out after %v waiting for %s on device %d",
				timeout, units.BytesSize(float64(required)), device,
			)
			return false, nil
		}

		// Purge entries left behind by processes that died without
		// releasing, so abandoned reservations don't block admission
		// forever.
		if err := c.manager.Cleanup(); err != nil {
			return false, err
		}

		available, err := c.devices.FreeMemory(device)
		if err != nil {
			return false, err
		}
		reserved, err := c.manager.Reserved(device)
		if err != nil {
			return false, err
		}

		var trueAvailable uint64
		if available > reserved {
			trueAvailable = available - reserved
		}
		c.log.Debugf("Device %d: %s free, %s reserved, %s truly available, %s required",
			device,
			units.BytesSize(float64(available)),
			units.BytesSize(float64(reserved)),
			units.BytesSize(float64(trueAvailable)),
			units.BytesSize(float64(required)),
		)
		if trueAvailable >= required {
			return true, nil
		}

		if force {
			c.log.Warnf("Bypassing capacity check on device %d: %s required but only %s available",
				device, units.BytesSize(float64(required)), units.BytesSize(float64(trueAvailable)),
			)
			return true, nil
		}

		if !announced {
			c.log.Infof("Waiting for %s to become available on device %d",
				units.BytesSize(float64(required)), device,
			)
			announced = true
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

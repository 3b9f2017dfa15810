package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/docker/go-units"
	"golang.org/x/sync/errgroup"

	"gpulock/pkg/admission"
	"gpulock/pkg/gpu"
	"gpulock/pkg/ledger"
	"gpulock/pkg/logging"
	"gpulock/pkg/monitor"
)

// visibleDevicesVariable restricts the child to the single targeted device.
const visibleDevicesVariable = "CUDA_VISIBLE_DEVICES"

// ErrAdmissionTimeout indicates that the device could not satisfy the
// requirement before the configured deadline. No reservation is left behind:
// reservation only happens after successful admission.
var ErrAdmissionTimeout = errors.New("timed out waiting for device capacity")

// State identifies a phase of a supervised run.
type State string

const (
	StateIdle      State = "idle"
	StateWaiting   State = "waiting"
	StateReserved  State = "reserved"
	StateRunning   State = "running"
	StateReleasing State = "releasing"
	StateDone      State = "done"
)

// Options configures a single supervised run. It replaces any process-wide
// mutable state: everything a run needs travels through this struct and the
// Supervisor that owns it.
type Options struct {
	// Device is the target device index.
	Device int
	// Required is the declared memory requirement, in bytes.
	Required uint64
	// Timeout bounds the admission wait. Zero means wait forever.
	Timeout time.Duration
	// Force bypasses the capacity check.
	Force bool
	// Command is the program to supervise.
	Command string
	// Args are the program's arguments.
	Args []string
	// PollInterval is the cadence shared by admission polling and usage
	// monitoring. Zero selects the default.
	PollInterval time.Duration
}

// Supervisor coordinates a single supervised run: admission, reservation,
// child launch, usage monitoring with escalation, and guaranteed release.
type Supervisor struct {
	// log is the component logger.
	log logging.Logger
	// devices is the device query adapter.
	devices gpu.Info
	// manager performs reservation lifecycle operations.
	manager *ledger.Manager
	// controller blocks until admission.
	controller *admission.Controller
	// opts configures the run.
	opts Options
	// state is the current run phase.
	state State
	// baseline is the currently recorded reservation, in bytes. It only ever
	// increases over a run.
	baseline uint64
	// peak is the maximum observed usage, in bytes.
	peak uint64
}

// New creates a supervisor for a single run.
func New(log logging.Logger, devices gpu.Info, manager *ledger.Manager, controller *admission.Controller, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = admission.DefaultPollInterval
	}
	controller.SetPollInterval(opts.PollInterval)
	return &Supervisor{
		log:        log,
		devices:    devices,
		manager:    manager,
		controller: controller,
		opts:       opts,
		state:      StateIdle,
	}
}

// transition advances the run state machine.
func (s *Supervisor) transition(next State) {
	s.log.Debugf("State: %s -> %s", s.state, next)
	s.state = next
}

// Peak returns the maximum usage observed over the child's lifetime. Only
// valid after Run returns.
func (s *Supervisor) Peak() uint64 {
	return s.peak
}

// Run executes the full supervised lifecycle. The caller's ctx should be
// bound to termination signals; its cancellation kills the child and still
// releases the reservation on the way out. The child's own exit status is
// not propagated: a non-nil error only reflects bookkeeping failures.
func (s *Supervisor) Run(ctx context.Context) error {
	s.transition(StateWaiting)
	admitted, err := s.controller.WaitForCapacity(
		ctx, s.opts.Device, s.opts.Required, s.opts.Timeout, s.opts.Force,
	)
	if err != nil {
		s.transition(StateDone)
		return fmt.Errorf("admission failed: %w", err)
	}
	if !admitted {
		s.transition(StateDone)
		return ErrAdmissionTimeout
	}

	s.transition(StateReserved)
	if err := s.manager.Reserve(s.opts.Device, s.opts.Required); err != nil {
		s.transition(StateDone)
		return fmt.Errorf("unable to reserve: %w", err)
	}
	s.baseline = s.opts.Required

	// The reservation must be released exactly once on every exit path from
	// here on, including panics and signal-driven cancellation.
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			s.transition(StateReleasing)
			if err := s.manager.Release(s.opts.Device); err != nil {
				s.log.Errorf("Unable to release reservation: %v", err)
			}
			s.transition(StateDone)
		})
	}
	defer release()

	if err := s.supervise(ctx); err != nil {
		return err
	}

	release()
	return nil
}

// supervise launches the child and monitors it until it exits and the
// monitor's trailing sample has been consumed.
func (s *Supervisor) supervise(ctx context.Context) error {
	s.transition(StateRunning)

	// Scope the child's visible-device environment to the target device and
	// pass our stdio straight through.
	child := exec.CommandContext(ctx, s.opts.Command, s.opts.Args...)
	child.Stdin = os.Stdin
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.Env = append(os.Environ(), fmt.Sprintf("%s=%d", visibleDevicesVariable, s.opts.Device))
	if err := child.Start(); err != nil {
		return fmt.Errorf("unable to start %s: %w", s.opts.Command, err)
	}
	s.log.Debugf("Started %s (pid %d) on device %d", s.opts.Command, child.Process.Pid, s.opts.Device)

	mon := monitor.New(s.log, s.devices, s.opts.Device, child.Process.Pid, s.opts.PollInterval)
	childExited := make(chan struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		mon.Run(groupCtx, childExited)
		return nil
	})
	group.Go(func() error {
		for usage := range mon.Samples() {
			s.observe(usage)
		}
		return nil
	})

	childErr := child.Wait()
	close(childExited)
	if err := group.Wait(); err != nil {
		return err
	}

	// An external termination signal kills the child outright; release still
	// happens on the way out, but the run itself did not succeed.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("terminated: %w", err)
	}

	if childErr != nil {
		// Recorded for the operator only. Success or failure of the child is
		// not this tool's concern; it just tells us when to stop monitoring.
		s.log.Debugf("%s exited: %v", s.opts.Command, childErr)
	}
	s.reportPeak()
	return nil
}

// observe folds a usage sample into the peak and, if usage exceeds the
// current reservation baseline, escalates the recorded reservation to
// ceil(usage * 1.1) for 10% headroom. The baseline never decreases.
func (s *Supervisor) observe(usage uint64) {
	if usage > s.peak {
		s.peak = usage
	}
	if usage <= s.baseline {
		return
	}
	escalated := (usage*11 + 9) / 10
	s.log.Infof("Usage %s exceeds reservation %s, escalating to %s",
		units.BytesSize(float64(usage)),
		units.BytesSize(float64(s.baseline)),
		units.BytesSize(float64(escalated)),
	)
	if err := s.manager.Update(s.opts.Device, s.baseline, escalated); err != nil {
		s.log.Warnf("Unable to escalate reservation: %v", err)
		return
	}
	s.baseline = escalated
}

// reportPeak logs the peak observed usage as a percentage of the originally
// requested amount.
func (s *Supervisor) reportPeak() {
	percent := 0.0
	if s.opts.Required > 0 {
		percent = 100 * float64(s.peak) / float64(s.opts.Required)
	}
	s.log.Infof("Peak usage: %s (%.0f%% of the %s requested)",
		units.BytesSize(float64(s.peak)),
		percent,
		units.BytesSize(float64(s.opts.Required)),
	)
}

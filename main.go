package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/go-units"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"gpulock/pkg/admission"
	"gpulock/pkg/gpu"
	"gpulock/pkg/ledger"
	"gpulock/pkg/logging"
	"gpulock/pkg/proc"
	"gpulock/pkg/supervisor"
)

const (
	// optsVariable supplies default command-line options, parsed ahead of the
	// actual arguments.
	optsVariable = "GPULOCK_OPTS"
	// dirVariable overrides the shared runtime directory.
	dirVariable = "GPULOCK_DIR"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	args, err := argsWithDefaults(os.Args[1:], os.Getenv(optsVariable))
	if err != nil {
		return err
	}
	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.Execute()
}

// argsWithDefaults prepends options from the GPULOCK_OPTS environment
// variable, tokenized with shell-style quoting, to the actual command-line
// arguments.
func argsWithDefaults(args []string, opts string) ([]string, error) {
	if opts == "" {
		return args, nil
	}
	defaults, err := shellwords.Parse(opts)
	if err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", optsVariable, err)
	}
	return append(defaults, args...), nil
}

// parseSize parses a memory size argument: a bare integer is bytes, while
// K/M/G suffixes denote binary multiples.
func parseSize(s string) (uint64, error) {
	bytes, err := units.RAMInBytes(s)
	if err != nil || bytes < 0 {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	return uint64(bytes), nil
}

// runtimeDir returns the shared runtime directory common to all cooperating
// processes.
func runtimeDir() string {
	if dir := os.Getenv(dirVariable); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "gpulock")
}

func newRootCommand() *cobra.Command {
	var (
		device  int
		timeout time.Duration
		force   bool
		verbose bool
		quiet   bool
	)
	cmd := &cobra.Command{
		Use:   "gpulock [flags] SIZE -- COMMAND [ARGS...]",
		Short: "Run a command with an exclusive GPU memory reservation",
		Long: `gpulock coordinates GPU memory between independent processes on one host.
It waits until the requested amount of device memory is actually available
(free memory minus what other gpulock processes have reserved), records a
reservation in a shared ledger, runs the command restricted to the target
device, grows the reservation if real usage exceeds it, and releases the
reservation exactly once when the command terminates, however it terminates.

SIZE accepts a bare integer (bytes) or a K/M/G suffix (binary multiples),
e.g. 5G, 500M, or 2048.`,
		Args:          cobra.MinimumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash != 1 {
				return errors.New("expected exactly one SIZE argument followed by -- and a command")
			}
			required, err := parseSize(args[0])
			if err != nil {
				return err
			}
			return runSupervised(supervisor.Options{
				Device:   device,
				Required: required,
				Timeout:  timeout,
				Force:    force,
				Command:  args[1],
				Args:     args[2:],
			}, verbose, quiet)
		},
	}
	cmd.Flags().IntVarP(&device, "device", "d", 0, "target GPU device index")
	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 0, "give up waiting for capacity after this long (0 = wait forever)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip the capacity check and run immediately")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug output")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")
	return cmd
}

// runSupervised wires the components together and drives one supervised run.
func runSupervised(opts supervisor.Options, verbose, quiet bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP,
	)
	defer cancel()

	log := logging.New(verbose, quiet)
	devices := gpu.NewNVIDIA(logging.Component(log, "gpu"))

	dir := runtimeDir()
	store, err := ledger.NewStore(logging.Component(log, "ledger"), dir, devices)
	if err != nil {
		return err
	}
	manager := ledger.NewManager(
		logging.Component(log, "ledger"), store, ledger.NewMutex(dir),
		proc.NewSystemProber(), os.Getpid(),
	)
	controller := admission.NewController(logging.Component(log, "admission"), devices, manager)

	if name, err := devices.DeviceName(opts.Device); err == nil {
		log.Infof("Requesting %s on device %d (%s)",
			units.BytesSize(float64(opts.Required)), opts.Device, name,
		)
	} else {
		log.Warnf("Unable to identify device %d: %v", opts.Device, err)
	}
	if verbose {
		if snapshot, err := json.Marshal(manager.Snapshot()); err == nil {
			log.Debugf("Current ledger: %s", snapshot)
		}
	}

	sup := supervisor.New(logging.Component(log, "supervisor"), devices, manager, controller, opts)
	return sup.Run(ctx)
}

package supervisor

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpulock/pkg/admission"
	"gpulock/pkg/gpu"
	"gpulock/pkg/ledger"
	"gpulock/pkg/logging"
)

const (
	gib          = 1024 * 1024 * 1024
	testInterval = 10 * time.Millisecond
	testPid      = 4242
)

type aliveProber struct{}

func (aliveProber) IsAlive(int) bool { return true }

func testLogger() logging.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestSupervisor(t *testing.T, devices *gpu.Fake, opts Options) (*Supervisor, *ledger.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := ledger.NewStore(testLogger(), dir, devices)
	require.NoError(t, err)
	manager := ledger.NewManager(testLogger(), store, ledger.NewMutex(dir), aliveProber{}, testPid)
	controller := admission.NewController(testLogger(), devices, manager)
	opts.PollInterval = testInterval
	return New(testLogger(), devices, manager, controller, opts), store
}

func TestRunReleasesReservationOnSuccess(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	sup, store := newTestSupervisor(t, devices, Options{
		Required: gib,
		Command:  "true",
	})

	require.NoError(t, sup.Run(context.Background()))

	l := store.Load()
	require.Contains(t, l, "0")
	assert.Zero(t, l["0"].Reserved)
	assert.Empty(t, l["0"].Processes)
	assert.Equal(t, StateDone, sup.state)
}

func TestRunReleasesReservationOnStartFailure(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	sup, store := newTestSupervisor(t, devices, Options{
		Required: gib,
		Command:  "definitely-not-a-real-binary-1f2e3d",
	})

	require.Error(t, sup.Run(context.Background()))

	l := store.Load()
	require.Contains(t, l, "0")
	assert.Zero(t, l["0"].Reserved)
	assert.Equal(t, StateDone, sup.state)
}

func TestRunAdmissionTimeoutLeavesNoReservation(t *testing.T) {
	devices := gpu.NewFake(1, gib)
	sup, store := newTestSupervisor(t, devices, Options{
		Required: 100 * gib,
		Timeout:  50 * time.Millisecond,
		Command:  "true",
	})

	err := sup.Run(context.Background())
	require.ErrorIs(t, err, ErrAdmissionTimeout)

	l := store.Load()
	require.Contains(t, l, "0")
	assert.Zero(t, l["0"].Reserved)
	assert.Empty(t, l["0"].Processes)
}

func TestRunForceBypassesCapacity(t *testing.T) {
	devices := gpu.NewFake(1, gib)
	sup, store := newTestSupervisor(t, devices, Options{
		Required: 100 * gib,
		Force:    true,
		Command:  "true",
	})

	require.NoError(t, sup.Run(context.Background()))
	assert.Zero(t, store.Load()["0"].Reserved)
}

func TestRunEscalatesWhenUsageExceedsReservation(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	devices.SetDefaultUsage(0, 2*gib)
	sup, store := newTestSupervisor(t, devices, Options{
		Required: gib,
		Command:  "sleep",
		Args:     []string{"0.2"},
	})

	require.NoError(t, sup.Run(context.Background()))

	// ceil(2 GiB * 1.1)
	wantBaseline := uint64((2*gib*11 + 9) / 10)
	assert.Equal(t, wantBaseline, sup.baseline)
	assert.Equal(t, uint64(2*gib), sup.Peak())
	assert.Zero(t, store.Load()["0"].Reserved, "reservation must be released after the run")
}

func TestObserveEscalationIsMonotonic(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	sup, _ := newTestSupervisor(t, devices, Options{Required: gib, Command: "true"})
	require.NoError(t, sup.manager.Reserve(0, gib))
	sup.baseline = gib

	sup.observe(2 * gib)
	escalated := uint64((2*gib*11 + 9) / 10)
	assert.Equal(t, escalated, sup.baseline)
	assert.Equal(t, uint64(2*gib), sup.peak)

	// A lower subsequent sample must not shrink the baseline or the peak.
	sup.observe(gib)
	assert.Equal(t, escalated, sup.baseline)
	assert.Equal(t, uint64(2*gib), sup.peak)

	sup.observe(3 * gib)
	assert.Equal(t, uint64((3*gib*11+9)/10), sup.baseline)
	assert.Equal(t, uint64(3*gib), sup.peak)
}

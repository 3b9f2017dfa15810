package monitor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpulock/pkg/gpu"
	"gpulock/pkg/logging"
)

const (
	gib          = 1024 * 1024 * 1024
	testInterval = 10 * time.Millisecond
)

func testLogger() logging.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestMonitorDeliversSamples(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	devices.SetProcessUsage(0, 42, 2*gib)

	m := New(testLogger(), devices, 0, 42, testInterval)
	childExited := make(chan struct{})
	done := make(chan struct{})
	go func() {
		m.Run(context.Background(), childExited)
		close(done)
	}()

	select {
	case usage := <-m.Samples():
		assert.Equal(t, uint64(2*gib), usage)
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}

	close(childExited)
	for range m.Samples() {
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop after child exit")
	}
}

func TestMonitorTrailingSampleAfterExit(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	m := New(testLogger(), devices, 0, 42, testInterval)

	// The child "exits" before the first regular poll; a spike lands in the
	// trailing interval and must still be observed.
	childExited := make(chan struct{})
	close(childExited)
	devices.SetProcessUsage(0, 42, 3*gib)

	go m.Run(context.Background(), childExited)

	var last uint64
	sawSample := false
	for usage := range m.Samples() {
		last = usage
		sawSample = true
	}
	require.True(t, sawSample, "expected the trailing sample")
	assert.Equal(t, uint64(3*gib), last)
}

func TestMonitorTreatsQueryFailureAsZero(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	devices.FailQueries(errors.New("transient driver error"))
	m := New(testLogger(), devices, 0, 42, testInterval)

	childExited := make(chan struct{})
	go m.Run(context.Background(), childExited)

	select {
	case usage := <-m.Samples():
		assert.Zero(t, usage)
	case <-time.After(time.Second):
		t.Fatal("no sample delivered")
	}
	close(childExited)
	for range m.Samples() {
	}
}

func TestMonitorStopsOnContextCancel(t *testing.T) {
	devices := gpu.NewFake(1, 8*gib)
	m := New(testLogger(), devices, 0, 42, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx, make(chan struct{}))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancellation")
	}
	_, open := <-m.Samples()
	assert.False(t, open, "sample channel should be closed")
}

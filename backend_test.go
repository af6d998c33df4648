package daemon

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockingBackendRun(t *testing.T) {
	want := errors.New("done")
	err := BlockingBackend{}.Run(context.Background(), func(context.Context) error {
		return want
	}, nil)
	assert.ErrorIs(t, err, want)
}

func TestBlockingBackendSleep(t *testing.T) {
	require.NoError(t, BlockingBackend{}.Sleep(context.Background(), 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, BlockingBackend{}.Sleep(ctx, time.Minute))
}

func TestCooperativeBackendRunCompletes(t *testing.T) {
	want := errors.New("done")
	backend := &CooperativeBackend{}

	var interrupts atomic.Int64
	err := backend.Run(context.Background(), func(context.Context) error {
		return want
	}, func() { interrupts.Add(1) })

	assert.ErrorIs(t, err, want)
	assert.Zero(t, interrupts.Load(), "no interrupt on a natural return")
}

func TestCooperativeBackendInterruptOnCancel(t *testing.T) {
	backend := &CooperativeBackend{}
	ctx, cancel := context.WithCancel(context.Background())

	release := make(chan struct{})
	var interrupts atomic.Int64

	done := make(chan error, 1)
	go func() {
		done <- backend.Run(ctx, func(runCtx context.Context) error {
			<-release
			return nil
		}, func() {
			interrupts.Add(1)
			close(release)
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cooperative run never returned after cancellation")
	}

	assert.Equal(t, int64(1), interrupts.Load(), "interrupt fires exactly once per interruption")
}

func TestCooperativeBackendSleepInterrupted(t *testing.T) {
	backend := &CooperativeBackend{}
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := backend.Sleep(ctx, time.Minute)
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
}

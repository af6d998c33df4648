package daemon

import (
	"context"
	"os"
	"os/signal"
	"time"

	"vawter.tech/stopper"
)

// ExecBackend abstracts how the daemon registers for signals, executes its
// run hook, and sleeps. Two implementations exist: BlockingBackend for plain
// OS-thread execution, and CooperativeBackend for single-threaded cooperative
// scheduling where cancellation interrupts the run loop without terminating it.
type ExecBackend interface {
	// Notify registers ch for delivery of the given signals
	Notify(ch chan<- os.Signal, sigs ...os.Signal)

	// StopNotify unregisters ch from signal delivery
	StopNotify(ch chan<- os.Signal)

	// Run executes the run hook. interrupt is invoked when the backend
	// observes a cancellation while the hook is still running; how often it
	// fires is backend specific.
	Run(ctx context.Context, run func(context.Context) error, interrupt func()) error

	// Sleep blocks for d or until ctx is done, returning the context error
	// when interrupted
	Sleep(ctx context.Context, d time.Duration) error
}

// BlockingBackend executes the run hook directly on the calling goroutine.
// Stop requests reach the hook only through its context; interrupt is never
// invoked because the signal bridge already runs the stop hook itself.
type BlockingBackend struct{}

// Notify registers ch for delivery of the given signals
func (BlockingBackend) Notify(ch chan<- os.Signal, sigs ...os.Signal) {
	signal.Notify(ch, sigs...)
}

// StopNotify unregisters ch from signal delivery
func (BlockingBackend) StopNotify(ch chan<- os.Signal) {
	signal.Stop(ch)
}

// Run calls the hook and returns its error
func (BlockingBackend) Run(ctx context.Context, run func(context.Context) error, _ func()) error {
	return run(ctx)
}

// Sleep blocks for d or until ctx is done
func (BlockingBackend) Sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// CooperativeBackend executes the run hook inside a stopper task group. A
// cooperative cancellation while the hook is still running invokes interrupt
// exactly once per interruption and re-enters the wait, so the hook decides
// when to actually return.
type CooperativeBackend struct {
	// Grace is the grace period granted to the task group on shutdown
	Grace time.Duration
}

// Notify registers ch for delivery of the given signals
func (*CooperativeBackend) Notify(ch chan<- os.Signal, sigs ...os.Signal) {
	signal.Notify(ch, sigs...)
}

// StopNotify unregisters ch from signal delivery
func (*CooperativeBackend) StopNotify(ch chan<- os.Signal) {
	signal.Stop(ch)
}

// Run executes the hook under a stopper context
func (b *CooperativeBackend) Run(ctx context.Context, run func(context.Context) error, interrupt func()) error {
	sctx := stopper.WithContext(ctx)

	done := make(chan struct{})
	var runErr error
	sctx.Go(func(sctx *stopper.Context) error {
		defer close(done)
		runErr = run(sctx)
		return nil
	})

	stopping := func() {
		if interrupt != nil {
			interrupt()
		}
		<-done
		_ = sctx.Wait()
	}

	select {
	case <-done:
		sctx.Stop(b.grace())
		_ = sctx.Wait()
		return runErr
	case <-sctx.Stopping():
		stopping()
		return runErr
	case <-ctx.Done():
		stopping()
		return runErr
	}
}

// Sleep blocks for d or until ctx is done
func (b *CooperativeBackend) Sleep(ctx context.Context, d time.Duration) error {
	sctx := stopper.WithContext(ctx)
	defer sctx.Stop(0)
	select {
	case <-sctx.Stopping():
	case <-ctx.Done():
	case <-time.After(d):
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return context.Canceled
}

func (b *CooperativeBackend) grace() time.Duration {
	if b.Grace > 0 {
		return b.Grace
	}
	return 100 * time.Millisecond
}

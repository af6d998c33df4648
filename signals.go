package daemon

import (
	"os"
	"sync"
)

// SignalBridge maps OS signals to named lifecycle actions. Deliveries queue on
// a buffered channel and a single dispatch goroutine runs the bound actions,
// so the actions themselves never execute in asynchronous signal context. The
// actions must still be quick and idempotent: a burst of signals replays them
// back to back.
type SignalBridge struct {
	backend ExecBackend
	ch      chan os.Signal
	actions map[os.Signal]func()

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// newSignalBridge creates a bridge dispatching through the given backend
func newSignalBridge(backend ExecBackend) *SignalBridge {
	return &SignalBridge{
		backend: backend,
		ch:      make(chan os.Signal, DefaultSignalBuffer),
		actions: make(map[os.Signal]func()),
	}
}

// Bind associates sig with action. Binding after Start has no effect until
// the next Start.
func (b *SignalBridge) Bind(sig os.Signal, action func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actions[sig] = action
}

// Start registers all bound signals with the backend and begins dispatching.
// Before Start, signals keep their default OS disposition.
func (b *SignalBridge) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.done = make(chan struct{})

	sigs := make([]os.Signal, 0, len(b.actions))
	for sig := range b.actions {
		sigs = append(sigs, sig)
	}
	b.backend.Notify(b.ch, sigs...)

	go func() {
		defer close(b.done)
		for sig := range b.ch {
			b.mu.Lock()
			action := b.actions[sig]
			b.mu.Unlock()
			if action != nil {
				action()
			}
		}
	}()
}

// Stop unregisters the signals and waits for the dispatch goroutine to drain
func (b *SignalBridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	done := b.done
	b.mu.Unlock()

	b.backend.StopNotify(b.ch)
	close(b.ch)
	<-done

	b.mu.Lock()
	b.ch = make(chan os.Signal, DefaultSignalBuffer)
	b.mu.Unlock()
}

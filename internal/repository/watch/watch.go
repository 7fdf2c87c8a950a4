// Package watch turns "something changed" pokes from a store into ordered,
// coalesced snapshot deliveries for one subscriber.
package watch

import (
	"context"
	"sync"
)

// LoadFunc reads the current state and returns the delivery to run for it.
type LoadFunc func(ctx context.Context) (deliver func(), err error)

// Watch re-reads state on every Kick and hands it to the subscriber on its own
// goroutine. Kicks that arrive while a load is running collapse into one
// follow-up load, so a slow subscriber always sees the latest state.
type Watch struct {
	load    LoadFunc
	onError func(error)

	mu     sync.Mutex
	closed bool

	kick   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Start launches the watch and schedules the initial delivery.
func Start(load LoadFunc, onError func(error)) *Watch {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Watch{
		load:    load,
		onError: onError,
		kick:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go w.run()
	w.Kick()
	return w
}

// Kick schedules a reload. It never blocks.
func (w *Watch) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Fail reports err to the subscriber unless the watch is closed.
func (w *Watch) Fail(err error) {
	if w.onError == nil {
		return
	}
	w.emit(func() { w.onError(err) })
}

// Unsubscribe stops deliveries. Once it returns no callback is running or
// will run. It must not be called from inside a callback.
func (w *Watch) Unsubscribe() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	<-w.done
	return nil
}

// Done is closed once the watch stops.
func (w *Watch) Done() <-chan struct{} { return w.done }

func (w *Watch) run() {
	defer close(w.done)
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.kick:
		}

		deliver, err := w.load(w.ctx)
		if w.ctx.Err() != nil {
			return
		}
		if err != nil {
			w.Fail(err)
			continue
		}
		if deliver != nil {
			w.emit(deliver)
		}
	}
}

func (w *Watch) emit(fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	fn()
}

package radio

import (
	"fmt"
	"sync"
)

// dispatcher delivers queued items to a handler in order, on its own
// goroutine, so a handler may call back into the Radio. push never blocks.
type dispatcher[T any] struct {
	deliver func(T)
	// recovered is called with the item whose delivery panicked. Nil
	// lets the panic through.
	recovered func(T, error)

	mu      sync.Mutex
	queue   []T
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func newDispatcher[T any](deliver func(T), recovered func(T, error)) *dispatcher[T] {
	d := &dispatcher[T]{
		deliver:   deliver,
		recovered: recovered,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher[T]) push(v T) {
	d.mu.Lock()
	d.queue = append(d.queue, v)
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// close delivers what is queued and stops the goroutine.
func (d *dispatcher[T]) close() {
	close(d.done)
	<-d.stopped
}

func (d *dispatcher[T]) run() {
	defer close(d.stopped)
	for {
		select {
		case <-d.wake:
			d.flush()
		case <-d.done:
			d.flush()
			return
		}
	}
}

func (d *dispatcher[T]) flush() {
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			d.mu.Unlock()
			return
		}
		v := d.queue[0]
		var zero T
		d.queue[0] = zero
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.call(v)
	}
}

func (d *dispatcher[T]) call(v T) {
	if d.recovered != nil {
		defer func() {
			if p := recover(); p != nil {
				d.recovered(v, fmt.Errorf("radio: handler panic: %v", p))
			}
		}()
	}
	d.deliver(v)
}

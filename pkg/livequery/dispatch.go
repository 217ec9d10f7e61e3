package livequery

import (
	"sync"

	"go.uber.org/zap"
)

// Dispatcher is the execution context result handlers run on
type Dispatcher interface {
	Dispatch(fn func())
}

// DispatcherFunc adapts a function to the Dispatcher interface.
// DispatcherFunc(func(fn func()) { fn() }) runs handlers inline.
type DispatcherFunc func(fn func())

// Dispatch calls f(fn)
func (f DispatcherFunc) Dispatch(fn func()) {
	f(fn)
}

// SerialQueue runs submitted functions one at a time, in submission order,
// on a single goroutine. Dispatch never blocks.
type SerialQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
	logger  *zap.Logger
}

// Ensure SerialQueue implements Dispatcher interface
var _ Dispatcher = (*SerialQueue)(nil)

// NewSerialQueue starts a queue. A nil logger discards panic reports.
func NewSerialQueue(logger *zap.Logger) *SerialQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &SerialQueue{
		done:   make(chan struct{}),
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Dispatch enqueues fn. Functions submitted after Close are dropped.
func (q *SerialQueue) Dispatch(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
}

// Close stops accepting work. Already queued functions still run; Done is
// closed after the last one returns. Close does not wait, so it is safe to
// call from a queued function.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Done is closed once the queue has drained after Close
func (q *SerialQueue) Done() <-chan struct{} {
	return q.done
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

func (q *SerialQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatched function panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

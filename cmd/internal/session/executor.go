package session

import "sync"

// Executor runs handler calls on the consumer's context.
type Executor interface {
	Execute(fn func())
}

// InlineExecutor runs fn on the delivering goroutine. It adds no buffering.
type InlineExecutor struct{}

func (InlineExecutor) Execute(fn func()) { fn() }

// SerialExecutor runs calls one at a time, in submission order, on a single consumer
// goroutine. Execute blocks while the queue is full so nothing is dropped or reordered.
//
// Close is idempotent; calls submitted after Close are discarded.
type SerialExecutor struct {
	queue chan func()

	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

// NewSerialExecutor starts the consumer goroutine with a queue of size (default 256).
func NewSerialExecutor(size int) *SerialExecutor {
	if size <= 0 {
		size = 256
	}
	e := &SerialExecutor{
		queue:  make(chan func(), size),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *SerialExecutor) run() {
	defer close(e.exited)
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.queue:
			fn()
		}
	}
}

// Execute enqueues fn.
func (e *SerialExecutor) Execute(fn func()) {
	select {
	case <-e.done:
		return
	default:
	}

	select {
	case <-e.done:
	case e.queue <- fn:
	}
}

// Close stops the consumer goroutine and waits for the call in flight to return.
func (e *SerialExecutor) Close() {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	<-e.exited
}

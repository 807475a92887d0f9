package websocket

import (
	"sync"

	"github.com/eapache/queue"
)

// EventLoop is the default Executor: one goroutine running posted functions
// in order. Post never blocks; the backlog is unbounded so that no state
// change is ever dropped.
type EventLoop struct {
	mu      sync.Mutex
	pending *queue.Queue
	notify  chan struct{}
	closed  bool
	// running is set while a posted function executes on the loop goroutine.
	running bool
	done    chan struct{}
	logger  Logger
}

// NewEventLoop starts an event loop goroutine.
func NewEventLoop() *EventLoop {
	return newEventLoop(defaultLogger{})
}

func newEventLoop(logger Logger) *EventLoop {
	l := &EventLoop{
		pending: queue.New(),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go l.run()
	return l
}

// Post schedules fn. Functions posted after Close are dropped.
func (l *EventLoop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending.Add(fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of functions waiting to run.
func (l *EventLoop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length()
}

// Close stops accepting work, runs what is already queued and waits for the
// loop to exit. Called from a posted function it returns without waiting, and
// the loop exits once that function and the remaining backlog have run.
func (l *EventLoop) Close() {
	l.mu.Lock()
	already := l.closed
	l.closed = true
	running := l.running
	l.mu.Unlock()

	if !already {
		select {
		case l.notify <- struct{}{}:
		default:
		}
	}
	if running {
		return
	}
	<-l.done
}

func (l *EventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if l.pending.Length() == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.notify
			continue
		}
		fn := l.pending.Remove().(func())
		l.running = true
		l.mu.Unlock()

		l.invoke(fn)

		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}
}

func (l *EventLoop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Errorf("websocket: callback panic: %v", r)
		}
	}()
	fn()
}

package websocket

import (
	"sync"
)

// MessageHandler handles one routed message.
type MessageHandler func(msg Message)

type handlerEntry struct {
	fn MessageHandler
}

// Router delivers messages to handlers based on kind. It is a Listener, so
// several independent concerns can register on one client without replacing
// each other.
type Router struct {
	mu     sync.RWMutex
	kinds  [KindCount][]*handlerEntry
	any    []*handlerEntry
	states []func(ConnectionState)
	errs   []func(error)
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{}
}

// Handle registers fn for messages of kind and returns a function removing it.
func (r *Router) Handle(kind Kind, fn MessageHandler) (remove func()) {
	if r == nil || fn == nil || int(kind) >= KindCount {
		return func() {}
	}
	entry := &handlerEntry{fn: fn}
	r.mu.Lock()
	r.kinds[kind] = append(r.kinds[kind], entry)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.kinds[kind] = removeEntry(r.kinds[kind], entry)
		r.mu.Unlock()
	}
}

// HandleAll registers fn for every message.
func (r *Router) HandleAll(fn MessageHandler) (remove func()) {
	if r == nil || fn == nil {
		return func() {}
	}
	entry := &handlerEntry{fn: fn}
	r.mu.Lock()
	r.any = append(r.any, entry)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		r.any = removeEntry(r.any, entry)
		r.mu.Unlock()
	}
}

// HandleState registers fn for state changes.
func (r *Router) HandleState(fn func(ConnectionState)) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	r.states = append(r.states, fn)
	r.mu.Unlock()
}

// HandleError registers fn for client errors.
func (r *Router) HandleError(fn func(error)) {
	if r == nil || fn == nil {
		return
	}
	r.mu.Lock()
	r.errs = append(r.errs, fn)
	r.mu.Unlock()
}

// Route dispatches msg to the handlers of its kind, then to catch-all handlers.
func (r *Router) Route(msg Message) {
	if r == nil {
		return
	}
	r.mu.RLock()
	var handlers []*handlerEntry
	if int(msg.Kind) < KindCount {
		handlers = append(handlers, r.kinds[msg.Kind]...)
	}
	handlers = append(handlers, r.any...)
	r.mu.RUnlock()

	for _, h := range handlers {
		h.fn(msg)
	}
}

func (r *Router) OnMessage(msg Message) {
	r.Route(msg)
}

func (r *Router) OnStateChanged(state ConnectionState) {
	r.mu.RLock()
	fns := append([]func(ConnectionState){}, r.states...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(state)
	}
}

func (r *Router) OnError(err error) {
	r.mu.RLock()
	fns := append([]func(error){}, r.errs...)
	r.mu.RUnlock()
	for _, fn := range fns {
		fn(err)
	}
}

func removeEntry(list []*handlerEntry, entry *handlerEntry) []*handlerEntry {
	for i, existing := range list {
		if existing == entry {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

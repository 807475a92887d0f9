package websocket

import (
	"context"
	"net/http"
)

// Conn is a minimal interface for a WebSocket connection.
// Read may be called concurrently with Write and Close.
type Conn interface {
	Read(ctx context.Context) (msgType MessageType, payload []byte, err error)
	Write(ctx context.Context, msgType MessageType, payload []byte) error
	SetPongHandler(h func())
	Close(code CloseCode, reason string) error
}

// Dialer creates new connections.
type Dialer interface {
	Dial(ctx context.Context, uri string, header http.Header) (Conn, error)
}

// TokenSource supplies the bearer token at connect time.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Executor runs callbacks on the application's own event loop.
// Post must not block and must run fns one at a time in submission order.
type Executor interface {
	Post(fn func())
}

// Listener receives client events on the Executor.
type Listener interface {
	OnMessage(msg Message)
	OnStateChanged(state ConnectionState)
	OnError(err error)
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	Message      func(msg Message)
	StateChanged func(state ConnectionState)
	Error        func(err error)
}

func (l ListenerFuncs) OnMessage(msg Message) {
	if l.Message != nil {
		l.Message(msg)
	}
}

func (l ListenerFuncs) OnStateChanged(state ConnectionState) {
	if l.StateChanged != nil {
		l.StateChanged(state)
	}
}

func (l ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}

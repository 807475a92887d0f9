package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

var errDialRefused = errors.New("dial refused")

type fakeConn struct {
	autoPong bool
	// gate, when set, holds every data write until it is closed.
	gate    chan struct{}
	inbound chan []byte
	closed  chan struct{}

	mu         sync.Mutex
	writes     [][]byte
	pings      int
	failWrites bool
	pong       func()
	closeCode  CloseCode
	closeOnce  sync.Once
}

func newFakeConn(autoPong bool, gate chan struct{}) *fakeConn {
	return &fakeConn{
		autoPong: autoPong,
		gate:     gate,
		inbound:  make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) Read(ctx context.Context) (MessageType, []byte, error) {
	select {
	case buf := <-c.inbound:
		return MessageText, buf, nil
	case <-c.closed:
		return 0, nil, exception.ErrWebSocketConnectionClose
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, msgType MessageType, payload []byte) error {
	select {
	case <-c.closed:
		return exception.ErrConnectionClose
	default:
	}
	if c.gate != nil && msgType != MessagePing {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.mu.Lock()
	if c.failWrites {
		c.mu.Unlock()
		return errors.New("broken pipe")
	}
	var pong func()
	switch msgType {
	case MessagePing:
		c.pings++
		if c.autoPong {
			pong = c.pong
		}
	default:
		c.writes = append(c.writes, append([]byte(nil), payload...))
	}
	c.mu.Unlock()

	if pong != nil {
		pong()
	}
	return nil
}

func (c *fakeConn) SetPongHandler(h func()) {
	c.mu.Lock()
	c.pong = h
	c.mu.Unlock()
}

func (c *fakeConn) Close(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeCode = code
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

func (c *fakeConn) push(raw string) {
	select {
	case c.inbound <- []byte(raw):
	case <-c.closed:
	}
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	c.failWrites = fail
	c.mu.Unlock()
}

// written returns the text frames written so far, heartbeats excluded.
func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		if Decode(w).Kind == KindHeartbeat {
			continue
		}
		out = append(out, string(w))
	}
	return out
}

func (c *fakeConn) heartbeats() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.writes {
		if Decode(w).Kind == KindHeartbeat {
			n++
		}
	}
	return n
}

func (c *fakeConn) pingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pings
}

func (c *fakeConn) code() CloseCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

// fakeDialer fails the first len(failures) dials with the given errors, then
// keeps failing when failAll is set, otherwise hands out fakeConns.
type fakeDialer struct {
	failures []error
	failAll  bool
	autoPong bool
	block    bool
	gate     chan struct{}

	mu      sync.Mutex
	dials   int
	uris    []string
	headers []http.Header
	conns   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, uri string, header http.Header) (Conn, error) {
	d.mu.Lock()
	n := d.dials
	d.dials++
	d.uris = append(d.uris, uri)
	d.headers = append(d.headers, header.Clone())
	block := d.block
	var err error
	switch {
	case n < len(d.failures):
		err = d.failures[n]
	case d.failAll:
		err = errDialRefused
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	conn := newFakeConn(d.autoPong, d.gate)
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) lastDial() (string, http.Header) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.uris) == 0 {
		return "", nil
	}
	return d.uris[len(d.uris)-1], d.headers[len(d.headers)-1]
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for dial")
		return nil
	}
}

// recorder collects listener events in the order they were delivered.
type recorder struct {
	mu       sync.Mutex
	states   []ConnectionState
	messages []Message
	errs     []error
}

func (r *recorder) OnMessage(msg Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recorder) OnStateChanged(state ConnectionState) {
	r.mu.Lock()
	r.states = append(r.states, state)
	r.mu.Unlock()
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *recorder) States() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.states...)
}

func (r *recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

func (r *recorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) lastState() (ConnectionState, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return 0, false
	}
	return r.states[len(r.states)-1], true
}

func (r *recorder) hasError(target error) bool {
	for _, err := range r.Errors() {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func testConfig() Config {
	cfg := Development()
	cfg.ConnectTimeout = time.Second
	cfg.HeartbeatInterval = time.Hour
	cfg.WriteTimeout = time.Second
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = 4 * time.Millisecond
	return cfg
}

func newTestClient(t *testing.T, cfg Config, d *fakeDialer, opts ...Option) (*Client, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts = append([]Option{WithDialer(d), WithLogger(NopLogger{}), WithListener(rec)}, opts...)
	c, err := NewClient(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, rec
}

// blockSleep parks the reconnect loop in Reconnecting until the attempt is canceled.
func blockSleep(ctx context.Context, _ time.Duration) {
	<-ctx.Done()
}

func isReady(c *Client) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msgAndArgs...)
}

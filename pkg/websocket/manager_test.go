package websocket

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

func TestClientConnectAndDisconnect(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClient(t, testConfig(), d)

	require.Equal(t, StateDisconnected, c.State())
	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, c.IsConnected)

	// connecting or connected: no-op
	require.NoError(t, c.Connect())
	assert.Equal(t, 1, d.dialCount())

	c.Disconnect()
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())

	eventually(t, func() bool { return len(rec.States()) == 3 })
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateDisconnected}, rec.States())
	eventually(t, func() bool { return conn.code() == CloseGoingAway })
}

func TestClientSendWhileDisconnectedFlushesInOrder(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestClient(t, testConfig(), d)

	assert.False(t, c.SendType("a", map[string]any{"n": 1}))
	assert.False(t, c.SendType("b", map[string]any{"n": 2}))
	assert.False(t, c.SendType("c", map[string]any{"n": 3}))
	require.Equal(t, 3, c.QueueLen())

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)

	eventually(t, func() bool { return len(conn.written()) == 3 })
	var types []string
	for _, raw := range conn.written() {
		types = append(types, Decode([]byte(raw)).KindRaw)
	}
	assert.Equal(t, []string{"a", "b", "c"}, types)
	assert.Zero(t, c.QueueLen())
	eventually(t, func() bool { return c.Stats().MessagesSent == 3 })
}

func TestClientQueueDropsOldestWhenFull(t *testing.T) {
	cfg := testConfig()
	cfg.MessageQueueMaxSize = 2
	d := newFakeDialer()
	c, _ := newTestClient(t, cfg, d)

	c.SendType("first", nil)
	c.SendType("second", nil)
	c.SendType("third", nil)
	assert.Equal(t, 2, c.QueueLen())
	assert.Equal(t, uint64(1), c.Stats().DroppedMessages)

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, func() bool { return len(conn.written()) == 2 })
	written := conn.written()
	assert.Equal(t, "second", Decode([]byte(written[0])).KindRaw)
	assert.Equal(t, "third", Decode([]byte(written[1])).KindRaw)
}

func TestClientSendWhenConnected(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestClient(t, testConfig(), d)

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, func() bool { return isReady(c) })

	assert.True(t, c.Send(map[string]any{"type": "play", "payload": map[string]any{"post_id": "p1"}}))
	eventually(t, func() bool { return len(conn.written()) == 1 })
	assert.JSONEq(t, `{"type":"play","payload":{"post_id":"p1"}}`, conn.written()[0])
	assert.Zero(t, c.QueueLen())
}

func TestClientSendKeepsOrderWhenWriterFallsBehind(t *testing.T) {
	cfg := testConfig()
	cfg.MessageQueueMaxSize = 3
	d := newFakeDialer()
	d.gate = make(chan struct{})
	c, _ := newTestClient(t, cfg, d)

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, func() bool { return isReady(c) })

	names := []string{"m1", "m2", "m3", "m4", "m5"}
	var handed []bool
	for _, name := range names {
		handed = append(handed, c.SendType(name, nil))
	}
	assert.Contains(t, handed, false)
	assert.False(t, isReady(c))
	assert.NotZero(t, c.QueueLen())

	close(d.gate)
	eventually(t, func() bool { return len(conn.written()) == len(names) })
	assert.Equal(t, names, writtenTypes(conn))
	eventually(t, func() bool { return isReady(c) })
	assert.Zero(t, c.QueueLen())

	assert.True(t, c.SendType("m6", nil))
	eventually(t, func() bool { return len(conn.written()) == len(names)+1 })
	assert.Equal(t, append(names, "m6"), writtenTypes(conn))
}

func TestClientRequeuesBacklogAheadOfQueue(t *testing.T) {
	cfg := testConfig()
	cfg.MessageQueueMaxSize = 3
	d := newFakeDialer()
	d.gate = make(chan struct{})
	c, _ := newTestClient(t, cfg, d)

	require.NoError(t, c.Connect())
	first := d.nextConn(t)
	eventually(t, func() bool { return isReady(c) })

	names := []string{"m1", "m2", "m3", "m4", "m5"}
	for _, name := range names {
		c.SendType(name, nil)
	}
	first.setFailWrites(true)
	close(d.gate)

	second := d.nextConn(t)
	eventually(t, func() bool { return isReady(c) })
	written := writtenTypes(second)
	require.GreaterOrEqual(t, len(written), cfg.MessageQueueMaxSize)
	// evictions only ever take the oldest, so what survives is an ordered tail
	assert.Equal(t, names[len(names)-len(written):], written)
	assert.Empty(t, first.written())
}

func TestClientReconnectDelaysDoubleUntilExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Second
	cfg.ReconnectMaxDelay = 30 * time.Second
	cfg.MaxReconnectAttempts = 5
	d := newFakeDialer()
	d.failAll = true
	c, rec := newTestClient(t, cfg, d)

	var mu sync.Mutex
	var delays []time.Duration
	c.sleep = func(_ context.Context, delay time.Duration) {
		mu.Lock()
		delays = append(delays, delay)
		mu.Unlock()
	}

	require.NoError(t, c.Connect())
	eventually(t, func() bool { return rec.hasError(exception.ErrReconnectExhausted) })

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 6, d.dialCount())
	mu.Lock()
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, delays)
	mu.Unlock()
	assert.Equal(t, uint64(5), c.Stats().ReconnectAttempts)
}

func TestClientStopsAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 3
	d := newFakeDialer()
	d.failAll = true
	c, rec := newTestClient(t, cfg, d)

	require.NoError(t, c.Connect())
	eventually(t, func() bool { return rec.hasError(exception.ErrReconnectExhausted) })

	assert.Equal(t, StateDisconnected, c.State())
	assert.Equal(t, 4, d.dialCount())
	eventually(t, func() bool { return len(rec.States()) == 3 })
	assert.Equal(t, []ConnectionState{StateConnecting, StateReconnecting, StateDisconnected}, rec.States())

	// a fresh Connect starts over
	d.mu.Lock()
	d.failAll = false
	d.mu.Unlock()
	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, c.IsConnected)
}

func TestClientRetriesForeverWhenUnbounded(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = -1
	d := newFakeDialer()
	d.failAll = true
	c, rec := newTestClient(t, cfg, d)

	require.NoError(t, c.Connect())
	eventually(t, func() bool { return d.dialCount() > 25 })

	assert.Equal(t, StateReconnecting, c.State())
	assert.False(t, rec.hasError(exception.ErrReconnectExhausted))
	assert.GreaterOrEqual(t, c.Stats().ReconnectAttempts, uint64(25))

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientReconnectsAfterServerClose(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClient(t, testConfig(), d)

	require.NoError(t, c.Connect())
	first := d.nextConn(t)
	eventually(t, c.IsConnected)

	_ = first.Close(CloseNormal, "server restart")
	second := d.nextConn(t)
	eventually(t, c.IsConnected)

	eventually(t, func() bool { return len(rec.States()) == 4 })
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected, StateReconnecting, StateConnected}, rec.States())

	second.push(`{"type":"like","payload":{"post_id":"p9"}}`)
	eventually(t, func() bool { return len(rec.Messages()) == 1 })
	assert.Equal(t, uint64(2), rec.Messages()[0].Epoch)
}

func TestClientHeartbeatTimeoutReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	d := newFakeDialer()
	c, rec := newTestClient(t, cfg, d)
	c.sleep = blockSleep

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, c.IsConnected)
	start := time.Now()

	eventually(t, func() bool { return c.State() == StateReconnecting })
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 2*cfg.HeartbeatInterval+200*time.Millisecond)
	assert.GreaterOrEqual(t, conn.pingCount(), 1)
	assert.GreaterOrEqual(t, conn.heartbeats(), 1)

	eventually(t, func() bool {
		s, ok := rec.lastState()
		return ok && s == StateReconnecting
	})
}

func TestClientHeartbeatPongKeepsConnection(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	d := newFakeDialer()
	d.autoPong = true
	c, _ := newTestClient(t, cfg, d)

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, c.IsConnected)

	time.Sleep(10 * cfg.HeartbeatInterval)
	assert.True(t, c.IsConnected())
	assert.GreaterOrEqual(t, conn.pingCount(), 3)
	assert.Equal(t, 1, d.dialCount())
}

func TestClientHeartbeatReplyUpdatesRTT(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClient(t, testConfig(), d)

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, c.IsConnected)

	sent := time.Now().Add(-40 * time.Millisecond).UnixMilli()
	conn.push(`{"type":"pong","payload":{"client_time":` + strconv.FormatInt(sent, 10) + `}}`)
	eventually(t, func() bool { return len(rec.Messages()) == 1 })

	assert.Equal(t, KindHeartbeat, rec.Messages()[0].Kind)
	assert.GreaterOrEqual(t, c.Stats().HeartbeatRTT, 30*time.Millisecond)
}

func TestClientDeliversClassifiedMessages(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClient(t, testConfig(), d)

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, c.IsConnected)

	conn.push(`{"type":"new_post","payload":{"id":"p1"}}`)
	conn.push(`not json`)
	conn.push(`{"type":"something_else","data":{"x":1}}`)
	eventually(t, func() bool { return len(rec.Messages()) == 3 })

	msgs := rec.Messages()
	assert.Equal(t, KindNewPost, msgs[0].Kind)
	assert.Equal(t, "p1", msgs[0].String("id"))
	assert.Equal(t, KindError, msgs[1].Kind)
	assert.Error(t, msgs[1].Err)
	assert.Equal(t, "not json", msgs[1].Raw)
	assert.Equal(t, KindUnknown, msgs[2].Kind)
	assert.Equal(t, "something_else", msgs[2].KindRaw)

	stats := c.Stats()
	assert.Equal(t, uint64(3), stats.MessagesReceived)
	assert.False(t, stats.LastMessageAt.IsZero())
	assert.False(t, stats.ConnectedSince.IsZero())
}

func TestClientDropsFramesFromStaleSession(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClient(t, testConfig(), d)

	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, c.IsConnected)

	stale := newSession(c, newFakeConn(false, nil), 99, c.Config(), make(chan Envelope))
	c.deliver(stale, Message{Kind: KindLike, Epoch: 99})

	c.Disconnect()
	eventually(t, func() bool { return len(rec.States()) == 3 })
	assert.Empty(t, rec.Messages())
	assert.Zero(t, c.Stats().MessagesReceived)
}

func TestClientDisconnectCancelsPendingRetry(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	d := newFakeDialer()
	d.failAll = true
	c, rec := newTestClient(t, cfg, d)

	require.NoError(t, c.Connect())
	eventually(t, func() bool { return c.State() == StateReconnecting })

	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, d.dialCount())

	eventually(t, func() bool {
		s, ok := rec.lastState()
		return ok && s == StateDisconnected
	})
	assert.Empty(t, rec.Errors())
}

func TestClientDisconnectCancelsDial(t *testing.T) {
	d := newFakeDialer()
	d.block = true
	c, _ := newTestClient(t, testConfig(), d)

	require.NoError(t, c.Connect())
	eventually(t, func() bool { return d.dialCount() == 1 })
	c.Disconnect()
	assert.Equal(t, StateDisconnected, c.State())
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, c.State())
}

func TestClientConnectWhileReconnectingRetriesNow(t *testing.T) {
	cfg := testConfig()
	cfg.ReconnectBaseDelay = time.Hour
	cfg.ReconnectMaxDelay = time.Hour
	d := newFakeDialer()
	d.failures = []error{errDialRefused}
	c, _ := newTestClient(t, cfg, d)

	require.NoError(t, c.Connect())
	eventually(t, func() bool { return c.State() == StateReconnecting })

	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, c.IsConnected)
	assert.Equal(t, 2, d.dialCount())
}

func TestClientDisconnectClearsQueue(t *testing.T) {
	d := newFakeDialer()
	c, rec := newTestClient(t, testConfig(), d)

	c.SendType("a", nil)
	c.SendType("b", nil)
	require.Equal(t, 2, c.QueueLen())

	c.Disconnect()
	assert.Zero(t, c.QueueLen())
	assert.Equal(t, StateDisconnected, c.State())

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, rec.States())
}

func TestClientWriteFailureRequeuesMessage(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestClient(t, testConfig(), d)
	c.sleep = blockSleep

	require.NoError(t, c.Connect())
	conn := d.nextConn(t)
	eventually(t, func() bool { return isReady(c) })

	conn.setFailWrites(true)
	assert.True(t, c.SendType("comment", map[string]any{"text": "hi"}))

	eventually(t, func() bool { return c.State() == StateReconnecting })
	eventually(t, func() bool { return c.QueueLen() == 1 })
	assert.Equal(t, "comment", c.queue.Snapshot()[0].Type)
}

func TestClientAuthToken(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestClient(t, testConfig(), d, WithTokenSource(TokenFunc(func() string { return "from-source" })))

	assert.False(t, c.HasAuthToken())
	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, c.IsConnected)
	uri, header := d.lastDial()
	assert.Equal(t, "ws://localhost:8787/api/v1/ws?token=from-source", uri)
	assert.Equal(t, "Bearer from-source", header.Get("Authorization"))
	c.Disconnect()

	c.SetAuthToken("abc")
	assert.True(t, c.HasAuthToken())
	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, c.IsConnected)
	uri, header = d.lastDial()
	assert.Equal(t, "ws://localhost:8787/api/v1/ws?token=abc", uri)
	assert.Equal(t, "Bearer abc", header.Get("Authorization"))

	c.ClearAuthToken()
	assert.False(t, c.HasAuthToken())
}

func TestClientUnauthorizedKeepsReconnecting(t *testing.T) {
	d := newFakeDialer()
	d.failures = []error{exception.ErrUnauthorized}
	c, rec := newTestClient(t, testConfig(), d)
	c.sleep = blockSleep

	require.NoError(t, c.Connect())
	eventually(t, func() bool { return rec.hasError(exception.ErrUnauthorized) })
	assert.Equal(t, StateReconnecting, c.State())
}

func TestClientCallbacksRunOnExecutor(t *testing.T) {
	exec := &countingExecutor{}
	d := newFakeDialer()
	c, rec := newTestClient(t, testConfig(), d, WithExecutor(exec))

	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, c.IsConnected)

	eventually(t, func() bool { return exec.count() >= 2 })
	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, rec.States())
}

func TestClientRemoveListener(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestClient(t, testConfig(), d)

	extra := &recorder{}
	remove := c.AddListener(extra)
	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, func() bool { return len(extra.States()) == 2 })

	remove()
	c.Disconnect()
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, extra.States(), 2)
}

func TestClientSetConfigAppliesOnNextAttempt(t *testing.T) {
	d := newFakeDialer()
	c, _ := newTestClient(t, testConfig(), d)

	bad := testConfig()
	bad.Port = 0
	require.Error(t, c.SetConfig(bad))

	next := testConfig()
	next.Host = "staging.sidechain.app"
	next.Port = 9000
	require.NoError(t, c.SetConfig(next))

	require.NoError(t, c.Connect())
	d.nextConn(t)
	uri, _ := d.lastDial()
	assert.Equal(t, "ws://staging.sidechain.app:9000/api/v1/ws", uri)
}

func TestClientCloseJoinsGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := newFakeDialer()
	c, err := NewClient(testConfig(), WithDialer(d), WithLogger(NopLogger{}))
	require.NoError(t, err)

	require.NoError(t, c.Connect())
	d.nextConn(t)
	eventually(t, c.IsConnected)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(), exception.ErrClientClosed)
}

func TestClientCloseFromCallback(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	d := newFakeDialer()
	d.failAll = true

	closed := make(chan error, 1)
	var c *Client
	var err error
	c, err = NewClient(cfg, WithDialer(d), WithLogger(NopLogger{}), WithListener(ListenerFuncs{
		Error: func(err error) {
			if err == exception.ErrReconnectExhausted {
				closed <- c.Close()
			}
		},
	}))
	require.NoError(t, err)
	require.NoError(t, c.Connect())

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a listener did not return")
	}
	select {
	case <-c.ownLoop.done:
	case <-time.After(2 * time.Second):
		t.Fatal("event loop did not exit")
	}
	assert.Equal(t, StateDisconnected, c.State())
	assert.ErrorIs(t, c.Connect(), exception.ErrClientClosed)
}

func TestClientCloseWithoutConnect(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c, err := NewClient(testConfig(), WithDialer(newFakeDialer()), WithLogger(NopLogger{}))
	require.NoError(t, err)
	require.NoError(t, c.Close())
}

func TestNewClientRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Host = ""
	_, err := NewClient(cfg)
	require.Error(t, err)
}

type countingExecutor struct {
	mu sync.Mutex
	n  int
}

func (e *countingExecutor) Post(fn func()) {
	e.mu.Lock()
	e.n++
	e.mu.Unlock()
	fn()
}

func (e *countingExecutor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.n
}

func writtenTypes(conn *fakeConn) []string {
	var types []string
	for _, raw := range conn.written() {
		types = append(types, Decode([]byte(raw)).KindRaw)
	}
	return types
}

package websocket

import (
	"context"
	stderrors "errors"
	"net/http"
	"sync"
	"time"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the default gorilla/websocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithExecutor delivers callbacks on the application's event loop instead of
// a loop owned by the client.
func WithExecutor(e Executor) Option {
	return func(c *Client) {
		if e != nil {
			c.executor = e
		}
	}
}

// WithLogger replaces the default logs-backed logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTokenSource consults ts at connect time when no token was set explicitly.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) {
		c.tokens = ts
	}
}

// WithListener registers l before the client is returned.
func WithListener(l Listener) Option {
	return func(c *Client) {
		if l != nil {
			c.listeners = append(c.listeners, &listenerEntry{l: l})
		}
	}
}

type listenerEntry struct {
	l Listener
}

// Client owns one persistent connection: it dials, keeps the connection alive
// with heartbeats, reconnects with backoff, queues outbound messages while
// disconnected and posts every event to its listeners on the Executor.
type Client struct {
	dialer   Dialer
	executor Executor
	ownLoop  *EventLoop
	logger   Logger
	tokens   TokenSource
	queue    *OutboundQueue

	mu              sync.Mutex
	cfg             Config
	token           string
	state           ConnectionState
	shouldReconnect bool
	attempts        int
	// gen changes on every Connect from Disconnected and every Disconnect, so
	// an attempt started before the user acted cannot move the state machine.
	gen           uint64
	epoch         uint64
	session       *session
	ready         bool
	out           chan Envelope
	stats         Stats
	listeners     []*listenerEntry
	cancelAttempt context.CancelFunc
	started       bool
	closed        bool

	wake     chan struct{}
	retryNow chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	sleep func(ctx context.Context, d time.Duration)
}

// NewClient validates cfg and builds a disconnected client.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		logger:   defaultLogger{},
		queue:    NewOutboundQueue(cfg.MessageQueueMaxSize),
		cfg:      cfg,
		wake:     make(chan struct{}, 1),
		retryNow: make(chan struct{}, 1),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.dialer == nil {
		c.dialer = NewDialer()
	}
	if c.executor == nil {
		c.ownLoop = newEventLoop(c.logger)
		c.executor = c.ownLoop
	}
	c.sleep = c.sleepBackoff

	c.logger.Infof("websocket: client initialized, host: %s:%d", cfg.Host, cfg.Port)
	return c, nil
}

// Connect starts connecting. It is a no-op while connecting or connected; while
// reconnecting it resets the attempt counter and retries without waiting out
// the current backoff.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return exception.ErrClientClosed
	}

	switch c.state {
	case StateConnecting, StateConnected:
		c.logger.Debugf("websocket: already %s", c.state)
		return nil
	case StateReconnecting:
		c.shouldReconnect = true
		c.attempts = 0
		notify(c.retryNow)
		return nil
	}

	c.shouldReconnect = true
	c.attempts = 0
	c.gen++
	c.setStateLocked(StateConnecting)
	if !c.started {
		c.started = true
		go c.run()
	}
	notify(c.wake)
	return nil
}

// Disconnect closes the connection, cancels any pending retry, clears the
// outbound queue and stops reconnecting. It is idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.shouldReconnect = false
	c.gen++
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
	c.detachSessionLocked()
	if n := c.queue.Clear(); n > 0 {
		c.logger.Debugf("websocket: discarded %d queued messages on disconnect", n)
	}
	c.setStateLocked(StateDisconnected)
}

// Close disconnects and waits for the background goroutine to exit. A loop
// created by the client is drained and stopped as well.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	c.Disconnect()
	c.cancel()
	if started {
		<-c.done
	} else {
		close(c.done)
	}
	if c.ownLoop != nil {
		c.ownLoop.Close()
	}
	return nil
}

// Send writes a complete message. It returns true when the message was handed
// to the open connection and false when it was queued for the next one.
func (c *Client) Send(message any) bool {
	return c.SendEnvelope(Envelope{Payload: message, CreatedAt: time.Now()})
}

// SendType sends {"type": msgType, "payload": payload}, see Send.
func (c *Client) SendType(msgType string, payload any) bool {
	return c.SendEnvelope(NewEnvelope(msgType, payload))
}

// SendEnvelope is Send for a prepared envelope. Envelopes that cannot be
// encoded are logged and dropped.
func (c *Client) SendEnvelope(env Envelope) bool {
	frame, err := EncodeEnvelope(env)
	if err != nil {
		c.logger.Errorf("websocket: drop outbound message %q, err: %+v", env.Type, err)
		return false
	}
	env.frame = frame

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected && c.ready && c.out != nil {
		select {
		case c.out <- env:
			return true
		default:
		}
		// the writer fell behind: queue this and every later send until the
		// session has drained both the handoff channel and the queue
		c.ready = false
		c.enqueueLocked(env)
		notify(c.session.backlog)
		return false
	}
	c.enqueueLocked(env)
	return false
}

// SetAuthToken sets the token used by the next connection attempt.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Debugf("websocket: auth token set")
}

// ClearAuthToken removes the token used by the next connection attempt.
func (c *Client) ClearAuthToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// HasAuthToken reports whether a token was set with SetAuthToken.
func (c *Client) HasAuthToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

// SetConfig replaces the config. It applies from the next connection attempt.
func (c *Client) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cfg = cfg.withDefaults()
	c.mu.Unlock()
	return nil
}

// Config returns the current config.
func (c *Client) Config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the state is StateConnected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// QueueLen returns the number of messages waiting for a connection.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	stats := c.stats
	c.mu.Unlock()
	stats.QueuedMessages = c.queue.Len()
	stats.DroppedMessages = c.queue.Dropped()
	return stats
}

// AddListener registers l and returns a function that removes it.
func (c *Client) AddListener(l Listener) (remove func()) {
	if l == nil {
		return func() {}
	}
	entry := &listenerEntry{l: l}
	c.mu.Lock()
	c.listeners = append(c.listeners, entry)
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, existing := range c.listeners {
			if existing == entry {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) run() {
	defer close(c.done)
	for {
		ctx, gen, cfg, ok := c.nextAttempt()
		if !ok {
			return
		}
		err := c.attempt(ctx, gen, cfg)
		if delay, retry := c.fail(gen, cfg, err); retry {
			c.sleep(ctx, delay)
		}
		c.endAttempt()
	}
}

// nextAttempt blocks until the state asks for a dial or the client closes.
func (c *Client) nextAttempt() (context.Context, uint64, Config, bool) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, 0, Config{}, false
		}
		if c.state == StateConnecting || c.state == StateReconnecting {
			ctx, cancel := context.WithCancel(c.ctx)
			c.cancelAttempt = cancel
			cfg := c.cfg
			gen := c.gen
			c.queue.SetMax(cfg.MessageQueueMaxSize)
			drain(c.retryNow)
			c.mu.Unlock()
			return ctx, gen, cfg, true
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.ctx.Done():
			return nil, 0, Config{}, false
		}
	}
}

func (c *Client) endAttempt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelAttempt != nil {
		c.cancelAttempt()
		c.cancelAttempt = nil
	}
}

func (c *Client) attempt(ctx context.Context, gen uint64, cfg Config) error {
	token := c.currentToken()
	uri := cfg.URI(token)
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Infof("websocket: connecting to %s", redactToken(uri))
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	conn, err := c.dialer.Dial(dialCtx, uri, header)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}

	s, ok := c.open(gen, conn, cfg)
	if !ok {
		_ = conn.Close(CloseGoingAway, "client_disconnect")
		return context.Canceled
	}
	return s.run(ctx)
}

func (c *Client) currentToken() string {
	c.mu.Lock()
	token, source := c.token, c.tokens
	c.mu.Unlock()
	if token == "" && source != nil {
		token = source.Token()
	}
	return token
}

// open moves the state machine to StateConnected for a freshly dialed conn.
func (c *Client) open(gen uint64, conn Conn, cfg Config) (*session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen || (c.state != StateConnecting && c.state != StateReconnecting) {
		return nil, false
	}

	now := time.Now()
	c.epoch++
	c.attempts = 0
	c.ready = false
	c.out = make(chan Envelope, cfg.MessageQueueMaxSize)
	c.session = newSession(c, conn, c.epoch, cfg, c.out)
	c.session.hb.Start(now)
	c.stats.ConnectedSince = now
	c.setStateLocked(StateConnected)
	c.logger.Infof("websocket: connected, epoch: %d", c.epoch)
	return c.session, true
}

// fail runs the reconnect policy after a dial failure or a finished session.
func (c *Client) fail(gen uint64, cfg Config, err error) (time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || gen != c.gen {
		return 0, false
	}

	c.logger.Infof("websocket: disconnected, reason: %v", err)
	if stderrors.Is(err, exception.ErrUnauthorized) {
		c.emitErrorLocked(exception.ErrUnauthorized)
	}

	policy := cfg.Backoff()
	if c.shouldReconnect && policy.ShouldRetry(c.attempts) {
		delay := policy.NextDelay(c.attempts)
		c.attempts++
		c.stats.ReconnectAttempts++
		c.setStateLocked(StateReconnecting)
		c.logger.Debugf("websocket: reconnecting in %s, attempt: %d", delay, c.attempts)
		return delay, true
	}

	c.shouldReconnect = false
	c.setStateLocked(StateDisconnected)
	c.logger.Warnf("websocket: max reconnect attempts reached")
	c.emitErrorLocked(exception.ErrReconnectExhausted)
	return 0, false
}

func (c *Client) sleepBackoff(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-c.retryNow:
	}
}

// markReady opens the immediate write path once the queue is empty. Sends take
// c.mu before touching the queue, so nothing can slip in between the check and
// the switch.
func (c *Client) markReady(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		return true
	}
	if c.queue.Len() > 0 {
		return false
	}
	c.ready = true
	return true
}

// detach unhooks a finished session. Envelopes the session accepted but never
// wrote go back to the head of the queue, failed first, unless the user
// disconnected.
func (c *Client) detach(s *session, failed *Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	requeue := c.session == s && !c.closed
	if c.session == s {
		c.detachSessionLocked()
	}
	s.hb.Stop()

	if !requeue {
		return
	}
	// the failed envelope and the handoff backlog are older than anything in
	// the queue, so they go back in front of it
	var pending []Envelope
	if failed != nil {
		pending = append(pending, *failed)
	}
	for drained := false; !drained; {
		select {
		case env := <-s.out:
			pending = append(pending, env)
		default:
			drained = true
		}
	}
	if n := c.queue.Requeue(pending); n > 0 {
		c.logger.Warnf("websocket: message queue full, dropped %d oldest messages", n)
	}
}

func (c *Client) detachSessionLocked() {
	if c.session != nil {
		c.session.hb.Stop()
	}
	c.session = nil
	c.ready = false
	c.out = nil
}

// deliver posts an inbound message unless its session is no longer current.
func (c *Client) deliver(s *session, msg Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != s {
		c.logger.Debugf("websocket: drop %s from stale epoch %d", msg.KindRaw, msg.Epoch)
		return
	}
	c.stats.MessagesReceived++
	c.stats.LastMessageAt = msg.ReceivedAt
	c.stats.HeartbeatRTT = s.hb.RTT()
	c.postLocked(func(l Listener) { l.OnMessage(msg) })
}

func (c *Client) recordSent() {
	c.mu.Lock()
	c.stats.MessagesSent++
	c.mu.Unlock()
}

func (c *Client) enqueueLocked(env Envelope) {
	if evicted, ok := c.queue.Enqueue(env); ok {
		c.logger.Warnf("websocket: message queue full, dropped oldest message %q", evicted.Type)
	}
}

func (c *Client) setStateLocked(state ConnectionState) {
	previous := c.state
	if previous == state {
		return
	}
	c.state = state
	if previous == StateConnected && c.session != nil {
		c.session.hb.Stop()
	}
	c.logger.Debugf("websocket: state %s -> %s", previous, state)
	c.postLocked(func(l Listener) { l.OnStateChanged(state) })
}

func (c *Client) emitErrorLocked(err error) {
	c.postLocked(func(l Listener) { l.OnError(err) })
}

// postLocked hands fn to the executor for every listener registered right now.
// Posting under c.mu keeps callbacks in state machine order.
func (c *Client) postLocked(fn func(Listener)) {
	if len(c.listeners) == 0 {
		return
	}
	listeners := make([]Listener, len(c.listeners))
	for i, entry := range c.listeners {
		listeners[i] = entry.l
	}
	c.executor.Post(func() {
		for _, l := range listeners {
			fn(l)
		}
	})
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

package websocket

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"golang.org/x/sync/errgroup"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

const inboundBuffer = 64

type inboundFrame struct {
	payload []byte
	at      time.Time
	err     error
}

// session is one open connection. It lives from the successful dial until the
// first read, write or heartbeat failure, or until its context is canceled.
type session struct {
	client *Client
	conn   Conn
	epoch  uint64
	cfg    Config
	out    chan Envelope
	// backlog is signaled when a send overflowed out and the client stopped
	// handing envelopes to the session directly.
	backlog chan struct{}
	hb      *heartbeat
	logger  Logger

	failed *Envelope
}

func newSession(c *Client, conn Conn, epoch uint64, cfg Config, out chan Envelope) *session {
	return &session{
		client:  c,
		conn:    conn,
		epoch:   epoch,
		cfg:     cfg,
		out:     out,
		backlog: make(chan struct{}, 1),
		hb:      newHeartbeat(cfg.HeartbeatInterval),
		logger:  c.logger,
	}
}

func (s *session) run(ctx context.Context) error {
	s.conn.SetPongHandler(func() { s.hb.Alive(time.Now()) })

	inbound := make(chan inboundFrame, inboundBuffer)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.readLoop(gctx, inbound)
		return nil
	})
	g.Go(func() error {
		err := s.loop(gctx, inbound)

		code, reason := CloseNormal, "session_end"
		if ctx.Err() != nil {
			code, reason = CloseGoingAway, "client_disconnect"
		}
		_ = s.conn.Close(code, reason)
		return err
	})
	err := g.Wait()

	s.client.detach(s, s.failed)
	return err
}

func (s *session) loop(ctx context.Context, inbound <-chan inboundFrame) error {
	if err := s.flush(ctx); err != nil {
		return err
	}

	ping := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ping.Stop()
	check := time.NewTicker(s.hb.CheckEvery())
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame := <-inbound:
			if frame.err != nil {
				return frame.err
			}
			s.handle(ctx, frame)
		case env := <-s.out:
			if err := s.write(ctx, env); err != nil {
				s.failed = &env
				return err
			}
		case <-s.backlog:
			if err := s.catchUp(ctx); err != nil {
				return err
			}
		case now := <-ping.C:
			if err := s.ping(ctx, now); err != nil {
				return err
			}
		case now := <-check.C:
			if s.hb.TimedOut(now) {
				s.logger.Warnf("websocket: heartbeat timeout, epoch: %d", s.epoch)
				return exception.ErrHeartbeatTimeout
			}
		}
	}
}

// flush drains the outbound queue before new sends may bypass it.
func (s *session) flush(ctx context.Context) error {
	for {
		var werr error
		sent := s.client.queue.Flush(func(env Envelope) bool {
			if werr = ctx.Err(); werr != nil {
				return false
			}
			werr = s.write(ctx, env)
			return werr == nil
		})
		if sent > 0 {
			s.logger.Debugf("websocket: flushed %d queued messages", sent)
		}
		if werr != nil {
			return werr
		}
		if s.client.markReady(s) {
			return nil
		}
	}
}

// catchUp writes what was already handed over, then the queue that built up
// behind it, and reopens the direct path.
func (s *session) catchUp(ctx context.Context) error {
	for {
		select {
		case env := <-s.out:
			if err := s.write(ctx, env); err != nil {
				s.failed = &env
				return err
			}
		default:
			return s.flush(ctx)
		}
	}
}

func (s *session) write(ctx context.Context, env Envelope) error {
	frame := env.frame
	if frame == nil {
		var err error
		if frame, err = EncodeEnvelope(env); err != nil {
			s.logger.Errorf("websocket: drop outbound message %q, err: %+v", env.Type, err)
			return nil
		}
	}

	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(wctx, MessageText, frame); err != nil {
		return errors.Wrap(err, "write message")
	}
	s.client.recordSent()
	return nil
}

func (s *session) ping(ctx context.Context, now time.Time) error {
	if !s.hb.Active() {
		return nil
	}
	pctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	err := s.conn.Write(pctx, MessagePing, nil)
	cancel()
	if err != nil {
		return errors.Wrap(err, "write ping")
	}
	if err := s.write(ctx, heartbeatEnvelope(now)); err != nil {
		return err
	}
	s.hb.Sent(now)
	return nil
}

func (s *session) handle(ctx context.Context, frame inboundFrame) {
	// frames still buffered when the session is torn down belong to a closed epoch
	if ctx.Err() != nil {
		return
	}
	s.hb.Alive(frame.at)

	msg := Decode(frame.payload)
	msg.Epoch = s.epoch
	msg.ReceivedAt = frame.at
	if msg.Err != nil {
		s.logger.Warnf("websocket: malformed frame, err: %+v", msg.Err)
	}
	if msg.Kind == KindHeartbeat {
		if ms, ok := msg.Int("client_time"); ok {
			s.hb.Echo(frame.at, time.UnixMilli(ms))
		}
	}
	s.client.deliver(s, msg)
}

func (s *session) readLoop(ctx context.Context, inbound chan<- inboundFrame) {
	for {
		msgType, payload, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case inbound <- inboundFrame{err: errors.Wrap(err, "read message")}:
			case <-ctx.Done():
			}
			return
		}
		if msgType != MessageText && msgType != MessageBinary {
			continue
		}
		select {
		case inbound <- inboundFrame{payload: payload, at: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

package chaos

import (
	"context"
	"net/http"
	"time"

	"github.com/yanun0323/errors"

	"github.com/zfogg/sidechain-sub009/pkg/websocket"
)

// Dialer wraps a websocket.Dialer and injects faults into its connections.
type Dialer struct {
	next   websocket.Dialer
	engine *Engine
}

// NewDialer wraps next with engine's faults.
func NewDialer(next websocket.Dialer, engine *Engine) *Dialer {
	return &Dialer{next: next, engine: engine}
}

func (d *Dialer) Dial(ctx context.Context, uri string, header http.Header) (websocket.Conn, error) {
	if d.engine.FailDial() {
		return nil, errors.Wrap(ErrInjected, "dial")
	}
	c, err := d.next.Dial(ctx, uri, header)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c, engine: d.engine}, nil
}

// conn is read by one goroutine at a time, so pending needs no lock.
type conn struct {
	websocket.Conn
	engine *Engine

	pending [][]byte
	pendTyp websocket.MessageType
	frames  int
}

func (c *conn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	if len(c.pending) > 0 {
		frame := c.pending[0]
		c.pending = c.pending[1:]
		return c.pendTyp, frame, nil
	}

	for {
		msgType, payload, err := c.Conn.Read(ctx)
		if err != nil {
			return 0, nil, err
		}

		c.frames++
		if limit := c.engine.Config().CloseAfter; limit > 0 && c.frames > limit {
			_ = c.Conn.Close(websocket.CloseGoingAway, "chaos")
			return 0, nil, errors.Wrapf(ErrInjected, "closed after %d frames", limit)
		}

		out, delay := c.engine.Process(payload)
		if len(out) == 0 {
			continue
		}
		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return 0, nil, ctx.Err()
			case <-timer.C:
			}
		}
		c.pending = append(c.pending, out[1:]...)
		c.pendTyp = msgType
		return msgType, out[0], nil
	}
}

package websocket

import (
	"context"
	"crypto/tls"
	"net/http"
	"sync"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/yanun0323/errors"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

const (
	DefaultDialerTimeout = 10 * time.Second
	closeWriteTimeout    = time.Second
	controlWriteTimeout  = 5 * time.Second
	defaultReadLimit     = 1 << 20
)

type dialer struct {
	ws        *gorilla.Dialer
	readLimit int64
}

// DialerOption customizes the default dialer.
type DialerOption func(*dialer)

// WithTLSConfig sets the TLS config used for wss:// URIs.
func WithTLSConfig(cfg *tls.Config) DialerOption {
	return func(d *dialer) {
		d.ws.TLSClientConfig = cfg
	}
}

// WithReadLimit bounds the size of one inbound message.
func WithReadLimit(n int64) DialerOption {
	return func(d *dialer) {
		if n > 0 {
			d.readLimit = n
		}
	}
}

// NewDialer returns a Dialer backed by gorilla/websocket with
// permessage-deflate negotiation enabled.
func NewDialer(opts ...DialerOption) Dialer {
	d := &dialer{
		ws: &gorilla.Dialer{
			Proxy:             http.ProxyFromEnvironment,
			HandshakeTimeout:  DefaultDialerTimeout,
			EnableCompression: true,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
		readLimit: defaultReadLimit,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *dialer) Dial(ctx context.Context, uri string, header http.Header) (Conn, error) {
	conn, resp, err := d.ws.DialContext(ctx, uri, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, exception.ErrUnauthorized
		}
		if resp != nil {
			return nil, errors.Wrapf(err, "dial %s, status: %d", redactToken(uri), resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "dial %s", redactToken(uri))
	}
	conn.SetReadLimit(d.readLimit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn      *gorilla.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	if err := setDeadline(ctx, c.conn.SetReadDeadline); err != nil {
		return 0, nil, err
	}
	msgType, payload, err := c.conn.ReadMessage()
	if err != nil {
		if gorilla.IsCloseError(err, gorilla.CloseNormalClosure, gorilla.CloseGoingAway) {
			return 0, nil, exception.ErrWebSocketConnectionClose
		}
		return 0, nil, err
	}
	switch msgType {
	case gorilla.TextMessage:
		return MessageText, payload, nil
	case gorilla.BinaryMessage:
		return MessageBinary, payload, nil
	default:
		return 0, nil, exception.ErrWebSocketProtocol
	}
}

func (c *wsConn) Write(ctx context.Context, msgType MessageType, payload []byte) error {
	switch msgType {
	case MessagePing, MessagePong:
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(controlWriteTimeout)
		}
		op := gorilla.PingMessage
		if msgType == MessagePong {
			op = gorilla.PongMessage
		}
		return c.conn.WriteControl(op, payload, deadline)
	case MessageText, MessageBinary:
		op := gorilla.TextMessage
		if msgType == MessageBinary {
			op = gorilla.BinaryMessage
		}
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		if err := setDeadline(ctx, c.conn.SetWriteDeadline); err != nil {
			return err
		}
		return c.conn.WriteMessage(op, payload)
	default:
		return exception.ErrWebSocketProtocol
	}
}

func (c *wsConn) SetPongHandler(h func()) {
	if h == nil {
		c.conn.SetPongHandler(nil)
		return
	}
	c.conn.SetPongHandler(func(string) error {
		h()
		return nil
	})
}

func (c *wsConn) Close(code CloseCode, reason string) error {
	c.closeOnce.Do(func() {
		if code != 0 {
			msg := gorilla.FormatCloseMessage(int(code), reason)
			_ = c.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(closeWriteTimeout))
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func setDeadline(ctx context.Context, set func(time.Time) error) error {
	if ctx == nil {
		return set(time.Time{})
	}
	if deadline, ok := ctx.Deadline(); ok {
		return set(deadline)
	}
	if ctx.Err() != nil {
		return set(time.Now())
	}
	return set(time.Time{})
}

package websocket

import (
	"time"

	"github.com/google/uuid"
)

// ConnectionState is the lifecycle state of a Client.
type ConnectionState uint8

const (
	// StateDisconnected is the initial state and the state after Disconnect or exhausted retries.
	StateDisconnected ConnectionState = iota
	// StateConnecting is entered by Connect and left when the first dial resolves.
	StateConnecting
	// StateConnected means a session is open and the heartbeat is running.
	StateConnected
	// StateReconnecting means a dial failed or a session ended and a retry is scheduled.
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// MessageType represents a WebSocket message type.
// Values match RFC 6455 opcodes where applicable.
type MessageType uint8

const (
	// MessageText is a text data frame.
	MessageText MessageType = 1
	// MessageBinary is a binary data frame.
	MessageBinary MessageType = 2
	// MessageClose is a close control frame.
	MessageClose MessageType = 8
	// MessagePing is a ping control frame.
	MessagePing MessageType = 9
	// MessagePong is a pong control frame.
	MessagePong MessageType = 10
)

// CloseCode is a WebSocket close code.
type CloseCode uint16

const (
	// CloseNormal indicates a normal closure.
	CloseNormal CloseCode = 1000
	// CloseGoingAway indicates the client is leaving, used on Disconnect.
	CloseGoingAway CloseCode = 1001
)

// Kind classifies an inbound message.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindNewPost
	KindLike
	KindFollow
	KindComment
	KindNotification
	KindPresenceUpdate
	KindPlayCount
	KindLikeCountUpdate
	KindFollowerCountUpdate
	KindHeartbeat
	KindError

	kindCount
)

// KindCount is the number of message kinds, useful for per-kind tables.
const KindCount = int(kindCount)

var _kindNames = [...]string{
	KindUnknown:             "unknown",
	KindNewPost:             "new_post",
	KindLike:                "like",
	KindFollow:              "follow",
	KindComment:             "comment",
	KindNotification:        "notification",
	KindPresenceUpdate:      "presence_update",
	KindPlayCount:           "play_count",
	KindLikeCountUpdate:     "like_count_update",
	KindFollowerCountUpdate: "follower_count_update",
	KindHeartbeat:           "heartbeat",
	KindError:               "error",
}

func (k Kind) String() string {
	if int(k) < len(_kindNames) {
		return _kindNames[k]
	}
	return "unknown"
}

// Message is one decoded inbound frame. It is never mutated after Decode returns it.
type Message struct {
	// Kind is the classified message type.
	Kind Kind
	// KindRaw is the type string sent by the server, kept even when Kind is KindUnknown.
	KindRaw string
	// Payload is the decoded payload, usually map[string]any.
	Payload any
	// Raw is the original frame text.
	Raw string
	// ID and ReplyTo carry the server message identifiers when present.
	ID      string
	ReplyTo string
	// Epoch is the connection epoch the frame arrived on.
	Epoch uint64
	// ReceivedAt is when the frame was read off the connection.
	ReceivedAt time.Time
	// Err is set when the frame could not be decoded.
	Err error
}

// Get returns a field of an object payload.
func (m Message) Get(key string) any {
	obj, ok := m.Payload.(map[string]any)
	if !ok {
		return nil
	}
	return obj[key]
}

// String returns a string field of an object payload, or "".
func (m Message) String(key string) string {
	s, _ := m.Get(key).(string)
	return s
}

// Int returns a numeric field of an object payload.
func (m Message) Int(key string) (int64, bool) {
	switch v := m.Get(key).(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// Envelope is an outbound message waiting to be written.
// An empty Type means Payload is already a complete message.
type Envelope struct {
	ID        string
	Type      string
	Payload   any
	CreatedAt time.Time

	frame []byte
}

// NewEnvelope stamps a typed payload with an id and creation time.
func NewEnvelope(msgType string, payload any) Envelope {
	return Envelope{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// Stats is a snapshot of the client counters.
type Stats struct {
	MessagesSent      uint64
	MessagesReceived  uint64
	ReconnectAttempts uint64
	DroppedMessages   uint64
	QueuedMessages    int
	LastMessageAt     time.Time
	ConnectedSince    time.Time
	HeartbeatRTT      time.Duration
}

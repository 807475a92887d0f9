package websocket

import (
	"time"

	"github.com/bytedance/sonic"
	"github.com/yanun0323/errors"

	"github.com/zfogg/sidechain-sub009/pkg/exception"
)

const (
	fieldType      = "type"
	fieldPayload   = "payload"
	fieldData      = "data"
	fieldID        = "id"
	fieldReplyTo   = "reply_to"
	fieldTimestamp = "timestamp"
)

// TypeHeartbeat is the application-level heartbeat sent on every tick.
const TypeHeartbeat = "heartbeat"

var _kindTable = map[string]Kind{
	"new_post":              KindNewPost,
	"post":                  KindNewPost,
	"post_liked":            KindLike,
	"like":                  KindLike,
	"reaction":              KindLike,
	"new_reaction":          KindLike,
	"follow":                KindFollow,
	"new_follower":          KindFollow,
	"comment":               KindComment,
	"new_comment":           KindComment,
	"notification":          KindNotification,
	"presence":              KindPresenceUpdate,
	"presence_update":       KindPresenceUpdate,
	"user_online":           KindPresenceUpdate,
	"user_offline":          KindPresenceUpdate,
	"user_in_studio":        KindPresenceUpdate,
	"play_count":            KindPlayCount,
	"play":                  KindPlayCount,
	"like_count_update":     KindLikeCountUpdate,
	"follower_count_update": KindFollowerCountUpdate,
	"heartbeat":             KindHeartbeat,
	"pong":                  KindHeartbeat,
	"error":                 KindError,
}

// ParseKind maps a server type string to a Kind. Matching is exact and case-sensitive.
func ParseKind(typ string) Kind {
	if k, ok := _kindTable[typ]; ok {
		return k
	}
	return KindUnknown
}

// Decode parses a raw frame. It never fails: frames that are not JSON objects
// come back as KindError messages with Err set and Raw preserved.
func Decode(raw []byte) (msg Message) {
	msg.Raw = string(raw)
	defer func() {
		if r := recover(); r != nil {
			msg = Message{
				Kind: KindError,
				Raw:  string(raw),
				Err:  errors.Wrapf(exception.ErrMalformedFrame, "decode panic: %v", r),
			}
		}
	}()

	var doc map[string]any
	if err := sonic.ConfigStd.Unmarshal(raw, &doc); err != nil {
		msg.Kind = KindError
		msg.Err = errors.Wrap(exception.ErrMalformedFrame, err.Error())
		return msg
	}
	if doc == nil {
		msg.Kind = KindError
		msg.Err = errors.Wrap(exception.ErrMalformedFrame, "frame is not an object")
		return msg
	}

	msg.KindRaw, _ = doc[fieldType].(string)
	msg.Kind = ParseKind(msg.KindRaw)
	msg.ID, _ = doc[fieldID].(string)
	msg.ReplyTo, _ = doc[fieldReplyTo].(string)

	if payload, ok := doc[fieldPayload]; ok {
		msg.Payload = payload
	} else if data, ok := doc[fieldData]; ok {
		msg.Payload = data
	} else {
		msg.Payload = doc
	}
	return msg
}

// Encode wraps a payload as {"type": msgType, "payload": payload}.
func Encode(msgType string, payload any) ([]byte, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	buf, err := sonic.ConfigStd.Marshal(map[string]any{
		fieldType:    msgType,
		fieldPayload: payload,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", msgType)
	}
	return buf, nil
}

// EncodeEnvelope serializes an envelope, adding its id and timestamp.
// Envelopes without a Type are marshaled as-is.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Type == "" {
		buf, err := sonic.ConfigStd.Marshal(env.Payload)
		if err != nil {
			return nil, errors.Wrap(err, "encode raw message")
		}
		return buf, nil
	}

	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	doc := map[string]any{
		fieldType:    env.Type,
		fieldPayload: payload,
	}
	if env.ID != "" {
		doc[fieldID] = env.ID
	}
	if !env.CreatedAt.IsZero() {
		doc[fieldTimestamp] = env.CreatedAt.UnixMilli()
	}
	buf, err := sonic.ConfigStd.Marshal(doc)
	if err != nil {
		return nil, errors.Wrapf(err, "encode envelope %s", env.Type)
	}
	return buf, nil
}

func heartbeatEnvelope(now time.Time) Envelope {
	return Envelope{
		Type:      TypeHeartbeat,
		Payload:   map[string]any{"client_time": now.UnixMilli()},
		CreatedAt: now,
	}
}

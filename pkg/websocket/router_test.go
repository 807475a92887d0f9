package websocket

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRouterDispatchesByKind(t *testing.T) {
	r := NewRouter()

	var likes, all []string
	removeLike := r.Handle(KindLike, func(msg Message) { likes = append(likes, msg.KindRaw) })
	r.HandleAll(func(msg Message) { all = append(all, msg.KindRaw) })

	r.OnMessage(Message{Kind: KindLike, KindRaw: "like"})
	r.OnMessage(Message{Kind: KindFollow, KindRaw: "follow"})
	removeLike()
	r.OnMessage(Message{Kind: KindLike, KindRaw: "post_liked"})

	assert.Equal(t, []string{"like"}, likes)
	assert.Equal(t, []string{"like", "follow", "post_liked"}, all)
}

func TestRouterStatesAndErrors(t *testing.T) {
	r := NewRouter()

	var states []ConnectionState
	var errs []error
	r.HandleState(func(s ConnectionState) { states = append(states, s) })
	r.HandleError(func(err error) { errs = append(errs, err) })

	r.OnStateChanged(StateConnecting)
	r.OnStateChanged(StateConnected)
	boom := errors.New("boom")
	r.OnError(boom)

	assert.Equal(t, []ConnectionState{StateConnecting, StateConnected}, states)
	assert.Equal(t, []error{boom}, errs)
}

func TestRouterIgnoresInvalidRegistrations(t *testing.T) {
	r := NewRouter()
	remove := r.Handle(Kind(KindCount), func(Message) { t.Error("unexpected") })
	remove()
	r.Handle(KindLike, nil)()
	r.Route(Message{Kind: Kind(200)})

	var nilRouter *Router
	nilRouter.Route(Message{})
}

func TestRouterAsClientListener(t *testing.T) {
	d := newFakeDialer()
	r := NewRouter()
	c, _ := newTestClient(t, testConfig(), d, WithListener(r))

	got := make(chan Message, 1)
	r.Handle(KindFollow, func(msg Message) { got <- msg })

	assert.NoError(t, c.Connect())
	conn := d.nextConn(t)
	conn.push(`{"type":"new_follower","payload":{"user_id":"u42"}}`)

	select {
	case msg := <-got:
		assert.Equal(t, "u42", msg.String("user_id"))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for routed message")
	}
}

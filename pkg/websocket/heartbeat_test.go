package websocket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatTimesOutAfterTwoIntervals(t *testing.T) {
	hb := newHeartbeat(50 * time.Millisecond)
	start := time.Unix(1_700_000_000, 0)

	assert.False(t, hb.TimedOut(start.Add(time.Hour)), "inactive monitor never times out")

	hb.Start(start)
	assert.True(t, hb.Active())
	assert.False(t, hb.TimedOut(start.Add(100*time.Millisecond)))
	assert.True(t, hb.TimedOut(start.Add(101*time.Millisecond)))
}

func TestHeartbeatAliveResetsDeadline(t *testing.T) {
	hb := newHeartbeat(50 * time.Millisecond)
	start := time.Unix(1_700_000_000, 0)
	hb.Start(start)

	hb.Alive(start.Add(90 * time.Millisecond))
	assert.False(t, hb.TimedOut(start.Add(150*time.Millisecond)))
	assert.True(t, hb.TimedOut(start.Add(191*time.Millisecond)))
}

func TestHeartbeatStopClearsState(t *testing.T) {
	hb := newHeartbeat(time.Second)
	start := time.Unix(1_700_000_000, 0)
	hb.Start(start)
	hb.Sent(start)

	hb.Stop()
	assert.False(t, hb.Active())
	assert.False(t, hb.TimedOut(start.Add(time.Hour)))

	// liveness evidence after Stop is ignored
	hb.Alive(start.Add(time.Minute))
	assert.Zero(t, hb.lastPong.Load())
}

func TestHeartbeatEchoRecordsRTT(t *testing.T) {
	hb := newHeartbeat(time.Second)
	now := time.Unix(1_700_000_000, 0)

	hb.Echo(now, now.Add(-35*time.Millisecond))
	assert.Equal(t, 35*time.Millisecond, hb.RTT())

	// clock skew: a client time in the future is ignored
	hb.Echo(now, now.Add(time.Second))
	assert.Equal(t, 35*time.Millisecond, hb.RTT())
}

func TestHeartbeatCheckEvery(t *testing.T) {
	assert.Equal(t, 250*time.Millisecond, newHeartbeat(time.Second).CheckEvery())
	assert.Equal(t, minHeartbeatCheck, newHeartbeat(20*time.Millisecond).CheckEvery())
}

package websocket

import (
	"sync/atomic"
	"time"
)

const minHeartbeatCheck = 10 * time.Millisecond

// heartbeat tracks ping/pong liveness for one session. Times are unix nanos;
// zero means unset. All methods are safe for concurrent use.
type heartbeat struct {
	interval time.Duration
	active   atomic.Bool
	lastPing atomic.Int64
	lastPong atomic.Int64
	rtt      atomic.Int64
}

func newHeartbeat(interval time.Duration) *heartbeat {
	return &heartbeat{interval: interval}
}

// Start arms the monitor; the connection counts as alive at now.
func (h *heartbeat) Start(now time.Time) {
	h.lastPing.Store(0)
	h.lastPong.Store(now.UnixNano())
	h.active.Store(true)
}

// Stop disarms the monitor and resets its timestamps.
func (h *heartbeat) Stop() {
	h.active.Store(false)
	h.lastPing.Store(0)
	h.lastPong.Store(0)
}

func (h *heartbeat) Active() bool {
	return h.active.Load()
}

// Sent records a ping written at now.
func (h *heartbeat) Sent(now time.Time) {
	h.lastPing.Store(now.UnixNano())
}

// Alive records evidence of liveness: a pong, a heartbeat reply or any inbound frame.
func (h *heartbeat) Alive(now time.Time) {
	if !h.active.Load() {
		return
	}
	h.lastPong.Store(now.UnixNano())
}

// Echo records the round trip of a server pong that echoed clientTime.
func (h *heartbeat) Echo(now time.Time, clientTime time.Time) {
	if rtt := now.Sub(clientTime); rtt >= 0 {
		h.rtt.Store(int64(rtt))
	}
}

func (h *heartbeat) RTT() time.Duration {
	return time.Duration(h.rtt.Load())
}

// TimedOut reports whether nothing has proven liveness for more than twice the interval.
func (h *heartbeat) TimedOut(now time.Time) bool {
	if !h.active.Load() {
		return false
	}
	last := h.lastPong.Load()
	if last == 0 {
		return false
	}
	return now.UnixNano()-last > int64(2*h.interval)
}

// CheckEvery is the period of the timeout check, finer than the ping period so
// a dead peer is noticed close to the 2x interval mark.
func (h *heartbeat) CheckEvery() time.Duration {
	check := h.interval / 4
	if check < minHeartbeatCheck {
		check = minHeartbeatCheck
	}
	return check
}

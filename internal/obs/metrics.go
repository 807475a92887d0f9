package obs

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/zfogg/sidechain-sub009/pkg/websocket"
)

const maxState = int(websocket.StateReconnecting)

// Metrics counts client events. It is a websocket.Listener, so it sees
// exactly what the application sees, on the same event loop.
type Metrics struct {
	kindCounts  [websocket.KindCount]uint64
	stateCounts [maxState + 1]uint64
	errorCount  uint64
	malformed   uint64

	sessionDuration LatencyStats
	deliveryLatency LatencyStats

	mu          sync.Mutex
	connectedAt time.Time
	now         func() time.Time
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	KindCounts      map[websocket.Kind]uint64
	StateCounts     map[websocket.ConnectionState]uint64
	Errors          uint64
	Malformed       uint64
	SessionDuration LatencySnapshot
	DeliveryLatency LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{now: time.Now}
}

// OnMessage counts msg by kind and tracks how long it waited for delivery.
func (m *Metrics) OnMessage(msg websocket.Message) {
	if m == nil {
		return
	}
	if idx := int(msg.Kind); idx < len(m.kindCounts) {
		atomic.AddUint64(&m.kindCounts[idx], 1)
	}
	if msg.Err != nil {
		atomic.AddUint64(&m.malformed, 1)
	}
	if !msg.ReceivedAt.IsZero() {
		m.deliveryLatency.Observe(m.now().Sub(msg.ReceivedAt))
	}
}

// OnStateChanged counts transitions and measures how long each connection lasted.
func (m *Metrics) OnStateChanged(state websocket.ConnectionState) {
	if m == nil {
		return
	}
	if idx := int(state); idx < len(m.stateCounts) {
		atomic.AddUint64(&m.stateCounts[idx], 1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if state == websocket.StateConnected {
		m.connectedAt = now
		return
	}
	if !m.connectedAt.IsZero() {
		m.sessionDuration.Observe(now.Sub(m.connectedAt))
		m.connectedAt = time.Time{}
	}
}

// OnError counts client errors.
func (m *Metrics) OnError(error) {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.errorCount, 1)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	kinds := make(map[websocket.Kind]uint64)
	for i := range m.kindCounts {
		if v := atomic.LoadUint64(&m.kindCounts[i]); v > 0 {
			kinds[websocket.Kind(i)] = v
		}
	}
	states := make(map[websocket.ConnectionState]uint64)
	for i := range m.stateCounts {
		if v := atomic.LoadUint64(&m.stateCounts[i]); v > 0 {
			states[websocket.ConnectionState(i)] = v
		}
	}
	return Snapshot{
		KindCounts:      kinds,
		StateCounts:     states,
		Errors:          atomic.LoadUint64(&m.errorCount),
		Malformed:       atomic.LoadUint64(&m.malformed),
		SessionDuration: m.sessionDuration.Snapshot(),
		DeliveryLatency: m.deliveryLatency.Snapshot(),
	}
}

package obs

import (
	"sync/atomic"
	"time"
)

// LatencyStats aggregates duration samples in nanoseconds without locking.
type LatencyStats struct {
	count atomic.Uint64
	sum   atomic.Uint64
	min   atomic.Uint64
	max   atomic.Uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Observe records a duration sample. Negative samples are ignored.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	l.count.Add(1)
	l.sum.Add(nanos)

	for {
		cur := l.min.Load()
		if cur != 0 && nanos >= cur {
			break
		}
		if l.min.CompareAndSwap(cur, nanos) {
			break
		}
	}
	for {
		cur := l.max.Load()
		if nanos <= cur {
			break
		}
		if l.max.CompareAndSwap(cur, nanos) {
			break
		}
	}
}

func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := l.count.Load()
	if count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(l.min.Load()),
		Max:   time.Duration(l.max.Load()),
		Avg:   time.Duration(l.sum.Load() / count),
	}
}

// Package meter implements a sliding-window throughput meter: items or
// bytes processed per second, averaged over the last N one-second
// buckets. It is grounded on original_source/otl_timer.cpp's
// StatToolImpl, reimplemented with a plain ring instead of a raw array
// and a mutex instead of relying on single-threaded access.
package meter

import (
	"sync"

	"github.com/otlvideo/otl/pkg/otltime"
)

const defaultRange = 5

// bucket is one second-granularity sample of the running total.
type bucket struct {
	timeMsec int64
	count    uint64
}

// Meter tracks a running count and reports the average rate over the
// last `rangeSize` one-second buckets it recorded. Safe for concurrent
// use; Update is expected to be called frequently, Speed/Kbps rarely.
type Meter struct {
	mu sync.Mutex

	layers     []bucket
	rangeSize  int
	current    int
	recorded   int
	total      uint64
	lastUpdate int64
}

// New returns a Meter that keeps `rangeSize` one-second buckets. A
// rangeSize <= 0 uses a default of 5, matching the source's default
// StatTool::create(5).
func New(rangeSize int) *Meter {
	if rangeSize <= 0 {
		rangeSize = defaultRange
	}

	return &Meter{
		layers:    make([]bucket, rangeSize),
		rangeSize: rangeSize,
	}
}

// Update adds n to the running count. The bucket ring only advances
// once per elapsed second, matching the source's "update at most once
// per second" behavior.
func (m *Meter) Update(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.total += n

	now := otltime.NowMsec()
	if m.lastUpdate > 0 && now-m.lastUpdate < 1000 {
		return
	}

	m.lastUpdate = now
	m.layers[m.current] = bucket{timeMsec: now, count: m.total}
	m.current = (m.current + 1) % m.rangeSize

	if m.recorded < m.rangeSize {
		m.recorded++
	}
}

// Reset clears all recorded buckets and the running total.
func (m *Meter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.layers {
		m.layers[i] = bucket{}
	}

	m.current = 0
	m.recorded = 0
	m.total = 0
	m.lastUpdate = 0
}

// Speed returns the average items/sec over the recorded window. It
// returns 0 if fewer than two buckets have been recorded yet.
func (m *Meter) Speed() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recorded < 2 {
		return 0
	}

	var oldest, newest int
	if m.recorded < m.rangeSize {
		oldest = 0
		newest = m.current - 1
	} else {
		newest = (m.rangeSize + m.current - 1) % m.rangeSize
		oldest = m.current
	}

	timeDiff := m.layers[newest].timeMsec - m.layers[oldest].timeMsec
	if timeDiff <= 0 {
		return 0
	}

	countDiff := m.layers[newest].count - m.layers[oldest].count

	return float64(countDiff) * 1000 / float64(timeDiff)
}

// Kbps returns Speed() converted from bytes/sec to kbps (i.e. it
// assumes Update() was fed byte counts).
func (m *Meter) Kbps() float64 {
	return m.Speed() * 8 * 0.001
}

package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects lightweight counters and latency stats for the tick
// pipeline. All methods are nil-safe so components can run without metrics.
type Metrics struct {
	ticksEnqueued    uint64
	ticksProcessed   uint64
	ticksStale       uint64
	ticksUnknown     uint64
	candlesFinalized uint64
	symbolReady      uint64
	evaluations      uint64
	ordersPlaced     uint64
	noiseSkips       uint64

	oracleLatency   LatencyStats
	evaluateLatency LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	TicksEnqueued    uint64
	TicksProcessed   uint64
	TicksStale       uint64
	TicksUnknown     uint64
	CandlesFinalized uint64
	SymbolReady      uint64
	Evaluations      uint64
	OrdersPlaced     uint64
	NoiseSkips       uint64
	OracleLatency    LatencySnapshot
	EvaluateLatency  LatencySnapshot
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) inc(field *uint64) {
	if m == nil {
		return
	}
	atomic.AddUint64(field, 1)
}

// IncTickEnqueued records a tick accepted into the queue.
func (m *Metrics) IncTickEnqueued() {
	if m == nil {
		return
	}
	m.inc(&m.ticksEnqueued)
}

// IncTickProcessed records a tick applied to in-progress candles.
func (m *Metrics) IncTickProcessed() {
	if m == nil {
		return
	}
	m.inc(&m.ticksProcessed)
}

// IncTickStale records a tick discarded for arriving out of order.
func (m *Metrics) IncTickStale() {
	if m == nil {
		return
	}
	m.inc(&m.ticksStale)
}

// IncTickUnknown records a tick for an untracked symbol.
func (m *Metrics) IncTickUnknown() {
	if m == nil {
		return
	}
	m.inc(&m.ticksUnknown)
}

// IncCandleFinalized records a finalized candle.
func (m *Metrics) IncCandleFinalized() {
	if m == nil {
		return
	}
	m.inc(&m.candlesFinalized)
}

// IncSymbolReady records a re-evaluation trigger.
func (m *Metrics) IncSymbolReady() {
	if m == nil {
		return
	}
	m.inc(&m.symbolReady)
}

// IncEvaluation records a reconciliation pass that reached the exchange.
func (m *Metrics) IncEvaluation() {
	if m == nil {
		return
	}
	m.inc(&m.evaluations)
}

// IncOrderPlaced records a placed limit order.
func (m *Metrics) IncOrderPlaced() {
	if m == nil {
		return
	}
	m.inc(&m.ordersPlaced)
}

// IncNoiseSkip records a reconciliation that fell under the notional floor.
func (m *Metrics) IncNoiseSkip() {
	if m == nil {
		return
	}
	m.inc(&m.noiseSkips)
}

// ObserveOracleCall measures a single oracle request/response turnaround.
func (m *Metrics) ObserveOracleCall(d time.Duration) {
	if m == nil {
		return
	}
	m.oracleLatency.Observe(d)
}

// ObserveEvaluate measures one full reconciliation pass.
func (m *Metrics) ObserveEvaluate(d time.Duration) {
	if m == nil {
		return
	}
	m.evaluateLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		TicksEnqueued:    atomic.LoadUint64(&m.ticksEnqueued),
		TicksProcessed:   atomic.LoadUint64(&m.ticksProcessed),
		TicksStale:       atomic.LoadUint64(&m.ticksStale),
		TicksUnknown:     atomic.LoadUint64(&m.ticksUnknown),
		CandlesFinalized: atomic.LoadUint64(&m.candlesFinalized),
		SymbolReady:      atomic.LoadUint64(&m.symbolReady),
		Evaluations:      atomic.LoadUint64(&m.evaluations),
		OrdersPlaced:     atomic.LoadUint64(&m.ordersPlaced),
		NoiseSkips:       atomic.LoadUint64(&m.noiseSkips),
		OracleLatency:    m.oracleLatency.Snapshot(),
		EvaluateLatency:  m.evaluateLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}

package exchange

import (
	"sync"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/model"
)

// DefaultRecollectGap is how far a live tick may run ahead of the last
// enqueued one before the missing agg trades are refetched.
const DefaultRecollectGap = 30 * time.Second

// TickSink accepts ticks and remembers the newest enqueued time per symbol.
type TickSink interface {
	Enqueue(t model.Tick)
	LastEnqueuedTickTime(symbol string) time.Time
}

// TradeHistory fetches historical aggregated trades.
type TradeHistory interface {
	AggTrades(symbol string, from, to time.Time) ([]model.Tick, error)
}

// Recollector forwards live ticks into a sink and patches stream gaps: when a
// tick arrives more than gap after the last enqueued one, the trades in
// between are refetched from REST and enqueued first, oldest to newest.
type Recollector struct {
	mu     sync.Mutex
	sink   TickSink
	trades TradeHistory
	gap    time.Duration
}

func NewRecollector(sink TickSink, trades TradeHistory, gap time.Duration) *Recollector {
	if gap <= 0 {
		gap = DefaultRecollectGap
	}
	return &Recollector{sink: sink, trades: trades, gap: gap}
}

// Relay enqueues one live tick, backfilling any detected gap ahead of it.
func (r *Recollector) Relay(t model.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()

	last := r.sink.LastEnqueuedTickTime(t.Symbol)
	if !last.IsZero() && t.Time.Sub(last) > r.gap {
		from := last.Add(time.Millisecond)
		to := t.Time.Add(-time.Millisecond)
		missed, err := r.trades.AggTrades(t.Symbol, from, to)
		if err != nil {
			logs.Errorf("recollect %s trades between %s and %s: %+v", t.Symbol, from, to, err)
		} else {
			logs.Infof("recollected %d %s trades between %s and %s", len(missed), t.Symbol, from, to)
			for _, m := range missed {
				r.sink.Enqueue(m)
			}
		}
	}

	r.sink.Enqueue(t)
}

package candle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/model"
	"main/internal/obs"
	"main/pkg/backoff"
	"main/pkg/exception"
)

// DefaultRecentTickWindow bounds how old a tick may be for its finalized
// candle to still trigger a re-evaluation of the symbol.
const DefaultRecentTickWindow = 20 * time.Minute

// History is the slice of the exchange the aggregator needs for startup
// catch-up: sub-interval klines to rebuild candles from, and historical
// aggregated trades to replay the gap since the last candle boundary.
type History interface {
	Klines(symbol string, timeframe int, from, to time.Time) ([]model.Candle, error)
	AggTrades(symbol string, from, to time.Time) ([]model.Tick, error)
}

// Aggregator reduces the trade tick stream into per-(symbol, timeframe)
// candles. Finalization is tick-driven: a candle closes only when a later
// tick falls outside its window, never on a wall clock, so a quiet symbol
// never finalizes an empty candle and the whole reduction replays
// deterministically from a tick export.
//
// One mutex serializes every mutation of in-progress and finalized state.
// Finalize, append and notify happen as one atomic unit under it.
type Aggregator struct {
	mu      sync.Mutex
	store   *Store
	queue   *bus.Queue[model.Tick]
	metrics *obs.Metrics

	timeframes     map[string][]int
	inProgress     map[seriesKey]*model.Candle
	lastCandleTime map[seriesKey]time.Time
	lastTickTime   map[string]time.Time

	enqMu        sync.Mutex
	lastEnqueued map[string]time.Time

	onCandle      func(model.Candle)
	onSymbolReady func(symbol string)

	recentWindow time.Duration
	now          func() time.Time
}

func NewAggregator(store *Store, metrics *obs.Metrics, recentWindow time.Duration) (*Aggregator, error) {
	if store == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "candle store")
	}
	if recentWindow <= 0 {
		recentWindow = DefaultRecentTickWindow
	}
	return &Aggregator{
		store:          store,
		queue:          bus.NewQueue[model.Tick](),
		metrics:        metrics,
		timeframes:     make(map[string][]int),
		inProgress:     make(map[seriesKey]*model.Candle),
		lastCandleTime: make(map[seriesKey]time.Time),
		lastTickTime:   make(map[string]time.Time),
		lastEnqueued:   make(map[string]time.Time),
		recentWindow:   recentWindow,
		now:            time.Now,
	}, nil
}

// Track loads the persisted series for a symbol and starts aggregating its
// ticks. Must be called before Catchup and Run.
func (a *Aggregator) Track(symbol string, timeframes []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	sorted := append([]int(nil), timeframes...)
	sort.Ints(sorted)
	for _, timeframe := range sorted {
		if err := a.store.LoadSeries(symbol, timeframe); err != nil {
			return err
		}
		key := seriesKey{symbol, timeframe}
		if last, ok := a.store.Last(symbol, timeframe); ok {
			a.lastCandleTime[key] = last.Time
		}
	}
	a.timeframes[symbol] = sorted
	return nil
}

// Tracked reports the symbols and timeframes under aggregation.
func (a *Aggregator) Tracked() map[string][]int {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string][]int, len(a.timeframes))
	for symbol, tfs := range a.timeframes {
		out[symbol] = append([]int(nil), tfs...)
	}
	return out
}

// Catchup fills the gap between the persisted series and now. Per series it
// rebuilds candles from exchange klines, starting four windows before the
// resume point to recover the diff baseline, drops the trailing still-forming
// candle and pushes the rest through the same finalize path live ticks use.
// Afterwards it replays historical trades from the oldest candle boundary of
// each symbol, so diff and volume accumulation stay uniform with live data.
func (a *Aggregator) Catchup(history History) error {
	if history == nil {
		return errors.Wrap(exception.ErrNilInstance, "exchange history")
	}

	now := a.now()
	for symbol, timeframes := range a.Tracked() {
		for _, timeframe := range timeframes {
			if err := a.catchupSeries(history, symbol, timeframe, now); err != nil {
				return err
			}
		}
	}

	for symbol, timeframes := range a.Tracked() {
		from := time.Time{}
		for _, timeframe := range timeframes {
			a.mu.Lock()
			t := a.lastCandleTime[seriesKey{symbol, timeframe}]
			a.mu.Unlock()
			if t.IsZero() {
				continue
			}
			if from.IsZero() || t.Before(from) {
				from = t
			}
		}
		if from.IsZero() {
			continue
		}
		ticks, err := history.AggTrades(symbol, from, now)
		if err != nil {
			return errors.Wrapf(err, "backfill trades for %s", symbol)
		}
		logs.Infof("backfilling %d trades for %s since %s", len(ticks), symbol, from.Format(time.RFC3339))
		for _, tick := range ticks {
			a.processTick(tick)
		}
	}
	return nil
}

func (a *Aggregator) catchupSeries(history History, symbol string, timeframe int, now time.Time) error {
	a.mu.Lock()
	last := a.lastCandleTime[seriesKey{symbol, timeframe}]
	a.mu.Unlock()

	if last.IsZero() {
		// Nothing persisted yet: there is no resume point to fetch from, the
		// live stream seeds the series instead.
		logs.Debugf("%s %dm: no stored candles, catch-up skipped", symbol, timeframe)
		return nil
	}

	window := time.Duration(timeframe) * time.Minute
	resume := last.Add(window)
	logs.Debugf("%s %dm: last candle %s, collecting from %s",
		symbol, timeframe, last.Format(time.RFC3339), resume.Format(time.RFC3339))

	klines, err := history.Klines(symbol, timeframe, resume.Add(-4*window), now)
	if err != nil {
		return errors.Wrapf(err, "catch up %s %dm", symbol, timeframe)
	}
	candles := Rebucket(klines, symbol, timeframe)
	kept := candles[:0]
	for _, c := range candles {
		if !c.Time.Before(resume) {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	kept = kept[:len(kept)-1] // newest bucket is still forming

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range kept {
		a.finalize(c)
	}
	return nil
}

// Rebucket groups sub-interval klines into timeframe candles: a bucket rolls
// over when a kline's open time leaves the current window, taking the
// alignment rule the live path uses. ClosePriceDiff is filled on rollover
// only, so the newest bucket comes back still forming.
func Rebucket(klines []model.Candle, symbol string, timeframe int) []model.Candle {
	if len(klines) == 0 {
		return nil
	}
	window := time.Duration(timeframe) * time.Minute

	out := []model.Candle{{
		Symbol:     symbol,
		Timeframe:  timeframe,
		Time:       klines[0].Time,
		ClosePrice: klines[0].ClosePrice,
	}}
	prevClose := klines[0].ClosePrice
	cur := &out[0]
	for i := range klines {
		k := &klines[i]
		if k.Time.Sub(cur.Time) >= window {
			cur.ClosePriceDiff = cur.ClosePrice.Sub(prevClose)
			prevClose = cur.ClosePrice
			out = append(out, model.Candle{
				Symbol:     symbol,
				Timeframe:  timeframe,
				Time:       model.AlignCandleTime(k.Time, timeframe),
				ClosePrice: k.ClosePrice,
				Volume:     k.Volume,
			})
			cur = &out[len(out)-1]
		} else {
			cur.ClosePrice = k.ClosePrice
			cur.Volume = cur.Volume.Add(k.Volume)
		}
	}
	return out
}

// Wire registers the finalized-candle and symbol-ready callbacks, running
// seed under the aggregation lock first. Candles finalized while seed runs
// are held back, so a consumer seeded from the stored series never misses or
// double-sees a candle.
func (a *Aggregator) Wire(onCandle func(model.Candle), onSymbolReady func(symbol string), seed func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seed != nil {
		seed()
	}
	a.onCandle = onCandle
	a.onSymbolReady = onSymbolReady
}

// CandlesSince returns the finalized candles of a series newer than after.
func (a *Aggregator) CandlesSince(symbol string, timeframe int, after time.Time) []model.Candle {
	all := a.store.LastN(a.store.Len(symbol, timeframe), symbol, timeframe)
	i := sort.Search(len(all), func(i int) bool { return all[i].Time.After(after) })
	return all[i:]
}

// Enqueue queues a live tick for aggregation. Ticks for untracked symbols
// are dropped with a log line.
func (a *Aggregator) Enqueue(tick model.Tick) {
	a.mu.Lock()
	_, tracked := a.timeframes[tick.Symbol]
	a.mu.Unlock()
	if !tracked {
		a.metrics.IncTickUnknown()
		logs.Warnf("tick for untracked symbol %s dropped", tick.Symbol)
		return
	}
	if err := a.queue.Publish(tick); err != nil {
		logs.Errorf("enqueue tick for %s: %v", tick.Symbol, err)
		return
	}
	a.metrics.IncTickEnqueued()
	a.enqMu.Lock()
	a.lastEnqueued[tick.Symbol] = tick.Time
	a.enqMu.Unlock()
}

// LastEnqueuedTickTime returns the timestamp of the newest tick enqueued for
// the symbol. The gap-recollection path compares it against live tick times.
func (a *Aggregator) LastEnqueuedTickTime(symbol string) time.Time {
	a.enqMu.Lock()
	defer a.enqMu.Unlock()
	return a.lastEnqueued[symbol]
}

// Run drains the tick queue until the context is done. Exactly one Run per
// aggregator; ticks are processed strictly in enqueue order.
func (a *Aggregator) Run(ctx context.Context) {
	a.queue.Run(ctx, backoff.DefaultLinear(), a.processTick)
}

// Backlog reports the number of queued, unprocessed ticks.
func (a *Aggregator) Backlog() int {
	return a.queue.Len()
}

// Replay applies a tick synchronously, bypassing the queue. Offline tools use
// it; the live path goes through Enqueue and Run.
func (a *Aggregator) Replay(tick model.Tick) {
	a.processTick(tick)
}

func (a *Aggregator) processTick(tick model.Tick) {
	a.mu.Lock()
	defer a.mu.Unlock()

	timeframes, ok := a.timeframes[tick.Symbol]
	if !ok {
		a.metrics.IncTickUnknown()
		logs.Warnf("tick for untracked symbol %s dropped", tick.Symbol)
		return
	}
	if a.lastTickTime[tick.Symbol].After(tick.Time) {
		a.metrics.IncTickStale()
		return
	}
	a.lastTickTime[tick.Symbol] = tick.Time
	a.metrics.IncTickProcessed()

	finalized := false
	for _, timeframe := range timeframes {
		key := seriesKey{tick.Symbol, timeframe}
		window := time.Duration(timeframe) * time.Minute

		// Inside the window of the last finalized candle: replayed history,
		// nothing to do for this timeframe.
		if tick.Time.Before(a.lastCandleTime[key].Add(window)) {
			continue
		}

		cur := a.inProgress[key]
		if cur != nil && !tick.Time.Before(cur.Time.Add(window)) {
			prevClose := decimal.Zero
			if last, ok := a.store.Last(tick.Symbol, timeframe); ok {
				prevClose = last.ClosePrice
			}
			cur.ClosePriceDiff = cur.ClosePrice.Sub(prevClose)
			a.finalize(*cur)
			cur = nil
			finalized = true
		}
		if cur == nil {
			cur = &model.Candle{
				Symbol:    tick.Symbol,
				Timeframe: timeframe,
				Time:      model.AlignCandleTime(tick.Time, timeframe),
			}
			a.inProgress[key] = cur
		}
		cur.ClosePrice = tick.Price
		cur.Volume = cur.Volume.Add(tick.Quantity)
	}

	if finalized && tick.Time.After(a.now().Add(-a.recentWindow)) {
		a.metrics.IncSymbolReady()
		if a.onSymbolReady != nil {
			a.onSymbolReady(tick.Symbol)
		}
	}
}

// finalize appends a candle and notifies consumers. Callers hold a.mu: the
// append and the notification form one atomic unit, so no reader observes a
// notification for a candle that is not durably on disk.
func (a *Aggregator) finalize(c model.Candle) {
	key := seriesKey{c.Symbol, c.Timeframe}
	if !c.Time.After(a.lastCandleTime[key]) {
		return
	}
	if err := a.store.Append(c); err != nil {
		logs.Errorf("persist candle %s %dm @ %s: %v",
			c.Symbol, c.Timeframe, c.Time.Format(time.RFC3339), err)
		return
	}
	a.lastCandleTime[key] = c.Time
	a.metrics.IncCandleFinalized()
	if a.onCandle != nil {
		a.onCandle(c)
	}
}

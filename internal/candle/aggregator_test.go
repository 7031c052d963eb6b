package candle

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"main/internal/model"
)

func newTestAggregator(t *testing.T, root, symbol string, timeframes ...int) *Aggregator {
	t.Helper()
	s, err := NewStore(root)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	a, err := NewAggregator(s, nil, 0)
	require.NoError(t, err)
	require.NoError(t, a.Track(symbol, timeframes))
	return a
}

func tick(t *testing.T, symbol string, ts time.Time, price, quantity string) model.Tick {
	t.Helper()
	return model.Tick{Symbol: symbol, Price: dec(t, price), Quantity: dec(t, quantity), Time: ts}
}

func TestMonotonicCandles(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "BTCUSDT", 5)
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base.Add(time.Hour) }

	// Dense ticks, one every 30 s for an hour, across twelve 5m windows.
	for i := 0; i < 120; i++ {
		a.processTick(tick(t, "BTCUSDT", base.Add(time.Duration(i)*30*time.Second), "100", "1"))
	}

	candles := a.store.LastN(a.store.Len("BTCUSDT", 5), "BTCUSDT", 5)
	require.Len(t, candles, 11) // the twelfth window is still in progress
	for i, c := range candles {
		want := base.Add(time.Duration(i) * 5 * time.Minute)
		assert.True(t, c.Time.Equal(want), "candle %d at %s, want %s", i, c.Time, want)
		assert.True(t, c.Volume.Equal(dec(t, "10")), "candle %d volume %s", i, c.Volume)
	}
}

func TestStaleTickDiscarded(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "BTCUSDT", 5)
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base.Add(time.Hour) }

	a.processTick(tick(t, "BTCUSDT", base, "100", "1"))
	a.processTick(tick(t, "BTCUSDT", base.Add(5*time.Minute), "101", "1"))
	require.Equal(t, 1, a.store.Len("BTCUSDT", 5))
	finalized, _ := a.store.Last("BTCUSDT", 5)

	// A backfill straggler far in the past must not reopen the closed window
	// nor touch the finalized candle.
	a.processTick(tick(t, "BTCUSDT", base.Add(time.Minute), "999", "50"))

	require.Equal(t, 1, a.store.Len("BTCUSDT", 5))
	got, _ := a.store.Last("BTCUSDT", 5)
	assert.True(t, got.ClosePrice.Equal(finalized.ClosePrice))
	assert.True(t, got.Volume.Equal(finalized.Volume))
	cur := a.inProgress[seriesKey{"BTCUSDT", 5}]
	require.NotNil(t, cur)
	assert.True(t, cur.ClosePrice.Equal(dec(t, "101")))
}

func TestFourTickScenario(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "ABCUSDT", 5)
	t0 := time.Date(2023, 5, 1, 12, 2, 0, 0, time.UTC) // boundary 12:00
	a.now = func() time.Time { return t0.Add(10 * time.Minute) }

	a.processTick(tick(t, "ABCUSDT", t0, "100", "1"))
	a.processTick(tick(t, "ABCUSDT", t0.Add(61*time.Second), "101", "1"))
	require.Zero(t, a.store.Len("ABCUSDT", 5))

	// Third tick falls outside [12:00, 12:05): closes the window at the last
	// price seen inside it and opens the next one at the 12:05 boundary.
	a.processTick(tick(t, "ABCUSDT", t0.Add(4*time.Minute), "99", "1"))
	require.Equal(t, 1, a.store.Len("ABCUSDT", 5))
	c, _ := a.store.Last("ABCUSDT", 5)
	assert.True(t, c.Time.Equal(time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, c.ClosePrice.Equal(dec(t, "101")))
	assert.True(t, c.Volume.Equal(dec(t, "2")))

	cur := a.inProgress[seriesKey{"ABCUSDT", 5}]
	require.NotNil(t, cur)
	assert.True(t, cur.Time.Equal(time.Date(2023, 5, 1, 12, 5, 0, 0, time.UTC)))
	assert.True(t, cur.ClosePrice.Equal(dec(t, "99")))

	// Fourth tick stays inside the new window.
	a.processTick(tick(t, "ABCUSDT", t0.Add(6*time.Minute), "98", "1"))
	assert.Equal(t, 1, a.store.Len("ABCUSDT", 5))
	assert.True(t, cur.ClosePrice.Equal(dec(t, "98")))
}

func TestCloseDiffAgainstPreviousCandle(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "BTCUSDT", 5)
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base.Add(time.Hour) }

	a.processTick(tick(t, "BTCUSDT", base, "100", "1"))
	a.processTick(tick(t, "BTCUSDT", base.Add(5*time.Minute), "103", "1"))
	a.processTick(tick(t, "BTCUSDT", base.Add(10*time.Minute), "101.5", "1"))

	candles := a.store.LastN(2, "BTCUSDT", 5)
	require.Len(t, candles, 2)
	assert.True(t, candles[1].ClosePrice.Equal(dec(t, "103")))
	assert.True(t, candles[1].ClosePriceDiff.Equal(dec(t, "3")), "diff %s", candles[1].ClosePriceDiff)
}

func TestReplayEquivalence(t *testing.T) {
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	fixture := make([]model.Tick, 0, 60)
	prices := []string{"100", "101", "99.5", "102", "98", "100.25"}
	for i := 0; i < 60; i++ {
		fixture = append(fixture, tick(t, "BTCUSDT", base.Add(time.Duration(i)*time.Minute), prices[i%len(prices)], "0.5"))
	}

	liveDir, restartDir := t.TempDir(), t.TempDir()

	live := newTestAggregator(t, liveDir, "BTCUSDT", 5)
	live.now = func() time.Time { return base.Add(2 * time.Hour) }
	for _, tk := range fixture {
		live.processTick(tk)
	}

	// First half live, then a process restart: the series is replayed from
	// its log and the remaining fixture arrives as a backfill.
	first := newTestAggregator(t, restartDir, "BTCUSDT", 5)
	first.now = func() time.Time { return base.Add(2 * time.Hour) }
	for _, tk := range fixture[:30] {
		first.processTick(tk)
	}

	second := newTestAggregator(t, restartDir, "BTCUSDT", 5)
	second.now = func() time.Time { return base.Add(2 * time.Hour) }
	lastCandle, ok := second.store.Last("BTCUSDT", 5)
	require.True(t, ok)
	for _, tk := range fixture {
		if tk.Time.Before(lastCandle.Time) {
			continue
		}
		second.processTick(tk)
	}

	want, err := os.ReadFile(filepath.Join(liveDir, "BTCUSDT", "5mins.txt"))
	require.NoError(t, err)
	got, err := os.ReadFile(filepath.Join(restartDir, "BTCUSDT", "5mins.txt"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
}

func TestSymbolReadyOncePerTick(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "BTCUSDT", 5, 10)
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base.Add(21 * time.Minute) }

	var ready []string
	var candles []model.Candle
	a.Wire(func(c model.Candle) { candles = append(candles, c) },
		func(symbol string) { ready = append(ready, symbol) }, nil)

	a.processTick(tick(t, "BTCUSDT", base, "100", "1"))
	// Closes both the 5m and the 10m window with a single tick.
	a.processTick(tick(t, "BTCUSDT", base.Add(10*time.Minute), "101", "1"))

	assert.Len(t, candles, 2)
	assert.Equal(t, []string{"BTCUSDT"}, ready)
	for _, c := range candles {
		assert.True(t, c.Time.Equal(base))
	}
}

func TestSymbolReadySkippedForOldTicks(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "BTCUSDT", 5)
	base := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return base.Add(2 * time.Hour) } // backfill is hours behind

	var ready int
	a.Wire(nil, func(string) { ready++ }, nil)

	a.processTick(tick(t, "BTCUSDT", base, "100", "1"))
	a.processTick(tick(t, "BTCUSDT", base.Add(5*time.Minute), "101", "1"))

	assert.Equal(t, 1, a.store.Len("BTCUSDT", 5))
	assert.Zero(t, ready)
}

func TestEnqueueUntrackedSymbol(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "BTCUSDT", 5)

	a.Enqueue(tick(t, "DOGEUSDT", time.Now(), "0.1", "1000"))
	assert.Zero(t, a.Backlog())
	assert.True(t, a.LastEnqueuedTickTime("DOGEUSDT").IsZero())

	a.Enqueue(tick(t, "BTCUSDT", time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC), "100", "1"))
	assert.Equal(t, 1, a.Backlog())
	assert.False(t, a.LastEnqueuedTickTime("BTCUSDT").IsZero())
}

func TestRebucket(t *testing.T) {
	base := time.Date(2023, 5, 1, 11, 58, 0, 0, time.UTC)
	var klines []model.Candle
	for i := 0; i < 10; i++ {
		klines = append(klines, model.Candle{
			Symbol:     "BTCUSDT",
			Timeframe:  1,
			Time:       base.Add(time.Duration(i) * time.Minute),
			ClosePrice: dec(t, "100").Add(decimalFromInt(t, i)),
			Volume:     dec(t, "1"),
		})
	}

	got := Rebucket(klines, "BTCUSDT", 5)
	require.Len(t, got, 3)

	// First bucket starts at the first kline, unaligned, and covers 11:58-12:02.
	assert.True(t, got[0].Time.Equal(base))
	assert.True(t, got[0].ClosePrice.Equal(dec(t, "104")))
	assert.True(t, got[0].Volume.Equal(dec(t, "5")))
	assert.True(t, got[0].ClosePriceDiff.Equal(dec(t, "4")))

	// Rolled-over buckets align to the 5 minute boundary.
	assert.True(t, got[1].Time.Equal(time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)))
	assert.True(t, got[1].ClosePrice.Equal(dec(t, "109")))
	assert.True(t, got[1].ClosePriceDiff.Equal(dec(t, "5")))

	// Newest bucket is still forming: no diff assigned.
	assert.True(t, got[2].Time.Equal(time.Date(2023, 5, 1, 12, 5, 0, 0, time.UTC)))
	assert.True(t, got[2].ClosePriceDiff.IsZero())

	assert.Nil(t, Rebucket(nil, "BTCUSDT", 5))
}

func decimalFromInt(t *testing.T, i int) decimal.Decimal {
	t.Helper()
	return decimal.NewFromInt(int64(i))
}

type fakeHistory struct {
	klines map[string][]model.Candle
	ticks  map[string][]model.Tick

	klineCalls, tickCalls int
	klineFrom, klineTo    time.Time
	tickFrom              time.Time
}

func (h *fakeHistory) Klines(symbol string, timeframe int, from, to time.Time) ([]model.Candle, error) {
	h.klineCalls++
	h.klineFrom, h.klineTo = from, to
	return h.klines[symbol], nil
}

func (h *fakeHistory) AggTrades(symbol string, from, to time.Time) ([]model.Tick, error) {
	h.tickCalls++
	h.tickFrom = from
	return h.ticks[symbol], nil
}

func TestCatchup(t *testing.T) {
	root := t.TempDir()
	last := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	// Seed the persisted series with one candle ending at 12:05.
	seed, err := NewStore(root)
	require.NoError(t, err)
	require.NoError(t, seed.LoadSeries("BTCUSDT", 5))
	require.NoError(t, seed.Append(testCandle(t, "BTCUSDT", 5, last, "0", "100", "1")))
	require.NoError(t, seed.Close())

	a := newTestAggregator(t, root, "BTCUSDT", 5)
	now := last.Add(16 * time.Minute)
	a.now = func() time.Time { return now }

	// Klines spanning before the resume point through a still-open window.
	var klines []model.Candle
	for i := 0; i < 16; i++ {
		klines = append(klines, model.Candle{
			Symbol:     "BTCUSDT",
			Timeframe:  1,
			Time:       last.Add(time.Duration(i) * time.Minute),
			ClosePrice: dec(t, "100").Add(decimalFromInt(t, i)),
			Volume:     dec(t, "1"),
		})
	}
	history := &fakeHistory{
		klines: map[string][]model.Candle{"BTCUSDT": klines},
		ticks: map[string][]model.Tick{"BTCUSDT": {
			tick(t, "BTCUSDT", last.Add(15*time.Minute+30*time.Second), "120", "2"),
		}},
	}

	require.NoError(t, a.Catchup(history))

	// Buckets at 12:00 (guarded: already persisted) and 12:15 (still forming,
	// dropped) leave exactly 12:05 and 12:10 finalized.
	require.Equal(t, 3, a.store.Len("BTCUSDT", 5))
	candles := a.store.LastN(2, "BTCUSDT", 5)
	assert.True(t, candles[0].Time.Equal(last.Add(5*time.Minute)))
	assert.True(t, candles[1].Time.Equal(last.Add(10*time.Minute)))

	// Kline fetch starts four windows before the resume point; trade backfill
	// starts at the oldest candle boundary.
	assert.True(t, history.klineFrom.Equal(last.Add(5*time.Minute).Add(-20*time.Minute)))
	assert.True(t, history.tickFrom.Equal(last.Add(10*time.Minute)))

	// The backfilled trade lands in the 12:15 in-progress window.
	cur := a.inProgress[seriesKey{"BTCUSDT", 5}]
	require.NotNil(t, cur)
	assert.True(t, cur.Time.Equal(last.Add(15*time.Minute)))
	assert.True(t, cur.ClosePrice.Equal(dec(t, "120")))
}

func TestCatchupSkipsEmptySeries(t *testing.T) {
	a := newTestAggregator(t, t.TempDir(), "BTCUSDT", 5)
	a.now = func() time.Time { return time.Date(2023, 5, 1, 12, 16, 0, 0, time.UTC) }

	// A fresh series has no resume point: catch-up must never reach the
	// exchange, the live stream seeds the files.
	history := &fakeHistory{}
	require.NoError(t, a.Catchup(history))

	assert.Zero(t, history.klineCalls)
	assert.Zero(t, history.tickCalls)
	assert.Zero(t, a.store.Len("BTCUSDT", 5))
}

func TestCatchupBackfillIgnoresEmptyTimeframes(t *testing.T) {
	root := t.TempDir()
	last := time.Date(2023, 5, 1, 12, 0, 0, 0, time.UTC)

	seed, err := NewStore(root)
	require.NoError(t, err)
	require.NoError(t, seed.LoadSeries("BTCUSDT", 5))
	require.NoError(t, seed.Append(testCandle(t, "BTCUSDT", 5, last, "0", "100", "1")))
	require.NoError(t, seed.Close())

	// 5m has a persisted candle, 15m has none: the trade backfill starts at
	// the 5m boundary instead of the zero time.
	a := newTestAggregator(t, root, "BTCUSDT", 5, 15)
	a.now = func() time.Time { return last.Add(2 * time.Minute) }

	history := &fakeHistory{}
	require.NoError(t, a.Catchup(history))

	require.Equal(t, 1, history.tickCalls)
	assert.True(t, history.tickFrom.Equal(last))
}

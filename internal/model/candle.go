package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is a fixed-window price/volume aggregate for one (symbol, timeframe)
// series. Time marks the window open; the window is [Time, Time+timeframe).
// ClosePriceDiff is populated on finalization only: close of this candle minus
// close of the previous finalized candle of the same series.
type Candle struct {
	Symbol         string
	Timeframe      int // minutes
	Time           time.Time
	ClosePriceDiff decimal.Decimal
	ClosePrice     decimal.Decimal
	Volume         decimal.Decimal
}

// AlignCandleTime truncates a tick timestamp to the candle open time for the
// given timeframe. Timeframes that evenly divide an hour align to the multiple
// of the timeframe within the hour; others truncate to the whole minute. The
// second rule can drift from a clean multiple across hour boundaries, which is
// kept for compatibility with historical series files.
func AlignCandleTime(t time.Time, timeframe int) time.Time {
	aligned := t.Truncate(time.Minute)
	if timeframe > 0 && 60%timeframe == 0 {
		aligned = aligned.Add(-time.Duration(aligned.Minute()%timeframe) * time.Minute)
	}
	return aligned
}

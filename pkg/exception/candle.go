package exception

import "errors"

var (
	ErrCorruptSeries    = errors.New("candle: corrupt series file")
	ErrUnknownSeries    = errors.New("candle: unknown series")
	ErrSeriesExists     = errors.New("candle: series already registered")
	ErrQueueClosed      = errors.New("candle: tick queue closed")
	ErrEmptyCandlesRoot = errors.New("candle: candles directory missing")
)

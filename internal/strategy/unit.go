// Package strategy turns finalized candles into directional signals and
// reconciles the combined signal of a symbol against the exchange position.
package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/obs"
	"main/pkg/exception"
)

// Oracle is the slice of the prediction channel a signal unit consumes. All
// calls are blocking I/O serialized by the implementation.
type Oracle interface {
	LastProcessedTime(symbol string, timeframe int, skip decimal.Decimal) (time.Time, error)
	Volume(symbol string, timeframe int, skip decimal.Decimal) (decimal.Decimal, error)
	SetVolume(volume decimal.Decimal, symbol string, timeframe int, skip decimal.Decimal) error
	LastDirection(symbol string, timeframe int, skip decimal.Decimal) (int, error)
	Predict(diff, closePrice decimal.Decimal, t time.Time, volume decimal.Decimal,
		symbol string, timeframe int, skip decimal.Decimal, save bool) (int, error)
	Save(symbol string, timeframe int, skip decimal.Decimal) error
}

// volumes at or below this are treated as unset and replaced with the
// instrument minimum on initialization.
var volumeEpsilon = decimal.New(1, -9)

// Unit is one signal series: it absorbs finalized candles for its
// (symbol, timeframe) until the cumulative move crosses the skip threshold,
// then consults the oracle with the synthesized macro-candle and tracks the
// resulting direction.
type Unit struct {
	Symbol    string
	Timeframe int

	oracle    Oracle
	skip      decimal.Decimal
	paramsDir string
	metrics   *obs.Metrics

	mu               sync.Mutex
	info             model.SymbolInfo
	params           *Params
	lastCandleTime   time.Time
	accumDiff        decimal.Decimal
	accumVolume      decimal.Decimal
	volume           decimal.Decimal
	direction        int
	directionChanged bool
	initialized      bool
}

func NewUnit(symbol string, timeframe int, skip decimal.Decimal, oracle Oracle, paramsDir string, metrics *obs.Metrics) (*Unit, error) {
	if oracle == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "oracle")
	}
	return &Unit{
		Symbol:    symbol,
		Timeframe: timeframe,
		oracle:    oracle,
		skip:      skip,
		paramsDir: paramsDir,
		metrics:   metrics,
	}, nil
}

// Initialize rehydrates model state from the oracle, which owns it across
// restarts, and loads the local parameter file. A unit whose persisted volume
// is unset adopts the instrument minimum and pushes it back.
func (u *Unit) Initialize(info model.SymbolInfo) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	last, err := u.oracle.LastProcessedTime(u.Symbol, u.Timeframe, u.skip)
	if err != nil {
		return errors.Wrapf(err, "restore last processed time for %s %dm", u.Symbol, u.Timeframe)
	}
	volume, err := u.oracle.Volume(u.Symbol, u.Timeframe, u.skip)
	if err != nil {
		return errors.Wrapf(err, "restore volume for %s %dm", u.Symbol, u.Timeframe)
	}
	if volume.LessThanOrEqual(volumeEpsilon) {
		volume = info.MinQuantity
		if err := u.oracle.SetVolume(volume, u.Symbol, u.Timeframe, u.skip); err != nil {
			return errors.Wrapf(err, "push default volume for %s %dm", u.Symbol, u.Timeframe)
		}
	}
	direction, err := u.oracle.LastDirection(u.Symbol, u.Timeframe, u.skip)
	if err != nil {
		return errors.Wrapf(err, "restore direction for %s %dm", u.Symbol, u.Timeframe)
	}
	params, err := LoadParams(u.paramsDir, info.Symbol, u.Timeframe)
	if err != nil {
		return err
	}

	u.info = info
	u.lastCandleTime = last
	u.volume = volume
	u.direction = direction
	u.params = params
	u.initialized = true
	return nil
}

// Initialized reports whether the unit has been wired to a listed instrument.
func (u *Unit) Initialized() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.initialized
}

// ProcessCandle folds one finalized candle into the accumulators. When the
// cumulative move reaches closePrice*skip the accumulated diff and volume are
// rolled into a macro-candle, the accumulators reset, and the oracle is asked
// for a new direction. Returns true when the oracle was consulted.
//
// Macro-candles older than the oracle's last processed time are dropped
// without a call, which keeps catch-up replay from reprocessing history.
func (u *Unit) ProcessCandle(c model.Candle, save bool) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.initialized {
		return false, errors.Wrapf(exception.ErrNilInstance, "unit %s %dm not initialized", u.Symbol, u.Timeframe)
	}

	u.accumDiff = u.accumDiff.Add(c.ClosePriceDiff)
	u.accumVolume = u.accumVolume.Add(c.Volume)

	if u.accumDiff.Abs().LessThan(c.ClosePrice.Mul(u.skip)) {
		u.metrics.IncNoiseSkip()
		logs.Debugf("%s %dm skips candle %s: accum %s close %s skip %s",
			u.Symbol, u.Timeframe, c.Time.Format(time.RFC3339), u.accumDiff, c.ClosePrice, u.skip)
		return false, nil
	}

	macroDiff, macroVolume := u.accumDiff, u.accumVolume
	u.accumDiff, u.accumVolume = decimal.Zero, decimal.Zero

	if c.Time.Before(u.lastCandleTime) {
		return false, nil
	}
	u.lastCandleTime = c.Time

	direction, err := u.oracle.Predict(macroDiff, c.ClosePrice, c.Time, macroVolume,
		u.Symbol, u.Timeframe, u.skip, save)
	if err != nil {
		return false, errors.Wrapf(err, "predict %s %dm", u.Symbol, u.Timeframe)
	}
	if direction != u.direction {
		u.direction = direction
		u.directionChanged = true
	}
	return true, nil
}

// SaveState asks the oracle to persist its model state for this series.
func (u *Unit) SaveState() error {
	return u.oracle.Save(u.Symbol, u.Timeframe, u.skip)
}

func (u *Unit) Direction() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.direction
}

func (u *Unit) Volume() decimal.Decimal {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.volume
}

// SetVolume updates the in-memory position size. CommitVolume pushes it to
// the oracle as a separate step so mutation stays free of blocking I/O.
func (u *Unit) SetVolume(v decimal.Decimal) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.volume = v
}

func (u *Unit) CommitVolume() error {
	u.mu.Lock()
	v := u.volume
	u.mu.Unlock()
	return u.oracle.SetVolume(v, u.Symbol, u.Timeframe, u.skip)
}

func (u *Unit) DeltaSteps() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.params.DeltaSteps
}

func (u *Unit) SetDeltaSteps(v int) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.params.SetDeltaSteps(v)
}

func (u *Unit) MakeDeals() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.params.MakeDeals
}

func (u *Unit) SetMakeDeals(v bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.params.SetMakeDeals(v)
}

func (u *Unit) DirectionChanged() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.directionChanged
}

func (u *Unit) SetDirectionChanged(v bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.directionChanged = v
}

func (u *Unit) LastCandleTime() time.Time {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastCandleTime
}

// PriceTick returns the instrument's price filter tick size.
func (u *Unit) PriceTick() decimal.Decimal {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.info.PriceTick
}

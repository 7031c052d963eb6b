package strategy

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
	"main/internal/model/enum"
	"main/internal/notify"
	"main/internal/obs"
	"main/internal/oracle"
	"main/pkg/backoff"
	"main/pkg/exception"
)

// Exchange is the slice of the exchange the reconciler needs: synchronous
// request/response calls whose failures surface as errors.
type Exchange interface {
	PlaceOrder(symbol string, quantity, price decimal.Decimal, side enum.OrderSide) error
	CancelAllOrders(symbol string) error
	Position(symbol string) (decimal.Decimal, error)
}

// OrderBook answers whether a symbol still has a working order, fed from the
// user-data stream.
type OrderBook interface {
	HasActiveOrder(symbol string) bool
}

// CandleFeed is the aggregator surface the manager wires itself to.
type CandleFeed interface {
	Wire(onCandle func(model.Candle), onSymbolReady func(symbol string), seed func())
	CandlesSince(symbol string, timeframe int, after time.Time) []model.Candle
}

// ManagerConfig carries the reconciliation tunables.
type ManagerConfig struct {
	ParamsDir           string
	MinNotional         decimal.Decimal
	Debounce            time.Duration
	NotifyOnCancelCount int
}

// managerEvent is one entry of the single FIFO worker feed: either a
// finalized candle or a symbol-ready trigger. One queue for both preserves
// the aggregator's emit order, so a unit always observes a candle before the
// reconciler sees the trigger the same tick produced.
type managerEvent struct {
	candle model.Candle
	ready  string
}

// Manager owns the signal units and reconciles each symbol's combined signal
// against the exchange position.
type Manager struct {
	oracle   Oracle
	exchange Exchange
	orders   OrderBook
	notifier *notify.Notifier
	metrics  *obs.Metrics
	cfg      ManagerConfig

	mu       sync.Mutex
	units    map[string]map[int]*Unit
	infos    map[string]model.SymbolInfo
	lastEval map[string]time.Time
	cancels  map[string]int

	evalMu map[string]*sync.Mutex

	pricesMu   sync.RWMutex
	lastPrices map[string]decimal.Decimal

	events *bus.Queue[managerEvent]

	now   func() time.Time
	sleep func(time.Duration)
}

func NewManager(oracle Oracle, exchange Exchange, orders OrderBook, notifier *notify.Notifier,
	metrics *obs.Metrics, cfg ManagerConfig) (*Manager, error) {
	if oracle == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "oracle")
	}
	if exchange == nil {
		return nil, errors.Wrap(exception.ErrNilInstance, "exchange")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 30 * time.Second
	}
	if cfg.NotifyOnCancelCount <= 0 {
		cfg.NotifyOnCancelCount = 10
	}
	return &Manager{
		oracle:     oracle,
		exchange:   exchange,
		orders:     orders,
		notifier:   notifier,
		metrics:    metrics,
		cfg:        cfg,
		units:      make(map[string]map[int]*Unit),
		infos:      make(map[string]model.SymbolInfo),
		lastEval:   make(map[string]time.Time),
		cancels:    make(map[string]int),
		evalMu:     make(map[string]*sync.Mutex),
		lastPrices: make(map[string]decimal.Decimal),
		events:     bus.NewQueue[managerEvent](),
		now:        time.Now,
		sleep:      time.Sleep,
	}, nil
}

// Init creates one signal unit per oracle-reported series. The oracle is the
// source of truth for which series exist.
func (m *Manager) Init(series []oracle.Series) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range series {
		if _, ok := m.units[s.Symbol]; !ok {
			m.units[s.Symbol] = make(map[int]*Unit)
			m.lastEval[s.Symbol] = m.now().Add(-5 * time.Minute)
			m.cancels[s.Symbol] = 0
			m.evalMu[s.Symbol] = &sync.Mutex{}
		}
		unit, err := NewUnit(s.Symbol, s.Timeframe, s.SkipCoeff, m.oracle, m.cfg.ParamsDir, m.metrics)
		if err != nil {
			return err
		}
		m.units[s.Symbol][s.Timeframe] = unit
		logs.Debugf("created signal unit %s %dm skip %s", s.Symbol, s.Timeframe, s.SkipCoeff)
	}
	return nil
}

// TradedSymbols lists the symbols the oracle reported, sorted.
func (m *Manager) TradedSymbols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.units))
	for symbol := range m.units {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

// Timeframes returns the timeframes of a symbol's units, sorted.
func (m *Manager) Timeframes(symbol string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []int
	for timeframe := range m.units[symbol] {
		out = append(out, timeframe)
	}
	sort.Ints(out)
	return out
}

// SynchronizeSymbols matches oracle-reported symbols against the exchange
// instrument list and initializes their units. A symbol missing from the
// exchange stays unwired and is logged once.
func (m *Manager) SynchronizeSymbols(infos []model.SymbolInfo) error {
	listed := make(map[string]model.SymbolInfo, len(infos))
	for _, info := range infos {
		listed[info.Symbol] = info
	}

	for _, symbol := range m.TradedSymbols() {
		info, ok := listed[symbol]
		if !ok {
			logs.Errorf("symbol %s reported by oracle but not listed on exchange, left unwired", symbol)
			continue
		}
		m.mu.Lock()
		m.infos[symbol] = info
		units := m.unitsOf(symbol)
		m.mu.Unlock()
		for _, unit := range units {
			if err := unit.Initialize(info); err != nil {
				return err
			}
		}
	}
	return nil
}

// unitsOf returns a symbol's units sorted by timeframe. Callers hold m.mu or
// rely on the unit map being append-only after Init.
func (m *Manager) unitsOf(symbol string) []*Unit {
	timeframes := make([]int, 0, len(m.units[symbol]))
	for timeframe := range m.units[symbol] {
		timeframes = append(timeframes, timeframe)
	}
	sort.Ints(timeframes)
	out := make([]*Unit, 0, len(timeframes))
	for _, timeframe := range timeframes {
		out = append(out, m.units[symbol][timeframe])
	}
	return out
}

// UpdateLastPrice records the newest traded price of a symbol, fed from the
// live trade stream before the tick is enqueued.
func (m *Manager) UpdateLastPrice(symbol string, price decimal.Decimal) {
	m.pricesMu.Lock()
	defer m.pricesMu.Unlock()
	m.lastPrices[symbol] = price
}

// LastPrice returns the newest known traded price of a symbol.
func (m *Manager) LastPrice(symbol string) (decimal.Decimal, bool) {
	m.pricesMu.RLock()
	defer m.pricesMu.RUnlock()
	p, ok := m.lastPrices[symbol]
	return p, ok
}

// Bootstrap wires the manager to the candle feed and, under the feed's lock,
// replays stored candles the oracle has not seen yet. Units that consulted
// the oracle during replay get their model state saved once at the end, so a
// crash right after catch-up does not redo the work.
func (m *Manager) Bootstrap(feed CandleFeed) {
	feed.Wire(
		func(c model.Candle) { m.publish(managerEvent{candle: c}) },
		func(symbol string) { m.publish(managerEvent{ready: symbol}) },
		func() { m.replayStored(feed) },
	)
}

func (m *Manager) replayStored(feed CandleFeed) {
	for _, symbol := range m.TradedSymbols() {
		for _, unit := range m.unitsOf(symbol) {
			if !unit.Initialized() {
				continue
			}
			processed := false
			for _, c := range feed.CandlesSince(symbol, unit.Timeframe, unit.LastCandleTime()) {
				ok, err := unit.ProcessCandle(c, false)
				if err != nil {
					logs.Errorf("replay candle %s %dm: %v", symbol, unit.Timeframe, err)
					continue
				}
				if ok {
					processed = true
				}
			}
			if !processed {
				continue
			}
			if err := unit.SaveState(); err != nil {
				logs.Errorf("save oracle state %s %dm: %v", symbol, unit.Timeframe, err)
			}
		}
	}
}

func (m *Manager) publish(ev managerEvent) {
	if err := m.events.Publish(ev); err != nil {
		logs.Errorf("publish strategy event: %v", err)
	}
}

// Run drains the event feed until the context is done. Candles are processed
// on this goroutine in order; symbol-ready triggers spawn an evaluation so
// its exchange calls never stall candle delivery.
func (m *Manager) Run(ctx context.Context) {
	m.events.Run(ctx, backoff.DefaultLinear(), func(ev managerEvent) {
		if ev.ready != "" {
			go m.Evaluate(ev.ready)
			return
		}
		m.handleCandle(ev.candle)
	})
}

func (m *Manager) handleCandle(c model.Candle) {
	m.mu.Lock()
	unit := m.units[c.Symbol][c.Timeframe]
	m.mu.Unlock()
	if unit == nil || !unit.Initialized() {
		return
	}
	if _, err := unit.ProcessCandle(c, true); err != nil {
		logs.Errorf("process candle %s %dm: %v", c.Symbol, c.Timeframe, err)
	}
}

// Evaluate reconciles the symbol's combined signal against the exchange
// position. Single-flight per symbol: overlapping triggers queue on the
// symbol's mutex and run to completion one at a time. Errors abandon the
// trigger; the next one retries from scratch.
func (m *Manager) Evaluate(symbol string) {
	m.mu.Lock()
	mu := m.evalMu[symbol]
	m.mu.Unlock()
	if mu == nil {
		logs.Warnf("evaluation trigger for unknown symbol %s dropped", symbol)
		return
	}

	mu.Lock()
	defer mu.Unlock()

	start := time.Now()
	defer func() { m.metrics.ObserveEvaluate(time.Since(start)) }()

	if err := m.evaluate(symbol); err != nil {
		logs.Errorf("unable to reconcile position for %s: %+v", symbol, err)
	}
}

func (m *Manager) evaluate(symbol string) error {
	units := m.unitsOf(symbol)
	changed := false
	for _, unit := range units {
		if unit.DirectionChanged() {
			changed = true
			break
		}
	}
	if !changed {
		return nil
	}

	// Debounce: wait out the remainder of the window rather than skip, so
	// every direction change is eventually acted on.
	m.mu.Lock()
	lastEval := m.lastEval[symbol]
	m.mu.Unlock()
	if wait := m.cfg.Debounce - m.now().Sub(lastEval); wait > 0 {
		logs.Infof("too frequent position processing for %s, waiting %s", symbol, wait)
		m.sleep(wait)
	}
	m.metrics.IncEvaluation()

	deltaSteps := 0
	target := decimal.Zero
	observeOnly := false
	for _, unit := range units {
		if s := unit.DeltaSteps(); s > deltaSteps {
			deltaSteps = s
		}
		if unit.MakeDeals() {
			target = target.Add(unit.Volume().Mul(decimal.NewFromInt(int64(unit.Direction()))))
		} else {
			observeOnly = true
		}
	}
	if observeOnly {
		logs.Warnf("skip trading as make deals is off for %s", symbol)
	}

	hadActiveOrder := m.orders != nil && m.orders.HasActiveOrder(symbol)
	if err := m.exchange.CancelAllOrders(symbol); err != nil {
		return err
	}
	current, err := m.exchange.Position(symbol)
	if err != nil {
		return err
	}
	toTrade := target.Sub(current)
	lastPrice, ok := m.LastPrice(symbol)
	if !ok {
		return errors.Wrap(exception.ErrNoLastPrice, symbol)
	}

	if toTrade.Mul(lastPrice).Abs().GreaterThan(m.cfg.MinNotional) {
		side := enum.OrderSideBuy
		offset := decimal.NewFromInt(int64(deltaSteps)).Mul(m.priceTick(symbol))
		price := lastPrice.Sub(offset)
		if toTrade.IsNegative() {
			side = enum.OrderSideSell
			price = lastPrice.Add(offset)
		}
		quantity := toTrade.Abs()
		if err := m.exchange.PlaceOrder(symbol, quantity, price, side); err != nil {
			return err
		}
		m.metrics.IncOrderPlaced()
		logs.Infof("%s: current position %s, target position %s, place order %s %s@%s, last price %s",
			symbol, current, target, side, quantity, price, lastPrice)
	} else {
		// Move too small to execute: keep the size tracked without retrying
		// a trade below the notional floor.
		for _, unit := range units {
			unit.SetDirectionChanged(false)
		}
	}

	for _, unit := range units {
		if unit.DeltaSteps() != deltaSteps {
			if err := unit.SetDeltaSteps(deltaSteps); err != nil {
				logs.Errorf("propagate delta steps for %s %dm: %v", symbol, unit.Timeframe, err)
			}
		}
	}

	m.mu.Lock()
	if hadActiveOrder {
		m.cancels[symbol]++
		if m.cancels[symbol] >= m.cfg.NotifyOnCancelCount {
			logs.Warnf("too many cancels for %s: %d in a row", symbol, m.cancels[symbol])
			m.notifier.Alertf("too many cancels for %s: %d in a row", symbol, m.cancels[symbol])
		}
	} else {
		m.cancels[symbol] = 0
	}
	m.lastEval[symbol] = m.now()
	m.mu.Unlock()
	return nil
}

func (m *Manager) priceTick(symbol string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.infos[symbol].PriceTick
}

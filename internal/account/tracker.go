// Package account maintains the trader's view of its own exchange state: the
// working-order table fed by the user-data stream, and the wallet balances
// with their alert conditions.
package account

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"main/internal/exchange"
	"main/internal/model"
	"main/internal/notify"
)

const defaultBalanceInterval = 10 * time.Minute

// usdAssets are the stablecoins counted toward the idle-balance alert.
var usdAssets = map[string]bool{"USDT": true, "USDC": true, "BUSD": true, "FDUSD": true}

// Journal persists orders and fills. A nil Journal drops everything.
type Journal interface {
	RecordOrder(o model.Order) error
	RecordFill(f model.Fill) error
}

// BalanceSource fetches the current futures wallet.
type BalanceSource interface {
	Balances() ([]model.Balance, error)
}

// Tracker is the live order table and balance watcher. It implements the
// reconciler's active-order lookup.
type Tracker struct {
	mu       sync.RWMutex
	orders   map[int64]model.Order
	balances []model.Balance

	notifier *notify.Notifier
	journal  Journal

	usdThreshold decimal.Decimal
	minBNB       decimal.Decimal
	interval     time.Duration
}

func NewTracker(notifier *notify.Notifier, journal Journal, usdThreshold, minBNB decimal.Decimal) *Tracker {
	return &Tracker{
		orders:       make(map[int64]model.Order),
		notifier:     notifier,
		journal:      journal,
		usdThreshold: usdThreshold,
		minBNB:       minBNB,
		interval:     defaultBalanceInterval,
	}
}

// Seed loads the orders already resting on the book, taken from REST before
// the user-data stream starts.
func (t *Tracker) Seed(orders []model.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, o := range orders {
		if o.Status.IsWorking() {
			t.orders[o.ID] = o
		}
	}
}

// HasActiveOrder reports whether any working order rests for the symbol.
func (t *Tracker) HasActiveOrder(symbol string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, o := range t.orders {
		if o.Symbol == symbol && o.Status.IsWorking() {
			return true
		}
	}
	return false
}

// ActiveOrders returns the working orders for the symbol.
func (t *Tracker) ActiveOrders(symbol string) []model.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Order, 0, len(t.orders))
	for _, o := range t.orders {
		if o.Symbol == symbol && o.Status.IsWorking() {
			out = append(out, o)
		}
	}
	return out
}

// ApplyOrderUpdate folds one user-data stream order event into the table.
// Fills are journaled; a taker fill raises an alert since every order the
// trader places is a resting limit order.
func (t *Tracker) ApplyOrderUpdate(u exchange.OrderUpdate) {
	t.mu.Lock()
	if u.Order.Status.IsWorking() {
		t.orders[u.Order.ID] = u.Order
	} else {
		delete(t.orders, u.Order.ID)
	}
	t.mu.Unlock()

	if t.journal != nil {
		if err := t.journal.RecordOrder(u.Order); err != nil {
			logs.Errorf("journal order %d: %+v", u.Order.ID, err)
		}
	}

	if u.Fill == nil {
		return
	}
	if t.journal != nil {
		if err := t.journal.RecordFill(*u.Fill); err != nil {
			logs.Errorf("journal fill of order %d: %+v", u.Fill.OrderID, err)
		}
	}
	if !u.Fill.Maker {
		logs.Warnf("taker fill on %s: %s %s@%s", u.Fill.Symbol, u.Fill.Side, u.Fill.Quantity, u.Fill.Price)
		t.notifier.Alertf("taker fill on %s: %s %s@%s", u.Fill.Symbol, u.Fill.Side, u.Fill.Quantity, u.Fill.Price)
	}
}

// ApplyBalances replaces the cached wallet snapshot, from the user-data
// stream's account events.
func (t *Tracker) ApplyBalances(balances []model.Balance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balances = balances
}

// Balances returns the cached wallet snapshot.
func (t *Tracker) Balances() []model.Balance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.Balance, len(t.balances))
	copy(out, t.balances)
	return out
}

// RunBalanceWatch polls the wallet and raises alerts until the context is
// done. Checks run once immediately.
func (t *Tracker) RunBalanceWatch(ctx context.Context, source BalanceSource) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		balances, err := source.Balances()
		if err != nil {
			logs.Errorf("fetch balances: %+v", err)
		} else {
			t.ApplyBalances(balances)
			t.checkBalances(balances)
		}

		select {
		case <-sys.Shutdown():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// checkBalances raises the idle-stablecoin and BNB-reserve alerts. The BNB
// reserve pays maker fees at the discounted rate; running dry silently makes
// every fill more expensive.
func (t *Tracker) checkBalances(balances []model.Balance) {
	usd := decimal.Zero
	bnb := decimal.Zero
	hasBNB := false
	for _, b := range balances {
		switch {
		case usdAssets[b.Asset]:
			usd = usd.Add(b.WalletBalance)
		case b.Asset == "BNB":
			hasBNB = true
			bnb = b.WalletBalance
		}
	}

	if t.usdThreshold.IsPositive() && usd.GreaterThan(t.usdThreshold) {
		t.notifier.Alertf("stablecoin balance %s exceeds %s", usd, t.usdThreshold)
	}
	if !hasBNB {
		t.notifier.Alertf("no BNB in the futures wallet, maker fees are undiscounted")
	} else if bnb.LessThan(t.minBNB) {
		t.notifier.Alertf("BNB balance %s is below the %s reserve", bnb, t.minBNB)
	}
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single aggregated trade from the exchange feed. Ticks may arrive
// out of order relative to enqueue time; uniqueness is not assumed.
type Tick struct {
	Symbol   string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
}

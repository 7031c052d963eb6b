package model

import "github.com/shopspring/decimal"

// SymbolInfo carries the exchange trading filters a strategy needs for one
// listed instrument.
type SymbolInfo struct {
	Symbol       string
	PriceTick    decimal.Decimal // price filter tick size
	QuantityTick decimal.Decimal // lot size step
	MinQuantity  decimal.Decimal // lot size minimum
}

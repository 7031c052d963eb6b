package model

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// Order mirrors the exchange's view of a working order, kept current from the
// user-data stream.
type Order struct {
	ID           int64
	Symbol       string
	Side         enum.OrderSide
	Status       enum.OrderStatus
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	FilledVolume decimal.Decimal
	Created      time.Time
	Updated      time.Time
}

// Fill is one execution reported by the user-data stream.
type Fill struct {
	OrderID  int64
	Symbol   string
	Side     enum.OrderSide
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Maker    bool
	Time     time.Time
}

// Balance is one asset's futures wallet entry.
type Balance struct {
	Asset         string
	WalletBalance decimal.Decimal
	Available     decimal.Decimal
}

// Package journal persists order and fill history to PostgreSQL. The journal
// is optional: without a DSN it is nil and every call is a no-op, so the
// trader runs unchanged on hosts without a database.
package journal

import (
	"github.com/yanun0323/errors"

	"main/internal/model"
	"main/pkg/conn"
)

// OrderRecord is one row of the order history table. Rows are upserted on
// order ID so repeated stream events converge on the latest state.
type OrderRecord struct {
	OrderID      int64  `gorm:"primaryKey"`
	Symbol       string `gorm:"index"`
	Side         string
	Status       string
	Quantity     string
	Price        string
	FilledVolume string
	CreatedAt    int64
	UpdatedAt    int64
}

func (OrderRecord) TableName() string { return "orders" }

// FillRecord is one execution row.
type FillRecord struct {
	ID       uint   `gorm:"primaryKey;autoIncrement"`
	OrderID  int64  `gorm:"index"`
	Symbol   string `gorm:"index"`
	Side     string
	Price    string
	Quantity string
	Maker    bool
	TradedAt int64
}

func (FillRecord) TableName() string { return "fills" }

// Journal writes order and fill records. A nil Journal drops everything.
type Journal struct {
	client *conn.Client
}

// Open connects to the database and migrates the schema. An empty DSN
// returns a nil journal.
func Open(dsn string) (*Journal, error) {
	if dsn == "" {
		return nil, nil
	}
	client, err := conn.New(dsn, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open journal database")
	}
	if err := client.DB().AutoMigrate(&OrderRecord{}, &FillRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal schema")
	}
	return &Journal{client: client}, nil
}

func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	return j.client.Close()
}

// RecordOrder upserts the order's latest state.
func (j *Journal) RecordOrder(o model.Order) error {
	if j == nil {
		return nil
	}
	record := OrderRecord{
		OrderID:      o.ID,
		Symbol:       o.Symbol,
		Side:         o.Side.String(),
		Status:       o.Status.String(),
		Quantity:     o.Quantity.String(),
		Price:        o.Price.String(),
		FilledVolume: o.FilledVolume.String(),
		CreatedAt:    o.Created.UnixMilli(),
		UpdatedAt:    o.Updated.UnixMilli(),
	}
	if err := j.client.DB().Save(&record).Error; err != nil {
		return errors.Wrapf(err, "save order %d", o.ID)
	}
	return nil
}

// RecordFill appends one execution row.
func (j *Journal) RecordFill(f model.Fill) error {
	if j == nil {
		return nil
	}
	record := FillRecord{
		OrderID:  f.OrderID,
		Symbol:   f.Symbol,
		Side:     f.Side.String(),
		Price:    f.Price.String(),
		Quantity: f.Quantity.String(),
		Maker:    f.Maker,
		TradedAt: f.Time.UnixMilli(),
	}
	if err := j.client.DB().Create(&record).Error; err != nil {
		return errors.Wrapf(err, "save fill of order %d", f.OrderID)
	}
	return nil
}

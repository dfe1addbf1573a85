// Package journal persists fills and hedges to postgres for audit. It is
// strictly an audit artifact: restart recovery rebuilds state from venue
// queries, never from these tables.
package journal

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"github.com/bitwii/standx-maker-hedger/internal/model"
	"github.com/bitwii/standx-maker-hedger/pkg/conn"
)

// FillRecord is one maker-venue fill.
type FillRecord struct {
	ID           uint            `gorm:"primaryKey"`
	VenueOrderID string          `gorm:"index"`
	ClientID     string          `gorm:"index"`
	Side         string          `gorm:"size:4"`
	Price        decimal.Decimal `gorm:"type:numeric"`
	FilledQty    decimal.Decimal `gorm:"type:numeric"`
	IsCloseOrder bool
	CreatedAt    time.Time
}

// HedgeRecord is one hedge attempt outcome.
type HedgeRecord struct {
	ID            uint            `gorm:"primaryKey"`
	CorrelationID string          `gorm:"index"`
	Side          string          `gorm:"size:4"`
	Quantity      decimal.Decimal `gorm:"type:numeric"`
	Succeeded     bool
	CreatedAt     time.Time
}

// Recorder writes audit rows. Write failures are logged and swallowed so a
// dead database never stalls trading.
type Recorder struct {
	client *conn.Client
}

// New opens the journal database and migrates its tables.
func New(ctx context.Context, dsn string) (*Recorder, error) {
	client, err := conn.Open(dsn, nil)
	if err != nil {
		return nil, errors.Wrap(err, "open journal database")
	}
	if err := client.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "ping journal database")
	}
	if err := client.DB().WithContext(ctx).AutoMigrate(&FillRecord{}, &HedgeRecord{}); err != nil {
		return nil, errors.Wrap(err, "migrate journal tables")
	}
	return &Recorder{client: client}, nil
}

func (r *Recorder) RecordFill(ctx context.Context, order model.TrackedOrder, event model.OrderEvent) {
	row := FillRecord{
		VenueOrderID: event.VenueID,
		ClientID:     order.ClientID,
		Side:         order.Side.String(),
		Price:        order.Price,
		FilledQty:    event.FilledQty,
		IsCloseOrder: order.IsCloseOrder,
	}
	if err := r.client.DB().WithContext(ctx).Create(&row).Error; err != nil {
		logs.Errorf("journal: record fill %s: %+v", event.VenueID, err)
	}
}

func (r *Recorder) RecordHedge(ctx context.Context, req model.HedgeRequest, succeeded bool) {
	row := HedgeRecord{
		CorrelationID: req.CorrelationID,
		Side:          req.Side.String(),
		Quantity:      req.Quantity,
		Succeeded:     succeeded,
	}
	if err := r.client.DB().WithContext(ctx).Create(&row).Error; err != nil {
		logs.Errorf("journal: record hedge %s: %+v", req.CorrelationID, err)
	}
}

// Close releases the connection pool.
func (r *Recorder) Close() error {
	return r.client.Close()
}

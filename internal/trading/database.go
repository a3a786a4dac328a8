package trading

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-funds/internal/types"
)

var openStatuses = []string{string(types.OrderStatusPending), string(types.OrderStatusPartial)}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("order %s", orderID)
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) ListOrdersByOwner(ownerID string, limit int) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

// FindCandidates returns resting counter-orders for incoming in price-time priority
func (d *Database) FindCandidates(incoming *types.Order, limit int) ([]*types.Order, error) {
	q := d.db.Where("fund_id = ? AND market = ? AND side = ? AND status IN ? AND order_id <> ?",
		incoming.FundID, incoming.Market, string(incoming.Side.Opposite()), openStatuses, incoming.OrderID)

	if incoming.Side == types.SideBuy {
		q = q.Where("price_per_token <= ?", incoming.PricePerToken).Order("price_per_token ASC")
	} else {
		q = q.Where("price_per_token >= ?", incoming.PricePerToken).Order("price_per_token DESC")
	}

	var orders []*types.Order
	err := q.Order("created_at ASC").Order("id ASC").Limit(limit).Find(&orders).Error
	return orders, err
}

// RestingOrders returns every open order of a fund and market
func (d *Database) RestingOrders(fundID string, market types.Market) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("fund_id = ? AND market = ? AND status IN ?", fundID, market, openStatuses).
		Find(&orders).Error
	return orders, err
}

// UpdateOrder persists fill/cancel state if nobody else changed the order since it was read
func (d *Database) UpdateOrder(order *types.Order) error {
	return saveOrderVersioned(d.db, order)
}

// ApplyFill commits one fill step: the trade and both order updates land together or not at all
func (d *Database) ApplyFill(trade *types.Trade, buy, sell *types.Order) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := saveOrderVersioned(tx, buy); err != nil {
			return err
		}
		if err := saveOrderVersioned(tx, sell); err != nil {
			return err
		}
		return tx.Create(trade).Error
	})
}

func saveOrderVersioned(tx *gorm.DB, order *types.Order) error {
	prev := order.Version
	result := tx.Model(&types.Order{}).
		Where("order_id = ? AND version = ?", order.OrderID, prev).
		Updates(map[string]interface{}{
			"filled_amount":    order.FilledAmount,
			"remaining_amount": order.RemainingAmount,
			"locked_tokens":    order.LockedTokens,
			"status":           order.Status,
			"version":          prev + 1,
			"updated_at":       order.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s changed since version %d", types.ErrVersionConflict, order.OrderID, prev)
	}
	order.Version = prev + 1
	return nil
}

func (d *Database) GetTrade(tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("trade %s", tradeID)
		}
		return nil, err
	}
	return &trade, nil
}

func (d *Database) ListTradesForOrder(orderID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := d.db.Where("buy_order_id = ? OR sell_order_id = ?", orderID, orderID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&trades).Error
	return trades, err
}

// UpdateTradeStatus moves a PENDING trade to its settlement outcome. It reports
// false when the trade had already left PENDING.
func (d *Database) UpdateTradeStatus(tradeID string, status types.TradeStatus) (bool, error) {
	result := d.db.Model(&types.Trade{}).
		Where("trade_id = ? AND status = ?", tradeID, types.TradeStatusPending).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// CreateOrderWithIdempotency creates a new order and idempotency record in a transaction
func (d *Database) CreateOrderWithIdempotency(order *types.Order, idempotencyKey string) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(order).Error; err != nil {
			return err
		}

		record := IdempotencyRecord{
			IdempotencyKey: idempotencyKey,
			OwnerID:        order.OwnerID,
			ResourceID:     order.OrderID,
			ResourceType:   "order",
			ExpiresAt:      time.Now().Add(24 * time.Hour),
			CreatedAt:      time.Now(),
		}
		return tx.Create(&record).Error
	})
}

// GetIdempotencyRecord retrieves an idempotency record by key, or nil if unseen
func (d *Database) GetIdempotencyRecord(key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// DeleteIdempotencyRecord drops an expired record so the key can be reused
func (d *Database) DeleteIdempotencyRecord(key string) error {
	return d.db.Where("idempotency_key = ?", key).Delete(&IdempotencyRecord{}).Error
}

package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/ksred/klear-funds/internal/types"
)

type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	OwnerID        string    `json:"owner_id"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// SubmitResult is the outcome of accepting an order and running its match pass
type SubmitResult struct {
	Order  *types.Order   `json:"order"`
	Trades []*types.Trade `json:"trades"`
}

// BookLevel aggregates resting orders at one price
type BookLevel struct {
	Price      decimal.Decimal `json:"price"`
	Remaining  decimal.Decimal `json:"remaining"`
	OrderCount int             `json:"order_count"`
}

// BookSnapshot is the resting side of the book for one fund and market
type BookSnapshot struct {
	FundID    string       `json:"fund_id"`
	Market    types.Market `json:"market"`
	Bids      []BookLevel  `json:"bids"` // best (highest) first
	Asks      []BookLevel  `json:"asks"` // best (lowest) first
	Timestamp time.Time    `json:"timestamp"`
}

package types

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the side an order of this side matches against
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Market string

const (
	MarketPrimary   Market = "PRIMARY"
	MarketSecondary Market = "SECONDARY"
)

func (m Market) Valid() bool { return m == MarketPrimary || m == MarketSecondary }

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Open reports whether an order in this status can still be filled or cancelled
func (s OrderStatus) Open() bool {
	return s == OrderStatusPending || s == OrderStatusPartial
}

type TradeStatus string

const (
	TradeStatusPending TradeStatus = "PENDING"
	TradeStatusSettled TradeStatus = "SETTLED"
	TradeStatusFailed  TradeStatus = "FAILED"
)

var walletRefPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidWalletRef reports whether ref looks like a settlement wallet address
func ValidWalletRef(ref string) bool {
	return walletRefPattern.MatchString(ref)
}

// Precision accepted for order amounts, prices and escrow deposits. Prices
// are compared in SQL, so they must survive SQLite's NUMERIC affinity.
const (
	MaxAmountScale       = 8
	MaxSignificantDigits = 15
)

// CheckPrecision rejects values with more than MaxAmountScale decimal places
// or more than MaxSignificantDigits digits
func CheckPrecision(field string, v decimal.Decimal) error {
	if !v.Equal(v.Truncate(MaxAmountScale)) {
		return Validationf("%s %s has more than %d decimal places", field, v, MaxAmountScale)
	}
	digits := strings.TrimLeft(strings.Replace(v.Abs().String(), ".", "", 1), "0")
	if len(digits) > MaxSignificantDigits {
		return Validationf("%s %s has more than %d significant digits", field, v, MaxSignificantDigits)
	}
	return nil
}

// Order is a standing intent to buy or sell fund tokens.
// FilledAmount + RemainingAmount always equals TokenAmount.
type Order struct {
	ID                  uint            `gorm:"primaryKey" json:"-"`
	OrderID             string          `gorm:"uniqueIndex" json:"order_id"`
	OwnerID             string          `gorm:"index" json:"owner_id"`
	FundID              string          `json:"fund_id"`
	Side                Side            `json:"side"`
	Market              Market          `json:"market"`
	TokenAmount         decimal.Decimal `gorm:"type:text" json:"token_amount"`
	PricePerToken       decimal.Decimal `gorm:"type:decimal(36,18)" json:"price_per_token"` // numeric for book queries
	TotalAmount         decimal.Decimal `gorm:"type:text" json:"total_amount"`
	FilledAmount        decimal.Decimal `gorm:"type:text" json:"filled_amount"`
	RemainingAmount     decimal.Decimal `gorm:"type:text" json:"remaining_amount"`
	LockedTokens        decimal.Decimal `gorm:"type:text" json:"locked_tokens"`
	SettlementWalletRef string          `json:"settlement_wallet_ref"`
	Status              OrderStatus     `gorm:"index" json:"status"`
	Version             int64           `json:"version"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// OrderRequest carries the caller supplied fields of a new order
type OrderRequest struct {
	OwnerID             string          `json:"-"`
	FundID              string          `json:"fund_id"`
	Side                Side            `json:"side"`
	Market              Market          `json:"market"`
	TokenAmount         decimal.Decimal `json:"token_amount"`
	PricePerToken       decimal.Decimal `json:"price_per_token"`
	SettlementWalletRef string          `json:"settlement_wallet_ref"`
}

// Validate checks the request invariants that do not need any lookups
func (r *OrderRequest) Validate() error {
	r.Side = Side(strings.ToUpper(string(r.Side)))
	r.Market = Market(strings.ToUpper(string(r.Market)))
	if r.Market == "" {
		r.Market = MarketSecondary
	}

	switch {
	case strings.TrimSpace(r.OwnerID) == "":
		return Validationf("owner id is required")
	case strings.TrimSpace(r.FundID) == "":
		return Validationf("fund id is required")
	case !r.Side.Valid():
		return Validationf("invalid side %q", r.Side)
	case !r.Market.Valid():
		return Validationf("invalid market %q", r.Market)
	case !r.TokenAmount.IsPositive():
		return Validationf("token amount must be positive")
	case !r.PricePerToken.IsPositive():
		return Validationf("price per token must be positive")
	case !ValidWalletRef(r.SettlementWalletRef):
		return Validationf("malformed settlement wallet reference %q", r.SettlementWalletRef)
	}
	if err := CheckPrecision("token amount", r.TokenAmount); err != nil {
		return err
	}
	return CheckPrecision("price per token", r.PricePerToken)
}

// NewOrder builds a PENDING order from a validated request
func NewOrder(req OrderRequest, now time.Time) (*Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	order := &Order{
		OrderID:             "ORD_" + uuid.New().String(),
		OwnerID:             req.OwnerID,
		FundID:              req.FundID,
		Side:                req.Side,
		Market:              req.Market,
		TokenAmount:         req.TokenAmount,
		PricePerToken:       req.PricePerToken,
		TotalAmount:         req.TokenAmount.Mul(req.PricePerToken),
		FilledAmount:        decimal.Zero,
		RemainingAmount:     req.TokenAmount,
		LockedTokens:        decimal.Zero,
		SettlementWalletRef: req.SettlementWalletRef,
		Status:              OrderStatusPending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if order.Side == SideSell {
		order.LockedTokens = req.TokenAmount
	}
	return order, nil
}

// Fill applies a fill of amount tokens and recomputes the status
func (o *Order) Fill(amount decimal.Decimal, now time.Time) error {
	if !o.Status.Open() {
		return Conflictf("order %s is %s", o.OrderID, o.Status)
	}
	if !amount.IsPositive() {
		return Invariantf("fill amount must be positive, got %s", amount)
	}
	if amount.GreaterThan(o.RemainingAmount) {
		return Invariantf("fill of %s exceeds remaining %s on order %s", amount, o.RemainingAmount, o.OrderID)
	}

	o.FilledAmount = o.FilledAmount.Add(amount)
	o.RemainingAmount = o.RemainingAmount.Sub(amount)
	if o.Side == SideSell {
		o.LockedTokens = decimal.Max(o.LockedTokens.Sub(amount), decimal.Zero)
	}
	if o.RemainingAmount.IsZero() {
		o.Status = OrderStatusCompleted
	} else {
		o.Status = OrderStatusPartial
	}
	o.UpdatedAt = now
	return nil
}

// Cancel stops the unfilled remainder of the order from matching
func (o *Order) Cancel(now time.Time) error {
	if !o.Status.Open() {
		return Conflictf("order %s cannot be cancelled in status %s", o.OrderID, o.Status)
	}
	o.Status = OrderStatusCancelled
	o.LockedTokens = decimal.Zero
	o.UpdatedAt = now
	return nil
}

// Trade is the result of matching one buy and one sell order
type Trade struct {
	ID              uint            `gorm:"primaryKey" json:"-"`
	TradeID         string          `gorm:"uniqueIndex" json:"trade_id"`
	BuyOrderID      string          `gorm:"index" json:"buy_order_id"`
	SellOrderID     string          `gorm:"index" json:"sell_order_id"`
	BuyerID         string          `json:"buyer_id"`
	SellerID        string          `json:"seller_id"`
	BuyerWalletRef  string          `json:"buyer_wallet_ref"`
	SellerWalletRef string          `json:"seller_wallet_ref"`
	FundID          string          `json:"fund_id"`
	Market          Market          `json:"market"`
	TokenAmount     decimal.Decimal `gorm:"type:text" json:"token_amount"`
	PricePerToken   decimal.Decimal `gorm:"type:text" json:"price_per_token"`
	TotalAmount     decimal.Decimal `gorm:"type:text" json:"total_amount"`
	Status          TradeStatus     `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// NewTrade prices a fill between buy and sell at the sell order's price
func NewTrade(buy, sell *Order, amount decimal.Decimal, now time.Time) *Trade {
	price := sell.PricePerToken
	return &Trade{
		TradeID:         "TRD_" + uuid.New().String(),
		BuyOrderID:      buy.OrderID,
		SellOrderID:     sell.OrderID,
		BuyerID:         buy.OwnerID,
		SellerID:        sell.OwnerID,
		BuyerWalletRef:  buy.SettlementWalletRef,
		SellerWalletRef: sell.SettlementWalletRef,
		FundID:          buy.FundID,
		Market:          buy.Market,
		TokenAmount:     amount,
		PricePerToken:   price,
		TotalAmount:     amount.Mul(price),
		Status:          TradeStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

package settlement

import (
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "Pending"
	StatusInEscrow  Status = "InEscrow"
	StatusDisputed  Status = "Disputed"
	StatusResolved  Status = "Resolved"
	StatusCompleted Status = "Completed"
	StatusCancelled Status = "Cancelled"
)

// Terminal reports whether no further transition is allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type DisputeStatus string

const (
	DisputeNone        DisputeStatus = "None"
	DisputeRaised      DisputeStatus = "Raised"
	DisputeUnderReview DisputeStatus = "UnderReview"
	DisputeResolved    DisputeStatus = "Resolved"
)

// LedgerStatus tracks registration of the settlement with the external ledger
type LedgerStatus string

const (
	LedgerNotSubmitted LedgerStatus = "NotSubmitted"
	LedgerSubmitting   LedgerStatus = "Submitting"
	LedgerSubmitted    LedgerStatus = "Submitted"
	LedgerFailed       LedgerStatus = "Failed"
)

type Settlement struct {
	ID                     uint            `gorm:"primaryKey" json:"-"`
	SettlementID           string          `gorm:"uniqueIndex" json:"settlement_id"`
	TradeID                string          `gorm:"uniqueIndex" json:"trade_id"`
	BuyOrderID             string          `json:"buy_order_id"`
	SellOrderID            string          `json:"sell_order_id"`
	FundID                 string          `json:"fund_id"`
	BuyerID                string          `gorm:"index" json:"buyer_id"`
	SellerID               string          `gorm:"index" json:"seller_id"`
	BuyerWalletRef         string          `json:"buyer_wallet_ref"`
	SellerWalletRef        string          `json:"seller_wallet_ref"`
	FundTokenRef           string          `json:"fund_token_ref"`
	PaymentTokenRef        string          `json:"payment_token_ref"`
	TokenAmount            decimal.Decimal `gorm:"type:text" json:"token_amount"`
	PricePerToken          decimal.Decimal `gorm:"type:text" json:"price_per_token"`
	PaymentAmount          decimal.Decimal `gorm:"type:text" json:"payment_amount"`
	SettlementDate         time.Time       `json:"settlement_date"`
	Status                 Status          `gorm:"index" json:"status"`
	DisputeStatus          DisputeStatus   `json:"dispute_status"`
	DisputeReason          string          `json:"dispute_reason,omitempty"`
	DisputeRaisedBy        string          `json:"dispute_raised_by,omitempty"`
	DisputeResolver        string          `json:"dispute_resolver,omitempty"`
	BuyerFavored           *bool           `json:"buyer_favored,omitempty"`
	EscrowReleaseTime      time.Time       `json:"escrow_release_time"`
	BuyerConfirmed         bool            `json:"buyer_confirmed"`
	SellerConfirmed        bool            `json:"seller_confirmed"`
	SettlementFee          decimal.Decimal `gorm:"type:text" json:"settlement_fee"`
	FeeRecipient           string          `json:"fee_recipient"`
	ExternalCorrelationRef string          `json:"external_correlation_ref,omitempty"`
	LedgerStatus           LedgerStatus    `gorm:"index" json:"ledger_status"`
	LedgerUpdatedAt        time.Time       `json:"ledger_updated_at"`
	LastError              string          `json:"last_error,omitempty"`
	RetryCount             int             `json:"retry_count"`
	BatchID                string          `gorm:"index" json:"batch_id,omitempty"`
	CancelReason           string          `json:"cancel_reason,omitempty"`
	CancelledBy            string          `json:"cancelled_by,omitempty"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	Version                int64           `json:"version"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// IsParty reports whether userID is the buyer or seller
func (s *Settlement) IsParty(userID string) bool {
	return userID != "" && (userID == s.BuyerID || userID == s.SellerID)
}

// Releasable reports whether escrow held against the settlement may be released
func (s *Settlement) Releasable() bool {
	return s.Status == StatusCompleted || s.Status == StatusResolved
}

func (s *Settlement) columns() map[string]interface{} {
	return map[string]interface{}{
		"status":                   s.Status,
		"dispute_status":           s.DisputeStatus,
		"dispute_reason":           s.DisputeReason,
		"dispute_raised_by":        s.DisputeRaisedBy,
		"dispute_resolver":         s.DisputeResolver,
		"buyer_favored":            s.BuyerFavored,
		"buyer_confirmed":          s.BuyerConfirmed,
		"seller_confirmed":         s.SellerConfirmed,
		"external_correlation_ref": s.ExternalCorrelationRef,
		"ledger_status":            s.LedgerStatus,
		"ledger_updated_at":        s.LedgerUpdatedAt,
		"last_error":               s.LastError,
		"retry_count":              s.RetryCount,
		"batch_id":                 s.BatchID,
		"cancel_reason":            s.CancelReason,
		"cancelled_by":             s.CancelledBy,
		"completed_at":             s.CompletedAt,
		"updated_at":               s.UpdatedAt,
	}
}

// EscrowDeposit is an asset pledged against a settlement
type EscrowDeposit struct {
	ID           uint            `gorm:"primaryKey" json:"-"`
	EscrowID     string          `gorm:"uniqueIndex" json:"escrow_id"`
	SettlementID string          `gorm:"index" json:"settlement_id"`
	Depositor    string          `json:"depositor"`
	AssetRef     string          `json:"asset_ref"`
	Amount       decimal.Decimal `gorm:"type:text" json:"amount"`
	ReleaseTime  time.Time       `json:"release_time"`
	Released     bool            `gorm:"index" json:"released"`
	ReleasedAt   *time.Time      `json:"released_at,omitempty"`
	ReleaseRef   string          `json:"release_ref,omitempty"`
	ClaimedAt    *time.Time      `json:"-"` // release in progress since
	Purpose      string          `json:"purpose"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// BatchSettlement groups same asset pair settlements executed together
type BatchSettlement struct {
	ID              uint            `gorm:"primaryKey" json:"-"`
	BatchID         string          `gorm:"uniqueIndex" json:"batch_id"`
	SettlementIDs   []string        `gorm:"serializer:json" json:"settlement_ids"`
	FundTokenRef    string          `json:"fund_token_ref"`
	PaymentTokenRef string          `json:"payment_token_ref"`
	TotalTokens     decimal.Decimal `gorm:"type:text" json:"total_tokens"`
	TotalPayment    decimal.Decimal `gorm:"type:text" json:"total_payment"`
	ExecutionTime   time.Time       `json:"execution_time"`
	Executed        bool            `json:"executed"`
	Executor        string          `json:"executor,omitempty"`
	ExecutedAt      *time.Time      `json:"executed_at,omitempty"`
	CreatedBy       string          `json:"created_by"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Actor is the authenticated caller of a settlement operation
type Actor struct {
	UserID   string
	Admin    bool
	Resolver bool
}

// System is the actor used by background processing
var System = Actor{UserID: "system", Admin: true}

type EscrowRequest struct {
	AssetRef string          `json:"asset_ref"`
	Amount   decimal.Decimal `json:"amount"`
	Purpose  string          `json:"purpose"`
}

type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

type ResolveRequest struct {
	BuyerFavored bool `json:"buyer_favored"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type BatchRequest struct {
	SettlementIDs []string `json:"settlement_ids" binding:"required"`
}

package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Failure classes returned by adapters. Transient failures are retried by the
// settlement orchestrator, permanent ones are not.
var (
	ErrTransient = errors.New("ledger: transient failure")
	ErrPermanent = errors.New("ledger: permanent failure")
)

// Submission registers a settlement with the external ledger
type Submission struct {
	SettlementID    string
	TradeID         string
	FundTokenRef    string
	PaymentTokenRef string
	BuyerWallet     string
	SellerWallet    string
	TokenAmount     decimal.Decimal
	PaymentAmount   decimal.Decimal
	SettlementFee   decimal.Decimal
	FeeRecipient    string
}

// Release transfers an escrowed asset back out of escrow
type Release struct {
	EscrowID     string
	SettlementID string
	AssetRef     string
	Recipient    string
	Amount       decimal.Decimal
}

// Receipt is the ledger's acknowledgement of an accepted request
type Receipt struct {
	CorrelationRef string
	AcceptedAt     time.Time
}

// Adapter is the boundary to the external ledger
type Adapter interface {
	SubmitSettlement(ctx context.Context, sub Submission) (*Receipt, error)
	ReleaseEscrow(ctx context.Context, rel Release) (*Receipt, error)
}

// IsPermanent reports whether err must not be retried
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

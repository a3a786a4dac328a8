package settlement

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/ksred/klear-funds/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Transaction runs fn against a Database bound to one transaction
func (d *Database) Transaction(fn func(tx *Database) error) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		return fn(&Database{db: tx})
	})
}

func (d *Database) CreateSettlement(settlement *Settlement) error {
	return d.db.Create(settlement).Error
}

func (d *Database) GetSettlement(settlementID string) (*Settlement, error) {
	var settlement Settlement
	if err := d.db.Where("settlement_id = ?", settlementID).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("settlement %s", settlementID)
		}
		return nil, err
	}
	return &settlement, nil
}

func (d *Database) GetSettlementByTradeID(tradeID string) (*Settlement, error) {
	var settlement Settlement
	if err := d.db.Where("trade_id = ?", tradeID).First(&settlement).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("settlement for trade %s", tradeID)
		}
		return nil, err
	}
	return &settlement, nil
}

// SaveSettlement writes the mutable state of settlement if its version is
// unchanged since it was read
func (d *Database) SaveSettlement(settlement *Settlement) error {
	prev := settlement.Version
	cols := settlement.columns()
	cols["version"] = prev + 1

	result := d.db.Model(&Settlement{}).
		Where("settlement_id = ? AND version = ?", settlement.SettlementID, prev).
		Updates(cols)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: settlement %s changed since version %d", types.ErrVersionConflict, settlement.SettlementID, prev)
	}
	settlement.Version = prev + 1
	return nil
}

func (d *Database) ListPartySettlements(userID string, limit int) ([]Settlement, error) {
	var settlements []Settlement
	err := d.db.Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&settlements).Error
	return settlements, err
}

// ListStaleSubmissions returns live settlements whose ledger registration has
// not progressed since before
func (d *Database) ListStaleSubmissions(before time.Time) ([]Settlement, error) {
	var settlements []Settlement
	err := d.db.Where("ledger_status IN ? AND status <> ? AND ledger_updated_at < ?",
		[]string{string(LedgerNotSubmitted), string(LedgerSubmitting)}, StatusCancelled, before).
		Find(&settlements).Error
	return settlements, err
}

func (d *Database) CreateEscrow(deposit *EscrowDeposit) error {
	return d.db.Create(deposit).Error
}

func (d *Database) GetEscrow(escrowID string) (*EscrowDeposit, error) {
	var deposit EscrowDeposit
	if err := d.db.Where("escrow_id = ?", escrowID).First(&deposit).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("escrow deposit %s", escrowID)
		}
		return nil, err
	}
	return &deposit, nil
}

func (d *Database) ListEscrows(settlementID string) ([]EscrowDeposit, error) {
	var deposits []EscrowDeposit
	err := d.db.Where("settlement_id = ?", settlementID).Order("created_at ASC").Find(&deposits).Error
	return deposits, err
}

// ListDueEscrows returns unreleased deposits past their release time whose
// settlement has completed
func (d *Database) ListDueEscrows(now time.Time) ([]EscrowDeposit, error) {
	var deposits []EscrowDeposit
	err := d.db.Model(&EscrowDeposit{}).
		Joins("JOIN settlements ON settlements.settlement_id = escrow_deposits.settlement_id").
		Where("escrow_deposits.released = ? AND escrow_deposits.release_time <= ? AND settlements.status IN ?",
			false, now, []string{string(StatusCompleted), string(StatusResolved)}).
		Find(&deposits).Error
	return deposits, err
}

// ClaimEscrowRelease marks a release of the deposit as in progress. A claim
// older than staleBefore is treated as abandoned.
func (d *Database) ClaimEscrowRelease(escrowID string, at, staleBefore time.Time) error {
	result := d.db.Model(&EscrowDeposit{}).
		Where("escrow_id = ? AND released = ? AND (claimed_at IS NULL OR claimed_at < ?)", escrowID, false, staleBefore).
		Updates(map[string]interface{}{
			"claimed_at": at,
			"updated_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.Conflictf("escrow deposit %s release already in progress", escrowID)
	}
	return nil
}

func (d *Database) ClearEscrowClaim(escrowID string) error {
	return d.db.Model(&EscrowDeposit{}).
		Where("escrow_id = ? AND released = ?", escrowID, false).
		Update("claimed_at", nil).Error
}

// MarkEscrowReleased flips released once. A second release of the same
// deposit is an invariant violation.
func (d *Database) MarkEscrowReleased(escrowID, releaseRef string, at time.Time) error {
	result := d.db.Model(&EscrowDeposit{}).
		Where("escrow_id = ? AND released = ?", escrowID, false).
		Updates(map[string]interface{}{
			"released":    true,
			"released_at": at,
			"release_ref": releaseRef,
			"updated_at":  at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.Invariantf("escrow deposit %s already released", escrowID)
	}
	return nil
}

func (d *Database) CreateBatch(batch *BatchSettlement) error {
	return d.db.Create(batch).Error
}

func (d *Database) GetBatch(batchID string) (*BatchSettlement, error) {
	var batch BatchSettlement
	if err := d.db.Where("batch_id = ?", batchID).First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.NotFoundf("batch %s", batchID)
		}
		return nil, err
	}
	return &batch, nil
}

// MarkBatchExecuted flips executed once
func (d *Database) MarkBatchExecuted(batchID, executor string, at time.Time) error {
	result := d.db.Model(&BatchSettlement{}).
		Where("batch_id = ? AND executed = ?", batchID, false).
		Updates(map[string]interface{}{
			"executed":    true,
			"executor":    executor,
			"executed_at": at,
			"updated_at":  at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return types.Invariantf("batch %s already executed", batchID)
	}
	return nil
}

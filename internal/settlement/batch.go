package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-funds/internal/events"
	"github.com/ksred/klear-funds/internal/types"
)

// CreateBatch groups InEscrow settlements of one asset pair for execution
// after the batch delay. A settlement joins at most one batch.
func (s *Service) CreateBatch(ctx context.Context, settlementIDs []string, actor Actor) (*BatchSettlement, error) {
	if !actor.Admin {
		return nil, types.Forbiddenf("%s may not create batches", actor.UserID)
	}
	if len(settlementIDs) == 0 {
		return nil, types.Validationf("a batch needs at least one settlement")
	}
	if len(settlementIDs) > s.opts.MaxBatchSize {
		return nil, types.Validationf("batch of %d exceeds the maximum of %d settlements", len(settlementIDs), s.opts.MaxBatchSize)
	}
	seen := make(map[string]struct{}, len(settlementIDs))
	for _, id := range settlementIDs {
		if _, dup := seen[id]; dup {
			return nil, types.Validationf("settlement %s listed twice", id)
		}
		seen[id] = struct{}{}
	}

	unlock := s.locks.lockAll(settlementIDs...)
	defer unlock()

	members := make([]*Settlement, 0, len(settlementIDs))
	for _, id := range settlementIDs {
		st, err := s.db.GetSettlement(id)
		if err != nil {
			return nil, err
		}
		if st.Status != StatusInEscrow {
			return nil, types.Conflictf("settlement %s is %s, batches take InEscrow settlements only", id, st.Status)
		}
		if st.BatchID != "" {
			return nil, types.Conflictf("settlement %s already belongs to batch %s", id, st.BatchID)
		}
		if len(members) > 0 && (st.FundTokenRef != members[0].FundTokenRef || st.PaymentTokenRef != members[0].PaymentTokenRef) {
			return nil, types.Validationf("settlement %s does not share the batch asset pair", id)
		}
		members = append(members, st)
	}

	now := s.now()
	batch := &BatchSettlement{
		BatchID:         "BATCH_" + uuid.New().String(),
		SettlementIDs:   settlementIDs,
		FundTokenRef:    members[0].FundTokenRef,
		PaymentTokenRef: members[0].PaymentTokenRef,
		TotalTokens:     decimal.Zero,
		TotalPayment:    decimal.Zero,
		ExecutionTime:   now.Add(s.opts.BatchDelay),
		CreatedBy:       actor.UserID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for _, st := range members {
		batch.TotalTokens = batch.TotalTokens.Add(st.TokenAmount)
		batch.TotalPayment = batch.TotalPayment.Add(st.PaymentAmount)
	}

	err := s.db.Transaction(func(tx *Database) error {
		if err := tx.CreateBatch(batch); err != nil {
			return err
		}
		for _, st := range members {
			st.BatchID = batch.BatchID
			st.UpdatedAt = now
			if err := tx.SaveSettlement(st); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "settlement").
		Str("batch_id", batch.BatchID).
		Int("settlements", len(members)).
		Str("total_tokens", batch.TotalTokens.String()).
		Str("total_payment", batch.TotalPayment.String()).
		Time("execution_time", batch.ExecutionTime).
		Msg("batch settlement created")

	events.Emit(ctx, s.publisher, events.TopicSettlements, events.BatchSettlementCreated, batch.BatchID, batch)
	return batch, nil
}

// ExecuteBatch completes every member of a due batch in one transaction.
// Re-executing a batch is rejected.
func (s *Service) ExecuteBatch(ctx context.Context, batchID string, actor Actor) (*BatchSettlement, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("batch_id", batchID).
		Logger()

	if !actor.Admin {
		return nil, types.Forbiddenf("%s may not execute batches", actor.UserID)
	}

	batch, err := s.db.GetBatch(batchID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lockAll(append([]string{"batch:" + batchID}, batch.SettlementIDs...)...)
	defer unlock()

	batch, err = s.db.GetBatch(batchID)
	if err != nil {
		return nil, err
	}
	if batch.Executed {
		logger.Error().Bool("defect", true).Str("executor", actor.UserID).Msg("attempted re-execution of batch")
		return nil, types.Invariantf("batch %s was already executed", batchID)
	}

	now := s.now()
	if now.Before(batch.ExecutionTime) {
		return nil, types.Conflictf("batch %s is not executable before %s", batchID, batch.ExecutionTime.Format(time.RFC3339))
	}

	var completed []*Settlement
	err = s.db.Transaction(func(tx *Database) error {
		completed = completed[:0]
		for _, id := range batch.SettlementIDs {
			st, err := tx.GetSettlement(id)
			if err != nil {
				return err
			}
			if st.Status != StatusInEscrow || st.BatchID != batchID {
				return types.Conflictf("batch member %s is %s", id, st.Status)
			}
			st.complete(now)
			st.UpdatedAt = now
			if err := tx.SaveSettlement(st); err != nil {
				return err
			}
			completed = append(completed, st)
		}
		return tx.MarkBatchExecuted(batchID, actor.UserID, now)
	})
	if err != nil {
		if errors.Is(err, types.ErrInvariantViolation) {
			logger.Error().Err(err).Bool("defect", true).Msg("batch executed concurrently")
		}
		return nil, err
	}

	batch.Executed = true
	batch.Executor = actor.UserID
	batch.ExecutedAt = &now
	batch.UpdatedAt = now

	for _, st := range completed {
		events.Emit(ctx, s.publisher, events.TopicSettlements, events.SettlementCompleted, st.SettlementID, st)
	}
	events.Emit(ctx, s.publisher, events.TopicSettlements, events.BatchSettlementExecuted, batch.BatchID, batch)

	logger.Info().
		Int("settlements", len(completed)).
		Str("executor", actor.UserID).
		Msg("batch settlement executed")
	return batch, nil
}

func (s *Service) GetBatch(batchID string) (*BatchSettlement, error) {
	return s.db.GetBatch(batchID)
}

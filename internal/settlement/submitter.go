package settlement

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-funds/internal/events"
	"github.com/ksred/klear-funds/internal/ledger"
	"github.com/ksred/klear-funds/internal/types"
)

// submitAsync registers a settlement with the ledger off the caller's path. A
// redrive is skipped while this process still runs a submission for the
// settlement.
func (s *Service) submitAsync(settlementID string, redrive bool) {
	s.inflightMu.Lock()
	if redrive && s.inflight[settlementID] > 0 {
		s.inflightMu.Unlock()
		log.Debug().Str("settlement_id", settlementID).Msg("ledger submission still running, redrive skipped")
		return
	}
	s.inflight[settlementID]++
	s.inflightMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.done(settlementID)
		s.submit(s.ctx, settlementID, redrive)
	}()
}

func (s *Service) done(settlementID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	s.inflight[settlementID]--
	if s.inflight[settlementID] <= 0 {
		delete(s.inflight, settlementID)
	}
}

// submit claims the settlement for submission and calls the ledger with
// exponential backoff. Each call is bounded by LedgerTimeout. Transient
// failures are retried until the attempt limit; permanent failures and
// exhausted retries mark the settlement Failed.
func (s *Service) submit(ctx context.Context, settlementID string, redrive bool) {
	logger := log.With().
		Str("service", "settlement").
		Str("settlement_id", settlementID).
		Logger()

	st, err := s.claim(settlementID, redrive)
	if err != nil {
		logger.Error().Err(err).Msg("failed to claim settlement for ledger submission")
		return
	}
	if st == nil {
		return
	}

	sub := ledger.Submission{
		SettlementID:    st.SettlementID,
		TradeID:         st.TradeID,
		FundTokenRef:    st.FundTokenRef,
		PaymentTokenRef: st.PaymentTokenRef,
		BuyerWallet:     st.BuyerWalletRef,
		SellerWallet:    st.SellerWalletRef,
		TokenAmount:     st.TokenAmount,
		PaymentAmount:   st.PaymentAmount,
		SettlementFee:   st.SettlementFee,
		FeeRecipient:    st.FeeRecipient,
	}

	delay := s.opts.LedgerBaseDelay
	for attempt := 1; ; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, s.opts.LedgerTimeout)
		receipt, err := s.ledger.SubmitSettlement(callCtx, sub)
		cancel()
		if err == nil {
			s.recordSubmitted(ctx, settlementID, receipt)
			return
		}
		if ctx.Err() != nil {
			logger.Warn().Err(err).Msg("ledger submission interrupted, left for the processor")
			return
		}

		final := ledger.IsPermanent(err) || attempt >= s.opts.LedgerMaxAttempts
		s.recordFailure(ctx, settlementID, attempt, err, final)
		if final {
			return
		}

		logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("ledger submission failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
	}
}

// claim moves the settlement to Submitting. It returns nil when another
// submission owns it or it no longer needs one.
func (s *Service) claim(settlementID string, redrive bool) (*Settlement, error) {
	unlock := s.locks.lock(settlementID)
	defer unlock()

	st, err := s.db.GetSettlement(settlementID)
	if err != nil {
		return nil, err
	}
	if st.Status == StatusCancelled {
		return nil, nil
	}
	switch st.LedgerStatus {
	case LedgerNotSubmitted:
	case LedgerSubmitting:
		if !redrive {
			return nil, nil
		}
	default:
		return nil, nil
	}

	now := s.now()
	st.LedgerStatus = LedgerSubmitting
	st.LedgerUpdatedAt = now
	st.UpdatedAt = now
	if err := s.db.SaveSettlement(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) recordSubmitted(ctx context.Context, settlementID string, receipt *ledger.Receipt) {
	_, err := s.transition(ctx, settlementID, func(st *Settlement, now time.Time) ([]events.Type, error) {
		st.LedgerStatus = LedgerSubmitted
		st.LedgerUpdatedAt = now
		st.ExternalCorrelationRef = receipt.CorrelationRef
		st.LastError = ""
		return []events.Type{events.SettlementSubmitted}, nil
	})
	if err != nil {
		log.Error().Err(err).Str("settlement_id", settlementID).Msg("failed to record ledger submission")
		return
	}
	log.Info().
		Str("service", "settlement").
		Str("settlement_id", settlementID).
		Str("tx_ref", receipt.CorrelationRef).
		Msg("settlement registered with ledger")
}

func (s *Service) recordFailure(ctx context.Context, settlementID string, attempt int, cause error, final bool) {
	_, err := s.transition(ctx, settlementID, func(st *Settlement, now time.Time) ([]events.Type, error) {
		st.RetryCount = attempt
		st.LastError = cause.Error()
		st.LedgerUpdatedAt = now
		if !final {
			return nil, nil
		}
		st.LedgerStatus = LedgerFailed
		return []events.Type{events.SettlementBlockchainFailed}, nil
	})
	if err != nil {
		log.Error().Err(err).Str("settlement_id", settlementID).Msg("failed to record ledger failure")
		return
	}
	if final {
		log.Error().
			Err(cause).
			Str("service", "settlement").
			Str("settlement_id", settlementID).
			Int("attempts", attempt).
			Msg("ledger submission failed, settlement needs manual retry")
	}
}

// Retry resets a failed ledger submission and starts it again from scratch
func (s *Service) Retry(ctx context.Context, settlementID string, actor Actor) (*Settlement, error) {
	st, err := s.transition(ctx, settlementID, func(st *Settlement, now time.Time) ([]events.Type, error) {
		if !st.IsParty(actor.UserID) && !actor.Admin {
			return nil, types.Forbiddenf("%s may not retry settlement %s", actor.UserID, st.SettlementID)
		}
		if st.LedgerStatus != LedgerFailed || st.Status.Terminal() {
			return nil, types.Conflictf("settlement %s is not retriable (status %s, ledger %s)", st.SettlementID, st.Status, st.LedgerStatus)
		}
		st.LedgerStatus = LedgerNotSubmitted
		st.LedgerUpdatedAt = now
		st.LastError = ""
		st.RetryCount = 0
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "settlement").
		Str("settlement_id", settlementID).
		Str("requested_by", actor.UserID).
		Msg("ledger submission retry requested")
	s.submitAsync(settlementID, false)
	return st, nil
}

// Redrive restarts a submission that stopped making progress, such as one
// interrupted by a restart
func (s *Service) Redrive(settlementID string) {
	s.submitAsync(settlementID, true)
}

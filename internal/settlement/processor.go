package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ksred/klear-funds/internal/types"
)

// Processor periodically releases due escrow and restarts stalled ledger
// submissions
type Processor struct {
	service      *Service
	processDelay time.Duration // time between passes
	staleAfter   time.Duration // submissions idle this long are restarted
}

func NewProcessor(service *Service, interval, staleAfter time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Processor{
		service:      service,
		processDelay: interval,
		staleAfter:   staleAfter,
	}
}

// Start runs a pass immediately and then on every tick until ctx ends
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "settlement_processor").Logger()
	logger.Info().Dur("interval", p.processDelay).Msg("starting settlement processor")

	ticker := time.NewTicker(p.processDelay)
	defer ticker.Stop()

	for {
		if err := p.RunOnce(ctx); err != nil {
			logger.Error().Err(err).Msg("settlement processor pass failed")
		}
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down settlement processor")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce releases every due escrow deposit and re-drives stale submissions
func (p *Processor) RunOnce(ctx context.Context) error {
	logger := log.With().Str("component", "settlement_processor").Logger()
	now := p.service.now()

	deposits, err := p.service.db.ListDueEscrows(now)
	if err != nil {
		return err
	}
	released := 0
	for _, d := range deposits {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := p.service.ReleaseEscrow(ctx, d.EscrowID, System); err != nil {
			if errors.Is(err, types.ErrStateConflict) || errors.Is(err, types.ErrInvariantViolation) {
				logger.Debug().Err(err).Str("escrow_id", d.EscrowID).Msg("escrow no longer releasable")
				continue
			}
			logger.Warn().Err(err).Str("escrow_id", d.EscrowID).Msg("failed to release escrow, will retry next pass")
			continue
		}
		released++
	}

	stale, err := p.service.db.ListStaleSubmissions(now.Add(-p.staleAfter))
	if err != nil {
		return err
	}
	for _, st := range stale {
		p.service.Redrive(st.SettlementID)
	}

	if released > 0 || len(stale) > 0 {
		logger.Info().
			Int("escrow_released", released).
			Int("submissions_redriven", len(stale)).
			Msg("settlement processor pass complete")
	}
	return nil
}

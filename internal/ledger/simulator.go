package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Simulator is a mock ledger with configurable latency and failure rates
type Simulator struct {
	ID                   string
	MinLatency           time.Duration
	MaxLatency           time.Duration
	SuccessRate          float64 // 0-1, probability a call is accepted
	PermanentFailureRate float64 // 0-1, share of failures that are permanent

	mu  sync.Mutex
	rng *rand.Rand
	seq uint64
}

func NewSimulator(minLatency, maxLatency time.Duration, successRate, permanentFailureRate float64) *Simulator {
	return &Simulator{
		ID:                   "SIM-LEDGER",
		MinLatency:           minLatency,
		MaxLatency:           maxLatency,
		SuccessRate:          successRate,
		PermanentFailureRate: permanentFailureRate,
		rng:                  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *Simulator) SubmitSettlement(ctx context.Context, sub Submission) (*Receipt, error) {
	logger := log.With().
		Str("ledger_id", s.ID).
		Str("settlement_id", sub.SettlementID).
		Str("payment_amount", sub.PaymentAmount.String()).
		Logger()

	logger.Info().Msg("submitting settlement to ledger")

	receipt, err := s.call(ctx, "settle:"+sub.SettlementID)
	if err != nil {
		logger.Warn().Err(err).Msg("ledger rejected settlement")
		return nil, err
	}

	logger.Info().Str("correlation_ref", receipt.CorrelationRef).Msg("settlement accepted by ledger")
	return receipt, nil
}

func (s *Simulator) ReleaseEscrow(ctx context.Context, rel Release) (*Receipt, error) {
	logger := log.With().
		Str("ledger_id", s.ID).
		Str("escrow_id", rel.EscrowID).
		Str("recipient", rel.Recipient).
		Logger()

	logger.Info().Msg("releasing escrow on ledger")

	receipt, err := s.call(ctx, "release:"+rel.EscrowID)
	if err != nil {
		logger.Warn().Err(err).Msg("ledger rejected escrow release")
		return nil, err
	}
	return receipt, nil
}

func (s *Simulator) call(ctx context.Context, subject string) (*Receipt, error) {
	s.mu.Lock()
	latency := s.MinLatency
	if spread := s.MaxLatency - s.MinLatency; spread > 0 {
		latency += time.Duration(s.rng.Int63n(int64(spread)))
	}
	roll := s.rng.Float64()
	permanentRoll := s.rng.Float64()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	// Simulate network latency
	timer := time.NewTimer(latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTransient, ctx.Err())
	case <-timer.C:
	}

	if roll > s.SuccessRate {
		if permanentRoll < s.PermanentFailureRate {
			return nil, fmt.Errorf("%w: ledger %s refused %s", ErrPermanent, s.ID, subject)
		}
		return nil, fmt.Errorf("%w: ledger %s unavailable", ErrTransient, s.ID)
	}

	return &Receipt{
		CorrelationRef: txHash(subject, seq),
		AcceptedAt:     time.Now(),
	}, nil
}

// txHash derives a deterministic 0x-prefixed transaction hash
func txHash(subject string, seq uint64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d", subject, seq)))
	return "0x" + hex.EncodeToString(sum[:])
}

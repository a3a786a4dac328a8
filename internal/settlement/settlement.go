package settlement

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-funds/internal/events"
	"github.com/ksred/klear-funds/internal/fund"
	"github.com/ksred/klear-funds/internal/ledger"
	"github.com/ksred/klear-funds/internal/types"
)

const defaultListLimit = 100

type Options struct {
	FeeRateBps        int64
	FeeRecipient      string
	EscrowPeriod      time.Duration
	BatchDelay        time.Duration
	MaxBatchSize      int
	LedgerMaxAttempts int
	LedgerBaseDelay   time.Duration
	LedgerTimeout     time.Duration // bound on a single ledger call
}

func DefaultOptions() Options {
	return Options{
		FeeRateBps:        25,
		EscrowPeriod:      24 * time.Hour,
		BatchDelay:        time.Hour,
		MaxBatchSize:      50,
		LedgerMaxAttempts: 3,
		LedgerBaseDelay:   time.Second,
		LedgerTimeout:     30 * time.Second,
	}
}

// Service drives settlements from trade to a terminal state. Every transition
// of a settlement runs under that settlement's lock and is saved with a
// version check.
type Service struct {
	db        *Database
	directory fund.Directory
	ledger    ledger.Adapter
	publisher events.Publisher
	opts      Options
	locks     *keyLocks
	now       func() time.Time

	// background ledger submissions
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	inflightMu sync.Mutex
	inflight   map[string]int // running submissions per settlement
}

func NewService(gormDB *gorm.DB, directory fund.Directory, adapter ledger.Adapter, publisher events.Publisher, opts Options) *Service {
	def := DefaultOptions()
	if opts.EscrowPeriod <= 0 {
		opts.EscrowPeriod = def.EscrowPeriod
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = def.MaxBatchSize
	}
	if opts.LedgerMaxAttempts <= 0 {
		opts.LedgerMaxAttempts = def.LedgerMaxAttempts
	}
	if opts.LedgerBaseDelay <= 0 {
		opts.LedgerBaseDelay = def.LedgerBaseDelay
	}
	if opts.LedgerTimeout <= 0 {
		opts.LedgerTimeout = def.LedgerTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		db:        NewDatabase(gormDB),
		directory: directory,
		ledger:    adapter,
		publisher: publisher,
		opts:      opts,
		locks:     newKeyLocks(64),
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		inflight:  make(map[string]int),
	}
}

// Close stops background submissions and waits for them to return. Settlements
// left in Submitting are picked up again by the processor.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Fee computes floor(paymentAmount * bps / 10000)
func Fee(paymentAmount decimal.Decimal, bps int64) decimal.Decimal {
	return paymentAmount.Mul(decimal.NewFromInt(bps)).Shift(-4).Floor()
}

// CreateFromTrade opens the settlement of a trade. It is idempotent on the
// trade id: a known trade returns its existing settlement without new events.
func (s *Service) CreateFromTrade(ctx context.Context, trade *types.Trade) (*Settlement, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("trade_id", trade.TradeID).
		Logger()

	if trade.TradeID == "" || !trade.TokenAmount.IsPositive() || !trade.TotalAmount.IsPositive() {
		return nil, types.Validationf("trade %q is incomplete", trade.TradeID)
	}

	unlock := s.locks.lock("trade:" + trade.TradeID)
	defer unlock()

	if existing, err := s.db.GetSettlementByTradeID(trade.TradeID); err == nil {
		logger.Debug().Str("settlement_id", existing.SettlementID).Msg("settlement already exists for trade")
		return existing, nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	f, err := s.directory.ResolveFund(ctx, trade.FundID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	settlement := &Settlement{
		SettlementID:      "STL_" + uuid.New().String(),
		TradeID:           trade.TradeID,
		BuyOrderID:        trade.BuyOrderID,
		SellOrderID:       trade.SellOrderID,
		FundID:            trade.FundID,
		BuyerID:           trade.BuyerID,
		SellerID:          trade.SellerID,
		BuyerWalletRef:    trade.BuyerWalletRef,
		SellerWalletRef:   trade.SellerWalletRef,
		FundTokenRef:      f.TokenRef,
		PaymentTokenRef:   f.PaymentTokenRef,
		TokenAmount:       trade.TokenAmount,
		PricePerToken:     trade.PricePerToken,
		PaymentAmount:     trade.TotalAmount,
		SettlementDate:    now,
		Status:            StatusPending,
		DisputeStatus:     DisputeNone,
		EscrowReleaseTime: now.Add(s.opts.EscrowPeriod),
		SettlementFee:     Fee(trade.TotalAmount, s.opts.FeeRateBps),
		FeeRecipient:      s.opts.FeeRecipient,
		LedgerStatus:      LedgerNotSubmitted,
		LedgerUpdatedAt:   now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := s.db.CreateSettlement(settlement); err != nil {
		// Another writer may have won the unique trade id
		if existing, getErr := s.db.GetSettlementByTradeID(trade.TradeID); getErr == nil {
			return existing, nil
		}
		return nil, err
	}

	logger.Info().
		Str("settlement_id", settlement.SettlementID).
		Str("payment_amount", settlement.PaymentAmount.String()).
		Str("fee", settlement.SettlementFee.String()).
		Msg("settlement created")

	events.Emit(ctx, s.publisher, events.TopicSettlements, events.SettlementCreated, settlement.SettlementID, settlement)
	s.submitAsync(settlement.SettlementID, false)
	return settlement, nil
}

// HandleTradeCreated consumes TRADE_CREATED events
func (s *Service) HandleTradeCreated(ctx context.Context, evt events.Event) error {
	var trade types.Trade
	if err := evt.Decode(&trade); err != nil {
		return err
	}
	_, err := s.CreateFromTrade(ctx, &trade)
	return err
}

// RegisterSubscriptions wires the orchestrator to trade events
func (s *Service) RegisterSubscriptions(bus *events.Bus) {
	bus.Subscribe("settlement-orchestrator", events.TopicTrades, events.TradeCreated, s.HandleTradeCreated)
}

// transition loads a settlement under its lock, applies fn and saves it. The
// event types fn returns are published after the save, in order.
func (s *Service) transition(ctx context.Context, settlementID string, fn func(st *Settlement, now time.Time) ([]events.Type, error)) (*Settlement, error) {
	unlock := s.locks.lock(settlementID)
	defer unlock()

	st, err := s.db.GetSettlement(settlementID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	emit, err := fn(st, now)
	if err != nil {
		return nil, err
	}
	st.UpdatedAt = now
	if err := s.db.SaveSettlement(st); err != nil {
		return nil, err
	}

	for _, typ := range emit {
		events.Emit(ctx, s.publisher, events.TopicSettlements, typ, st.SettlementID, st)
	}
	return st, nil
}

// DepositEscrow records an asset pledged by a party. The first deposit moves a
// Pending settlement into escrow.
func (s *Service) DepositEscrow(ctx context.Context, settlementID string, actor Actor, req EscrowRequest) (*EscrowDeposit, error) {
	if !req.Amount.IsPositive() {
		return nil, types.Validationf("escrow amount must be positive")
	}
	if err := types.CheckPrecision("escrow amount", req.Amount); err != nil {
		return nil, err
	}

	unlock := s.locks.lock(settlementID)
	defer unlock()

	st, err := s.db.GetSettlement(settlementID)
	if err != nil {
		return nil, err
	}
	if !st.IsParty(actor.UserID) && !actor.Admin {
		return nil, types.Forbiddenf("%s is not a party to settlement %s", actor.UserID, settlementID)
	}
	if st.Status != StatusPending && st.Status != StatusInEscrow {
		return nil, types.Conflictf("cannot deposit escrow for settlement in status %s", st.Status)
	}

	asset := strings.TrimSpace(req.AssetRef)
	if asset == "" {
		asset = st.PaymentTokenRef
		if actor.UserID == st.SellerID && actor.UserID != st.BuyerID {
			asset = st.FundTokenRef
		}
	}

	now := s.now()
	deposit := &EscrowDeposit{
		EscrowID:     "ESC_" + uuid.New().String(),
		SettlementID: settlementID,
		Depositor:    actor.UserID,
		AssetRef:     asset,
		Amount:       req.Amount,
		ReleaseTime:  st.EscrowReleaseTime,
		Purpose:      req.Purpose,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err = s.db.Transaction(func(tx *Database) error {
		if err := tx.CreateEscrow(deposit); err != nil {
			return err
		}
		if st.Status == StatusPending {
			st.Status = StatusInEscrow
			st.UpdatedAt = now
			return tx.SaveSettlement(st)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "settlement").
		Str("settlement_id", settlementID).
		Str("escrow_id", deposit.EscrowID).
		Str("asset", asset).
		Str("amount", deposit.Amount.String()).
		Str("status", string(st.Status)).
		Msg("escrow deposited")
	return deposit, nil
}

// Confirm records the calling party's confirmation. Both confirmations
// complete the settlement.
func (s *Service) Confirm(ctx context.Context, settlementID string, actor Actor) (*Settlement, error) {
	return s.transition(ctx, settlementID, func(st *Settlement, now time.Time) ([]events.Type, error) {
		if !st.IsParty(actor.UserID) {
			return nil, types.Forbiddenf("%s is not a party to settlement %s", actor.UserID, st.SettlementID)
		}
		if st.Status != StatusPending && st.Status != StatusInEscrow {
			return nil, types.Conflictf("cannot confirm settlement in status %s", st.Status)
		}
		if err := st.checkUnbatched(); err != nil {
			return nil, err
		}

		switch {
		case actor.UserID == st.BuyerID && !st.BuyerConfirmed:
			st.BuyerConfirmed = true
		case actor.UserID == st.SellerID && !st.SellerConfirmed:
			st.SellerConfirmed = true
		default:
			return nil, types.Conflictf("%s already confirmed settlement %s", actor.UserID, st.SettlementID)
		}

		emit := []events.Type{events.SettlementConfirmed}
		if st.BuyerConfirmed && st.SellerConfirmed {
			st.complete(now)
			emit = append(emit, events.SettlementCompleted)
		}
		return emit, nil
	})
}

func (st *Settlement) complete(now time.Time) {
	st.Status = StatusCompleted
	st.CompletedAt = &now
}

// checkUnbatched rejects party transitions on a settlement waiting for its
// batch to execute. Batch execution completes it.
func (st *Settlement) checkUnbatched() error {
	if st.BatchID != "" && st.Status == StatusInEscrow {
		return types.Conflictf("settlement %s is waiting for batch %s", st.SettlementID, st.BatchID)
	}
	return nil
}

// RaiseDispute moves a live settlement into dispute
func (s *Service) RaiseDispute(ctx context.Context, settlementID string, actor Actor, reason string) (*Settlement, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, types.Validationf("dispute reason is required")
	}

	return s.transition(ctx, settlementID, func(st *Settlement, now time.Time) ([]events.Type, error) {
		if !st.IsParty(actor.UserID) {
			return nil, types.Forbiddenf("%s is not a party to settlement %s", actor.UserID, st.SettlementID)
		}
		if st.Status.Terminal() {
			return nil, types.Conflictf("cannot dispute settlement in status %s", st.Status)
		}
		if st.DisputeStatus != DisputeNone {
			return nil, types.Conflictf("settlement %s already has a dispute in status %s", st.SettlementID, st.DisputeStatus)
		}
		if err := st.checkUnbatched(); err != nil {
			return nil, err
		}

		st.DisputeStatus = DisputeRaised
		st.DisputeReason = reason
		st.DisputeRaisedBy = actor.UserID
		st.Status = StatusDisputed
		return []events.Type{events.DisputeRaised}, nil
	})
}

// ResolveDispute closes an open dispute and completes the settlement. The
// outcome is recorded but does not change how assets move.
func (s *Service) ResolveDispute(ctx context.Context, settlementID string, actor Actor, buyerFavored bool) (*Settlement, error) {
	if !actor.Resolver && !actor.Admin {
		return nil, types.Forbiddenf("%s is not an authorized dispute resolver", actor.UserID)
	}

	return s.transition(ctx, settlementID, func(st *Settlement, now time.Time) ([]events.Type, error) {
		if st.DisputeStatus != DisputeRaised && st.DisputeStatus != DisputeUnderReview {
			return nil, types.Conflictf("settlement %s has no open dispute (dispute status %s)", st.SettlementID, st.DisputeStatus)
		}
		if st.Status.Terminal() {
			return nil, types.Conflictf("cannot resolve dispute of settlement in status %s", st.Status)
		}

		st.DisputeStatus = DisputeResolved
		st.DisputeResolver = actor.UserID
		st.BuyerFavored = &buyerFavored
		st.Status = StatusResolved
		st.complete(now)
		return []events.Type{events.DisputeResolved, events.SettlementCompleted}, nil
	})
}

// Cancel ends a live settlement. Parties and admins may cancel.
func (s *Service) Cancel(ctx context.Context, settlementID string, actor Actor, reason string) (*Settlement, error) {
	return s.transition(ctx, settlementID, func(st *Settlement, now time.Time) ([]events.Type, error) {
		if !st.IsParty(actor.UserID) && !actor.Admin {
			return nil, types.Forbiddenf("%s may not cancel settlement %s", actor.UserID, st.SettlementID)
		}
		if st.Status.Terminal() {
			return nil, types.Conflictf("cannot cancel settlement in status %s", st.Status)
		}
		if err := st.checkUnbatched(); err != nil {
			return nil, err
		}

		st.Status = StatusCancelled
		st.CancelReason = strings.TrimSpace(reason)
		st.CancelledBy = actor.UserID
		return []events.Type{events.SettlementCancelled}, nil
	})
}

// ReleaseEscrow returns a deposit to its depositor once the release time has
// passed and the settlement has completed
func (s *Service) ReleaseEscrow(ctx context.Context, escrowID string, actor Actor) (*EscrowDeposit, error) {
	logger := log.With().
		Str("service", "settlement").
		Str("escrow_id", escrowID).
		Logger()

	deposit, err := s.db.GetEscrow(escrowID)
	if err != nil {
		return nil, err
	}
	if deposit.Depositor != actor.UserID && !actor.Admin {
		return nil, types.Forbiddenf("%s did not deposit escrow %s", actor.UserID, escrowID)
	}

	// The deposit is claimed under the settlement lock; the ledger call runs
	// outside it.
	now := s.now()
	var (
		st        *Settlement
		recipient string
	)
	err = func() error {
		unlock := s.locks.lock(deposit.SettlementID)
		defer unlock()

		var err error
		if deposit, err = s.db.GetEscrow(escrowID); err != nil {
			return err
		}
		if deposit.Released {
			logger.Error().Bool("defect", true).Msg("attempted double release of escrow")
			return types.Invariantf("escrow deposit %s already released", escrowID)
		}
		if now.Before(deposit.ReleaseTime) {
			return types.Conflictf("escrow deposit %s is locked until %s", escrowID, deposit.ReleaseTime.Format(time.RFC3339))
		}

		if st, err = s.db.GetSettlement(deposit.SettlementID); err != nil {
			return err
		}
		if !st.Releasable() {
			return types.Conflictf("cannot release escrow of settlement in status %s", st.Status)
		}
		if recipient, err = s.walletOf(ctx, st, deposit.Depositor); err != nil {
			return err
		}
		return s.db.ClaimEscrowRelease(escrowID, now, now.Add(-s.opts.LedgerTimeout))
	}()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.LedgerTimeout)
	receipt, err := s.ledger.ReleaseEscrow(callCtx, ledger.Release{
		EscrowID:     deposit.EscrowID,
		SettlementID: st.SettlementID,
		AssetRef:     deposit.AssetRef,
		Recipient:    recipient,
		Amount:       deposit.Amount,
	})
	cancel()
	if err != nil {
		if clearErr := s.db.ClearEscrowClaim(escrowID); clearErr != nil {
			logger.Error().Err(clearErr).Msg("failed to clear escrow release claim")
		}
		logger.Warn().Err(err).Msg("ledger rejected escrow release")
		return nil, err
	}

	if err := s.db.MarkEscrowReleased(escrowID, receipt.CorrelationRef, now); err != nil {
		if errors.Is(err, types.ErrInvariantViolation) {
			logger.Error().Err(err).Bool("defect", true).Msg("escrow released concurrently")
		}
		return nil, err
	}

	deposit.Released = true
	deposit.ReleasedAt = &now
	deposit.ReleaseRef = receipt.CorrelationRef
	deposit.UpdatedAt = now

	logger.Info().
		Str("settlement_id", st.SettlementID).
		Str("recipient", recipient).
		Str("tx_ref", receipt.CorrelationRef).
		Msg("escrow released")
	return deposit, nil
}

func (s *Service) walletOf(ctx context.Context, st *Settlement, userID string) (string, error) {
	switch userID {
	case st.BuyerID:
		return st.BuyerWalletRef, nil
	case st.SellerID:
		return st.SellerWalletRef, nil
	}
	return s.directory.ResolveWallet(ctx, userID)
}

// GetSettlement returns a settlement visible to actor. Non-parties without a
// privileged role see it as missing.
func (s *Service) GetSettlement(settlementID string, actor Actor) (*Settlement, error) {
	st, err := s.db.GetSettlement(settlementID)
	if err != nil {
		return nil, err
	}
	if !st.IsParty(actor.UserID) && !actor.Admin && !actor.Resolver {
		return nil, types.NotFoundf("settlement %s", settlementID)
	}
	return st, nil
}

func (s *Service) GetSettlementByTrade(tradeID string) (*Settlement, error) {
	return s.db.GetSettlementByTradeID(tradeID)
}

func (s *Service) ListSettlements(actor Actor, limit int) ([]Settlement, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.db.ListPartySettlements(actor.UserID, limit)
}

func (s *Service) ListEscrows(settlementID string, actor Actor) ([]EscrowDeposit, error) {
	if _, err := s.GetSettlement(settlementID, actor); err != nil {
		return nil, err
	}
	return s.db.ListEscrows(settlementID)
}

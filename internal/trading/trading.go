package trading

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/ksred/klear-funds/internal/auth"
	"github.com/ksred/klear-funds/internal/events"
	"github.com/ksred/klear-funds/internal/fund"
	"github.com/ksred/klear-funds/internal/types"
	"github.com/ksred/klear-funds/pkg/response"
)

const defaultListLimit = 100

// Options tunes the matching engine
type Options struct {
	ShardCount int
	QueueSize  int
}

// Service accepts orders, runs them through the matching engine and answers
// order, trade and book queries
type Service struct {
	db        *Database
	engine    *Engine
	directory fund.Directory
	now       func() time.Time
}

func NewService(gormDB *gorm.DB, directory fund.Directory, publisher events.Publisher, opts Options) *Service {
	db := NewDatabase(gormDB)
	return &Service{
		db:        db,
		engine:    NewEngine(db, publisher, opts.ShardCount, opts.QueueSize),
		directory: directory,
		now:       time.Now,
	}
}

// Close stops the matching shards after their queued commands finish
func (s *Service) Close() {
	s.engine.Stop()
}

// SubmitOrder validates a new order, stores it and matches it against the
// book. A repeated idempotency key returns the original order and its trades.
func (s *Service) SubmitOrder(ctx context.Context, req types.OrderRequest, idempotencyKey string) (*SubmitResult, error) {
	logger := log.With().
		Str("service", "trading").
		Str("owner_id", req.OwnerID).
		Str("fund_id", req.FundID).
		Logger()

	if idempotencyKey != "" {
		replay, err := s.replay(req.OwnerID, idempotencyKey)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	if req.SettlementWalletRef == "" && req.OwnerID != "" {
		wallet, err := s.directory.ResolveWallet(ctx, req.OwnerID)
		if err != nil {
			if errors.Is(err, types.ErrNotFound) {
				return nil, types.Validationf("no settlement wallet registered for %s", req.OwnerID)
			}
			return nil, err
		}
		req.SettlementWalletRef = wallet
	}

	order, err := types.NewOrder(req, s.now())
	if err != nil {
		return nil, err
	}

	f, err := s.directory.ResolveFund(ctx, order.FundID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.Validationf("unknown fund %s", order.FundID)
		}
		return nil, err
	}
	if !f.Active {
		return nil, types.Validationf("fund %s is not open for trading", f.ID)
	}
	if order.Market == types.MarketPrimary && order.Side == types.SideBuy && order.TotalAmount.LessThan(f.MinInvestment) {
		return nil, types.Validationf("order total %s is below the fund minimum investment %s", order.TotalAmount, f.MinInvestment)
	}

	result, err := s.engine.Submit(ctx, order, idempotencyKey)
	if err != nil {
		logger.Error().Err(err).Msg("failed to submit order")
		return nil, err
	}

	logger.Info().
		Str("order_id", order.OrderID).
		Str("side", string(order.Side)).
		Str("status", string(order.Status)).
		Int("trades", len(result.Trades)).
		Msg("order accepted")
	return result, nil
}

func (s *Service) replay(ownerID, key string) (*SubmitResult, error) {
	record, err := s.db.GetIdempotencyRecord(key)
	if err != nil || record == nil {
		return nil, err
	}
	if !record.ExpiresAt.After(s.now()) {
		return nil, s.db.DeleteIdempotencyRecord(key)
	}
	if record.OwnerID != ownerID {
		return nil, types.Conflictf("idempotency key %s was used by another caller", key)
	}

	order, err := s.db.GetOrder(record.ResourceID)
	if err != nil {
		return nil, err
	}
	trades, err := s.db.ListTradesForOrder(order.OrderID)
	if err != nil {
		return nil, err
	}
	return &SubmitResult{Order: order, Trades: tradePointers(trades)}, nil
}

func tradePointers(trades []types.Trade) []*types.Trade {
	out := make([]*types.Trade, len(trades))
	for i := range trades {
		out[i] = &trades[i]
	}
	return out
}

func (s *Service) CancelOrder(ctx context.Context, orderID, requester string, admin bool) (*types.Order, error) {
	return s.engine.Cancel(ctx, orderID, requester, admin)
}

// GetOrder returns an order visible to requester. Other investors' orders are
// reported as missing.
func (s *Service) GetOrder(orderID, requester string, admin bool) (*types.Order, error) {
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != requester && !admin {
		return nil, types.NotFoundf("order %s", orderID)
	}
	return order, nil
}

func (s *Service) ListOrders(ownerID string, limit int) ([]types.Order, error) {
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	return s.db.ListOrdersByOwner(ownerID, limit)
}

// ListTrades returns the trades an order took part in
func (s *Service) ListTrades(orderID, requester string, admin bool) ([]types.Trade, error) {
	if _, err := s.GetOrder(orderID, requester, admin); err != nil {
		return nil, err
	}
	return s.db.ListTradesForOrder(orderID)
}

// GetBook aggregates the resting orders of a fund and market into price levels
func (s *Service) GetBook(fundID string, market types.Market) (*BookSnapshot, error) {
	if market == "" {
		market = types.MarketSecondary
	}
	market = types.Market(strings.ToUpper(string(market)))
	if !market.Valid() {
		return nil, types.Validationf("invalid market %q", market)
	}

	orders, err := s.db.RestingOrders(fundID, market)
	if err != nil {
		return nil, err
	}

	bids := map[string]*BookLevel{}
	asks := map[string]*BookLevel{}
	for _, o := range orders {
		levels := bids
		if o.Side == types.SideSell {
			levels = asks
		}
		key := o.PricePerToken.String()
		lvl, ok := levels[key]
		if !ok {
			lvl = &BookLevel{Price: o.PricePerToken, Remaining: decimal.Zero}
			levels[key] = lvl
		}
		lvl.Remaining = lvl.Remaining.Add(o.RemainingAmount)
		lvl.OrderCount++
	}

	snapshot := &BookSnapshot{
		FundID:    fundID,
		Market:    market,
		Bids:      sortedLevels(bids, true),
		Asks:      sortedLevels(asks, false),
		Timestamp: s.now(),
	}
	return snapshot, nil
}

func sortedLevels(levels map[string]*BookLevel, descending bool) []BookLevel {
	out := make([]BookLevel, 0, len(levels))
	for _, lvl := range levels {
		out = append(out, *lvl)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out
}

// HandleSettlementEvent moves a trade to its settlement outcome. Redelivered
// events are no-ops.
func (s *Service) HandleSettlementEvent(_ context.Context, evt events.Event) error {
	var payload struct {
		TradeID string `json:"trade_id"`
	}
	if err := evt.Decode(&payload); err != nil {
		return err
	}

	var status types.TradeStatus
	switch evt.Type {
	case events.SettlementCompleted:
		status = types.TradeStatusSettled
	case events.SettlementCancelled:
		status = types.TradeStatusFailed
	default:
		return nil
	}

	changed, err := s.db.UpdateTradeStatus(payload.TradeID, status)
	if err != nil {
		return err
	}
	if changed {
		log.Info().
			Str("service", "trading").
			Str("trade_id", payload.TradeID).
			Str("status", string(status)).
			Msg("trade status updated from settlement")
	}
	return nil
}

// RegisterSubscriptions wires the service to the settlement events it follows
func (s *Service) RegisterSubscriptions(bus *events.Bus) {
	bus.Subscribe("trade-status", events.TopicSettlements, events.SettlementCompleted, s.HandleSettlementEvent)
	bus.Subscribe("trade-status", events.TopicSettlements, events.SettlementCancelled, s.HandleSettlementEvent)
}

// GinHandlers contains HTTP handlers for trading endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateOrderHandler handles POST /orders. The Idempotency-Key header is optional.
func (h *GinHandlers) CreateOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req types.OrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		req.OwnerID = auth.UserID(c)

		result, err := h.service.SubmitOrder(c.Request.Context(), req, c.GetHeader("Idempotency-Key"))
		response.Handle(c, result, err)
	}
}

// GetOrderHandler handles GET /orders/:order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.GetOrder(c.Param("order_id"), auth.UserID(c), auth.IsAdmin(c))
		response.Handle(c, order, err)
	}
}

// ListOrdersHandler handles GET /orders for the caller
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		orders, err := h.service.ListOrders(auth.UserID(c), limit)
		response.Handle(c, orders, err)
	}
}

// CancelOrderHandler handles DELETE /orders/:order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelOrder(c.Request.Context(), c.Param("order_id"), auth.UserID(c), auth.IsAdmin(c))
		response.Handle(c, order, err)
	}
}

// ListOrderTradesHandler handles GET /orders/:order_id/trades
func (h *GinHandlers) ListOrderTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		trades, err := h.service.ListTrades(c.Param("order_id"), auth.UserID(c), auth.IsAdmin(c))
		response.Handle(c, trades, err)
	}
}

// GetBookHandler handles GET /books/:fund_id
func (h *GinHandlers) GetBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		book, err := h.service.GetBook(c.Param("fund_id"), types.Market(c.Query("market")))
		response.Handle(c, book, err)
	}
}

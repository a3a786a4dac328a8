package trading

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-funds/internal/events"
	"github.com/ksred/klear-funds/internal/types"
)

const (
	candidateBatch  = 100
	maxFillAttempts = 3
)

var ErrEngineStopped = errors.New("matching engine is stopped")

// Router maps a fund and market to a shard
type Router struct {
	shardCount int
}

func NewRouter(shardCount int) *Router {
	return &Router{shardCount: shardCount}
}

func (r *Router) Route(fundID string, market types.Market) int {
	h := fnv.New32a()
	h.Write([]byte(fundID + "|" + string(market)))
	return int(h.Sum32() % uint32(r.shardCount))
}

// Shard runs the commands of its books one at a time
type Shard struct {
	id       int
	cmdQueue chan *shardCommand

	submitMu sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup
}

type shardCommand struct {
	run  func()
	done chan struct{}
}

func NewShard(id, queueSize int) *Shard {
	return &Shard{
		id:       id,
		cmdQueue: make(chan *shardCommand, queueSize),
	}
}

func (s *Shard) Start() {
	s.wg.Add(1)
	go s.eventLoop()
}

func (s *Shard) Stop() {
	s.submitMu.Lock()
	if s.stopped {
		s.submitMu.Unlock()
		return
	}
	s.stopped = true
	close(s.cmdQueue)
	s.submitMu.Unlock()

	s.wg.Wait()
}

// Do runs fn on the shard goroutine and waits for it to finish
func (s *Shard) Do(ctx context.Context, fn func()) error {
	cmd := &shardCommand{run: fn, done: make(chan struct{})}

	s.submitMu.RLock()
	if s.stopped {
		s.submitMu.RUnlock()
		return ErrEngineStopped
	}
	select {
	case s.cmdQueue <- cmd:
	case <-ctx.Done():
		s.submitMu.RUnlock()
		return ctx.Err()
	}
	s.submitMu.RUnlock()

	// Once queued the command always runs; waiting for it keeps results visible to the caller
	<-cmd.done
	return nil
}

func (s *Shard) eventLoop() {
	defer s.wg.Done()
	for cmd := range s.cmdQueue {
		s.execute(cmd)
	}
}

func (s *Shard) execute(cmd *shardCommand) {
	defer close(cmd.done)
	defer func() {
		if r := recover(); r != nil {
			log.Error().Int("shard", s.id).Interface("panic", r).Bool("defect", true).Msg("matching command panicked")
		}
	}()
	cmd.run()
}

// Engine serializes every write to a book through its shard. Orders are
// additionally saved with a version check, so a writer outside the shard
// cannot cause a double fill.
type Engine struct {
	router    *Router
	shards    []*Shard
	db        *Database
	publisher events.Publisher
	now       func() time.Time
}

func NewEngine(db *Database, publisher events.Publisher, shardCount, queueSize int) *Engine {
	if shardCount <= 0 {
		shardCount = 8
	}
	if queueSize <= 0 {
		queueSize = 1000
	}

	shards := make([]*Shard, shardCount)
	for i := range shards {
		shards[i] = NewShard(i, queueSize)
		shards[i].Start()
	}

	return &Engine{
		router:    NewRouter(shardCount),
		shards:    shards,
		db:        db,
		publisher: publisher,
		now:       time.Now,
	}
}

func (e *Engine) Stop() {
	for _, s := range e.shards {
		s.Stop()
	}
}

func (e *Engine) shardFor(fundID string, market types.Market) *Shard {
	return e.shards[e.router.Route(fundID, market)]
}

// Submit persists a new order and runs its match pass. The order is accepted
// once stored; match failures stop the pass but keep every committed fill.
// ctx only bounds the wait for a shard slot: a queued submission always runs
// its match pass to completion.
func (e *Engine) Submit(ctx context.Context, order *types.Order, idempotencyKey string) (*SubmitResult, error) {
	var (
		result *SubmitResult
		err    error
	)
	runCtx := context.WithoutCancel(ctx)
	doErr := e.shardFor(order.FundID, order.Market).Do(ctx, func() {
		if idempotencyKey != "" {
			err = e.db.CreateOrderWithIdempotency(order, idempotencyKey)
		} else {
			err = e.db.CreateOrder(order)
		}
		if err != nil {
			err = fmt.Errorf("store order: %w", err)
			return
		}
		events.Emit(runCtx, e.publisher, events.TopicOrders, events.OrderCreated, order.OrderID, order)

		trades, touched := e.match(order)
		for _, t := range trades {
			events.Emit(runCtx, e.publisher, events.TopicTrades, events.TradeCreated, t.TradeID, t)
		}
		for _, o := range touched {
			events.Emit(runCtx, e.publisher, events.TopicOrders, events.OrderUpdated, o.OrderID, o)
		}
		result = &SubmitResult{Order: order, Trades: trades}
	})
	if doErr != nil {
		return nil, doErr
	}
	return result, err
}

// match fills incoming against resting counter-orders until it is filled or
// no candidate remains. It returns the trades and every order whose state changed.
func (e *Engine) match(incoming *types.Order) ([]*types.Trade, []*types.Order) {
	logger := log.With().
		Str("service", "matching").
		Str("order_id", incoming.OrderID).
		Str("fund_id", incoming.FundID).
		Logger()

	var trades []*types.Trade
	var touched []*types.Order

	for incoming.Status.Open() {
		candidates, err := e.db.FindCandidates(incoming, candidateBatch)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load candidates")
			break
		}
		if len(candidates) == 0 {
			break
		}

		progressed := false
		for _, candidate := range candidates {
			if !incoming.Status.Open() {
				break
			}
			trade, err := e.fillStep(incoming, candidate)
			if err != nil {
				if errors.Is(err, types.ErrVersionConflict) {
					logger.Error().Err(err).Str("candidate_id", candidate.OrderID).Bool("defect", true).Msg("fill abandoned after repeated version conflicts")
					continue
				}
				logger.Error().Err(err).Str("candidate_id", candidate.OrderID).Msg("fill step failed, stopping match pass")
				return trades, appendTouched(touched, incoming, len(trades) > 0)
			}
			if trade == nil {
				continue
			}
			progressed = true
			trades = append(trades, trade)
			touched = append(touched, candidate)

			logger.Info().
				Str("trade_id", trade.TradeID).
				Str("candidate_id", candidate.OrderID).
				Str("amount", trade.TokenAmount.String()).
				Str("price", trade.PricePerToken.String()).
				Msg("orders matched")
		}
		if !progressed {
			break
		}
	}

	return trades, appendTouched(touched, incoming, len(trades) > 0)
}

func appendTouched(touched []*types.Order, incoming *types.Order, changed bool) []*types.Order {
	if changed {
		return append(touched, incoming)
	}
	return touched
}

// fillStep commits one fill between incoming and candidate. Both orders are
// updated in place only after the fill is durable. A nil trade means one side
// is no longer fillable.
func (e *Engine) fillStep(incoming, candidate *types.Order) (*types.Trade, error) {
	for attempt := 1; attempt <= maxFillAttempts; attempt++ {
		in, c := *incoming, *candidate
		if !in.Status.Open() || !c.Status.Open() {
			*incoming, *candidate = in, c
			return nil, nil
		}

		amount := decimal.Min(in.RemainingAmount, c.RemainingAmount)
		now := e.now()
		if err := in.Fill(amount, now); err != nil {
			return nil, err
		}
		if err := c.Fill(amount, now); err != nil {
			return nil, err
		}

		buy, sell := &in, &c
		if in.Side == types.SideSell {
			buy, sell = &c, &in
		}
		trade := types.NewTrade(buy, sell, amount, now)

		err := e.db.ApplyFill(trade, buy, sell)
		if err == nil {
			*incoming, *candidate = in, c
			return trade, nil
		}
		if !errors.Is(err, types.ErrVersionConflict) {
			return nil, err
		}

		log.Warn().Err(err).Int("attempt", attempt).Msg("order changed during fill, reloading")
		freshIn, err := e.db.GetOrder(incoming.OrderID)
		if err != nil {
			return nil, err
		}
		freshC, err := e.db.GetOrder(candidate.OrderID)
		if err != nil {
			return nil, err
		}
		*incoming, *candidate = *freshIn, *freshC
	}
	return nil, fmt.Errorf("%w: fill %s against %s", types.ErrVersionConflict, incoming.OrderID, candidate.OrderID)
}

// Cancel stops the unfilled remainder of an order. Only the owner or an
// admin may cancel.
func (e *Engine) Cancel(ctx context.Context, orderID, requester string, admin bool) (*types.Order, error) {
	order, err := e.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order.OwnerID != requester && !admin {
		return nil, types.Forbiddenf("order %s does not belong to %s", orderID, requester)
	}

	var cancelled *types.Order
	runCtx := context.WithoutCancel(ctx)
	doErr := e.shardFor(order.FundID, order.Market).Do(ctx, func() {
		for attempt := 1; attempt <= maxFillAttempts; attempt++ {
			current, getErr := e.db.GetOrder(orderID)
			if getErr != nil {
				err = getErr
				return
			}
			if err = current.Cancel(e.now()); err != nil {
				return
			}
			err = e.db.UpdateOrder(current)
			if errors.Is(err, types.ErrVersionConflict) {
				continue
			}
			if err != nil {
				return
			}
			cancelled = current
			events.Emit(runCtx, e.publisher, events.TopicOrders, events.OrderCancelled, current.OrderID, current)
			return
		}
	})
	if doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "matching").
		Str("order_id", orderID).
		Str("requester", requester).
		Str("remaining", cancelled.RemainingAmount.String()).
		Msg("order cancelled")
	return cancelled, nil
}

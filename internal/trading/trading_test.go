package trading

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ksred/klear-funds/internal/auth"
	"github.com/ksred/klear-funds/internal/events"
	"github.com/ksred/klear-funds/internal/fund"
	"github.com/ksred/klear-funds/internal/types"
)

const (
	fundID      = "FUND_GROWTH"
	aliceWallet = "0x1111111111111111111111111111111111111111"
	bobWallet   = "0x2222222222222222222222222222222222222222"
	carolWallet = "0x3333333333333333333333333333333333333333"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) count(typ events.Type) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trading.db")
	db, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatal(err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&types.Order{}, &types.Trade{}, &IdempotencyRecord{}); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return db
}

func newTestService(t *testing.T) (*Service, *recordingPublisher) {
	t.Helper()
	pub := &recordingPublisher{}
	return newTestServiceWith(t, pub), pub
}

func newTestServiceWith(t *testing.T, pub events.Publisher) *Service {
	t.Helper()
	dir := fund.NewStaticDirectory()
	dir.AddFund(fund.Fund{
		ID:              fundID,
		TokenRef:        "0xfund",
		PaymentTokenRef: "0xusdc",
		MinInvestment:   d("1000"),
		Active:          true,
	})
	dir.AddFund(fund.Fund{ID: "FUND_CLOSED", Active: false})
	dir.SetWallet("alice", aliceWallet)
	dir.SetWallet("bob", bobWallet)
	dir.SetWallet("carol", carolWallet)

	svc := NewService(openTestDB(t), dir, pub, Options{ShardCount: 2, QueueSize: 16})
	t.Cleanup(svc.Close)
	return svc
}

func submit(t *testing.T, svc *Service, owner string, side types.Side, amount, price string) *SubmitResult {
	t.Helper()
	res, err := svc.SubmitOrder(context.Background(), types.OrderRequest{
		OwnerID:       owner,
		FundID:        fundID,
		Side:          side,
		TokenAmount:   d(amount),
		PricePerToken: d(price),
	}, "")
	if err != nil {
		t.Fatalf("submit %s %s@%s: %v", side, amount, price, err)
	}
	return res
}

func reload(t *testing.T, svc *Service, orderID string) *types.Order {
	t.Helper()
	o, err := svc.db.GetOrder(orderID)
	if err != nil {
		t.Fatal(err)
	}
	return o
}

func assertConserved(t *testing.T, o *types.Order) {
	t.Helper()
	if !o.FilledAmount.Add(o.RemainingAmount).Equal(o.TokenAmount) {
		t.Errorf("order %s: filled %s + remaining %s != %s", o.OrderID, o.FilledAmount, o.RemainingAmount, o.TokenAmount)
	}
	if o.RemainingAmount.IsNegative() {
		t.Errorf("order %s: negative remaining %s", o.OrderID, o.RemainingAmount)
	}
	if (o.Status == types.OrderStatusCompleted) != o.RemainingAmount.IsZero() {
		t.Errorf("order %s: status %s with remaining %s", o.OrderID, o.Status, o.RemainingAmount)
	}
}

func TestRestingSellFilledByLargerBuy(t *testing.T) {
	svc, pub := newTestService(t)

	sell := submit(t, svc, "alice", types.SideSell, "50", "10.00")
	if len(sell.Trades) != 0 {
		t.Fatalf("expected sell to rest, got %d trades", len(sell.Trades))
	}

	buy := submit(t, svc, "bob", types.SideBuy, "100", "10.50")
	if len(buy.Trades) != 1 {
		t.Fatalf("expected one trade, got %d", len(buy.Trades))
	}

	trade := buy.Trades[0]
	if !trade.TokenAmount.Equal(d("50")) || !trade.PricePerToken.Equal(d("10")) {
		t.Errorf("expected 50 @ 10.00, got %s @ %s", trade.TokenAmount, trade.PricePerToken)
	}
	if !trade.TotalAmount.Equal(d("500")) {
		t.Errorf("expected total 500, got %s", trade.TotalAmount)
	}
	if trade.BuyerID != "bob" || trade.SellerID != "alice" || trade.Status != types.TradeStatusPending {
		t.Errorf("unexpected trade parties/status %+v", trade)
	}

	b := reload(t, svc, buy.Order.OrderID)
	if b.Status != types.OrderStatusPartial || !b.RemainingAmount.Equal(d("50")) {
		t.Errorf("expected buy PARTIAL with 50 remaining, got %s / %s", b.Status, b.RemainingAmount)
	}
	s := reload(t, svc, sell.Order.OrderID)
	if s.Status != types.OrderStatusCompleted || !s.LockedTokens.IsZero() {
		t.Errorf("expected sell COMPLETED with no locked tokens, got %s / %s", s.Status, s.LockedTokens)
	}
	assertConserved(t, b)
	assertConserved(t, s)

	if pub.count(events.OrderCreated) != 2 || pub.count(events.TradeCreated) != 1 || pub.count(events.OrderUpdated) != 2 {
		t.Errorf("unexpected events created=%d trades=%d updated=%d",
			pub.count(events.OrderCreated), pub.count(events.TradeCreated), pub.count(events.OrderUpdated))
	}
}

func TestPriceTimePriority(t *testing.T) {
	svc, _ := newTestService(t)

	expensive := submit(t, svc, "alice", types.SideSell, "10", "11")
	cheapOld := submit(t, svc, "alice", types.SideSell, "10", "10")
	cheapNew := submit(t, svc, "carol", types.SideSell, "10", "10")

	buy := submit(t, svc, "bob", types.SideBuy, "25", "11")
	if len(buy.Trades) != 3 {
		t.Fatalf("expected 3 trades, got %d", len(buy.Trades))
	}

	want := []struct {
		sell   string
		amount string
		price  string
	}{
		{cheapOld.Order.OrderID, "10", "10"},
		{cheapNew.Order.OrderID, "10", "10"},
		{expensive.Order.OrderID, "5", "11"},
	}
	for i, w := range want {
		tr := buy.Trades[i]
		if tr.SellOrderID != w.sell || !tr.TokenAmount.Equal(d(w.amount)) || !tr.PricePerToken.Equal(d(w.price)) {
			t.Errorf("trade %d: got %s %s@%s, want %s %s@%s", i, tr.SellOrderID, tr.TokenAmount, tr.PricePerToken, w.sell, w.amount, w.price)
		}
	}

	if b := reload(t, svc, buy.Order.OrderID); b.Status != types.OrderStatusCompleted {
		t.Errorf("expected buy COMPLETED, got %s", b.Status)
	}
	if e := reload(t, svc, expensive.Order.OrderID); e.Status != types.OrderStatusPartial || !e.RemainingAmount.Equal(d("5")) {
		t.Errorf("expected expensive sell PARTIAL with 5 left, got %s / %s", e.Status, e.RemainingAmount)
	}
}

func TestIncomingSellTradesAtItsOwnPrice(t *testing.T) {
	svc, _ := newTestService(t)

	low := submit(t, svc, "bob", types.SideBuy, "10", "11.50")
	high := submit(t, svc, "carol", types.SideBuy, "10", "12")
	sell := submit(t, svc, "alice", types.SideSell, "15", "11")

	if len(sell.Trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(sell.Trades))
	}
	if sell.Trades[0].BuyOrderID != high.Order.OrderID || sell.Trades[1].BuyOrderID != low.Order.OrderID {
		t.Errorf("expected highest bid first")
	}
	for _, tr := range sell.Trades {
		if !tr.PricePerToken.Equal(d("11")) {
			t.Errorf("expected every trade at the sell price 11, got %s", tr.PricePerToken)
		}
	}
}

// cancellingPublisher cancels the submitting request as soon as the order is
// stored, the way a client disconnect would.
type cancellingPublisher struct {
	recordingPublisher
	mu        sync.Mutex
	cancel    context.CancelFunc
	cancelled []events.Type
}

func (p *cancellingPublisher) Publish(ctx context.Context, evt events.Event) error {
	p.mu.Lock()
	if p.cancel != nil && evt.Type == events.OrderCreated {
		p.cancel()
	}
	if ctx.Err() != nil {
		p.cancelled = append(p.cancelled, evt.Type)
	}
	p.mu.Unlock()
	return p.recordingPublisher.Publish(ctx, evt)
}

func TestMatchPassSurvivesRequestCancellation(t *testing.T) {
	pub := &cancellingPublisher{}
	svc := newTestServiceWith(t, pub)

	sell := submit(t, svc, "alice", types.SideSell, "50", "10")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pub.mu.Lock()
	pub.cancel = cancel
	pub.mu.Unlock()

	res, err := svc.SubmitOrder(ctx, types.OrderRequest{
		OwnerID:       "bob",
		FundID:        fundID,
		Side:          types.SideBuy,
		TokenAmount:   d("100"),
		PricePerToken: d("10.50"),
	}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("expected the request context to be cancelled during submission")
	}
	if len(res.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(res.Trades))
	}
	if got := reload(t, svc, sell.Order.OrderID); got.Status != types.OrderStatusCompleted {
		t.Errorf("expected sell COMPLETED, got %s", got.Status)
	}
	if got := reload(t, svc, res.Order.OrderID); !got.RemainingAmount.Equal(d("50")) {
		t.Errorf("expected buy remaining 50, got %s", got.RemainingAmount)
	}

	book, err := svc.GetBook(fundID, types.MarketSecondary)
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Asks) != 0 {
		t.Errorf("expected no resting asks, got %+v", book.Asks)
	}

	if n := pub.count(events.TradeCreated); n != 1 {
		t.Errorf("expected 1 TRADE_CREATED event, got %d", n)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.cancelled) != 0 {
		t.Errorf("events published on a cancelled context: %v", pub.cancelled)
	}
}

func TestAmountsRoundTripExactly(t *testing.T) {
	svc, _ := newTestService(t)

	sell := submit(t, svc, "alice", types.SideSell, "1000000.12345678", "10.12345678")
	buy := submit(t, svc, "bob", types.SideBuy, "0.00000001", "10.12345678")
	if len(buy.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(buy.Trades))
	}

	got := reload(t, svc, sell.Order.OrderID)
	assertConserved(t, got)
	if !got.TokenAmount.Equal(d("1000000.12345678")) || !got.RemainingAmount.Equal(d("1000000.12345677")) {
		t.Errorf("amounts drifted: token=%s remaining=%s", got.TokenAmount, got.RemainingAmount)
	}
	if !got.PricePerToken.Equal(d("10.12345678")) {
		t.Errorf("price drifted: %s", got.PricePerToken)
	}

	trade, err := svc.db.GetTrade(buy.Trades[0].TradeID)
	if err != nil {
		t.Fatal(err)
	}
	if !trade.TotalAmount.Equal(d("0.0000001012345678")) {
		t.Errorf("trade total drifted: %s", trade.TotalAmount)
	}

	_, err = svc.SubmitOrder(context.Background(), types.OrderRequest{
		OwnerID:       "alice",
		FundID:        fundID,
		Side:          types.SideSell,
		TokenAmount:   d("1000000.123456789012345678"),
		PricePerToken: d("10"),
	}, "")
	if !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error for excess precision, got %v", err)
	}
}

func TestNoMatchAcrossPriceOrFund(t *testing.T) {
	svc, _ := newTestService(t)

	submit(t, svc, "alice", types.SideSell, "10", "12")
	buy := submit(t, svc, "bob", types.SideBuy, "10", "11")
	if len(buy.Trades) != 0 {
		t.Errorf("expected no trade below the ask, got %d", len(buy.Trades))
	}
}

func TestCancelOrder(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()

	sell := submit(t, svc, "alice", types.SideSell, "10", "10")

	if _, err := svc.CancelOrder(ctx, sell.Order.OrderID, "bob", false); !errors.Is(err, types.ErrForbidden) {
		t.Errorf("expected forbidden for non-owner, got %v", err)
	}

	cancelled, err := svc.CancelOrder(ctx, sell.Order.OrderID, "alice", false)
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != types.OrderStatusCancelled || !cancelled.LockedTokens.IsZero() {
		t.Errorf("expected CANCELLED with released tokens, got %s / %s", cancelled.Status, cancelled.LockedTokens)
	}
	if pub.count(events.OrderCancelled) != 1 {
		t.Errorf("expected ORDER_CANCELLED event")
	}

	if _, err := svc.CancelOrder(ctx, sell.Order.OrderID, "alice", false); !errors.Is(err, types.ErrStateConflict) {
		t.Errorf("expected conflict on second cancel, got %v", err)
	}

	buy := submit(t, svc, "bob", types.SideBuy, "10", "10")
	if len(buy.Trades) != 0 {
		t.Errorf("cancelled order must not match")
	}

	// Only the unfilled remainder is cancelled
	sell2 := submit(t, svc, "carol", types.SideSell, "4", "10")
	if len(sell2.Trades) != 1 {
		t.Fatalf("expected sell to fill against resting buy")
	}
	partial, err := svc.CancelOrder(ctx, buy.Order.OrderID, "admin", true)
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if !partial.FilledAmount.Equal(d("4")) || !partial.RemainingAmount.Equal(d("6")) {
		t.Errorf("cancel must keep fills, got filled %s remaining %s", partial.FilledAmount, partial.RemainingAmount)
	}

	completed := reload(t, svc, sell2.Order.OrderID)
	if _, err := svc.CancelOrder(ctx, completed.OrderID, "carol", false); !errors.Is(err, types.ErrStateConflict) {
		t.Errorf("expected conflict cancelling a completed order, got %v", err)
	}
}

func TestConcurrentBuysNeverOverfill(t *testing.T) {
	svc, _ := newTestService(t)

	sell := submit(t, svc, "alice", types.SideSell, "100", "10")

	var wg sync.WaitGroup
	results := make([]*SubmitResult, 30)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := svc.SubmitOrder(context.Background(), types.OrderRequest{
				OwnerID:       "bob",
				FundID:        fundID,
				Side:          types.SideBuy,
				TokenAmount:   d("7"),
				PricePerToken: d("10"),
			}, "")
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	total := decimal.Zero
	for _, res := range results {
		if res == nil {
			continue
		}
		for _, tr := range res.Trades {
			total = total.Add(tr.TokenAmount)
		}
		o := reload(t, svc, res.Order.OrderID)
		assertConserved(t, o)

		trades, err := svc.db.ListTradesForOrder(o.OrderID)
		if err != nil {
			t.Fatal(err)
		}
		sum := decimal.Zero
		for _, tr := range trades {
			sum = sum.Add(tr.TokenAmount)
		}
		if !sum.Equal(o.FilledAmount) {
			t.Errorf("order %s: trades sum %s != filled %s", o.OrderID, sum, o.FilledAmount)
		}
	}

	if !total.Equal(d("100")) {
		t.Errorf("expected exactly 100 tokens traded, got %s", total)
	}
	s := reload(t, svc, sell.Order.OrderID)
	assertConserved(t, s)
	if s.Status != types.OrderStatusCompleted {
		t.Errorf("expected sell COMPLETED, got %s", s.Status)
	}
}

func TestUpdateOrderRejectsStaleVersion(t *testing.T) {
	svc, _ := newTestService(t)
	res := submit(t, svc, "alice", types.SideSell, "10", "10")

	first := reload(t, svc, res.Order.OrderID)
	second := reload(t, svc, res.Order.OrderID)

	if err := first.Fill(d("3"), first.UpdatedAt); err != nil {
		t.Fatal(err)
	}
	if err := svc.db.UpdateOrder(first); err != nil {
		t.Fatal(err)
	}

	if err := second.Fill(d("10"), second.UpdatedAt); err != nil {
		t.Fatal(err)
	}
	if err := svc.db.UpdateOrder(second); !errors.Is(err, types.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored := reload(t, svc, res.Order.OrderID)
	if !stored.RemainingAmount.Equal(d("7")) || stored.Version != 1 {
		t.Errorf("expected remaining 7 at version 1, got %s at %d", stored.RemainingAmount, stored.Version)
	}
}

func TestFillStepReloadsAfterConflict(t *testing.T) {
	svc, _ := newTestService(t)

	sell := submit(t, svc, "alice", types.SideSell, "10", "10")
	stale := reload(t, svc, sell.Order.OrderID)

	// Someone else fills 6 of the sell behind the engine's back
	other := reload(t, svc, sell.Order.OrderID)
	if err := other.Fill(d("6"), other.UpdatedAt); err != nil {
		t.Fatal(err)
	}
	if err := svc.db.UpdateOrder(other); err != nil {
		t.Fatal(err)
	}

	buy, err := types.NewOrder(types.OrderRequest{
		OwnerID:             "bob",
		FundID:              fundID,
		Side:                types.SideBuy,
		Market:              types.MarketSecondary,
		TokenAmount:         d("10"),
		PricePerToken:       d("10"),
		SettlementWalletRef: bobWallet,
	}, stale.UpdatedAt)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.db.CreateOrder(buy); err != nil {
		t.Fatal(err)
	}

	trade, err := svc.engine.fillStep(buy, stale)
	if err != nil {
		t.Fatal(err)
	}
	if trade == nil || !trade.TokenAmount.Equal(d("4")) {
		t.Fatalf("expected a fill of the 4 tokens left, got %+v", trade)
	}
	if stale.Status != types.OrderStatusCompleted || !buy.RemainingAmount.Equal(d("6")) {
		t.Errorf("unexpected state after reload: sell %s, buy remaining %s", stale.Status, buy.RemainingAmount)
	}
}

func TestSubmitOrderIsIdempotent(t *testing.T) {
	svc, pub := newTestService(t)
	ctx := context.Background()
	req := types.OrderRequest{OwnerID: "bob", FundID: fundID, Side: types.SideBuy, TokenAmount: d("5"), PricePerToken: d("10")}

	first, err := svc.SubmitOrder(ctx, req, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.SubmitOrder(ctx, req, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if first.Order.OrderID != second.Order.OrderID {
		t.Errorf("expected replayed order %s, got %s", first.Order.OrderID, second.Order.OrderID)
	}
	if pub.count(events.OrderCreated) != 1 {
		t.Errorf("replay must not emit ORDER_CREATED again")
	}

	req.OwnerID = "carol"
	if _, err := svc.SubmitOrder(ctx, req, "key-1"); !errors.Is(err, types.ErrStateConflict) {
		t.Errorf("expected conflict for key reuse by another caller, got %v", err)
	}
}

func TestSubmitOrderValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  types.OrderRequest
	}{
		{"unknown fund", types.OrderRequest{OwnerID: "bob", FundID: "NOPE", Side: types.SideBuy, TokenAmount: d("1"), PricePerToken: d("1")}},
		{"inactive fund", types.OrderRequest{OwnerID: "bob", FundID: "FUND_CLOSED", Side: types.SideBuy, TokenAmount: d("1"), PricePerToken: d("1")}},
		{"bad side", types.OrderRequest{OwnerID: "bob", FundID: fundID, Side: "HOLD", TokenAmount: d("1"), PricePerToken: d("1")}},
		{"zero amount", types.OrderRequest{OwnerID: "bob", FundID: fundID, Side: types.SideBuy, TokenAmount: d("0"), PricePerToken: d("1")}},
		{"no wallet", types.OrderRequest{OwnerID: "dave", FundID: fundID, Side: types.SideBuy, TokenAmount: d("1"), PricePerToken: d("1")}},
		{"malformed wallet", types.OrderRequest{OwnerID: "bob", FundID: fundID, Side: types.SideBuy, TokenAmount: d("1"), PricePerToken: d("1"), SettlementWalletRef: "0x12"}},
		{"primary below minimum", types.OrderRequest{OwnerID: "bob", FundID: fundID, Side: types.SideBuy, Market: types.MarketPrimary, TokenAmount: d("10"), PricePerToken: d("10")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.SubmitOrder(ctx, tt.req, ""); !errors.Is(err, types.ErrValidation) {
				t.Errorf("expected validation error, got %v", err)
			}
		})
	}

	res, err := svc.SubmitOrder(ctx, types.OrderRequest{OwnerID: "bob", FundID: fundID, Side: types.SideBuy, Market: types.MarketPrimary, TokenAmount: d("100"), PricePerToken: d("10")}, "")
	if err != nil {
		t.Fatalf("primary buy at the minimum: %v", err)
	}
	if res.Order.SettlementWalletRef != bobWallet {
		t.Errorf("expected wallet resolved from directory, got %s", res.Order.SettlementWalletRef)
	}
}

func TestGetBookAggregatesLevels(t *testing.T) {
	svc, _ := newTestService(t)

	submit(t, svc, "alice", types.SideSell, "5", "12")
	submit(t, svc, "carol", types.SideSell, "3", "12")
	submit(t, svc, "alice", types.SideSell, "1", "13")
	submit(t, svc, "bob", types.SideBuy, "2", "9")
	submit(t, svc, "bob", types.SideBuy, "4", "10")

	book, err := svc.GetBook(fundID, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(book.Asks) != 2 || !book.Asks[0].Price.Equal(d("12")) || !book.Asks[0].Remaining.Equal(d("8")) || book.Asks[0].OrderCount != 2 {
		t.Errorf("unexpected asks %+v", book.Asks)
	}
	if len(book.Bids) != 2 || !book.Bids[0].Price.Equal(d("10")) {
		t.Errorf("expected best bid 10 first, got %+v", book.Bids)
	}

	if _, err := svc.GetBook(fundID, "DARK"); !errors.Is(err, types.ErrValidation) {
		t.Errorf("expected validation error for unknown market, got %v", err)
	}
}

func TestSettlementEventsDriveTradeStatus(t *testing.T) {
	svc, _ := newTestService(t)

	submit(t, svc, "alice", types.SideSell, "5", "10")
	buy := submit(t, svc, "bob", types.SideBuy, "5", "10")
	tradeID := buy.Trades[0].TradeID

	evt, err := events.New(events.TopicSettlements, events.SettlementCompleted, "STL_1", map[string]string{"trade_id": tradeID})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := svc.HandleSettlementEvent(context.Background(), evt); err != nil {
			t.Fatal(err)
		}
	}

	trade, err := svc.db.GetTrade(tradeID)
	if err != nil {
		t.Fatal(err)
	}
	if trade.Status != types.TradeStatusSettled {
		t.Errorf("expected SETTLED, got %s", trade.Status)
	}

	cancelled, _ := events.New(events.TopicSettlements, events.SettlementCancelled, "STL_1", map[string]string{"trade_id": tradeID})
	if err := svc.HandleSettlementEvent(context.Background(), cancelled); err != nil {
		t.Fatal(err)
	}
	if trade, _ := svc.db.GetTrade(tradeID); trade.Status != types.TradeStatusSettled {
		t.Errorf("settled trade must not flip to %s", trade.Status)
	}
}

func TestOrderHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _ := newTestService(t)
	h := NewGinHandlers(svc)

	as := func(user string) gin.HandlerFunc {
		return func(c *gin.Context) {
			c.Set(auth.ContextUserID, user)
			c.Set(auth.ContextRoles, []string{auth.RoleInvestor})
		}
	}

	router := gin.New()
	alice := router.Group("/alice", as("alice"))
	alice.POST("/orders", h.CreateOrderHandler())
	alice.GET("/orders/:order_id", h.GetOrderHandler())
	bob := router.Group("/bob", as("bob"))
	bob.GET("/orders/:order_id", h.GetOrderHandler())
	bob.DELETE("/orders/:order_id", h.CancelOrderHandler())

	body := `{"fund_id":"` + fundID + `","side":"sell","token_amount":"10","price_per_token":"10.25"}`
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/alice/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "abc")
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var created struct {
		Data SubmitResult `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	orderID := created.Data.Order.OrderID
	if created.Data.Order.Side != types.SideSell || created.Data.Order.OwnerID != "alice" {
		t.Errorf("unexpected order %+v", created.Data.Order)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/alice/orders/"+orderID, nil))
	if w.Code != http.StatusOK {
		t.Errorf("owner read: expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bob/orders/"+orderID, nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("foreign read: expected 404, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/bob/orders/"+orderID, nil))
	if w.Code != http.StatusForbidden {
		t.Errorf("foreign cancel: expected 403, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	bad := httptest.NewRequest(http.MethodPost, "/alice/orders", strings.NewReader(`{"fund_id":"`+fundID+`","side":"BUY","token_amount":"-1","price_per_token":"1"}`))
	bad.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, bad)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid order: expected 400, got %d", w.Code)
	}
}

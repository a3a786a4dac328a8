package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ksred/klear-funds/internal/auth"
	"github.com/ksred/klear-funds/internal/config"
	"github.com/ksred/klear-funds/internal/settlement"
	"github.com/ksred/klear-funds/internal/trading"
	"github.com/ksred/klear-funds/internal/types"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope mirrors the API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// simulationClient handles HTTP communication with the venue API
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	stats map[string]*routeStats
}

func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"order":   {name: "Submit Order"},
			"list":    {name: "List Settlements"},
			"confirm": {name: "Confirm Settlement"},
			"book":    {name: "Get Book"},
		},
	}
}

func (sc *simulationClient) record(route string, start time.Time, failed bool) {
	sc.mu.Lock()
	sc.stats[route].addDuration(time.Since(start), failed)
	sc.mu.Unlock()
}

// call sends a JSON request and decodes the data field of the response into out
func (sc *simulationClient) call(route, method, path, token string, body, out interface{}, headers map[string]string) (err error) {
	start := time.Now()
	defer func() {
		sc.record(route, start, err != nil)
	}()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("route", route).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		if env.Error != nil {
			return fmt.Errorf("%s %s failed with status %d: %s %s", method, path, resp.StatusCode, env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("%s %s failed with status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

// authenticate exchanges API credentials for a JWT
func (sc *simulationClient) authenticate(c config.APIClient) (string, error) {
	var token auth.TokenResponse
	err := sc.call("auth", http.MethodPost, "/api/v1/auth/token", "", auth.Credentials{
		APIKey:    c.Key,
		APISecret: c.Secret,
	}, &token, nil)
	return token.Token, err
}

func (sc *simulationClient) submitOrder(token string, req types.OrderRequest) (*trading.SubmitResult, error) {
	var result trading.SubmitResult
	err := sc.call("order", http.MethodPost, "/api/v1/orders", token, req, &result, map[string]string{
		"Idempotency-Key": uuid.New().String(),
	})
	return &result, err
}

func (sc *simulationClient) listSettlements(token string) ([]settlement.Settlement, error) {
	var out []settlement.Settlement
	err := sc.call("list", http.MethodGet, "/api/v1/settlements?limit=100", token, nil, &out, nil)
	return out, err
}

func (sc *simulationClient) confirm(token, settlementID string) (*settlement.Settlement, error) {
	var out settlement.Settlement
	err := sc.call("confirm", http.MethodPost, "/api/v1/settlements/"+settlementID+"/confirm", token, nil, &out, nil)
	return &out, err
}

func (sc *simulationClient) book(token, fundID string) (*trading.BookSnapshot, error) {
	var out trading.BookSnapshot
	err := sc.call("book", http.MethodGet, "/api/v1/books/"+fundID, token, nil, &out, nil)
	return &out, err
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	routes := make([]string, 0, len(sc.stats))
	for r := range sc.stats {
		routes = append(routes, r)
	}
	sort.Strings(routes)

	for _, r := range routes {
		stats := sc.stats[r]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type investor struct {
	userID string
	token  string
}

type summary struct {
	mu           sync.Mutex
	submitted    int
	failed       int
	trades       int
	tokensTraded decimal.Decimal
	notional     decimal.Decimal
	byFund       map[string]int
	bySide       map[types.Side]int
}

func (s *summary) add(res *trading.SubmitResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted++
	s.byFund[res.Order.FundID]++
	s.bySide[res.Order.Side]++
	for _, t := range res.Trades {
		s.trades++
		s.tokensTraded = s.tokensTraded.Add(t.TokenAmount)
		s.notional = s.notional.Add(t.TotalAmount)
	}
}

func (s *summary) fail() {
	s.mu.Lock()
	s.failed++
	s.mu.Unlock()
}

// randomOrder builds an order priced around a mid of 10 so that both sides cross often
func randomOrder(rng *rand.Rand, fundID string) types.OrderRequest {
	side := types.SideBuy
	offset := decimal.NewFromInt(int64(rng.Intn(50))).Shift(-2)
	price := decimal.NewFromInt(10).Sub(decimal.NewFromFloat(0.25)).Add(offset)
	if rng.Intn(2) == 0 {
		side = types.SideSell
		price = decimal.NewFromInt(10).Add(decimal.NewFromFloat(0.25)).Sub(offset)
	}
	return types.OrderRequest{
		FundID:        fundID,
		Side:          side,
		Market:        types.MarketSecondary,
		TokenAmount:   decimal.NewFromInt(int64(rng.Intn(50) + 1)),
		PricePerToken: price,
	}
}

// main drives a running venue with random orders from every configured
// investor, confirms the resulting settlements and reports latencies
func main() {
	configPath := flag.String("config", "", "path to the venue YAML config holding api_clients and funds")
	addr := flag.String("addr", "http://localhost:8080", "venue base URL")
	numOrders := flag.Int("orders", 100, "number of orders to submit")
	numWorkers := flag.Int("workers", 5, "concurrent order submitters")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	var fundIDs []string
	for _, f := range cfg.Funds {
		if f.Active == nil || *f.Active {
			fundIDs = append(fundIDs, f.ID)
		}
	}
	if len(fundIDs) == 0 {
		log.Fatal().Msg("No active funds configured")
	}

	sc := newSimulationClient(*addr)

	var investors []investor
	for _, c := range cfg.APIClients {
		isInvestor := len(c.Roles) == 0
		for _, r := range c.Roles {
			if r == auth.RoleInvestor {
				isInvestor = true
			}
		}
		if !isInvestor {
			continue
		}
		token, err := sc.authenticate(c)
		if err != nil {
			log.Fatal().Err(err).Str("user_id", c.UserID).Msg("Failed to authenticate investor")
		}
		investors = append(investors, investor{userID: c.UserID, token: token})
	}
	if len(investors) < 2 {
		log.Fatal().Int("investors", len(investors)).Msg("Need at least two investor API clients")
	}

	log.Info().
		Int("target_orders", *numOrders).
		Int("investors", len(investors)).
		Strs("funds", fundIDs).
		Msg("Starting simulation")

	stats := &summary{
		tokensTraded: decimal.Zero,
		notional:     decimal.Zero,
		byFund:       make(map[string]int),
		bySide:       make(map[types.Side]int),
	}
	start := time.Now()

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < *numWorkers; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
			for range jobs {
				inv := investors[rng.Intn(len(investors))]
				req := randomOrder(rng, fundIDs[rng.Intn(len(fundIDs))])

				res, err := sc.submitOrder(inv.token, req)
				if err != nil {
					log.Error().Err(err).Int("worker", workerID).Str("user_id", inv.userID).Msg("Failed to submit order")
					stats.fail()
					continue
				}
				stats.add(res)
				log.Info().
					Str("order_id", res.Order.OrderID).
					Str("side", string(res.Order.Side)).
					Str("status", string(res.Order.Status)).
					Int("trades", len(res.Trades)).
					Msg("Order submitted")
			}
		}(w)
	}
	for i := 0; i < *numOrders; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	// Settlements are opened asynchronously from trade events
	time.Sleep(time.Second)

	confirmed, completed := 0, 0
	for _, inv := range investors {
		settlements, err := sc.listSettlements(inv.token)
		if err != nil {
			log.Error().Err(err).Str("user_id", inv.userID).Msg("Failed to list settlements")
			continue
		}
		for _, st := range settlements {
			if st.Status != settlement.StatusPending && st.Status != settlement.StatusInEscrow {
				continue
			}
			mine := (st.BuyerID == inv.userID && !st.BuyerConfirmed) || (st.SellerID == inv.userID && !st.SellerConfirmed)
			if !mine {
				continue
			}
			updated, err := sc.confirm(inv.token, st.SettlementID)
			if err != nil {
				log.Warn().Err(err).Str("settlement_id", st.SettlementID).Msg("Failed to confirm settlement")
				continue
			}
			confirmed++
			if updated.Status == settlement.StatusCompleted {
				completed++
			}
		}
	}

	duration := time.Since(start)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("TRADING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Order Statistics
------------------
Submitted:          %d
Failed:             %d
Trades:             %d
Tokens Traded:      %s
Notional:           %s
Confirmations:      %d
Settlements Closed: %d
Duration:           %v

Fund Distribution
--------------------
`, stats.submitted, stats.failed, stats.trades, stats.tokensTraded.StringFixed(2), stats.notional.StringFixed(2),
		confirmed, completed, duration.Round(time.Millisecond))

	for _, fundID := range fundIDs {
		count := stats.byFund[fundID]
		barLength := 0
		if stats.submitted > 0 {
			barLength = count * 20 / stats.submitted
		}
		fmt.Printf("%-16s: %s (%d)\n", fundID, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("------------------")
	for _, side := range []types.Side{types.SideBuy, types.SideSell} {
		count := stats.bySide[side]
		barLength := 0
		if stats.submitted > 0 {
			barLength = count * 20 / stats.submitted
		}
		fmt.Printf("%-4s: %s (%d)\n", side, strings.Repeat("#", barLength), count)
	}

	fmt.Println("\nResting Books")
	fmt.Println("------------------")
	for _, fundID := range fundIDs {
		book, err := sc.book(investors[0].token, fundID)
		if err != nil {
			log.Error().Err(err).Str("fund_id", fundID).Msg("Failed to load book")
			continue
		}
		bestBid, bestAsk := "-", "-"
		if len(book.Bids) > 0 {
			bestBid = book.Bids[0].Price.String()
		}
		if len(book.Asks) > 0 {
			bestAsk = book.Asks[0].Price.String()
		}
		fmt.Printf("%-16s bid %-8s ask %-8s (%d bid levels, %d ask levels)\n", fundID, bestBid, bestAsk, len(book.Bids), len(book.Asks))
	}
	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("orders", stats.submitted).
		Int("trades", stats.trades).
		Str("notional", stats.notional.String()).
		Dur("duration", duration).
		Msg("Simulation completed")

	sc.printPerformanceStats()
}

package main

import (
	"bytes"
	"encoding/json"
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
	"github.com/papermarket/trading-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders  = 15
	maxOrders  = 100
	numWorkers = 5
)

// init configures the logger for the simulation with pretty printing and
// timestamp.
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes min, max, mean, median, 95th and 99th percentile
// durations from the recorded samples.
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

// simulationClient drives the paper-trading API over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient authenticates against the API with the demo
// credentials and prepares performance tracking.
func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"search":    {name: "Instrument Search"},
			"place":     {name: "Place Order"},
			"get":       {name: "Get Order"},
			"positions": {name: "List Positions"},
			"wallet":    {name: "Get Wallet"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	credentials := map[string]string{
		"api_key":    "demo-key",
		"api_secret": "demo-secret",
	}

	body, err := json.Marshal(credentials)
	if err != nil {
		return "", err
	}

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/auth/token", sc.baseURL),
		"application/json",
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("authentication failed with status: %d", resp.StatusCode)
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			Token string `json:"jwt_token"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	return result.Data.Token, nil
}

func (sc *simulationClient) do(method, path string, payload any, out any, statsKey string, headers map[string]string) error {
	start := time.Now()
	defer func() {
		sc.stats[statsKey].addDuration(time.Since(start))
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+sc.authToken)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		sc.stats[statsKey].addFailure()
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats[statsKey].addFailure()
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
	}
	return nil
}

// searchInstruments returns the tradable instruments matching the query.
func (sc *simulationClient) searchInstruments(query string) ([]types.Instrument, error) {
	var result struct {
		Success bool               `json:"success"`
		Data    []types.Instrument `json:"data"`
	}
	err := sc.do("GET", "/api/v1/instruments/search?q="+query, nil, &result, "search", nil)
	if err != nil {
		return nil, err
	}
	return result.Data, nil
}

// placeOrder submits a new order and returns the resulting order.
func (sc *simulationClient) placeOrder(token uint32, side types.OrderSide, quantity int64) (*types.Order, error) {
	payload := map[string]any{
		"instrument_token": token,
		"side":             side,
		"quantity":         quantity,
		"order_type":       types.OrderMarket,
	}
	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	err := sc.do("POST", "/api/v1/orders", payload, &result, "place",
		map[string]string{"Idempotency-Key": uuid.New().String()})
	if err != nil {
		return nil, err
	}
	if result.Data.OrderID == "" {
		return nil, fmt.Errorf("no order ID in response")
	}
	return &result.Data, nil
}

// getOrder retrieves the current state of an order
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	var result struct {
		Success bool        `json:"success"`
		Data    types.Order `json:"data"`
	}
	if err := sc.do("GET", "/api/v1/orders/"+orderID, nil, &result, "get", nil); err != nil {
		return nil, err
	}
	return &result.Data, nil
}

// listPositions retrieves the open position book
func (sc *simulationClient) listPositions() (json.RawMessage, error) {
	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := sc.do("GET", "/api/v1/positions", nil, &result, "positions", nil); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// getWallet retrieves the wallet snapshot
func (sc *simulationClient) getWallet() (json.RawMessage, error) {
	var result struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
	}
	if err := sc.do("GET", "/api/v1/wallet", nil, &result, "wallet", nil); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// printPerformanceStats outputs formatted statistics for all endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %8s %8s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %8d %8d %10s %10s %10s %10s %10s %10s\n",
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

// main drives a running API server through a randomized trading session:
// search the universe, fire concurrent orders, then inspect positions and
// the wallet. The server address comes from PAPER_SIM_ADDRESS.
func main() {
	baseURL := os.Getenv("PAPER_SIM_ADDRESS")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	simClient, err := newSimulationClient(baseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	instruments, err := simClient.searchInstruments("NIFTY")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to search instruments")
	}
	equities, err := simClient.searchInstruments("RELIANCE")
	if err == nil {
		instruments = append(instruments, equities...)
	}

	// Indexes are quoted but never tradable.
	var tradable []types.Instrument
	for _, inst := range instruments {
		if inst.InstrumentType != types.InstrumentIndex {
			tradable = append(tradable, inst)
		}
	}
	if len(tradable) == 0 {
		log.Fatal().Msg("No tradable instruments found, is the server seeded?")
	}
	log.Info().Int("instruments", len(tradable)).Msg("Resolved tradable universe")

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			placeRandomOrders(workerID, targetOrders/numWorkers, simClient, tradable, ordersChan)
		}(i)
	}
	wg.Wait()
	close(ordersChan)

	var filled, open int
	for orderID := range ordersChan {
		order, err := simClient.getOrder(orderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", orderID).Msg("Failed to fetch order")
			continue
		}
		switch order.Status {
		case types.StatusFilled:
			filled++
		case types.StatusOpen:
			open++
		}
	}

	positions, err := simClient.listPositions()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list positions")
	} else {
		log.Info().RawJSON("positions", positions).Msg("Final position book")
	}

	walletSnapshot, err := simClient.getWallet()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to fetch wallet")
	} else {
		log.Info().RawJSON("wallet", walletSnapshot).Msg("Final wallet")
	}

	log.Info().
		Int("filled", filled).
		Int("open", open).
		Msg("Simulation complete")

	simClient.printPerformanceStats()
}

// placeRandomOrders fires count random orders against the API, pushing the
// IDs of accepted orders into ordersChan. Rejections are expected traffic
// in a randomized session and only logged.
func placeRandomOrders(workerID, count int, sc *simulationClient, universe []types.Instrument, ordersChan chan<- string) {
	for i := 0; i < count; i++ {
		inst := universe[rand.Intn(len(universe))]
		side := types.SideBuy
		if rand.Intn(2) == 1 {
			side = types.SideSell
		}
		quantity := int64(rand.Intn(5)+1) * inst.EffectiveLotSize()

		order, err := sc.placeOrder(inst.Token, side, quantity)
		if err != nil {
			log.Debug().
				Err(err).
				Int("worker", workerID).
				Str("symbol", inst.TradingSymbol).
				Msg("Order rejected")
			continue
		}
		ordersChan <- order.OrderID
	}
}

package main

import (
	"bytes"
	"encoding/json"
	"errors"
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

	"github.com/gorilla/websocket"
	"github.com/ksred/klear-dex/internal/trading"
	"github.com/ksred/klear-dex/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders  = 15
	maxOrders  = 150
	numWorkers = 5

	// Streams attach at a random offset so some catch the run live and some replay it
	maxAttachDelay = 3 * time.Second
	streamTimeout  = 2 * time.Minute
)

var pairs = [][2]string{
	{"SOL", "USDC"},
	{"SOL", "USDT"},
	{"BONK", "USDC"},
	{"JUP", "USDC"},
	{"USDC", "SOL"},
}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
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

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient handles HTTP and websocket communication with the order API
type simulationClient struct {
	baseURL string
	wsURL   string
	client  *http.Client
	stats   map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
func newSimulationClient(baseURL string) *simulationClient {
	return &simulationClient{
		baseURL: baseURL,
		wsURL:   "ws" + strings.TrimPrefix(baseURL, "http"),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		stats: map[string]*routeStats{
			"execute": {name: "Execute Order"},
			"get":     {name: "Get Order"},
			"stream":  {name: "Stream To Terminal"},
		},
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (sc *simulationClient) do(req *http.Request, out any) error {
	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var r apiResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if !r.Success {
		if r.Error != nil {
			return fmt.Errorf("%s: %s", r.Error.Code, r.Error.Message)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return json.Unmarshal(r.Data, out)
}

// executeOrder submits an order and returns its id
func (sc *simulationClient) executeOrder(req trading.OrderRequest) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["execute"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequest(http.MethodPost, sc.baseURL+"/api/v1/orders/execute", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var accepted trading.OrderAccepted
	if err := sc.do(httpReq, &accepted); err != nil {
		sc.stats["execute"].addFailure()
		return "", err
	}
	return accepted.OrderID, nil
}

// getOrder fetches the current order snapshot
func (sc *simulationClient) getOrder(orderID string) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	httpReq, err := http.NewRequest(http.MethodGet, sc.baseURL+"/api/v1/orders/"+orderID, nil)
	if err != nil {
		return nil, err
	}

	var order types.Order
	if err := sc.do(httpReq, &order); err != nil {
		sc.stats["get"].addFailure()
		return nil, err
	}
	return &order, nil
}

// streamOrder attaches to the order's update stream and reads until the server closes it
func (sc *simulationClient) streamOrder(orderID string) ([]types.StatusUpdate, error) {
	start := time.Now()
	defer func() {
		sc.stats["stream"].addDuration(time.Since(start))
	}()

	conn, _, err := websocket.DefaultDialer.Dial(sc.wsURL+"/api/v1/orders/"+orderID+"/ws", nil)
	if err != nil {
		sc.stats["stream"].addFailure()
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(streamTimeout)
	var updates []types.StatusUpdate
	for {
		conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return updates, nil
		}
		if err != nil {
			sc.stats["stream"].addFailure()
			return updates, err
		}
		u, err := types.DecodeStatusUpdate(data)
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
}

// checkSequence verifies a stream is ordered and ends in a terminal update
func checkSequence(orderID string, updates []types.StatusUpdate) error {
	if len(updates) == 0 {
		return errors.New("no updates received")
	}

	prev := updates[0].Status
	if prev != types.StatusPending {
		return fmt.Errorf("stream starts at %s", prev)
	}
	for _, u := range updates[1:] {
		if u.OrderID != orderID {
			return fmt.Errorf("update for %s in stream of %s", u.OrderID, orderID)
		}
		switch {
		case u.Status == prev && prev == types.StatusRouting:
		case prev == types.StatusFailed && u.Status == types.StatusPending:
			// retry attempt
		case prev.CanTransitionTo(u.Status):
		default:
			return fmt.Errorf("out of order transition %s -> %s", prev, u.Status)
		}
		prev = u.Status
	}
	if !prev.IsTerminal() {
		return fmt.Errorf("stream ended at %s", prev)
	}
	return nil
}

// printPerformanceStats displays detailed performance metrics for each API route
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n⚡ Performance Statistics")
	fmt.Println("----------------------")

	for _, key := range []string{"execute", "get", "stream"} {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf(`
%s
  Calls: %d  Failures: %d
  Min: %v  Max: %v  Mean: %v
  Median: %v  P95: %v  P99: %v
`, stats.name, stats.totalCalls, stats.failures,
			min.Round(time.Millisecond), max.Round(time.Millisecond), mean.Round(time.Millisecond),
			median.Round(time.Millisecond), p95.Round(time.Millisecond), p99.Round(time.Millisecond))
	}
}

// simulationStats aggregates order outcomes across all workers
type simulationStats struct {
	mu            sync.Mutex
	TotalOrders   int
	Confirmed     int
	Failed        int
	Broken        int
	Retried       int
	Venues        map[string]int
	StartTime     time.Time
	brokenReasons []string
}

func (s *simulationStats) record(orderID string, updates []types.StatusUpdate, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		err = checkSequence(orderID, updates)
	}
	if err != nil {
		s.Broken++
		s.brokenReasons = append(s.brokenReasons, orderID+": "+err.Error())
		return
	}

	last := updates[len(updates)-1]
	switch last.Status {
	case types.StatusConfirmed:
		s.Confirmed++
	case types.StatusFailed:
		s.Failed++
	}
	for _, u := range updates {
		if u.SelectedDex != "" {
			s.Venues[u.SelectedDex]++
		}
		if u.Status == types.StatusFailed && u.RetryCount != nil && *u.RetryCount > 0 {
			s.Retried++
			break
		}
	}
}

func main() {
	baseURL := os.Getenv("SERVER_ADDRESS")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	simClient := newSimulationClient(baseURL)

	numOrders := minOrders + rand.Intn(maxOrders-minOrders+1)
	stats := &simulationStats{
		TotalOrders: numOrders,
		Venues:      make(map[string]int),
		StartTime:   time.Now(),
	}

	log.Info().
		Int("orders", numOrders).
		Int("workers", numWorkers).
		Str("server", baseURL).
		Msg("Starting order simulation")

	ordersChan := make(chan string, numOrders)
	var workers sync.WaitGroup
	perWorker := numOrders / numWorkers
	for w := 0; w < numWorkers; w++ {
		n := perWorker
		if w == numWorkers-1 {
			n = numOrders - perWorker*(numWorkers-1)
		}
		workers.Add(1)
		go func(workerID, n int) {
			defer workers.Done()
			createOrdersHTTP(workerID, n, simClient, ordersChan)
		}(w, n)
	}
	go func() {
		workers.Wait()
		close(ordersChan)
	}()

	var streams sync.WaitGroup
	for orderID := range ordersChan {
		streams.Add(1)
		go func(orderID string) {
			defer streams.Done()
			time.Sleep(time.Duration(rand.Int63n(int64(maxAttachDelay))))

			updates, err := simClient.streamOrder(orderID)
			stats.record(orderID, updates, err)

			if order, err := simClient.getOrder(orderID); err == nil {
				log.Info().
					Str("order_id", orderID).
					Str("status", string(order.Status)).
					Str("dex", order.SelectedDex).
					Int("retry_count", order.RetryCount).
					Int("updates", len(updates)).
					Msg("Order finished")
			}
		}(orderID)
	}
	streams.Wait()

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 ORDER EXECUTION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Total Orders:     %d
Confirmed:        %d
Failed:           %d
Retried:          %d
Broken Streams:   %d
Duration:         %v

📈 Venue Distribution
--------------------
`, stats.TotalOrders, stats.Confirmed, stats.Failed, stats.Retried, stats.Broken,
		duration.Round(time.Millisecond))

	// Print venue distribution with simple ASCII bar chart
	maxVenueCount := 0
	for _, count := range stats.Venues {
		if count > maxVenueCount {
			maxVenueCount = count
		}
	}
	for venue, count := range stats.Venues {
		barLength := int(float64(count) / float64(maxVenueCount) * 20)
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-8s: %s (%d)\n", venue, bar, count)
	}

	for _, reason := range stats.brokenReasons {
		fmt.Println("  ✗ " + reason)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	successRate := float64(stats.Confirmed) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("success_rate", successRate).
		Int("total_orders", stats.TotalOrders).
		Int("broken_streams", stats.Broken).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()

	if stats.Broken > 0 {
		os.Exit(1)
	}
}

// createOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending created order IDs to ordersChan
func createOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		pair := pairs[rand.Intn(len(pairs))]
		req := trading.OrderRequest{
			TokenIn:  pair[0],
			TokenOut: pair[1],
			Amount:   math.Round((rand.Float64()*10+0.1)*1000) / 1000,
			Slippage: []float64{0.005, 0.01, 0.02}[rand.Intn(3)],
		}

		orderID, err := simClient.executeOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("pair", req.TokenIn+"/"+req.TokenOut).
				Msg("Failed to submit order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("pair", req.TokenIn+"/"+req.TokenOut).
			Float64("amount", req.Amount).
			Float64("slippage", req.Slippage).
			Msg("Order submitted")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

package main

import (
	"bytes"
	"context"
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

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tradeforge/exchange-api/internal/auth"
	"github.com/tradeforge/exchange-api/internal/book"
	"github.com/tradeforge/exchange-api/internal/currency"
	"github.com/tradeforge/exchange-api/internal/database"
	"github.com/tradeforge/exchange-api/internal/execution"
	"github.com/tradeforge/exchange-api/internal/notify"
	"github.com/tradeforge/exchange-api/internal/orders"
	"github.com/tradeforge/exchange-api/internal/types"
	"github.com/tradeforge/exchange-api/internal/workers"
)

const (
	minOrders     = 15
	maxOrders     = 150
	numWorkers    = 5
	numAccounts   = 8
	serverAddress = "http://localhost:8080"
	marketCode    = "NYSE"
)

var (
	isins = []string{"US0378331005", "US02079K3059", "US5949181045", "US0231351067", "US30303M1027"}
	sides = []string{"BUY", "SELL"}
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
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
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

// simulationClient handles HTTP communication with the exchange API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	sc := &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":   {name: "Authentication"},
			"create": {name: "Create Order"},
			"get":    {name: "Get Order"},
			"cancel": {name: "Cancel Order"},
			"depth":  {name: "Market Depth"},
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
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
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

// createOrder submits a new order to the API
// Returns the order ID on success
func (sc *simulationClient) createOrder(req *orders.CreateOrderRequest) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["create"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/orders", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}

	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Create order response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		sc.stats["create"].failures++
		return "", fmt.Errorf("create order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool `json:"success"`
		Data    struct {
			OrderID string `json:"order_id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.OrderID == "" {
		return "", fmt.Errorf("no order ID in response: %s", string(respBody))
	}

	return result.Data.OrderID, nil
}

// getOrder retrieves the current state of an order with its status history
func (sc *simulationClient) getOrder(orderID string) (*orders.OrderDetails, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Get order response")

	if resp.StatusCode != http.StatusOK {
		sc.stats["get"].failures++
		return nil, fmt.Errorf("get order failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                `json:"success"`
		Data    orders.OrderDetails `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// cancelOrder cancels an open order
func (sc *simulationClient) cancelOrder(orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"DELETE",
		fmt.Sprintf("%s/api/v1/orders/%s", sc.baseURL, orderID),
		nil,
	)
	if err != nil {
		return err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		sc.stats["cancel"].failures++
		return fmt.Errorf("cancel order failed with status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

// getDepth retrieves the market's depth snapshot
func (sc *simulationClient) getDepth(market string) (*book.Depth, error) {
	start := time.Now()
	defer func() {
		sc.stats["depth"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"GET",
		fmt.Sprintf("%s/api/v1/markets/%s/depth", sc.baseURL, market),
		nil,
	)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		sc.stats["depth"].failures++
		return nil, fmt.Errorf("get depth failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool       `json:"success"`
		Data    book.Depth `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
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

// main runs the exchange simulation
// It starts a local API server, seeds reference data and simulates multiple
// concurrent trading clients placing orders that match against each other
func main() {
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	ordersChan := make(chan string, targetOrders)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			createOrdersHTTP(workerID, targetOrders/numWorkers, simClient, ordersChan)
		}(i)
	}

	wg.Wait()
	close(ordersChan)

	var orderIDs []string
	for orderID := range ordersChan {
		orderIDs = append(orderIDs, orderID)
	}

	log.Info().Int("orders_created", len(orderIDs)).Msg("All orders created")

	// Let asynchronous fulfillment drain before sampling outcomes
	time.Sleep(3 * time.Second)

	stats := struct {
		TotalOrders  int
		Filled       int
		Partial      int
		Open         int
		Cancelled    int
		FailedReads  int
		StartTime    time.Time
		ISINs        map[string]int
		Sides        map[string]int
		StatusCounts map[string]int
	}{
		StartTime:    time.Now(),
		ISINs:        make(map[string]int),
		Sides:        make(map[string]int),
		StatusCounts: make(map[string]int),
	}
	stats.TotalOrders = len(orderIDs)

	// Cancel a small sample of whatever is still open, then read back all
	// orders for the outcome distribution
	cancelled := 0
	for _, orderID := range orderIDs {
		if cancelled >= 3 {
			break
		}
		details, err := simClient.getOrder(orderID)
		if err != nil || details.Order == nil {
			continue
		}
		if details.Order.Status == types.StatusOpen {
			if err := simClient.cancelOrder(orderID); err == nil {
				cancelled++
			}
		}
	}

	for _, orderID := range orderIDs {
		details, err := simClient.getOrder(orderID)
		if err != nil || details.Order == nil {
			stats.FailedReads++
			continue
		}
		order := details.Order

		stats.ISINs[order.ISIN]++
		stats.Sides[string(order.Side)]++
		stats.StatusCounts[string(order.Status)]++

		switch order.Status {
		case types.StatusFilled:
			stats.Filled++
		case types.StatusPartiallyFilled:
			stats.Partial++
		case types.StatusCancelled:
			stats.Cancelled++
		default:
			stats.Open++
		}
	}

	depth, err := simClient.getDepth(marketCode)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read market depth")
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("EXCHANGE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
------------------
Total Orders:     %d
Filled:           %d
Partially Filled: %d
Still Open:       %d
Cancelled:        %d
Failed Reads:     %d
Duration:         %v

ISIN Distribution
--------------------
`, stats.TotalOrders, stats.Filled, stats.Partial, stats.Open, stats.Cancelled,
		stats.FailedReads, duration.Round(time.Millisecond))

	maxISINCount := 0
	for _, count := range stats.ISINs {
		if count > maxISINCount {
			maxISINCount = count
		}
	}

	for isin, count := range stats.ISINs {
		barLength := int(float64(count) / float64(maxISINCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-14s: %s (%d)\n", isin, bar, count)
	}

	fmt.Println("\nSide Distribution")
	fmt.Println("------------------")
	for side, count := range stats.Sides {
		barLength := int(float64(count) / float64(stats.TotalOrders) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-4s: %s (%d)\n", side, bar, count)
	}

	if depth != nil {
		fmt.Println("\nResting Book Depth")
		fmt.Println("------------------")
		fmt.Printf("Bid levels: %d, Ask levels: %d\n", len(depth.Bids), len(depth.Asks))
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	fillRate := float64(stats.Filled+stats.Partial) / float64(stats.TotalOrders) * 100
	log.Info().
		Float64("fill_rate", fillRate).
		Int("total_orders", stats.TotalOrders).
		Int("filled", stats.Filled).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// createOrdersHTTP generates and submits random orders to the API
// Runs as a worker goroutine, sending created order IDs to ordersChan
func createOrdersHTTP(workerID, numOrders int, simClient *simulationClient, ordersChan chan<- string) {
	for i := 0; i < numOrders; i++ {
		orderType := "LIMIT"
		if rand.Intn(3) == 0 {
			orderType = "MARKET"
		}

		req := &orders.CreateOrderRequest{
			AccountNumber: fmt.Sprintf("ACC-%03d", rand.Intn(numAccounts)+1),
			MarketCode:    marketCode,
			ISIN:          isins[rand.Intn(len(isins))],
			Side:          sides[rand.Intn(len(sides))],
			OrderType:     orderType,
			CurrencyCode:  "USD",
			Price:         decimal.NewFromInt(int64(rand.Intn(20) + 90)),
			Quantity:      decimal.NewFromInt(int64(rand.Intn(20) + 1)),
		}

		orderID, err := simClient.createOrder(req)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("isin", req.ISIN).
				Msg("Failed to create order")
			continue
		}

		ordersChan <- orderID
		log.Info().
			Int("worker_id", workerID).
			Str("order_id", orderID).
			Str("isin", req.ISIN).
			Str("side", req.Side).
			Str("type", req.OrderType).
			Str("quantity", req.Quantity.String()).
			Str("price", req.Price.String()).
			Msg("Order created")

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(500)) * time.Millisecond)
	}
}

// startServer initializes and starts the exchange API server
// Sets up all required services, handlers, routes and seed data
func startServer() error {
	db, err := database.NewDatabase("simulation.db")
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := seedReferenceData(db); err != nil {
		return fmt.Errorf("failed to seed reference data: %w", err)
	}

	authService := auth.NewService("exchange-secret-key")
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)

	books := book.NewRegistry([]string{marketCode})
	converter := currency.NewService(db)
	dispatcher := execution.NewDispatcher(db, converter, books, execution.DefaultMaxRetries)
	pool := workers.NewPool(workers.DefaultWorkers, workers.DefaultQueueSize)
	notifier := notify.NewNotifier()

	orderService := orders.NewService(db, books, dispatcher, pool, notifier, nil)
	if err := orderService.WarmLoad(context.Background()); err != nil {
		return fmt.Errorf("failed to warm order books: %w", err)
	}

	router := gin.Default()
	authHandlers := auth.NewGinHandlers(authService)
	orderHandlers := orders.NewGinHandlers(orderService)

	setupRoutes(router, authHandlers, orderHandlers)

	return router.Run(":8080")
}

// seedReferenceData loads the instruments, accounts and exchange rates the
// simulated clients trade against. Wallets get enough cash and positions
// enough assets that validation failures stay rare.
func seedReferenceData(db *gorm.DB) error {
	for _, isin := range isins {
		instrument := types.Instrument{
			MarketCode:   marketCode,
			ISIN:         isin,
			Name:         isin,
			CurrencyCode: "USD",
		}
		if err := db.Where("market_code = ? AND isin = ?", marketCode, isin).
			FirstOrCreate(&instrument).Error; err != nil {
			return err
		}
	}

	for i := 1; i <= numAccounts; i++ {
		account := fmt.Sprintf("ACC-%03d", i)
		wallet := types.Wallet{
			AccountNumber: account,
			CurrencyCode:  "USD",
			Balance:       decimal.NewFromInt(1_000_000),
		}
		if err := db.Where("account_number = ? AND currency_code = ?", account, "USD").
			FirstOrCreate(&wallet).Error; err != nil {
			return err
		}

		for _, isin := range isins {
			position := types.Position{
				AccountNumber: account,
				ISIN:          isin,
				Quantity:      decimal.NewFromInt(10_000),
			}
			if err := db.Where("account_number = ? AND isin = ?", account, isin).
				FirstOrCreate(&position).Error; err != nil {
				return err
			}
		}
	}

	rates := []types.ExchangeRate{
		{SourceCurrency: "USD", TargetCurrency: "EUR", Rate: decimal.NewFromFloat(0.92)},
		{SourceCurrency: "EUR", TargetCurrency: "USD", Rate: decimal.NewFromFloat(1.087)},
		{SourceCurrency: "GBP", TargetCurrency: "USD", Rate: decimal.NewFromFloat(1.27)},
	}
	for _, rate := range rates {
		r := rate
		if err := db.Where("source_currency = ? AND target_currency = ?", r.SourceCurrency, r.TargetCurrency).
			FirstOrCreate(&r).Error; err != nil {
			return err
		}
	}

	return nil
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality; the simulation skips auth middleware
func setupRoutes(
	router *gin.Engine,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		auth := v1.Group("/auth")
		{
			auth.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		ordersGroup := v1.Group("/orders")
		{
			ordersGroup.POST("", orderHandlers.CreateOrderHandler())
			ordersGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			ordersGroup.DELETE("/:order_id", orderHandlers.CancelOrderHandler())
		}

		// Market routes
		markets := v1.Group("/markets")
		{
			markets.GET("/:market/depth", orderHandlers.DepthHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		{
			internal.POST("/execution/:order_id", orderHandlers.ExecuteOrderHandler())
			internal.GET("/books/:market/size", orderHandlers.BookSizeHandler())
			internal.POST("/books/:market/clear", orderHandlers.ClearBookHandler())
		}
	}
}

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
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/confmatch/confmatch-api/internal/confirmations"
	"github.com/confmatch/confmatch-api/internal/database"
	"github.com/confmatch/confmatch-api/internal/engine"
	"github.com/confmatch/confmatch-api/internal/lifecycle"
	"github.com/confmatch/confmatch-api/internal/party"
	"github.com/confmatch/confmatch-api/internal/rules"
	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	minPairs      = 15
	maxPairs      = 80
	numWorkers    = 4
	serverAddress = "http://localhost:8080"
	ruleName      = "fx-standard"
)

var partyDirectoryCSV = `Code,LegalName,BIC
BANKGB2L,Bank of London plc,BANKGB2LXXX
CHASUS33,Chase New York,CHASUS33XXX
DEUTDEFF,Deutsche Bank Frankfurt,DEUTDEFFXXX
UBSWCHZH,UBS Switzerland AG,UBSWCHZH80A
BNPAFRPP,BNP Paribas Paris,BNPAFRPPXXX
CITIUS33,Citibank New York,CITIUS33XXX
`

var partyCodes = []string{"BANKGB2L", "CHASUS33", "DEUTDEFF", "UBSWCHZH", "BNPAFRPP", "CITIUS33"}

var currencyPairs = []struct {
	trading    string
	settlement string
	rate       float64
}{
	{"EUR", "USD", 1.0850},
	{"GBP", "USD", 1.2710},
	{"AUD", "USD", 0.6490},
	{"EUR", "GBP", 0.8540},
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

// simulationClient handles HTTP communication with the matching API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client with
// performance tracking per endpoint
func newSimulationClient() *simulationClient {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	return &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"import":  {name: "Import Parties"},
			"ingest":  {name: "Ingest Confirmation"},
			"pass":    {name: "Run Matching Pass"},
			"get":     {name: "Get Confirmation"},
			"matches": {name: "List Matches"},
			"unwind":  {name: "Unwind Match"},
			"list":    {name: "List By Status"},
		},
	}
}

// importParties loads the party directory over the CSV import endpoint
func (sc *simulationClient) importParties(csv string) error {
	start := time.Now()
	defer func() {
		sc.stats["import"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Post(
		fmt.Sprintf("%s/api/v1/internal/parties/import", sc.baseURL),
		"text/csv",
		strings.NewReader(csv),
	)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("party import failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// ingestConfirmation submits a parsed confirmation document to the API
// Returns the confirmation ID on success
func (sc *simulationClient) ingestConfirmation(confirmation *types.Confirmation) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["ingest"].addDuration(time.Since(start))
	}()

	body, err := json.Marshal(confirmation)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/confirmations", sc.baseURL),
		bytes.NewBuffer(body),
	)
	if err != nil {
		return "", err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.New().String())

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Ingest confirmation response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("ingest failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool               `json:"success"`
		Data    types.Confirmation `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	if result.Data.ConfirmationID == "" {
		return "", fmt.Errorf("no confirmation ID in response: %s", string(respBody))
	}

	return result.Data.ConfirmationID, nil
}

// runMatchingPass triggers a full matching pass over the open pool
// Returns the pass report on success
func (sc *simulationClient) runMatchingPass() (*engine.PassReport, error) {
	start := time.Now()
	defer func() {
		sc.stats["pass"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/internal/matching/run", sc.baseURL),
		nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("response", string(respBody)).Msg("Run matching pass response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("matching pass failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool              `json:"success"`
		Data    engine.PassReport `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// getConfirmation retrieves a confirmation and its extracted legs
func (sc *simulationClient) getConfirmation(confirmationID string) (*confirmations.ConfirmationDetail, error) {
	start := time.Now()
	defer func() {
		sc.stats["get"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/confirmations/%s", sc.baseURL, confirmationID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("get confirmation failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                             `json:"success"`
		Data    confirmations.ConfirmationDetail `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return &result.Data, nil
}

// listMatches retrieves all match relationships
func (sc *simulationClient) listMatches() ([]types.MatchRelationship, error) {
	start := time.Now()
	defer func() {
		sc.stats["matches"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/internal/matches", sc.baseURL))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list matches failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                      `json:"success"`
		Data    []types.MatchRelationship `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return result.Data, nil
}

// unwindMatch dissolves a match relationship so both legs re-enter the pool
func (sc *simulationClient) unwindMatch(relationshipID string) error {
	start := time.Now()
	defer func() {
		sc.stats["unwind"].addDuration(time.Since(start))
	}()

	req, err := http.NewRequest(
		"POST",
		fmt.Sprintf("%s/api/v1/internal/matches/%s/unwind", sc.baseURL, relationshipID),
		nil,
	)
	if err != nil {
		return err
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("unwind failed with status %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// countByStatus returns how many confirmations currently carry a status
func (sc *simulationClient) countByStatus(status types.ConfirmationStatus) (int, error) {
	start := time.Now()
	defer func() {
		sc.stats["list"].addDuration(time.Since(start))
	}()

	resp, err := sc.client.Get(fmt.Sprintf("%s/api/v1/confirmations?status=%s", sc.baseURL, status))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("list by status failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	var result struct {
		Success bool                 `json:"success"`
		Data    []types.Confirmation `json:"data"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return 0, fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}

	return len(result.Data), nil
}

// printPerformanceStats outputs formatted performance statistics for all API endpoints
func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
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

// tradeFixture is one simulated trade: a confirmation document and,
// unless the trade is one-sided, the counterparty's mirror of it
type tradeFixture struct {
	kind         string
	confirmation types.Confirmation
	mirror       *types.Confirmation
}

// ingestResult reports what one worker iteration ingested
type ingestResult struct {
	kind      string
	tradeType string
	ingested  int
	failed    int
}

// buildTrade generates one random trade fixture. Most trades are mirrored
// pairs that should match; a slice of them break tolerance, stay one-sided
// or carry an irregular row structure to exercise the failure paths.
func buildTrade() tradeFixture {
	pair := currencyPairs[rand.Intn(len(currencyPairs))]
	parties := rand.Perm(len(partyCodes))
	partyA, partyB := partyCodes[parties[0]], partyCodes[parties[1]]

	tradeDate := time.Now().UTC().AddDate(0, 0, -rand.Intn(5))
	settlementDate := tradeDate.AddDate(0, 0, 30)

	tradeType := types.TradeTypeForward
	switch rand.Intn(4) {
	case 1:
		tradeType = types.TradeTypeSpot
		settlementDate = tradeDate.AddDate(0, 0, 2)
	case 2:
		tradeType = types.TradeTypeNDF
	case 3:
		tradeType = types.TradeTypeSwap
	}

	amount := decimal.NewFromInt(int64(rand.Intn(450)+50) * 10000)
	rate := decimal.NewFromFloat(pair.rate)
	settlementAmount := amount.Mul(rate).Round(2)
	reference := fmt.Sprintf("%s-%06d", tradeType, rand.Intn(1000000))

	var confirmation types.Confirmation
	if tradeType == types.TradeTypeSwap {
		farDate := settlementDate.AddDate(0, 3, 0)
		farAmount := amount.Mul(rate.Add(decimal.NewFromFloat(0.0045))).Round(2)
		confirmation = types.Confirmation{
			TradeType:        tradeType,
			TradingPartyCode: partyA,
			CounterpartyCode: partyB,
			TradeRef:         reference,
			Transactions: types.TransactionList{
				{Direction: types.DirectionBuy, Amount: amount, Currency: pair.trading, TradeDate: tradeDate, SettlementDate: settlementDate},
				{Direction: types.DirectionSell, Amount: settlementAmount, Currency: pair.settlement, TradeDate: tradeDate, SettlementDate: settlementDate},
				{Direction: types.DirectionSell, Amount: amount, Currency: pair.trading, TradeDate: tradeDate, SettlementDate: farDate},
				{Direction: types.DirectionBuy, Amount: farAmount, Currency: pair.settlement, TradeDate: tradeDate, SettlementDate: farDate},
			},
		}
	} else {
		confirmation = types.Confirmation{
			TradeType:        tradeType,
			TradingPartyCode: partyA,
			CounterpartyCode: partyB,
			TradeRef:         reference,
			Transactions: types.TransactionList{
				{Direction: types.DirectionBuy, Amount: amount, Currency: pair.trading, TradeDate: tradeDate, SettlementDate: settlementDate},
				{Direction: types.DirectionSell, Amount: settlementAmount, Currency: pair.settlement, TradeDate: tradeDate, SettlementDate: settlementDate},
			},
		}
		if tradeType == types.TradeTypeNDF {
			confirmation.SettlementRate = decimal.NewNullDecimal(rate)
		}
	}

	fixture := tradeFixture{kind: "matched", confirmation: confirmation}

	switch roll := rand.Intn(100); {
	case roll < 8:
		// One-sided: the counterparty never sends its document
		fixture.kind = "one_sided"
		return fixture
	case roll < 14 && tradeType == types.TradeTypeSwap:
		// Irregular: drop the far rows so the swap cannot decompose
		fixture.kind = "irregular"
		fixture.confirmation.Transactions = fixture.confirmation.Transactions[:2]
		return fixture
	}

	mirror := mirrorOf(confirmation)
	if roll := rand.Intn(100); roll < 10 {
		// Tolerance break: the mirror disagrees on a settlement amount
		fixture.kind = "tolerance_break"
		mirror.Transactions[1].Amount = mirror.Transactions[1].Amount.Add(decimal.RequireFromString("0.50"))
	}
	fixture.mirror = &mirror

	return fixture
}

// mirrorOf builds the counterparty's view of the same trade: parties
// swapped and every row direction flipped
func mirrorOf(confirmation types.Confirmation) types.Confirmation {
	mirror := confirmation
	mirror.TradingPartyCode = confirmation.CounterpartyCode
	mirror.CounterpartyCode = confirmation.TradingPartyCode
	mirror.TradeRef = confirmation.TradeRef + "-CP"
	mirror.Transactions = make(types.TransactionList, len(confirmation.Transactions))
	for i, row := range confirmation.Transactions {
		row.Direction = row.Direction.Opposite()
		mirror.Transactions[i] = row
	}
	return mirror
}

// main runs the confirmation matching simulation
// It starts a local API server, ingests mirrored confirmation pairs from
// concurrent workers, drives matching passes and prints a summary
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	// Initialize simulation client
	simClient := newSimulationClient()

	// Load the party directory before any documents arrive
	if err := simClient.importParties(partyDirectoryCSV); err != nil {
		log.Fatal().Err(err).Msg("Failed to import party directory")
	}

	// Generate random number of trades to process
	targetPairs := rand.Intn(maxPairs-minPairs) + minPairs
	log.Info().Int("target_pairs", targetPairs).Msg("Starting simulation")

	stats := struct {
		TotalConfirmations int
		MirroredPairs      int
		OneSided           int
		ToleranceBreaks    int
		Irregular          int
		FailedIngests      int
		MatchesCreated     int
		Unwound            int
		StartTime          time.Time
		TradeTypes         map[string]int
		Statuses           map[string]int
	}{
		StartTime:  time.Now(),
		TradeTypes: make(map[string]int),
		Statuses:   make(map[string]int),
	}

	// Channel to collect fixture kinds and confirmation counts
	resultsChan := make(chan ingestResult, targetPairs)
	var wg sync.WaitGroup

	// Start worker goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			ingestTradesHTTP(workerID, targetPairs/numWorkers, simClient, resultsChan)
		}(i)
	}

	// Wait for all documents to be ingested
	wg.Wait()
	close(resultsChan)

	for result := range resultsChan {
		stats.TotalConfirmations += result.ingested
		stats.FailedIngests += result.failed
		stats.TradeTypes[result.tradeType] += result.ingested
		switch result.kind {
		case "matched":
			stats.MirroredPairs++
		case "one_sided":
			stats.OneSided++
		case "tolerance_break":
			stats.ToleranceBreaks++
		case "irregular":
			stats.Irregular++
		}
	}

	log.Info().
		Int("confirmations", stats.TotalConfirmations).
		Int("failed", stats.FailedIngests).
		Msg("All documents ingested")

	// First matching pass: extraction plus candidate evaluation
	report, err := simClient.runMatchingPass()
	if err != nil {
		log.Fatal().Err(err).Msg("Matching pass failed")
	}
	stats.MatchesCreated += report.MatchesCreated
	log.Info().
		Int("extracted", report.Extracted).
		Int("legs_created", report.LegsCreated).
		Int("matches_created", report.MatchesCreated).
		Int("ambiguous", report.Ambiguous).
		Int("extract_errors", report.ExtractErrors).
		Msg("Matching pass complete")

	// Unwind one relationship, then rerun the pass: the freed legs must
	// find each other again
	matches, err := simClient.listMatches()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list matches")
	}
	if len(matches) > 0 {
		target := matches[rand.Intn(len(matches))]
		if err := simClient.unwindMatch(target.RelationshipID); err != nil {
			log.Error().Err(err).Str("relationship_id", target.RelationshipID).Msg("Failed to unwind match")
		} else {
			stats.Unwound++
			log.Info().Str("relationship_id", target.RelationshipID).Msg("Match unwound")

			rematch, err := simClient.runMatchingPass()
			if err != nil {
				log.Fatal().Err(err).Msg("Rematch pass failed")
			}
			stats.MatchesCreated += rematch.MatchesCreated
			log.Info().
				Int("matches_created", rematch.MatchesCreated).
				Msg("Rematch pass complete")
		}
	}

	// Idempotence check: a final pass over a settled pool must be quiet
	finalReport, err := simClient.runMatchingPass()
	if err != nil {
		log.Fatal().Err(err).Msg("Final matching pass failed")
	}
	if finalReport.MatchesCreated != 0 || finalReport.Extracted != 0 {
		log.Warn().
			Int("matches_created", finalReport.MatchesCreated).
			Int("extracted", finalReport.Extracted).
			Msg("Final pass was not quiet")
	}

	// Read the resulting status distribution back through the API
	for _, status := range []types.ConfirmationStatus{
		types.ConfirmationNotProcessed,
		types.ConfirmationExtracted,
		types.ConfirmationPartiallyMatched,
		types.ConfirmationFullyMatched,
		types.ConfirmationError,
	} {
		count, err := simClient.countByStatus(status)
		if err != nil {
			log.Error().Err(err).Str("status", string(status)).Msg("Failed to count by status")
			continue
		}
		stats.Statuses[string(status)] = count
	}

	// Print summary
	duration := time.Since(stats.StartTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 CONFIRMATION MATCHING SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Document Statistics
----------------------
Confirmations:    %d
Mirrored Pairs:   %d
One-Sided:        %d
Tolerance Breaks: %d
Irregular:        %d
Failed Ingests:   %d
Matches Created:  %d
Unwound:          %d
Duration:         %v

📈 Status Distribution
----------------------
`, stats.TotalConfirmations, stats.MirroredPairs, stats.OneSided,
		stats.ToleranceBreaks, stats.Irregular, stats.FailedIngests,
		stats.MatchesCreated, stats.Unwound, duration.Round(time.Millisecond))

	// Print status distribution with simple ASCII bar chart
	maxStatusCount := 0
	for _, count := range stats.Statuses {
		if count > maxStatusCount {
			maxStatusCount = count
		}
	}
	for _, status := range []string{"NOT_PROCESSED", "EXTRACTED", "PARTIALLY_MATCHED", "FULLY_MATCHED", "ERROR"} {
		count := stats.Statuses[status]
		barLength := 0
		if maxStatusCount > 0 {
			barLength = int(float64(count) / float64(maxStatusCount) * 20)
		}
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-18s: %s (%d)\n", status, bar, count)
	}

	fmt.Println("\n📉 Trade Type Distribution")
	fmt.Println("--------------------------")
	for tradeType, count := range stats.TradeTypes {
		barLength := 0
		if stats.TotalConfirmations > 0 {
			barLength = int(float64(count) / float64(stats.TotalConfirmations) * 20)
		}
		bar := strings.Repeat("█", barLength)
		fmt.Printf("%-8s: %s (%d)\n", tradeType, bar, count)
	}

	fmt.Println("\n" + strings.Repeat("=", 80))

	// Match rate calculation
	matchRate := 0.0
	if stats.MirroredPairs > 0 {
		matchRate = float64(stats.Statuses["FULLY_MATCHED"]) / float64(stats.TotalConfirmations) * 100
	}
	log.Info().
		Float64("match_rate", matchRate).
		Int("confirmations", stats.TotalConfirmations).
		Int("matches_created", stats.MatchesCreated).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

// ingestTradesHTTP generates and submits random trade fixtures to the API
// Runs as a worker goroutine, sending per-fixture results to resultsChan
func ingestTradesHTTP(workerID, numTrades int, simClient *simulationClient, resultsChan chan<- ingestResult) {
	for i := 0; i < numTrades; i++ {
		fixture := buildTrade()
		result := ingestResult{
			kind:      fixture.kind,
			tradeType: string(fixture.confirmation.TradeType),
		}

		confirmationID, err := simClient.ingestConfirmation(&fixture.confirmation)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("trade_ref", fixture.confirmation.TradeRef).
				Msg("Failed to ingest confirmation")
			result.failed++
			resultsChan <- result
			continue
		}
		result.ingested++

		if fixture.mirror != nil {
			if _, err := simClient.ingestConfirmation(fixture.mirror); err != nil {
				log.Error().Err(err).
					Int("worker_id", workerID).
					Str("trade_ref", fixture.mirror.TradeRef).
					Msg("Failed to ingest mirror confirmation")
				result.failed++
			} else {
				result.ingested++
			}
		}

		log.Info().
			Int("worker_id", workerID).
			Str("confirmation_id", confirmationID).
			Str("trade_type", string(fixture.confirmation.TradeType)).
			Str("kind", fixture.kind).
			Msg("Confirmation ingested")

		resultsChan <- result

		// Random sleep between submissions
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}
}

// startServer initializes and starts the matching API server
// Sets up all required services, handlers and routes. The simulation
// triggers passes explicitly, so the scheduled processor stays off.
func startServer() error {
	// Initialize database
	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("confmatch-sim-%d.db", time.Now().UnixNano()))
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Info().Str("database", dbPath).Msg("Simulation database created")

	// Initialize services
	partyService := party.NewService(db)
	confirmationsService := confirmations.NewService(db)
	rulesService := rules.NewService(db)
	lifecycleService := lifecycle.NewService(db)

	// Seed the default matching rule
	if _, err := rulesService.EnsureDefaultRule(ruleName); err != nil {
		return fmt.Errorf("failed to seed default matching rule: %w", err)
	}

	orchestrator := engine.NewOrchestrator(
		confirmationsService,
		lifecycleService,
		lifecycleService,
		rulesService,
		ruleName,
	)

	// Initialize router
	router := gin.Default()
	partyHandlers := party.NewGinHandlers(partyService)
	confirmationsHandlers := confirmations.NewGinHandlers(confirmationsService)
	rulesHandlers := rules.NewGinHandlers(rulesService)
	lifecycleHandlers := lifecycle.NewGinHandlers(lifecycleService)
	engineHandlers := engine.NewGinHandlers(orchestrator)

	// Setup routes
	setupRoutes(router, confirmationsHandlers, lifecycleHandlers, rulesHandlers, partyHandlers, engineHandlers)

	// Start the server
	return router.Run(":8080")
}

// setupRoutes configures all API endpoints and their handlers
// Groups routes by functionality
func setupRoutes(
	router *gin.Engine,
	confirmationsHandlers *confirmations.GinHandlers,
	lifecycleHandlers *lifecycle.GinHandlers,
	rulesHandlers *rules.GinHandlers,
	partyHandlers *party.GinHandlers,
	engineHandlers *engine.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Confirmation routes
		confirmationRoutes := v1.Group("/confirmations")
		{
			confirmationRoutes.POST("", confirmationsHandlers.IngestConfirmationHandler())
			confirmationRoutes.GET("", confirmationsHandlers.ListConfirmationsHandler())
			confirmationRoutes.GET("/:confirmation_id", confirmationsHandlers.GetConfirmationHandler())
			confirmationRoutes.GET("/:confirmation_id/history", confirmationsHandlers.GetConfirmationHistoryHandler())
		}

		// Leg routes
		legRoutes := v1.Group("/legs")
		{
			legRoutes.GET("/:leg_id", lifecycleHandlers.GetLegHandler())
		}

		// Internal routes
		internal := v1.Group("/internal")
		{
			internal.POST("/matching/run", engineHandlers.RunPassHandler())
			internal.GET("/matches", lifecycleHandlers.ListRelationshipsHandler())
			internal.GET("/matches/:relationship_id", lifecycleHandlers.GetRelationshipHandler())
			internal.POST("/matches/:relationship_id/unwind", lifecycleHandlers.UnwindMatchHandler())
			internal.GET("/rules", rulesHandlers.ListRulesHandler())
			internal.POST("/rules", rulesHandlers.CreateRuleHandler())
			internal.GET("/rules/:name", rulesHandlers.GetRuleHandler())
			internal.GET("/parties", partyHandlers.ListPartiesHandler())
			internal.POST("/parties", partyHandlers.RegisterPartyHandler())
			internal.POST("/parties/import", partyHandlers.ImportPartiesHandler())
		}
	}
}

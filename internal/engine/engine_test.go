package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/confmatch/confmatch-api/internal/confirmations"
	"github.com/confmatch/confmatch-api/internal/database"
	"github.com/confmatch/confmatch-api/internal/lifecycle"
	"github.com/confmatch/confmatch-api/internal/party"
	"github.com/confmatch/confmatch-api/internal/rules"
	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	engineTradeDate      = time.Date(2024, time.November, 20, 0, 0, 0, 0, time.UTC)
	engineSettlementDate = time.Date(2024, time.November, 26, 0, 0, 0, 0, time.UTC)
	engineFarDate        = time.Date(2025, time.February, 26, 0, 0, 0, 0, time.UTC)
)

type testHarness struct {
	db            *gorm.DB
	confirmations *confirmations.Service
	lifecycle     *lifecycle.Service
	rules         *rules.Service
	orchestrator  *Orchestrator
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)

	partySvc := party.NewService(db)
	for _, p := range []types.PartyCode{
		{Code: "BANKGB2L", LegalName: "Bank of London plc", BIC: "BANKGB2LXXX", Active: true},
		{Code: "CHASUS33", LegalName: "Chase New York", BIC: "CHASUS33XXX", Active: true},
	} {
		record := p
		require.NoError(t, partySvc.Register(&record))
	}

	ruleSvc := rules.NewService(db)
	_, err = ruleSvc.EnsureDefaultRule("fx-standard")
	require.NoError(t, err)

	confirmationSvc := confirmations.NewService(db)
	lifecycleSvc := lifecycle.NewService(db)

	return &testHarness{
		db:            db,
		confirmations: confirmationSvc,
		lifecycle:     lifecycleSvc,
		rules:         ruleSvc,
		orchestrator:  NewOrchestrator(confirmationSvc, lifecycleSvc, lifecycleSvc, ruleSvc, "fx-standard"),
	}
}

func (h *testHarness) ingest(t *testing.T, confirmation types.Confirmation) *types.Confirmation {
	t.Helper()
	require.NoError(t, h.confirmations.Ingest(&confirmation, uuid.New().String(), types.TriggerIngestAPI))
	return &confirmation
}

func (h *testHarness) confirmationStatus(t *testing.T, confirmationID string) types.ConfirmationStatus {
	t.Helper()
	detail, err := h.confirmations.GetConfirmation(confirmationID)
	require.NoError(t, err)
	return detail.Confirmation.Status
}

func (h *testHarness) singleLeg(t *testing.T, confirmationID string) types.Leg {
	t.Helper()
	detail, err := h.confirmations.GetConfirmation(confirmationID)
	require.NoError(t, err)
	require.Len(t, detail.Legs, 1)
	return detail.Legs[0]
}

func (h *testHarness) countLegHistory(t *testing.T, legID string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&types.StatusHistoryEntry{}).
		Where("leg_id = ? AND entity_kind = ?", legID, types.HistoryEntityLeg).
		Count(&n).Error)
	return n
}

// forwardBetween builds one party's view of a EUR/USD forward. The mirror
// view passes partyBuysEUR=false so the two documents describe the same
// trade from opposite sides.
func forwardBetween(tradingParty, counterparty string, eurAmount, usdAmount decimal.Decimal, partyBuysEUR bool) types.Confirmation {
	eurDirection, usdDirection := types.DirectionBuy, types.DirectionSell
	if !partyBuysEUR {
		eurDirection, usdDirection = types.DirectionSell, types.DirectionBuy
	}
	return types.Confirmation{
		TradeType:        types.TradeTypeForward,
		TradingPartyCode: tradingParty,
		CounterpartyCode: counterparty,
		TradeRef:         "FWD-88123",
		Transactions: types.TransactionList{
			{Direction: eurDirection, Amount: eurAmount, Currency: "EUR", TradeDate: engineTradeDate, SettlementDate: engineSettlementDate},
			{Direction: usdDirection, Amount: usdAmount, Currency: "USD", TradeDate: engineTradeDate, SettlementDate: engineSettlementDate},
		},
	}
}

// swapBetween builds one party's view of a EUR/USD swap: a near leg settling
// on the standard date and a far leg reversing it three months out.
func swapBetween(tradingParty, counterparty string, nearUSD, farUSD decimal.Decimal, partyBuysNearEUR bool) types.Confirmation {
	eur := decimal.NewFromInt(1000000)
	nearEUR, nearUSDDir := types.DirectionBuy, types.DirectionSell
	farEUR, farUSDDir := types.DirectionSell, types.DirectionBuy
	if !partyBuysNearEUR {
		nearEUR, nearUSDDir = types.DirectionSell, types.DirectionBuy
		farEUR, farUSDDir = types.DirectionBuy, types.DirectionSell
	}
	return types.Confirmation{
		TradeType:        types.TradeTypeSwap,
		TradingPartyCode: tradingParty,
		CounterpartyCode: counterparty,
		TradeRef:         "SWP-44017",
		Transactions: types.TransactionList{
			{Direction: nearEUR, Amount: eur, Currency: "EUR", TradeDate: engineTradeDate, SettlementDate: engineSettlementDate},
			{Direction: nearUSDDir, Amount: nearUSD, Currency: "USD", TradeDate: engineTradeDate, SettlementDate: engineSettlementDate},
			{Direction: farEUR, Amount: eur, Currency: "EUR", TradeDate: engineTradeDate, SettlementDate: engineFarDate},
			{Direction: farUSDDir, Amount: farUSD, Currency: "USD", TradeDate: engineTradeDate, SettlementDate: engineFarDate},
		},
	}
}

func TestRunPassExtractsAndMatchesMirroredPair(t *testing.T) {
	h := newTestHarness(t)

	eur := decimal.NewFromInt(1250000)
	usd := decimal.RequireFromString("1356250.00")
	confA := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33", eur, usd, true))
	confB := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))

	report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Extracted)
	assert.Equal(t, 2, report.LegsCreated)
	assert.Equal(t, 1, report.MatchesCreated)
	assert.Equal(t, 0, report.Ambiguous)
	assert.Equal(t, 0, report.ExtractErrors)
	assert.Equal(t, 0, report.RuleErrors)

	legA := h.singleLeg(t, confA.ConfirmationID)
	legB := h.singleLeg(t, confB.ConfirmationID)
	assert.Equal(t, types.LegMatched, legA.MatchStatus)
	assert.Equal(t, types.LegMatched, legB.MatchStatus)
	assert.Equal(t, legB.LegID, legA.MatchedLegID)
	assert.Equal(t, legA.LegID, legB.MatchedLegID)

	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, confA.ConfirmationID))
	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, confB.ConfirmationID))

	relationships, err := h.lifecycle.ListRelationships()
	require.NoError(t, err)
	require.Len(t, relationships, 1)
}

func TestRunPassRerunIsIdempotent(t *testing.T) {
	h := newTestHarness(t)

	eur := decimal.NewFromInt(1250000)
	usd := decimal.RequireFromString("1356250.00")
	confA := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33", eur, usd, true))
	confB := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))

	_, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)
	legA := h.singleLeg(t, confA.ConfirmationID)
	legB := h.singleLeg(t, confB.ConfirmationID)

	report, err := h.orchestrator.RunPass(types.TriggerPassScheduler)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Extracted)
	assert.Equal(t, 0, report.LegsCreated)
	assert.Equal(t, 0, report.LegsEvaluated)
	assert.Equal(t, 0, report.MatchesCreated)

	relationships, err := h.lifecycle.ListRelationships()
	require.NoError(t, err)
	assert.Len(t, relationships, 1)

	// No status churn: still exactly one transition entry per leg.
	assert.EqualValues(t, 1, h.countLegHistory(t, legA.LegID))
	assert.EqualValues(t, 1, h.countLegHistory(t, legB.LegID))
}

func TestRunPassToleranceGovernsNumericFields(t *testing.T) {
	h := newTestHarness(t)

	// Pair one disagrees on the settlement amount by 0.50, far outside the
	// 0.01 default band. Pair two disagrees by 0.005 and should match.
	offA := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33",
		decimal.NewFromInt(1000000), decimal.RequireFromString("1356250.00"), true))
	offB := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L",
		decimal.NewFromInt(1000000), decimal.RequireFromString("1356250.50"), false))
	nearA := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33",
		decimal.NewFromInt(2000000), decimal.RequireFromString("2712500.000"), true))
	nearB := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L",
		decimal.NewFromInt(2000000), decimal.RequireFromString("2712500.005"), false))

	report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Extracted)
	assert.Equal(t, 1, report.MatchesCreated)

	assert.Equal(t, types.ConfirmationExtracted, h.confirmationStatus(t, offA.ConfirmationID))
	assert.Equal(t, types.ConfirmationExtracted, h.confirmationStatus(t, offB.ConfirmationID))
	assert.Equal(t, types.LegUnmatched, h.singleLeg(t, offA.ConfirmationID).MatchStatus)
	assert.Equal(t, types.LegUnmatched, h.singleLeg(t, offB.ConfirmationID).MatchStatus)

	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, nearA.ConfirmationID))
	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, nearB.ConfirmationID))
}

func TestRunPassAmbiguityIsNeverAutoResolved(t *testing.T) {
	h := newTestHarness(t)

	eur := decimal.NewFromInt(1250000)
	usd := decimal.RequireFromString("1356250.00")
	confX := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33", eur, usd, true))
	confB1 := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))
	confB2 := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))
	confB3 := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))

	report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)

	assert.Equal(t, 4, report.Extracted)
	assert.Equal(t, 0, report.MatchesCreated)
	assert.Equal(t, 1, report.Ambiguous)

	// X sees three indistinguishable counterparts; each counterpart sees
	// only X but must not claim it while the ambiguity stands.
	legX := h.singleLeg(t, confX.ConfirmationID)
	assert.Equal(t, types.LegMultipleMatches, legX.MatchStatus)
	for _, conf := range []*types.Confirmation{confB1, confB2, confB3} {
		assert.Equal(t, types.LegUnmatched, h.singleLeg(t, conf.ConfirmationID).MatchStatus)
		assert.Equal(t, types.ConfirmationExtracted, h.confirmationStatus(t, conf.ConfirmationID))
	}
	assert.Equal(t, types.ConfirmationExtracted, h.confirmationStatus(t, confX.ConfirmationID))

	relationships, err := h.lifecycle.ListRelationships()
	require.NoError(t, err)
	assert.Empty(t, relationships)

	// A rerun changes nothing and records no duplicate flag.
	rerun, err := h.orchestrator.RunPass(types.TriggerPassScheduler)
	require.NoError(t, err)
	assert.Equal(t, 0, rerun.MatchesCreated)
	assert.Equal(t, 0, rerun.Ambiguous)
	assert.EqualValues(t, 1, h.countLegHistory(t, legX.LegID))
}

func TestRunPassResolvesAmbiguityAfterQuarantine(t *testing.T) {
	h := newTestHarness(t)

	eur := decimal.NewFromInt(1250000)
	usd := decimal.RequireFromString("1356250.00")
	confX := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33", eur, usd, true))
	confB1 := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))
	confB2 := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))
	confB3 := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))

	_, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)
	legX := h.singleLeg(t, confX.ConfirmationID)
	require.Equal(t, types.LegMultipleMatches, legX.MatchStatus)

	// Operations pulls the duplicate submissions out of the pool.
	for _, id := range []string{confB2.ConfirmationID, confB3.ConfirmationID} {
		detail, err := h.confirmations.GetConfirmation(id)
		require.NoError(t, err)
		require.NoError(t, h.lifecycle.MarkFailed(detail.Confirmation, "duplicate submission", types.TriggerSimulation))
	}

	report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MatchesCreated)

	legX = h.singleLeg(t, confX.ConfirmationID)
	legB1 := h.singleLeg(t, confB1.ConfirmationID)
	assert.Equal(t, types.LegMatched, legX.MatchStatus)
	assert.Equal(t, legB1.LegID, legX.MatchedLegID)
	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, confX.ConfirmationID))
	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, confB1.ConfirmationID))

	// UNMATCHED -> MULTIPLE_MATCHES, then MULTIPLE_MATCHES -> MATCHED.
	assert.EqualValues(t, 2, h.countLegHistory(t, legX.LegID))
}

func TestRunPassQuarantinesIrregularConfirmations(t *testing.T) {
	h := newTestHarness(t)

	// A swap whose rows collapse into a single settlement bucket cannot
	// produce the two legs its trade type requires.
	irregular := h.ingest(t, types.Confirmation{
		TradeType:        types.TradeTypeSwap,
		TradingPartyCode: "BANKGB2L",
		CounterpartyCode: "CHASUS33",
		TradeRef:         "SWP-BROKEN",
		Transactions: types.TransactionList{
			{Direction: types.DirectionBuy, Amount: decimal.NewFromInt(1000000), Currency: "EUR", TradeDate: engineTradeDate, SettlementDate: engineSettlementDate},
			{Direction: types.DirectionSell, Amount: decimal.NewFromInt(1080000), Currency: "USD", TradeDate: engineTradeDate, SettlementDate: engineSettlementDate},
		},
	})

	eur := decimal.NewFromInt(1250000)
	usd := decimal.RequireFromString("1356250.00")
	confA := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33", eur, usd, true))
	confB := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))

	report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)

	assert.Equal(t, 1, report.ExtractErrors)
	assert.Equal(t, 2, report.Extracted)
	assert.Equal(t, 1, report.MatchesCreated)

	assert.Equal(t, types.ConfirmationError, h.confirmationStatus(t, irregular.ConfirmationID))
	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, confA.ConfirmationID))
	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, confB.ConfirmationID))

	history, err := h.confirmations.History(irregular.ConfirmationID)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, string(types.ConfirmationError), last.NewStatus)
	assert.Contains(t, last.Payload["reason"], "decompose")
}

func TestRunPassLeavesConfirmationsUntouchedOnRuleMisconfiguration(t *testing.T) {
	h := newTestHarness(t)

	// A legacy rule written before code fields became mandatory. It can
	// only exist in storage; the rules service refuses to publish one.
	record := types.RuleRecord{
		RuleID:      "RULE_legacy",
		Name:        "fx-legacy",
		Version:     1,
		ExactFields: `["direction","settlement_date"]`,
		Tolerances:  `{}`,
		Active:      true,
	}
	require.NoError(t, h.db.Create(&record).Error)
	legacy := NewOrchestrator(h.confirmations, h.lifecycle, h.lifecycle, h.rules, "fx-legacy")

	eur := decimal.NewFromInt(1250000)
	usd := decimal.RequireFromString("1356250.00")
	confA := h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33", eur, usd, true))
	confB := h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))

	report, err := legacy.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)

	assert.Equal(t, 2, report.RuleErrors)
	assert.Equal(t, 0, report.Extracted)
	assert.Equal(t, 0, report.LegsCreated)

	// Not quarantined: a rule fix must be able to pick these up again.
	assert.Equal(t, types.ConfirmationNotProcessed, h.confirmationStatus(t, confA.ConfirmationID))
	assert.Equal(t, types.ConfirmationNotProcessed, h.confirmationStatus(t, confB.ConfirmationID))

	recovered, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered.Extracted)
	assert.Equal(t, 1, recovered.MatchesCreated)
	assert.Equal(t, types.ConfirmationFullyMatched, h.confirmationStatus(t, confA.ConfirmationID))
}

func TestRunPassMatchesSwapLegsIndependently(t *testing.T) {
	h := newTestHarness(t)

	nearUSD := decimal.RequireFromString("1080000.00")
	farUSD := decimal.RequireFromString("1090000.00")
	confA := h.ingest(t, swapBetween("BANKGB2L", "CHASUS33", nearUSD, farUSD, true))
	confB := h.ingest(t, swapBetween("CHASUS33", "BANKGB2L", nearUSD, farUSD, false))

	report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Extracted)
	assert.Equal(t, 4, report.LegsCreated)
	assert.Equal(t, 2, report.MatchesCreated)

	for _, conf := range []*types.Confirmation{confA, confB} {
		detail, err := h.confirmations.GetConfirmation(conf.ConfirmationID)
		require.NoError(t, err)
		assert.Equal(t, types.ConfirmationFullyMatched, detail.Confirmation.Status)
		assert.Equal(t, 2, detail.Confirmation.TotalLegs)
		assert.Equal(t, 2, detail.Confirmation.MatchedLegs)
		require.Len(t, detail.Legs, 2)
		for _, leg := range detail.Legs {
			assert.Equal(t, types.LegMatched, leg.MatchStatus)
		}
	}

	// Near legs pair with near legs: settlement date is an exact field.
	relationships, err := h.lifecycle.ListRelationships()
	require.NoError(t, err)
	assert.Len(t, relationships, 2)
}

func TestRunPassPartialSwapAggregatesToPartiallyMatched(t *testing.T) {
	h := newTestHarness(t)

	nearUSD := decimal.RequireFromString("1080000.00")
	confA := h.ingest(t, swapBetween("BANKGB2L", "CHASUS33", nearUSD, decimal.RequireFromString("1090000.00"), true))
	confB := h.ingest(t, swapBetween("CHASUS33", "BANKGB2L", nearUSD, decimal.RequireFromString("1090000.50"), false))

	report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
	require.NoError(t, err)
	assert.Equal(t, 1, report.MatchesCreated)

	for _, conf := range []*types.Confirmation{confA, confB} {
		detail, err := h.confirmations.GetConfirmation(conf.ConfirmationID)
		require.NoError(t, err)
		assert.Equal(t, types.ConfirmationPartiallyMatched, detail.Confirmation.Status)
		assert.Equal(t, 1, detail.Confirmation.MatchedLegs)
	}

	// The far legs stay open without disturbing the near match.
	rerun, err := h.orchestrator.RunPass(types.TriggerPassScheduler)
	require.NoError(t, err)
	assert.Equal(t, 0, rerun.MatchesCreated)
	assert.Equal(t, 2, rerun.LegsEvaluated)
	assert.Equal(t, types.ConfirmationPartiallyMatched, h.confirmationStatus(t, confA.ConfirmationID))
}

func TestProcessorRunsScheduledPasses(t *testing.T) {
	h := newTestHarness(t)

	eur := decimal.NewFromInt(1250000)
	usd := decimal.RequireFromString("1356250.00")
	h.ingest(t, forwardBetween("BANKGB2L", "CHASUS33", eur, usd, true))
	h.ingest(t, forwardBetween("CHASUS33", "BANKGB2L", eur, usd, false))

	processor := NewProcessor(h.orchestrator, 20*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		processor.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		relationships, err := h.lifecycle.ListRelationships()
		return err == nil && len(relationships) == 1
	}, 2*time.Second, 25*time.Millisecond, "scheduled passes should match the mirrored pair")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processor did not shut down after context cancellation")
	}
}

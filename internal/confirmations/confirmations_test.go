package confirmations_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/confmatch/confmatch-api/internal/confirmations"
	"github.com/confmatch/confmatch-api/internal/database"
	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var (
	testTradeDate      = time.Date(2024, time.November, 20, 0, 0, 0, 0, time.UTC)
	testSettlementDate = time.Date(2024, time.November, 26, 0, 0, 0, 0, time.UTC)
)

func newTestService(t *testing.T) (*confirmations.Service, *gorm.DB) {
	t.Helper()
	db, err := database.NewDatabase(filepath.Join(t.TempDir(), "confirmations.db"))
	require.NoError(t, err)

	for _, code := range []string{"BANKGB2L", "CHASUS33"} {
		require.NoError(t, db.Create(&types.PartyCode{
			Code:      code,
			LegalName: code,
			Active:    true,
		}).Error)
	}
	return confirmations.NewService(db), db
}

func sampleForward() types.Confirmation {
	return types.Confirmation{
		TradeType:        types.TradeTypeForward,
		TradingPartyCode: "BANKGB2L",
		CounterpartyCode: "CHASUS33",
		TradeRef:         "FWD-10021",
		Transactions: types.TransactionList{
			{Direction: types.DirectionBuy, Amount: decimal.NewFromInt(1250000), Currency: "EUR", TradeDate: testTradeDate, SettlementDate: testSettlementDate},
			{Direction: types.DirectionSell, Amount: decimal.RequireFromString("1356250.00"), Currency: "USD", TradeDate: testTradeDate, SettlementDate: testSettlementDate},
		},
	}
}

func TestIngestPersistsDocumentWithInitialHistory(t *testing.T) {
	service, _ := newTestService(t)

	confirmation := sampleForward()
	require.NoError(t, service.Ingest(&confirmation, "idem-key-1", types.TriggerIngestAPI))

	assert.True(t, len(confirmation.ConfirmationID) > 5 && confirmation.ConfirmationID[:5] == "CONF_",
		"expected CONF_ prefixed identifier, got %q", confirmation.ConfirmationID)
	assert.Equal(t, types.ConfirmationNotProcessed, confirmation.Status)
	assert.Equal(t, 0, confirmation.TotalLegs)
	assert.Equal(t, 0, confirmation.MatchedLegs)

	detail, err := service.GetConfirmation(confirmation.ConfirmationID)
	require.NoError(t, err)
	assert.Equal(t, confirmation.ConfirmationID, detail.Confirmation.ConfirmationID)
	assert.Empty(t, detail.Legs)

	history, err := service.History(confirmation.ConfirmationID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, types.HistoryEntityConfirmation, history[0].EntityKind)
	assert.Empty(t, history[0].PreviousStatus)
	assert.Equal(t, string(types.ConfirmationNotProcessed), history[0].NewStatus)
	assert.Equal(t, types.TriggerIngestAPI, history[0].TriggerSource)
	assert.Equal(t, string(types.TradeTypeForward), history[0].Payload["trade_type"])
}

func TestIngestResubmissionWithSameKeyReturnsOriginal(t *testing.T) {
	service, _ := newTestService(t)

	first := sampleForward()
	require.NoError(t, service.Ingest(&first, "idem-key-dup", types.TriggerIngestAPI))

	second := sampleForward()
	second.TradeRef = "FWD-99999"
	require.NoError(t, service.Ingest(&second, "idem-key-dup", types.TriggerIngestAPI))

	assert.Equal(t, first.ConfirmationID, second.ConfirmationID)
	assert.Equal(t, "FWD-10021", second.TradeRef, "resubmission should return the stored document")

	all, err := service.ListConfirmations("")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestReplaysStoredDocumentWhenKeyRowAlreadyExists(t *testing.T) {
	service, db := newTestService(t)

	first := sampleForward()
	require.NoError(t, service.Ingest(&first, "idem-raced", types.TriggerIngestAPI))

	// Age the record past its expiry window. The lookup no longer short
	// circuits, so the second Ingest collides on the unique key column the
	// same way a racing resubmission would.
	require.NoError(t, db.Model(&confirmations.IdempotencyRecord{}).
		Where("idempotency_key = ?", "idem-raced").
		Update("expires_at", time.Now().Add(-time.Hour)).Error)

	second := sampleForward()
	second.TradeRef = "FWD-77777"
	require.NoError(t, service.Ingest(&second, "idem-raced", types.TriggerIngestAPI))

	assert.Equal(t, first.ConfirmationID, second.ConfirmationID)
	assert.Equal(t, "FWD-10021", second.TradeRef, "collision should replay the stored document")

	all, err := service.ListConfirmations("")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestIngestDistinctKeysCreateDistinctConfirmations(t *testing.T) {
	service, _ := newTestService(t)

	first := sampleForward()
	require.NoError(t, service.Ingest(&first, "idem-key-a", types.TriggerIngestAPI))
	second := sampleForward()
	require.NoError(t, service.Ingest(&second, "idem-key-b", types.TriggerIngestAPI))

	assert.NotEqual(t, first.ConfirmationID, second.ConfirmationID)

	all, err := service.ListConfirmations("")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestIngestRejectsMalformedDocuments(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *types.Confirmation)
	}{
		{"unsupported trade type", func(c *types.Confirmation) { c.TradeType = "OPTION" }},
		{"blank counterparty", func(c *types.Confirmation) { c.CounterpartyCode = "   " }},
		{"identical parties", func(c *types.Confirmation) { c.CounterpartyCode = c.TradingPartyCode }},
		{"no transactions", func(c *types.Confirmation) { c.Transactions = nil }},
		{"invalid direction", func(c *types.Confirmation) { c.Transactions[0].Direction = "HOLD" }},
		{"malformed currency", func(c *types.Confirmation) { c.Transactions[0].Currency = "EURO" }},
		{"non-positive amount", func(c *types.Confirmation) { c.Transactions[1].Amount = decimal.Zero }},
		{"missing settlement date", func(c *types.Confirmation) { c.Transactions[1].SettlementDate = time.Time{} }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			service, _ := newTestService(t)

			confirmation := sampleForward()
			tc.mutate(&confirmation)

			err := service.Ingest(&confirmation, "idem-"+tc.name, types.TriggerIngestAPI)
			require.ErrorIs(t, err, confirmations.ErrInvalidConfirmation)

			all, err := service.ListConfirmations("")
			require.NoError(t, err)
			assert.Empty(t, all, "rejected documents must not persist")
		})
	}
}

func TestIngestRejectsUnknownOrInactiveParty(t *testing.T) {
	service, db := newTestService(t)

	unknown := sampleForward()
	unknown.CounterpartyCode = "NOBKXX22"
	err := service.Ingest(&unknown, "idem-unknown", types.TriggerIngestAPI)
	require.ErrorIs(t, err, confirmations.ErrUnknownParty)

	require.NoError(t, db.Create(&types.PartyCode{
		Code:      "DEUTDEFF",
		LegalName: "Deutsche Bank Frankfurt",
		Active:    false,
	}).Error)

	inactive := sampleForward()
	inactive.CounterpartyCode = "DEUTDEFF"
	err = service.Ingest(&inactive, "idem-inactive", types.TriggerIngestAPI)
	require.ErrorIs(t, err, confirmations.ErrUnknownParty)
}

func TestIngestNormalizesCodesCurrenciesAndDates(t *testing.T) {
	service, _ := newTestService(t)

	loc := time.FixedZone("UTC+11", 11*3600)
	confirmation := sampleForward()
	confirmation.TradingPartyCode = "  bankgb2l "
	confirmation.Transactions[0].Currency = "eur"
	confirmation.Transactions[0].SettlementDate = time.Date(2024, time.November, 26, 17, 45, 3, 0, loc)

	require.NoError(t, service.Ingest(&confirmation, "idem-normalize", types.TriggerIngestAPI))

	assert.Equal(t, "BANKGB2L", confirmation.TradingPartyCode)
	assert.Equal(t, "EUR", confirmation.Transactions[0].Currency)
	assert.True(t, confirmation.Transactions[0].SettlementDate.Equal(testSettlementDate),
		"settlement date should be stored at UTC midnight, got %s", confirmation.Transactions[0].SettlementDate)
}

func TestGetConfirmationIncludesLegs(t *testing.T) {
	service, db := newTestService(t)

	confirmation := sampleForward()
	require.NoError(t, service.Ingest(&confirmation, "idem-legs", types.TriggerIngestAPI))

	for _, legID := range []string{"LEG_1", "LEG_2"} {
		require.NoError(t, db.Create(&types.Leg{
			LegID:          legID,
			ConfirmationID: confirmation.ConfirmationID,
			MatchStatus:    types.LegUnmatched,
		}).Error)
	}

	detail, err := service.GetConfirmation(confirmation.ConfirmationID)
	require.NoError(t, err)
	require.Len(t, detail.Legs, 2)
	assert.Equal(t, "LEG_1", detail.Legs[0].LegID)
	assert.Equal(t, "LEG_2", detail.Legs[1].LegID)
}

func TestGetConfirmationUnknownID(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.GetConfirmation("CONF_missing")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = service.History("CONF_missing")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestListConfirmationsFiltersByStatus(t *testing.T) {
	service, db := newTestService(t)

	first := sampleForward()
	require.NoError(t, service.Ingest(&first, "idem-list-1", types.TriggerIngestAPI))
	second := sampleForward()
	require.NoError(t, service.Ingest(&second, "idem-list-2", types.TriggerIngestAPI))

	require.NoError(t, db.Model(&types.Confirmation{}).
		Where("confirmation_id = ?", second.ConfirmationID).
		Update("status", types.ConfirmationExtracted).Error)

	extracted, err := service.ListConfirmations("extracted")
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	assert.Equal(t, second.ConfirmationID, extracted[0].ConfirmationID)

	all, err := service.ListConfirmations("")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = service.ListConfirmations("SETTLED")
	require.ErrorIs(t, err, confirmations.ErrInvalidConfirmation)
}

package extraction

import (
	"fmt"

	"github.com/confmatch/confmatch-api/internal/types"
)

// currencyPrecedence mirrors FX market quoting conventions: the trading
// currency of a pair is the one that appears first here. Currencies off the
// list rank below every listed one and fall back to alphabetical order.
// Both counterparties designate the same trading currency for the same pair,
// which is what lets their keys line up.
var currencyPrecedence = map[string]int{
	"EUR": 0,
	"GBP": 1,
	"AUD": 2,
	"NZD": 3,
	"USD": 4,
	"CAD": 5,
	"CHF": 6,
	"JPY": 7,
}

// ExtractLegs decomposes a confirmation's raw settlement rows into matchable
// legs. Rows are grouped by settlement date, and within each group every BUY
// row is paired with the first unconsumed SELL row in a different currency;
// each pair becomes one leg. Every row must pair exactly once, and the leg
// count must agree with the trade type: one leg for forwards, NDFs and
// spots, two for swaps.
//
// The function is pure: it never touches storage and never mutates the
// confirmation. Idempotency is the caller's concern, enforced through the
// confirmation status guard when legs are persisted.
func ExtractLegs(confirmation *types.Confirmation) ([]types.LegDetails, error) {
	if !confirmation.TradeType.IsValid() {
		return nil, &IrregularLegStructureError{
			ConfirmationID: confirmation.ConfirmationID,
			Reason:         fmt.Sprintf("unknown trade type %q", confirmation.TradeType),
		}
	}
	if len(confirmation.Transactions) == 0 {
		return nil, &IrregularLegStructureError{
			ConfirmationID: confirmation.ConfirmationID,
			Reason:         "no settlement rows",
		}
	}
	for i, row := range confirmation.Transactions {
		if err := validateRow(confirmation.ConfirmationID, i, row); err != nil {
			return nil, err
		}
	}

	legs := make([]types.LegDetails, 0, 2)
	for _, group := range groupBySettlementDate(confirmation.Transactions) {
		paired, err := pairGroup(confirmation, group)
		if err != nil {
			return nil, err
		}
		legs = append(legs, paired...)
	}

	expected := 1
	if !confirmation.TradeType.SingleLeg() {
		expected = 2
	}
	if len(legs) != expected {
		return nil, &IrregularLegStructureError{
			ConfirmationID: confirmation.ConfirmationID,
			Reason:         fmt.Sprintf("%s requires %d leg(s), rows decompose into %d", confirmation.TradeType, expected, len(legs)),
		}
	}
	return legs, nil
}

func validateRow(confirmationID string, index int, row types.Transaction) error {
	irregular := func(reason string) error {
		return &IrregularLegStructureError{
			ConfirmationID: confirmationID,
			Reason:         fmt.Sprintf("row %d: %s", index, reason),
		}
	}
	if !row.Direction.IsValid() {
		return irregular(fmt.Sprintf("invalid direction %q", row.Direction))
	}
	if len(row.Currency) != 3 {
		return irregular(fmt.Sprintf("invalid currency %q", row.Currency))
	}
	if !row.Amount.IsPositive() {
		return irregular("amount must be a positive magnitude")
	}
	if row.SettlementDate.IsZero() {
		return irregular("missing settlement date")
	}
	if row.TradeDate.IsZero() {
		return irregular("missing trade date")
	}
	return nil
}

// groupBySettlementDate buckets rows by their settlement date, preserving
// first-seen order so extraction output is stable across runs.
func groupBySettlementDate(rows types.TransactionList) [][]types.Transaction {
	order := make([]string, 0, len(rows))
	buckets := make(map[string][]types.Transaction, len(rows))
	for _, row := range rows {
		key := row.SettlementDate.Format(types.KeyDateFormat)
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], row)
	}

	groups := make([][]types.Transaction, 0, len(order))
	for _, key := range order {
		groups = append(groups, buckets[key])
	}
	return groups
}

// pairGroup pairs every BUY row in a settlement-date group with the first
// unconsumed SELL row in a different currency. A group that cannot be fully
// consumed by such pairs is irregular.
func pairGroup(confirmation *types.Confirmation, group []types.Transaction) ([]types.LegDetails, error) {
	date := group[0].SettlementDate.Format(types.KeyDateFormat)

	var buys, sells []types.Transaction
	for _, row := range group {
		if row.Direction == types.DirectionBuy {
			buys = append(buys, row)
		} else {
			sells = append(sells, row)
		}
	}
	if len(buys) != len(sells) {
		return nil, &IrregularLegStructureError{
			ConfirmationID: confirmation.ConfirmationID,
			Reason:         fmt.Sprintf("settlement %s has %d buy and %d sell rows", date, len(buys), len(sells)),
		}
	}

	legs := make([]types.LegDetails, 0, len(buys))
	consumed := make([]bool, len(sells))
	for _, buy := range buys {
		matched := -1
		for j, sell := range sells {
			if consumed[j] || sell.Currency == buy.Currency {
				continue
			}
			matched = j
			break
		}
		if matched == -1 {
			return nil, &IrregularLegStructureError{
				ConfirmationID: confirmation.ConfirmationID,
				Reason:         fmt.Sprintf("settlement %s: no sell row in another currency for buy of %s", date, buy.Currency),
			}
		}
		consumed[matched] = true

		leg, err := buildLeg(confirmation, buy, sells[matched])
		if err != nil {
			return nil, err
		}
		legs = append(legs, leg)
	}
	return legs, nil
}

// buildLeg folds one buy/sell row pair into a leg seen from the submitting
// party's perspective. The trading currency is designated by market
// precedence so both counterparties describe the same pair the same way;
// the direction says whether this party receives the trading currency.
func buildLeg(confirmation *types.Confirmation, buy, sell types.Transaction) (types.LegDetails, error) {
	if !buy.TradeDate.Equal(sell.TradeDate) {
		return types.LegDetails{}, &IrregularLegStructureError{
			ConfirmationID: confirmation.ConfirmationID,
			Reason: fmt.Sprintf("trade dates differ within settlement %s",
				buy.SettlementDate.Format(types.KeyDateFormat)),
		}
	}

	leg := types.LegDetails{
		TradingPartyCode: confirmation.TradingPartyCode,
		CounterpartyCode: confirmation.CounterpartyCode,
		TradeDate:        buy.TradeDate,
		SettlementDate:   buy.SettlementDate,
		TradeRef:         confirmation.TradeRef,
		SettlementRate:   confirmation.SettlementRate,
	}
	if designateTradingCurrency(buy.Currency, sell.Currency) == buy.Currency {
		leg.Direction = types.DirectionBuy
		leg.TradingCurrency = buy.Currency
		leg.TradingAmount = buy.Amount
		leg.SettlementCurrency = sell.Currency
		leg.SettlementAmount = sell.Amount
	} else {
		leg.Direction = types.DirectionSell
		leg.TradingCurrency = sell.Currency
		leg.TradingAmount = sell.Amount
		leg.SettlementCurrency = buy.Currency
		leg.SettlementAmount = buy.Amount
	}
	return leg, nil
}

func designateTradingCurrency(a, b string) string {
	rankA, listedA := currencyPrecedence[a]
	rankB, listedB := currencyPrecedence[b]
	switch {
	case listedA && listedB:
		if rankA < rankB {
			return a
		}
		return b
	case listedA:
		return a
	case listedB:
		return b
	}
	if a < b {
		return a
	}
	return b
}

package matching

import (
	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/shopspring/decimal"
)

// DeriveOwnKey projects a leg's economic fields through a matching rule.
// Fields the leg does not carry are omitted from the key rather than encoded
// as empty values, so absence is visible to the comparison step. The rule
// must have passed ValidateRule; the code-field requirement is re-checked
// here because keys derived without it would be unswappable.
func DeriveOwnKey(details types.LegDetails, rule types.MatchingRule) (types.MatchingKey, error) {
	hasTradingCode, hasCounterCode := false, false
	for _, field := range rule.ExactFields {
		switch field {
		case types.FieldTradingPartyCode:
			hasTradingCode = true
		case types.FieldCounterpartyCode:
			hasCounterCode = true
		}
	}
	if !hasTradingCode || !hasCounterCode {
		return types.MatchingKey{}, &RuleConfigurationError{
			RuleName: rule.Name,
			Reason:   "exact partition must include trading_party_code and counterparty_code",
		}
	}

	key := types.MatchingKey{
		Exact:     make(map[string]string, len(rule.ExactFields)),
		Tolerance: make(map[string]types.ToleranceBand, len(rule.Tolerances)),
	}
	for _, field := range rule.ExactFields {
		if value, ok := exactValue(details, field); ok {
			key.Exact[field] = value
		}
	}
	for field, tolerance := range rule.Tolerances {
		if value, ok := numericValue(details, field); ok {
			key.Tolerance[field] = types.ToleranceBand{Value: value, Tolerance: tolerance}
		}
	}
	return key, nil
}

// DeriveCounterpartyKey returns the key the counterparty's mirror leg would
// produce for the same trade: party codes swapped, direction inverted, every
// other component untouched. The transform is pure and self-inverse; applying
// it twice yields the original key.
func DeriveCounterpartyKey(own types.MatchingKey) types.MatchingKey {
	out := types.MatchingKey{
		Exact:     make(map[string]string, len(own.Exact)),
		Tolerance: make(map[string]types.ToleranceBand, len(own.Tolerance)),
	}
	for field, value := range own.Exact {
		out.Exact[field] = value
	}
	for field, band := range own.Tolerance {
		out.Tolerance[field] = band
	}

	trading, hasTrading := out.Exact[types.FieldTradingPartyCode]
	counter, hasCounter := out.Exact[types.FieldCounterpartyCode]
	switch {
	case hasTrading && hasCounter:
		out.Exact[types.FieldTradingPartyCode] = counter
		out.Exact[types.FieldCounterpartyCode] = trading
	case hasTrading:
		out.Exact[types.FieldCounterpartyCode] = trading
		delete(out.Exact, types.FieldTradingPartyCode)
	case hasCounter:
		out.Exact[types.FieldTradingPartyCode] = counter
		delete(out.Exact, types.FieldCounterpartyCode)
	}

	if direction, ok := out.Exact[types.FieldDirection]; ok {
		out.Exact[types.FieldDirection] = string(types.TradeDirection(direction).Opposite())
	}
	return out
}

// KeysMatch reports whether two keys agree on every component either side
// carries. A field present on one side and absent on the other is a mismatch,
// never a wildcard. Numeric components agree when the absolute difference is
// within the stricter of the two tolerance bands.
func KeysMatch(a, b types.MatchingKey) bool {
	for field, va := range a.Exact {
		vb, ok := b.Exact[field]
		if !ok || va != vb {
			return false
		}
	}
	for field := range b.Exact {
		if _, ok := a.Exact[field]; !ok {
			return false
		}
	}

	for field, ba := range a.Tolerance {
		bb, ok := b.Tolerance[field]
		if !ok {
			return false
		}
		tolerance := decimal.Min(ba.Tolerance, bb.Tolerance)
		if ba.Value.Sub(bb.Value).Abs().GreaterThan(tolerance) {
			return false
		}
	}
	for field := range b.Tolerance {
		if _, ok := a.Tolerance[field]; !ok {
			return false
		}
	}
	return true
}

// exactValue renders a leg field in its canonical string form, reporting
// false when the leg does not carry the field.
func exactValue(details types.LegDetails, field string) (string, bool) {
	switch field {
	case types.FieldTradingPartyCode:
		return details.TradingPartyCode, details.TradingPartyCode != ""
	case types.FieldCounterpartyCode:
		return details.CounterpartyCode, details.CounterpartyCode != ""
	case types.FieldDirection:
		return string(details.Direction), details.Direction.IsValid()
	case types.FieldTradingCurrency:
		return details.TradingCurrency, details.TradingCurrency != ""
	case types.FieldSettlementCurrency:
		return details.SettlementCurrency, details.SettlementCurrency != ""
	case types.FieldTradeDate:
		return details.TradeDate.Format(types.KeyDateFormat), !details.TradeDate.IsZero()
	case types.FieldSettlementDate:
		return details.SettlementDate.Format(types.KeyDateFormat), !details.SettlementDate.IsZero()
	case types.FieldTradeRef:
		return details.TradeRef, details.TradeRef != ""
	case types.FieldTradingAmount:
		return details.TradingAmount.String(), details.TradingAmount.IsPositive()
	case types.FieldSettlementAmount:
		return details.SettlementAmount.String(), details.SettlementAmount.IsPositive()
	case types.FieldSettlementRate:
		if !details.SettlementRate.Valid || !details.SettlementRate.Decimal.IsPositive() {
			return "", false
		}
		return details.SettlementRate.Decimal.String(), true
	}
	return "", false
}

// numericValue extracts a leg field as a decimal magnitude, reporting false
// when the leg does not carry the field.
func numericValue(details types.LegDetails, field string) (decimal.Decimal, bool) {
	switch field {
	case types.FieldTradingAmount:
		return details.TradingAmount, details.TradingAmount.IsPositive()
	case types.FieldSettlementAmount:
		return details.SettlementAmount, details.SettlementAmount.IsPositive()
	case types.FieldSettlementRate:
		if !details.SettlementRate.Valid || !details.SettlementRate.Decimal.IsPositive() {
			return decimal.Decimal{}, false
		}
		return details.SettlementRate.Decimal, true
	}
	return decimal.Decimal{}, false
}

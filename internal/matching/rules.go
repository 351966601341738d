package matching

import (
	"fmt"

	"github.com/confmatch/confmatch-api/internal/types"
)

// fieldKind describes how a canonical leg field may be used in a rule.
type fieldKind int

const (
	fieldExactOnly fieldKind = iota // strings, dates and enums
	fieldNumeric                    // numeric, usable exact or within a tolerance band
)

// knownFields is the registry of canonical leg fields a rule may reference.
var knownFields = map[string]fieldKind{
	types.FieldTradingPartyCode:   fieldExactOnly,
	types.FieldCounterpartyCode:   fieldExactOnly,
	types.FieldDirection:          fieldExactOnly,
	types.FieldTradingCurrency:    fieldExactOnly,
	types.FieldSettlementCurrency: fieldExactOnly,
	types.FieldTradeDate:          fieldExactOnly,
	types.FieldSettlementDate:     fieldExactOnly,
	types.FieldTradeRef:           fieldExactOnly,
	types.FieldTradingAmount:      fieldNumeric,
	types.FieldSettlementAmount:   fieldNumeric,
	types.FieldSettlementRate:     fieldNumeric,
}

// ValidateRule checks that a rule references only known fields, keeps its
// exact and tolerance partitions disjoint, uses tolerances on numeric fields
// only, and includes both party code fields in the exact partition. The code
// fields are mandatory because the counterparty transform swaps them; a rule
// without them can never align two counterparties' keys.
func ValidateRule(rule types.MatchingRule) error {
	if rule.Name == "" {
		return &RuleConfigurationError{RuleName: rule.Name, Reason: "rule name is empty"}
	}
	if len(rule.ExactFields) == 0 && len(rule.Tolerances) == 0 {
		return &RuleConfigurationError{RuleName: rule.Name, Reason: "rule references no fields"}
	}

	exact := make(map[string]bool, len(rule.ExactFields))
	for _, field := range rule.ExactFields {
		if _, ok := knownFields[field]; !ok {
			return &RuleConfigurationError{RuleName: rule.Name, Reason: fmt.Sprintf("unknown field %q in exact partition", field)}
		}
		if exact[field] {
			return &RuleConfigurationError{RuleName: rule.Name, Reason: fmt.Sprintf("field %q listed twice in exact partition", field)}
		}
		exact[field] = true
	}

	for field, tolerance := range rule.Tolerances {
		kind, ok := knownFields[field]
		if !ok {
			return &RuleConfigurationError{RuleName: rule.Name, Reason: fmt.Sprintf("unknown field %q in tolerance partition", field)}
		}
		if kind != fieldNumeric {
			return &RuleConfigurationError{RuleName: rule.Name, Reason: fmt.Sprintf("field %q is not numeric and cannot carry a tolerance", field)}
		}
		if exact[field] {
			return &RuleConfigurationError{RuleName: rule.Name, Reason: fmt.Sprintf("field %q appears in both exact and tolerance partitions", field)}
		}
		if tolerance.IsNegative() {
			return &RuleConfigurationError{RuleName: rule.Name, Reason: fmt.Sprintf("negative tolerance for field %q", field)}
		}
	}

	if !exact[types.FieldTradingPartyCode] || !exact[types.FieldCounterpartyCode] {
		return &RuleConfigurationError{
			RuleName: rule.Name,
			Reason:   "exact partition must include trading_party_code and counterparty_code",
		}
	}
	return nil
}

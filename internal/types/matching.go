package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Canonical field names a matching rule may reference. Keys are derived
// from leg details using these names, so rule definitions, stored keys and
// the comparison logic all speak the same vocabulary.
const (
	FieldTradingPartyCode   = "trading_party_code"
	FieldCounterpartyCode   = "counterparty_code"
	FieldDirection          = "direction"
	FieldTradingCurrency    = "trading_currency"
	FieldSettlementCurrency = "settlement_currency"
	FieldTradeDate          = "trade_date"
	FieldSettlementDate     = "settlement_date"
	FieldTradeRef           = "trade_ref"
	FieldTradingAmount      = "trading_amount"
	FieldSettlementAmount   = "settlement_amount"
	FieldSettlementRate     = "settlement_rate"
)

// KeyDateFormat is the canonical string form of date-valued exact fields.
const KeyDateFormat = "2006-01-02"

// MatchingRule configures how keys are derived and compared: which fields
// must be literally equal and which compare within a numeric tolerance.
// A field never appears in both partitions. Rules are versioned and
// immutable; changing one creates a new version.
type MatchingRule struct {
	RuleID      string                     `json:"rule_id"`
	Name        string                     `json:"name"`
	Version     int                        `json:"version"`
	ExactFields []string                   `json:"exact_fields"`
	Tolerances  map[string]decimal.Decimal `json:"tolerances"`
}

// ToleranceBand is one tolerance-partition entry of a matching key: the
// field's value together with the tolerance the deriving rule declared for
// it. Carrying the tolerance inside the key lets two keys derived under
// different rule versions still compare, with the stricter band winning.
type ToleranceBand struct {
	Value     decimal.Decimal `json:"value"`
	Tolerance decimal.Decimal `json:"tolerance"`
}

// MatchingKey is the derived comparison form of a leg: literal values for
// the exact partition, value+tolerance bands for the tolerance partition.
// Keys are compared field by field, never collapsed into an opaque hash.
type MatchingKey struct {
	Exact     map[string]string        `json:"exact"`
	Tolerance map[string]ToleranceBand `json:"tolerance"`
}

func (k MatchingKey) Value() (driver.Value, error) {
	b, err := json.Marshal(k)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (k *MatchingKey) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*k = MatchingKey{}
		return nil
	case []byte:
		return json.Unmarshal(v, k)
	case string:
		return json.Unmarshal([]byte(v), k)
	}
	return fmt.Errorf("unsupported matching key column type %T", value)
}

// RuleRecord is the persisted form of a matching rule version. The field
// partitions are stored as JSON columns; at most one version of a named
// rule is active at a time.
type RuleRecord struct {
	gorm.Model  `json:"-"`
	RuleID      string    `gorm:"uniqueIndex" json:"rule_id"`
	Name        string    `gorm:"uniqueIndex:idx_rule_records_name_version" json:"name"`
	Version     int       `gorm:"uniqueIndex:idx_rule_records_name_version" json:"version"`
	ExactFields string    `json:"exact_fields"` // JSON array of field names
	Tolerances  string    `json:"tolerances"`   // JSON object field -> tolerance
	Active      bool      `gorm:"index" json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

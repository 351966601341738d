package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeType enumerates the confirmation document types the engine accepts.
type TradeType string

const (
	TradeTypeForward TradeType = "FORWARD"
	TradeTypeNDF     TradeType = "NDF"
	TradeTypeSpot    TradeType = "SPOT"
	TradeTypeSwap    TradeType = "SWAP"
)

func (t TradeType) IsValid() bool {
	switch t {
	case TradeTypeForward, TradeTypeNDF, TradeTypeSpot, TradeTypeSwap:
		return true
	}
	return false
}

// SingleLeg reports whether the trade type settles exactly once. Swaps
// settle twice (near and far leg); everything else settles once.
func (t TradeType) SingleLeg() bool {
	return t != TradeTypeSwap
}

// ConfirmationStatus is the aggregate processing status of a confirmation.
type ConfirmationStatus string

const (
	ConfirmationNotProcessed     ConfirmationStatus = "NOT_PROCESSED"
	ConfirmationExtracted        ConfirmationStatus = "EXTRACTED"
	ConfirmationPartiallyMatched ConfirmationStatus = "PARTIALLY_MATCHED"
	ConfirmationFullyMatched     ConfirmationStatus = "FULLY_MATCHED"
	ConfirmationError            ConfirmationStatus = "ERROR"
)

func (s ConfirmationStatus) IsValid() bool {
	switch s {
	case ConfirmationNotProcessed, ConfirmationExtracted,
		ConfirmationPartiallyMatched, ConfirmationFullyMatched, ConfirmationError:
		return true
	}
	return false
}

// CanTransitionTo reports whether the status machine permits moving from s
// to next. ERROR is reachable from any state except FULLY_MATCHED and is
// itself terminal; FULLY_MATCHED can only be demoted by an explicit unwind.
func (s ConfirmationStatus) CanTransitionTo(next ConfirmationStatus) bool {
	switch s {
	case ConfirmationNotProcessed:
		return next == ConfirmationExtracted || next == ConfirmationError
	case ConfirmationExtracted:
		return next == ConfirmationPartiallyMatched ||
			next == ConfirmationFullyMatched ||
			next == ConfirmationError
	case ConfirmationPartiallyMatched:
		return next == ConfirmationFullyMatched ||
			next == ConfirmationExtracted ||
			next == ConfirmationError
	case ConfirmationFullyMatched:
		// Unwinding a relationship demotes the aggregate; ERROR is not
		// reachable from a fully matched confirmation.
		return next == ConfirmationPartiallyMatched || next == ConfirmationExtracted
	case ConfirmationError:
		return false
	}
	return false
}

// Transaction is one raw settlement row of a parsed confirmation document,
// before extraction into matchable legs. Amounts are non-negative
// magnitudes; the direction field carries the sign semantics.
type Transaction struct {
	Direction      TradeDirection  `json:"direction"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	TradeDate      time.Time       `json:"trade_date"`
	SettlementDate time.Time       `json:"settlement_date"`
}

// TransactionList stores the raw transaction rows of a confirmation as a
// JSON column.
type TransactionList []Transaction

func (l TransactionList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *TransactionList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	}
	return fmt.Errorf("unsupported transaction list column type %T", value)
}

// Confirmation is one parsed trade confirmation document. Status and the
// leg counters are mutated only by the status propagator; the raw
// transaction rows are immutable once ingested.
type Confirmation struct {
	gorm.Model       `json:"-"`
	ConfirmationID   string              `gorm:"uniqueIndex" json:"confirmation_id"`
	TradeType        TradeType           `json:"trade_type"`
	TradingPartyCode string              `json:"trading_party_code"`
	CounterpartyCode string              `json:"counterparty_code"`
	TradeRef         string              `json:"trade_ref"`
	SettlementRate   decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"settlement_rate,omitempty"`
	Transactions     TransactionList     `gorm:"type:text" json:"transactions"`
	Status           ConfirmationStatus  `gorm:"index" json:"status"`
	TotalLegs        int                 `json:"total_legs"`
	MatchedLegs      int                 `json:"matched_legs"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

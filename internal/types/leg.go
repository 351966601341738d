package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeDirection is the side of the trading currency from the submitting
// party's perspective: BUY means the party receives the trading currency.
type TradeDirection string

const (
	DirectionBuy  TradeDirection = "BUY"
	DirectionSell TradeDirection = "SELL"
)

func (d TradeDirection) IsValid() bool {
	return d == DirectionBuy || d == DirectionSell
}

func (d TradeDirection) Opposite() TradeDirection {
	if d == DirectionBuy {
		return DirectionSell
	}
	return DirectionBuy
}

// LegMatchStatus is the match state of an extracted leg.
type LegMatchStatus string

const (
	LegUnmatched       LegMatchStatus = "UNMATCHED"
	LegMatched         LegMatchStatus = "MATCHED"
	LegMultipleMatches LegMatchStatus = "MULTIPLE_MATCHES"
)

func (s LegMatchStatus) IsValid() bool {
	switch s {
	case LegUnmatched, LegMatched, LegMultipleMatches:
		return true
	}
	return false
}

// Reevaluable reports whether a later matching pass may change this status.
// MATCHED is terminal for the leg unless its relationship is explicitly
// unwound.
func (s LegMatchStatus) Reevaluable() bool {
	return s == LegUnmatched || s == LegMultipleMatches
}

func (s LegMatchStatus) CanTransitionTo(next LegMatchStatus) bool {
	switch s {
	case LegUnmatched:
		return next == LegMatched || next == LegMultipleMatches
	case LegMultipleMatches:
		return next == LegMatched || next == LegUnmatched
	case LegMatched:
		// Unwind only.
		return next == LegUnmatched
	}
	return false
}

// LegDetails is the comparable payload of one extracted leg: one settlement
// of the trade, seen from the submitting party's perspective. Amounts are
// non-negative magnitudes; Direction carries which way the trading currency
// flows. SettlementRate is only present for NDF confirmations.
type LegDetails struct {
	TradingPartyCode   string              `json:"trading_party_code"`
	CounterpartyCode   string              `json:"counterparty_code"`
	Direction          TradeDirection      `json:"direction"`
	TradingCurrency    string              `json:"trading_currency"`
	TradingAmount      decimal.Decimal     `gorm:"type:decimal(24,8)" json:"trading_amount"`
	SettlementCurrency string              `json:"settlement_currency"`
	SettlementAmount   decimal.Decimal     `gorm:"type:decimal(24,8)" json:"settlement_amount"`
	TradeDate          time.Time           `json:"trade_date"`
	SettlementDate     time.Time           `gorm:"index" json:"settlement_date"`
	TradeRef           string              `json:"trade_ref"`
	SettlementRate     decimal.NullDecimal `gorm:"type:decimal(24,8)" json:"settlement_rate,omitempty"`
}

// Leg is the atomic unit of matching: one settlement extracted from a
// confirmation, carrying its derived comparison keys. Match status, the
// matched-leg reference and both keys are written only by the extraction
// and propagation paths.
type Leg struct {
	gorm.Model      `json:"-"`
	LegID           string         `gorm:"uniqueIndex" json:"leg_id"`
	ConfirmationID  string         `gorm:"index" json:"confirmation_id"`
	RuleID          string         `json:"rule_id"`
	LegDetails      `gorm:"embedded"`
	OwnKey          MatchingKey    `gorm:"type:text" json:"own_key"`
	CounterpartyKey MatchingKey    `gorm:"type:text" json:"counterparty_key"`
	MatchStatus     LegMatchStatus `gorm:"index" json:"match_status"`
	MatchedLegID    string         `json:"matched_leg_id,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// MatchRelationship records that two legs matched one-to-one. The pair is
// stored in canonical order (Leg1ID < Leg2ID) and is unique; a leg never
// pairs with itself.
type MatchRelationship struct {
	gorm.Model     `json:"-"`
	RelationshipID string    `gorm:"uniqueIndex" json:"relationship_id"`
	Leg1ID         string    `gorm:"uniqueIndex:idx_match_relationships_pair" json:"leg_1_id"`
	Leg2ID         string    `gorm:"uniqueIndex:idx_match_relationships_pair" json:"leg_2_id"`
	CreatedAt      time.Time `json:"created_at"`
}

package rules

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/confmatch/confmatch-api/internal/matching"
	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/confmatch/confmatch-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service manages versioned matching rules
type Service struct {
	db *Database
}

// NewService creates a new rules service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// ActiveRule returns the active version of a named rule, decoded for use
// by key derivation. A pass holds on to the returned value, so a version
// published mid-pass never changes comparisons already under way.
func (s *Service) ActiveRule(name string) (types.MatchingRule, error) {
	record, err := s.db.GetActiveByName(name)
	if err != nil {
		return types.MatchingRule{}, err
	}
	return decodeRecord(record)
}

// CreateRule validates and publishes a rule. A name that already exists
// gets the next version number; the previous version is deactivated in the
// same transaction.
func (s *Service) CreateRule(rule *types.MatchingRule) error {
	if err := matching.ValidateRule(*rule); err != nil {
		return err
	}

	latest, err := s.db.GetLatestVersion(rule.Name)
	if err != nil {
		return err
	}

	rule.RuleID = "RULE_" + uuid.New().String()
	rule.Version = latest + 1

	exactFields, err := json.Marshal(rule.ExactFields)
	if err != nil {
		return err
	}
	tolerances, err := json.Marshal(rule.Tolerances)
	if err != nil {
		return err
	}

	record := &types.RuleRecord{
		RuleID:      rule.RuleID,
		Name:        rule.Name,
		Version:     rule.Version,
		ExactFields: string(exactFields),
		Tolerances:  string(tolerances),
		Active:      true,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	if err := s.db.CreateVersion(record); err != nil {
		return err
	}

	log.Info().
		Str("rule_id", rule.RuleID).
		Str("name", rule.Name).
		Int("version", rule.Version).
		Str("service", "rules").
		Msg("Matching rule published")

	return nil
}

// EnsureDefaultRule seeds the named rule with the standard FX field
// partitions when no active version exists yet, and returns the active
// version either way.
func (s *Service) EnsureDefaultRule(name string) (types.MatchingRule, error) {
	rule, err := s.ActiveRule(name)
	if err == nil {
		return rule, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return types.MatchingRule{}, err
	}

	seed := types.MatchingRule{
		Name: name,
		ExactFields: []string{
			types.FieldTradingPartyCode,
			types.FieldCounterpartyCode,
			types.FieldDirection,
			types.FieldTradingCurrency,
			types.FieldSettlementCurrency,
			types.FieldSettlementDate,
		},
		Tolerances: map[string]decimal.Decimal{
			types.FieldTradingAmount:    decimal.NewFromFloat(0.01),
			types.FieldSettlementAmount: decimal.NewFromFloat(0.01),
		},
	}
	if err := s.CreateRule(&seed); err != nil {
		return types.MatchingRule{}, err
	}
	return seed, nil
}

// ListRules returns every stored rule version
func (s *Service) ListRules() ([]types.RuleRecord, error) {
	return s.db.ListRules()
}

func decodeRecord(record *types.RuleRecord) (types.MatchingRule, error) {
	rule := types.MatchingRule{
		RuleID:  record.RuleID,
		Name:    record.Name,
		Version: record.Version,
	}
	if err := json.Unmarshal([]byte(record.ExactFields), &rule.ExactFields); err != nil {
		return types.MatchingRule{}, fmt.Errorf("rule %s has a corrupt exact_fields column: %w", record.RuleID, err)
	}
	if err := json.Unmarshal([]byte(record.Tolerances), &rule.Tolerances); err != nil {
		return types.MatchingRule{}, fmt.Errorf("rule %s has a corrupt tolerances column: %w", record.RuleID, err)
	}
	return rule, nil
}

// GinHandlers contains HTTP handlers for rule endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for rule endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetRuleHandler handles GET requests for the active version of a rule
// URL parameter: name
func (h *GinHandlers) GetRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")
		if name == "" {
			response.BadRequest(c, "Rule name is required")
			return
		}

		rule, err := h.service.ActiveRule(name)
		response.Handle(c, rule, err)
	}
}

// CreateRuleHandler handles POST requests to publish a new rule version
// Request body should contain the rule's name and field partitions
func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var rule types.MatchingRule
		if err := c.ShouldBindJSON(&rule); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.CreateRule(&rule); err != nil {
			var config *matching.RuleConfigurationError
			if errors.As(err, &config) {
				response.BadRequest(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, rule)
	}
}

// ListRulesHandler handles GET requests to list all rule versions
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		records, err := h.service.ListRules()
		response.Handle(c, records, err)
	}
}

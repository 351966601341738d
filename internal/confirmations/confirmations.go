package confirmations

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/confmatch/confmatch-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// ErrInvalidConfirmation marks a document rejected by intake validation.
var ErrInvalidConfirmation = errors.New("invalid confirmation")

// ErrUnknownParty marks a party code that is missing from the directory or
// inactive.
var ErrUnknownParty = errors.New("unknown party code")

// Service handles confirmation intake and read access
type Service struct {
	db *Database
}

// NewService creates a new confirmations service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// ConfirmationDetail is the read model returned by GetConfirmation: the
// document plus the legs extracted from it.
type ConfirmationDetail struct {
	Confirmation *types.Confirmation `json:"confirmation"`
	Legs         []types.Leg         `json:"legs"`
}

// Ingest validates and persists a parsed confirmation document with
// idempotency support. Resubmitting the same idempotency key copies the
// originally stored confirmation into the argument instead of creating a
// duplicate.
func (s *Service) Ingest(confirmation *types.Confirmation, idempotencyKey, triggerSource string) error {
	// Check for existing idempotency record
	record, err := s.db.GetIdempotencyRecord(idempotencyKey)
	if err == nil && record != nil && record.ExpiresAt.After(time.Now()) {
		existing, err := s.db.GetConfirmation(record.ResourceID)
		if err != nil {
			return err
		}
		*confirmation = *existing
		return nil
	}

	if err := s.validateDocument(confirmation); err != nil {
		return err
	}

	confirmation.ConfirmationID = "CONF_" + uuid.New().String()
	confirmation.Status = types.ConfirmationNotProcessed
	confirmation.TotalLegs = 0
	confirmation.MatchedLegs = 0
	confirmation.CreatedAt = time.Now()
	confirmation.UpdatedAt = time.Now()

	logger := log.With().
		Str("confirmation_id", confirmation.ConfirmationID).
		Str("trade_type", string(confirmation.TradeType)).
		Str("service", "confirmations").
		Logger()

	if err := s.db.CreateConfirmationWithIdempotency(confirmation, idempotencyKey, triggerSource); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// Another submission won the key row. Replay its stored
			// document instead of surfacing the collision.
			record, lookupErr := s.db.GetIdempotencyRecord(idempotencyKey)
			if lookupErr == nil && record != nil {
				existing, getErr := s.db.GetConfirmation(record.ResourceID)
				if getErr == nil {
					*confirmation = *existing
					return nil
				}
			}
		}
		logger.Error().Err(err).Msg("Failed to store confirmation")
		return err
	}

	logger.Info().
		Str("trading_party", confirmation.TradingPartyCode).
		Str("counterparty", confirmation.CounterpartyCode).
		Int("transactions", len(confirmation.Transactions)).
		Msg("Confirmation ingested")

	return nil
}

// validateDocument checks document shape before persistence and normalizes
// party codes to the directory's uppercase form. Detailed row semantics
// (pairing, settlement grouping) are the leg extractor's job.
func (s *Service) validateDocument(confirmation *types.Confirmation) error {
	if !confirmation.TradeType.IsValid() {
		return fmt.Errorf("%w: unsupported trade type %q", ErrInvalidConfirmation, confirmation.TradeType)
	}

	confirmation.TradingPartyCode = strings.ToUpper(strings.TrimSpace(confirmation.TradingPartyCode))
	confirmation.CounterpartyCode = strings.ToUpper(strings.TrimSpace(confirmation.CounterpartyCode))
	if confirmation.TradingPartyCode == "" || confirmation.CounterpartyCode == "" {
		return fmt.Errorf("%w: trading party and counterparty codes are required", ErrInvalidConfirmation)
	}
	if confirmation.TradingPartyCode == confirmation.CounterpartyCode {
		return fmt.Errorf("%w: trading party and counterparty must differ", ErrInvalidConfirmation)
	}

	if len(confirmation.Transactions) == 0 {
		return fmt.Errorf("%w: at least one transaction row is required", ErrInvalidConfirmation)
	}
	for i, row := range confirmation.Transactions {
		if !row.Direction.IsValid() {
			return fmt.Errorf("%w: transaction %d has direction %q", ErrInvalidConfirmation, i, row.Direction)
		}
		if len(row.Currency) != 3 {
			return fmt.Errorf("%w: transaction %d has currency %q", ErrInvalidConfirmation, i, row.Currency)
		}
		if !row.Amount.IsPositive() {
			return fmt.Errorf("%w: transaction %d has a non-positive amount", ErrInvalidConfirmation, i)
		}
		if row.TradeDate.IsZero() || row.SettlementDate.IsZero() {
			return fmt.Errorf("%w: transaction %d is missing trade or settlement date", ErrInvalidConfirmation, i)
		}
		// Trade and settlement dates are calendar dates; keep them
		// comparable by storing the day at UTC midnight.
		confirmation.Transactions[i].Currency = strings.ToUpper(row.Currency)
		confirmation.Transactions[i].TradeDate = dayOf(row.TradeDate)
		confirmation.Transactions[i].SettlementDate = dayOf(row.SettlementDate)
	}

	for _, code := range []string{confirmation.TradingPartyCode, confirmation.CounterpartyCode} {
		party, err := s.db.ResolvePartyCode(code)
		if err != nil {
			return err
		}
		if party == nil {
			return fmt.Errorf("%w: %s", ErrUnknownParty, code)
		}
	}

	return nil
}

// dayOf truncates a timestamp to its calendar day at UTC midnight.
func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// GetConfirmation retrieves a confirmation and its extracted legs
func (s *Service) GetConfirmation(confirmationID string) (*ConfirmationDetail, error) {
	confirmation, err := s.db.GetConfirmation(confirmationID)
	if err != nil {
		return nil, err
	}

	legs, err := s.db.GetLegs(confirmationID)
	if err != nil {
		return nil, err
	}

	return &ConfirmationDetail{
		Confirmation: confirmation,
		Legs:         legs,
	}, nil
}

// ListUnprocessed returns confirmations awaiting leg extraction in a
// stable, oldest-first order.
func (s *Service) ListUnprocessed() ([]types.Confirmation, error) {
	return s.db.ListUnprocessed()
}

// History retrieves the status audit trail for a confirmation and its legs
func (s *Service) History(confirmationID string) ([]types.StatusHistoryEntry, error) {
	if _, err := s.db.GetConfirmation(confirmationID); err != nil {
		return nil, err
	}
	return s.db.GetHistory(confirmationID)
}

// ListConfirmations returns all confirmations, optionally filtered by status
func (s *Service) ListConfirmations(status string) ([]types.Confirmation, error) {
	if status == "" {
		return s.db.ListConfirmations()
	}

	parsed := types.ConfirmationStatus(strings.ToUpper(status))
	if !parsed.IsValid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidConfirmation, status)
	}
	return s.db.ListByStatus(parsed)
}

// GinHandlers contains HTTP handlers for confirmation endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for confirmation endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// IngestConfirmationHandler handles POST requests to ingest parsed
// confirmation documents. Requires an idempotency key in headers.
func (h *GinHandlers) IngestConfirmationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get idempotency key from header
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var confirmation types.Confirmation
		if err := c.ShouldBindJSON(&confirmation); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.Ingest(&confirmation, idempotencyKey, types.TriggerIngestAPI); err != nil {
			if errors.Is(err, ErrInvalidConfirmation) || errors.Is(err, ErrUnknownParty) {
				response.BadRequest(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, confirmation)
	}
}

// GetConfirmationHandler handles GET requests for a single confirmation
// URL parameter: confirmation_id
func (h *GinHandlers) GetConfirmationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		confirmationID := c.Param("confirmation_id")
		if confirmationID == "" {
			response.BadRequest(c, "Confirmation ID is required")
			return
		}

		detail, err := h.service.GetConfirmation(confirmationID)
		response.Handle(c, detail, err)
	}
}

// GetConfirmationHistoryHandler handles GET requests for a confirmation's
// status audit trail
// URL parameter: confirmation_id
func (h *GinHandlers) GetConfirmationHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		confirmationID := c.Param("confirmation_id")
		if confirmationID == "" {
			response.BadRequest(c, "Confirmation ID is required")
			return
		}

		entries, err := h.service.History(confirmationID)
		response.Handle(c, entries, err)
	}
}

// ListConfirmationsHandler handles GET requests to list confirmations
// Query parameter: status (optional)
func (h *GinHandlers) ListConfirmationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		confirmations, err := h.service.ListConfirmations(c.Query("status"))
		if err != nil {
			if errors.Is(err, ErrInvalidConfirmation) {
				response.BadRequest(c, err.Error())
				return
			}
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, confirmations)
	}
}

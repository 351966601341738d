package lifecycle

import (
	"errors"
	"time"

	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/confmatch/confmatch-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service applies status transitions for legs and confirmations. Every
// write goes through a guarded transaction in the Database layer; the
// service adds identifiers and structured logging on top.
type Service struct {
	db *Database
}

// NewService creates a new lifecycle service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// MarkExtracted assigns leg identifiers and persists the extraction
// outcome for a confirmation. The caller's confirmation is updated to the
// committed state on success.
func (s *Service) MarkExtracted(confirmation *types.Confirmation, legs []types.Leg, triggerSource string) error {
	now := time.Now()
	for i := range legs {
		legs[i].LegID = "LEG_" + uuid.New().String()
		legs[i].ConfirmationID = confirmation.ConfirmationID
		legs[i].MatchStatus = types.LegUnmatched
		legs[i].CreatedAt = now
		legs[i].UpdatedAt = now
	}

	if err := s.db.MarkExtracted(confirmation, legs, triggerSource); err != nil {
		return err
	}

	confirmation.Status = types.ConfirmationExtracted
	confirmation.TotalLegs = len(legs)

	log.Info().
		Str("confirmation_id", confirmation.ConfirmationID).
		Int("leg_count", len(legs)).
		Str("service", "lifecycle").
		Msg("Confirmation extracted")

	return nil
}

// MarkFailed quarantines a confirmation, recording the failure reason.
func (s *Service) MarkFailed(confirmation *types.Confirmation, reason, triggerSource string) error {
	if err := s.db.MarkFailed(confirmation, reason, triggerSource); err != nil {
		return err
	}

	confirmation.Status = types.ConfirmationError

	log.Warn().
		Str("confirmation_id", confirmation.ConfirmationID).
		Str("reason", reason).
		Str("service", "lifecycle").
		Msg("Confirmation quarantined")

	return nil
}

// CommitMatch records a one-to-one match between two legs.
func (s *Service) CommitMatch(leg1ID, leg2ID, triggerSource string) (*types.MatchRelationship, error) {
	relationshipID := "REL_" + uuid.New().String()

	relationship, err := s.db.CommitMatch(relationshipID, leg1ID, leg2ID, triggerSource)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("relationship_id", relationship.RelationshipID).
		Str("leg_1_id", relationship.Leg1ID).
		Str("leg_2_id", relationship.Leg2ID).
		Str("service", "lifecycle").
		Msg("Legs matched")

	return relationship, nil
}

// MarkAmbiguous flags a leg with several viable counterparts.
func (s *Service) MarkAmbiguous(leg *types.Leg, candidateIDs []string, triggerSource string) error {
	return s.db.MarkAmbiguous(leg, candidateIDs, triggerSource)
}

// ClearAmbiguity returns a previously ambiguous leg to UNMATCHED.
func (s *Service) ClearAmbiguity(leg *types.Leg, triggerSource string) error {
	return s.db.ClearAmbiguity(leg, triggerSource)
}

// Unwind dissolves a match relationship and demotes both sides.
func (s *Service) Unwind(relationshipID, triggerSource string) (*types.MatchRelationship, error) {
	relationship, err := s.db.UnwindMatch(relationshipID, triggerSource)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("relationship_id", relationshipID).
		Str("leg_1_id", relationship.Leg1ID).
		Str("leg_2_id", relationship.Leg2ID).
		Str("service", "lifecycle").
		Msg("Match unwound")

	return relationship, nil
}

// GetLeg retrieves a leg by its ID
func (s *Service) GetLeg(legID string) (*types.Leg, error) {
	return s.db.GetLeg(legID)
}

// GetRelationship retrieves a match relationship by its ID
func (s *Service) GetRelationship(relationshipID string) (*types.MatchRelationship, error) {
	return s.db.GetRelationship(relationshipID)
}

// ListRelationships retrieves all match relationships
func (s *Service) ListRelationships() ([]types.MatchRelationship, error) {
	return s.db.ListRelationships()
}

// ListReevaluableLegs returns the legs a matching pass may still act on.
func (s *Service) ListReevaluableLegs() ([]types.Leg, error) {
	return s.db.ListReevaluableLegs()
}

// FindCandidates returns the candidate pool for a leg.
func (s *Service) FindCandidates(leg *types.Leg) ([]*types.Leg, error) {
	return s.db.FindCandidates(leg)
}

// GinHandlers contains HTTP handlers for match lifecycle endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for match lifecycle endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// UnwindMatchHandler handles POST requests to dissolve a match
// URL parameter: relationship_id
func (h *GinHandlers) UnwindMatchHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		relationshipID := c.Param("relationship_id")
		if relationshipID == "" {
			response.BadRequest(c, "Relationship ID is required")
			return
		}

		relationship, err := h.service.Unwind(relationshipID, types.TriggerUnwindAPI)
		if err != nil {
			var invalid *InvalidTransitionError
			if errors.As(err, &invalid) {
				response.Conflict(c, err.Error())
				return
			}
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, relationship)
	}
}

// GetRelationshipHandler handles GET requests for a single match relationship
// URL parameter: relationship_id
func (h *GinHandlers) GetRelationshipHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		relationshipID := c.Param("relationship_id")
		if relationshipID == "" {
			response.BadRequest(c, "Relationship ID is required")
			return
		}

		relationship, err := h.service.GetRelationship(relationshipID)
		response.Handle(c, relationship, err)
	}
}

// ListRelationshipsHandler handles GET requests to list all match relationships
func (h *GinHandlers) ListRelationshipsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		relationships, err := h.service.ListRelationships()
		response.Handle(c, relationships, err)
	}
}

// GetLegHandler handles GET requests for a single leg
// URL parameter: leg_id
func (h *GinHandlers) GetLegHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		legID := c.Param("leg_id")
		if legID == "" {
			response.BadRequest(c, "Leg ID is required")
			return
		}

		leg, err := h.service.GetLeg(legID)
		response.Handle(c, leg, err)
	}
}

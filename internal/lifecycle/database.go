package lifecycle

import (
	"errors"
	"time"

	"github.com/confmatch/confmatch-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// Confirmation statuses whose legs participate in matching passes. ERROR
// confirmations are quarantined; FULLY_MATCHED ones have no open legs.
var poolStatuses = []types.ConfirmationStatus{
	types.ConfirmationExtracted,
	types.ConfirmationPartiallyMatched,
}

func (d *Database) GetLeg(legID string) (*types.Leg, error) {
	var leg types.Leg
	if err := d.db.Where("leg_id = ?", legID).First(&leg).Error; err != nil {
		return nil, err
	}
	return &leg, nil
}

func (d *Database) GetRelationship(relationshipID string) (*types.MatchRelationship, error) {
	var relationship types.MatchRelationship
	if err := d.db.Where("relationship_id = ?", relationshipID).First(&relationship).Error; err != nil {
		return nil, err
	}
	return &relationship, nil
}

func (d *Database) ListRelationships() ([]types.MatchRelationship, error) {
	var relationships []types.MatchRelationship
	if err := d.db.Order("id ASC").Find(&relationships).Error; err != nil {
		return nil, err
	}
	return relationships, nil
}

// ListReevaluableLegs returns every leg a matching pass may still act on,
// in creation order so repeated passes visit them deterministically.
func (d *Database) ListReevaluableLegs() ([]types.Leg, error) {
	var legs []types.Leg
	err := d.db.Model(&types.Leg{}).
		Select("legs.*").
		Joins("JOIN confirmations ON confirmations.confirmation_id = legs.confirmation_id").
		Where("legs.match_status IN ?", []types.LegMatchStatus{types.LegUnmatched, types.LegMultipleMatches}).
		Where("confirmations.status IN ?", poolStatuses).
		Order("legs.id ASC").
		Find(&legs).Error
	if err != nil {
		return nil, err
	}
	return legs, nil
}

// FindCandidates returns the candidate pool for a leg: legs of other
// confirmations that are not yet matched and whose confirmation still
// participates in passes. When the leg's key pins the settlement date the
// date doubles as a column prefilter; key equality itself stays with the
// matcher.
func (d *Database) FindCandidates(leg *types.Leg) ([]*types.Leg, error) {
	query := d.db.Model(&types.Leg{}).
		Select("legs.*").
		Joins("JOIN confirmations ON confirmations.confirmation_id = legs.confirmation_id").
		Where("legs.confirmation_id <> ?", leg.ConfirmationID).
		Where("legs.match_status <> ?", types.LegMatched).
		Where("confirmations.status IN ?", poolStatuses)

	if v, ok := leg.OwnKey.Exact[types.FieldSettlementDate]; ok {
		if day, err := time.Parse(types.KeyDateFormat, v); err == nil {
			query = query.Where("legs.settlement_date = ?", day)
		}
	}

	var legs []*types.Leg
	if err := query.Order("legs.id ASC").Find(&legs).Error; err != nil {
		return nil, err
	}
	return legs, nil
}

// MarkExtracted moves a confirmation from NOT_PROCESSED to EXTRACTED and
// inserts its legs, the leg counter and the history entry in one
// transaction. The status guard turns re-extraction into a stale-read
// error instead of a source of duplicate legs.
func (d *Database) MarkExtracted(confirmation *types.Confirmation, legs []types.Leg, triggerSource string) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&types.Confirmation{}).
		Where("confirmation_id = ? AND status = ?", confirmation.ConfirmationID, types.ConfirmationNotProcessed).
		Updates(map[string]interface{}{
			"status":     types.ConfirmationExtracted,
			"total_legs": len(legs),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return &InvalidTransitionError{
			Entity: "confirmation",
			ID:     confirmation.ConfirmationID,
			From:   string(types.ConfirmationNotProcessed),
			To:     string(types.ConfirmationExtracted),
		}
	}

	legIDs := make([]string, 0, len(legs))
	for i := range legs {
		if err := tx.Create(&legs[i]).Error; err != nil {
			tx.Rollback()
			return err
		}
		legIDs = append(legIDs, legs[i].LegID)
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: confirmation.ConfirmationID,
		EntityKind:     types.HistoryEntityConfirmation,
		PreviousStatus: string(types.ConfirmationNotProcessed),
		NewStatus:      string(types.ConfirmationExtracted),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"leg_count": len(legs),
			"leg_ids":   legIDs,
		},
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// MarkFailed moves a confirmation into ERROR, recording the reason on the
// history entry. FULLY_MATCHED and ERROR confirmations stay put.
func (d *Database) MarkFailed(confirmation *types.Confirmation, reason, triggerSource string) error {
	if !confirmation.Status.CanTransitionTo(types.ConfirmationError) {
		return &InvalidTransitionError{
			Entity: "confirmation",
			ID:     confirmation.ConfirmationID,
			From:   string(confirmation.Status),
			To:     string(types.ConfirmationError),
		}
	}

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&types.Confirmation{}).
		Where("confirmation_id = ? AND status = ?", confirmation.ConfirmationID, confirmation.Status).
		Updates(map[string]interface{}{
			"status":     types.ConfirmationError,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return &InvalidTransitionError{
			Entity: "confirmation",
			ID:     confirmation.ConfirmationID,
			From:   string(confirmation.Status),
			To:     string(types.ConfirmationError),
		}
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: confirmation.ConfirmationID,
		EntityKind:     types.HistoryEntityConfirmation,
		PreviousStatus: string(confirmation.Status),
		NewStatus:      string(types.ConfirmationError),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"reason": reason,
		},
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// CommitMatch links two legs one-to-one. The relationship row, both leg
// transitions to MATCHED and both confirmations' aggregate refresh commit
// or roll back together. A self-pair or sibling pair surfaces as
// *IneligiblePairError; an existing relationship or an already-matched
// leg as *DuplicateRelationshipError; a stale leg status as
// *InvalidTransitionError.
func (d *Database) CommitMatch(relationshipID, leg1ID, leg2ID, triggerSource string) (*types.MatchRelationship, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var first, second types.Leg
	if err := tx.Where("leg_id = ?", leg1ID).First(&first).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Where("leg_id = ?", leg2ID).First(&second).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	// A leg never pairs with itself or with a sibling of its own
	// confirmation.
	if first.LegID == second.LegID || first.ConfirmationID == second.ConfirmationID {
		tx.Rollback()
		return nil, &IneligiblePairError{Leg1ID: leg1ID, Leg2ID: leg2ID}
	}

	// A leg that is already matched means this pair, or a competing one,
	// won a race; report the benign duplicate signal and change nothing.
	if first.MatchStatus == types.LegMatched || second.MatchStatus == types.LegMatched {
		tx.Rollback()
		return nil, &DuplicateRelationshipError{Leg1ID: leg1ID, Leg2ID: leg2ID}
	}

	relationship := types.MatchRelationship{
		RelationshipID: relationshipID,
		Leg1ID:         leg1ID,
		Leg2ID:         leg2ID,
		CreatedAt:      time.Now(),
	}
	if relationship.Leg2ID < relationship.Leg1ID {
		relationship.Leg1ID, relationship.Leg2ID = relationship.Leg2ID, relationship.Leg1ID
	}

	if err := tx.Create(&relationship).Error; err != nil {
		tx.Rollback()
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, &DuplicateRelationshipError{Leg1ID: relationship.Leg1ID, Leg2ID: relationship.Leg2ID}
		}
		return nil, err
	}

	if err := d.matchLegTx(tx, &first, second.LegID, relationshipID, triggerSource); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := d.matchLegTx(tx, &second, first.LegID, relationshipID, triggerSource); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := d.refreshConfirmationTx(tx, first.ConfirmationID, triggerSource); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := d.refreshConfirmationTx(tx, second.ConfirmationID, triggerSource); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &relationship, nil
}

// matchLegTx applies the MATCHED transition for one leg inside the
// surrounding transaction, guarded on the status the caller read, and
// appends the leg's history entry.
func (d *Database) matchLegTx(tx *gorm.DB, leg *types.Leg, matchedLegID, relationshipID, triggerSource string) error {
	result := tx.Model(&types.Leg{}).
		Where("leg_id = ? AND match_status = ?", leg.LegID, leg.MatchStatus).
		Updates(map[string]interface{}{
			"match_status":   types.LegMatched,
			"matched_leg_id": matchedLegID,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &InvalidTransitionError{
			Entity: "leg",
			ID:     leg.LegID,
			From:   string(leg.MatchStatus),
			To:     string(types.LegMatched),
		}
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: leg.ConfirmationID,
		LegID:          leg.LegID,
		EntityKind:     types.HistoryEntityLeg,
		PreviousStatus: string(leg.MatchStatus),
		NewStatus:      string(types.LegMatched),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"matched_leg_id":  matchedLegID,
			"relationship_id": relationshipID,
		},
	}
	return tx.Create(&entry).Error
}

// refreshConfirmationTx recomputes a confirmation's matched-leg counter
// and aggregate status from its legs inside the surrounding transaction.
// The counter is written on every call; a history entry is appended only
// when the status itself moves.
func (d *Database) refreshConfirmationTx(tx *gorm.DB, confirmationID, triggerSource string) error {
	var confirmation types.Confirmation
	if err := tx.Where("confirmation_id = ?", confirmationID).First(&confirmation).Error; err != nil {
		return err
	}

	var matched int64
	err := tx.Model(&types.Leg{}).
		Where("confirmation_id = ? AND match_status = ?", confirmationID, types.LegMatched).
		Count(&matched).Error
	if err != nil {
		return err
	}

	next := types.ConfirmationExtracted
	switch {
	case confirmation.TotalLegs > 0 && int(matched) == confirmation.TotalLegs:
		next = types.ConfirmationFullyMatched
	case matched > 0:
		next = types.ConfirmationPartiallyMatched
	}

	if next == confirmation.Status {
		return tx.Model(&types.Confirmation{}).
			Where("confirmation_id = ?", confirmationID).
			Updates(map[string]interface{}{
				"matched_legs": matched,
				"updated_at":   time.Now(),
			}).Error
	}

	if !confirmation.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{
			Entity: "confirmation",
			ID:     confirmationID,
			From:   string(confirmation.Status),
			To:     string(next),
		}
	}

	result := tx.Model(&types.Confirmation{}).
		Where("confirmation_id = ? AND status = ?", confirmationID, confirmation.Status).
		Updates(map[string]interface{}{
			"status":       next,
			"matched_legs": matched,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &InvalidTransitionError{
			Entity: "confirmation",
			ID:     confirmationID,
			From:   string(confirmation.Status),
			To:     string(next),
		}
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: confirmationID,
		EntityKind:     types.HistoryEntityConfirmation,
		PreviousStatus: string(confirmation.Status),
		NewStatus:      string(next),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"matched_legs": matched,
			"total_legs":   confirmation.TotalLegs,
		},
	}
	return tx.Create(&entry).Error
}

// MarkAmbiguous records that a leg currently has several viable
// counterparts. Re-marking an already ambiguous leg is a no-op so repeated
// passes do not pile up history entries.
func (d *Database) MarkAmbiguous(leg *types.Leg, candidateIDs []string, triggerSource string) error {
	if leg.MatchStatus == types.LegMultipleMatches {
		return nil
	}
	if !leg.MatchStatus.CanTransitionTo(types.LegMultipleMatches) {
		return &InvalidTransitionError{
			Entity: "leg",
			ID:     leg.LegID,
			From:   string(leg.MatchStatus),
			To:     string(types.LegMultipleMatches),
		}
	}

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&types.Leg{}).
		Where("leg_id = ? AND match_status = ?", leg.LegID, leg.MatchStatus).
		Updates(map[string]interface{}{
			"match_status": types.LegMultipleMatches,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return &InvalidTransitionError{
			Entity: "leg",
			ID:     leg.LegID,
			From:   string(leg.MatchStatus),
			To:     string(types.LegMultipleMatches),
		}
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: leg.ConfirmationID,
		LegID:          leg.LegID,
		EntityKind:     types.HistoryEntityLeg,
		PreviousStatus: string(leg.MatchStatus),
		NewStatus:      string(types.LegMultipleMatches),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"candidate_leg_ids": candidateIDs,
			"candidate_count":   len(candidateIDs),
		},
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// ClearAmbiguity returns a leg to UNMATCHED after its candidate set
// evaporates, for example when competing candidates matched elsewhere.
func (d *Database) ClearAmbiguity(leg *types.Leg, triggerSource string) error {
	if leg.MatchStatus == types.LegUnmatched {
		return nil
	}
	if leg.MatchStatus != types.LegMultipleMatches {
		return &InvalidTransitionError{
			Entity: "leg",
			ID:     leg.LegID,
			From:   string(leg.MatchStatus),
			To:     string(types.LegUnmatched),
		}
	}

	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	result := tx.Model(&types.Leg{}).
		Where("leg_id = ? AND match_status = ?", leg.LegID, types.LegMultipleMatches).
		Updates(map[string]interface{}{
			"match_status": types.LegUnmatched,
			"updated_at":   time.Now(),
		})
	if result.Error != nil {
		tx.Rollback()
		return result.Error
	}
	if result.RowsAffected == 0 {
		tx.Rollback()
		return &InvalidTransitionError{
			Entity: "leg",
			ID:     leg.LegID,
			From:   string(types.LegMultipleMatches),
			To:     string(types.LegUnmatched),
		}
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: leg.ConfirmationID,
		LegID:          leg.LegID,
		EntityKind:     types.HistoryEntityLeg,
		PreviousStatus: string(types.LegMultipleMatches),
		NewStatus:      string(types.LegUnmatched),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"reason": "no remaining candidates",
		},
	}
	if err := tx.Create(&entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// UnwindMatch dissolves a relationship: the pair row is removed, both legs
// return to UNMATCHED and both confirmations' aggregates are demoted, all
// in one transaction. The row is removed outright rather than soft-deleted
// so the pair index cannot block a later re-match; the audit trail keeps
// the record of both the match and the unwind.
func (d *Database) UnwindMatch(relationshipID, triggerSource string) (*types.MatchRelationship, error) {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	var relationship types.MatchRelationship
	if err := tx.Where("relationship_id = ?", relationshipID).First(&relationship).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	var first, second types.Leg
	if err := tx.Where("leg_id = ?", relationship.Leg1ID).First(&first).Error; err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Where("leg_id = ?", relationship.Leg2ID).First(&second).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, leg := range []*types.Leg{&first, &second} {
		if leg.MatchStatus != types.LegMatched {
			tx.Rollback()
			return nil, &InvalidTransitionError{
				Entity: "leg",
				ID:     leg.LegID,
				From:   string(leg.MatchStatus),
				To:     string(types.LegUnmatched),
			}
		}
	}

	if err := tx.Unscoped().Where("relationship_id = ?", relationshipID).Delete(&types.MatchRelationship{}).Error; err != nil {
		tx.Rollback()
		return nil, err
	}

	for _, leg := range []*types.Leg{&first, &second} {
		if err := d.unmatchLegTx(tx, leg, relationshipID, triggerSource); err != nil {
			tx.Rollback()
			return nil, err
		}
	}

	if err := d.refreshConfirmationTx(tx, first.ConfirmationID, triggerSource); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := d.refreshConfirmationTx(tx, second.ConfirmationID, triggerSource); err != nil {
		tx.Rollback()
		return nil, err
	}

	if err := tx.Commit().Error; err != nil {
		return nil, err
	}
	return &relationship, nil
}

// unmatchLegTx applies the unwind transition for one leg inside the
// surrounding transaction and appends its history entry.
func (d *Database) unmatchLegTx(tx *gorm.DB, leg *types.Leg, relationshipID, triggerSource string) error {
	result := tx.Model(&types.Leg{}).
		Where("leg_id = ? AND match_status = ?", leg.LegID, types.LegMatched).
		Updates(map[string]interface{}{
			"match_status":   types.LegUnmatched,
			"matched_leg_id": "",
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return &InvalidTransitionError{
			Entity: "leg",
			ID:     leg.LegID,
			From:   string(types.LegMatched),
			To:     string(types.LegUnmatched),
		}
	}

	entry := types.StatusHistoryEntry{
		ConfirmationID: leg.ConfirmationID,
		LegID:          leg.LegID,
		EntityKind:     types.HistoryEntityLeg,
		PreviousStatus: string(types.LegMatched),
		NewStatus:      string(types.LegUnmatched),
		TriggerSource:  triggerSource,
		Payload: types.HistoryPayload{
			"relationship_id": relationshipID,
			"matched_leg_id":  leg.MatchedLegID,
		},
	}
	return tx.Create(&entry).Error
}

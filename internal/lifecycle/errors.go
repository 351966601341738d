package lifecycle

import "fmt"

// InvalidTransitionError reports a status update whose precondition no
// longer held when the guarded write ran: either the move is illegal for
// the entity's state machine, or the caller's read went stale. Callers
// re-read and retry; they never overwrite.
type InvalidTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s %s cannot move from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// DuplicateRelationshipError reports an attempt to record a match for a
// pair that already exists, or for a leg that is already matched. Racing
// passes discovering the same pair make this benign: the relationship is
// in place, state is unchanged, and the batch continues.
type DuplicateRelationshipError struct {
	Leg1ID string
	Leg2ID string
}

func (e *DuplicateRelationshipError) Error() string {
	return fmt.Sprintf("legs %s and %s already have a match relationship", e.Leg1ID, e.Leg2ID)
}

// IneligiblePairError reports a pairing the matcher would never propose:
// a leg with itself, or two legs of the same confirmation. The propagator
// owns every relationship write, so it rejects such pairs even when a
// caller bypasses the matcher.
type IneligiblePairError struct {
	Leg1ID string
	Leg2ID string
}

func (e *IneligiblePairError) Error() string {
	return fmt.Sprintf("legs %s and %s cannot be paired: same leg or same confirmation", e.Leg1ID, e.Leg2ID)
}

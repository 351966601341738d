package engine

import (
	"github.com/confmatch/confmatch-api/internal/types"
)

// The orchestrator works against narrow collaborator contracts so passes
// stay independent of how confirmations, legs and rules are stored. The
// confirmations, lifecycle and rules services implement them.

// ConfirmationSource supplies confirmations awaiting leg extraction.
type ConfirmationSource interface {
	ListUnprocessed() ([]types.Confirmation, error)
}

// LegStore supplies the open leg pool and candidate lookups.
type LegStore interface {
	ListReevaluableLegs() ([]types.Leg, error)
	FindCandidates(leg *types.Leg) ([]*types.Leg, error)
	GetLeg(legID string) (*types.Leg, error)
}

// Propagator applies guarded status transitions. Every method is atomic:
// the transition, its relationship and counter writes and its history
// entry land together or not at all.
type Propagator interface {
	MarkExtracted(confirmation *types.Confirmation, legs []types.Leg, triggerSource string) error
	MarkFailed(confirmation *types.Confirmation, reason, triggerSource string) error
	CommitMatch(leg1ID, leg2ID, triggerSource string) (*types.MatchRelationship, error)
	MarkAmbiguous(leg *types.Leg, candidateIDs []string, triggerSource string) error
	ClearAmbiguity(leg *types.Leg, triggerSource string) error
}

// RuleSource resolves the active matching rule for a pass. The rule is
// read once per pass and treated as immutable while the pass runs.
type RuleSource interface {
	ActiveRule(name string) (types.MatchingRule, error)
}

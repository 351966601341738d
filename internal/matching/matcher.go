package matching

import "github.com/confmatch/confmatch-api/internal/types"

// MatchResult classifies the outcome of a single leg's candidate search.
type MatchResult string

const (
	ResultNoMatch   MatchResult = "NO_MATCH"   // no eligible candidate aligned
	ResultOneToOne  MatchResult = "ONE_TO_ONE" // exactly one candidate aligned
	ResultAmbiguous MatchResult = "AMBIGUOUS"  // two or more candidates aligned
)

// Outcome carries the classification together with every candidate that
// aligned. An ambiguous outcome keeps all of them; the engine never picks a
// winner on the leg's behalf.
type Outcome struct {
	Result     MatchResult
	Candidates []*types.Leg
}

// FindMatch compares a leg's own key against each candidate's counterparty
// key and classifies the result. Candidates are re-checked for eligibility
// here so a stale pool cannot produce a match against the leg itself, a
// sibling leg of the same confirmation, or a leg already matched elsewhere.
//
// The comparison is symmetric: because the counterparty transform is
// self-inverse, leg A aligning with candidate B implies B aligns with A.
func FindMatch(leg *types.Leg, candidates []*types.Leg) Outcome {
	var aligned []*types.Leg
	for _, candidate := range candidates {
		if !eligible(leg, candidate) {
			continue
		}
		if KeysMatch(leg.OwnKey, candidate.CounterpartyKey) {
			aligned = append(aligned, candidate)
		}
	}

	switch len(aligned) {
	case 0:
		return Outcome{Result: ResultNoMatch}
	case 1:
		return Outcome{Result: ResultOneToOne, Candidates: aligned}
	default:
		return Outcome{Result: ResultAmbiguous, Candidates: aligned}
	}
}

// eligible guards the candidate set: a leg never matches itself, a leg from
// its own confirmation, or a leg that is already matched.
func eligible(leg, candidate *types.Leg) bool {
	if candidate.LegID == leg.LegID {
		return false
	}
	if candidate.ConfirmationID == leg.ConfirmationID {
		return false
	}
	if candidate.MatchStatus == types.LegMatched {
		return false
	}
	return true
}

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/confmatch/confmatch-api/internal/extraction"
	"github.com/confmatch/confmatch-api/internal/lifecycle"
	"github.com/confmatch/confmatch-api/internal/matching"
	"github.com/confmatch/confmatch-api/internal/types"
	"github.com/confmatch/confmatch-api/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Orchestrator runs matching passes: extraction of newly ingested
// confirmations followed by candidate evaluation over the open leg pool.
// Per-confirmation and per-leg failures are isolated and logged; only
// storage failures abort a pass.
type Orchestrator struct {
	confirmations ConfirmationSource
	legs          LegStore
	propagator    Propagator
	rules         RuleSource
	ruleName      string
}

// NewOrchestrator creates a matching pass orchestrator using the named
// rule for key derivation.
func NewOrchestrator(confirmations ConfirmationSource, legs LegStore, propagator Propagator, rules RuleSource, ruleName string) *Orchestrator {
	return &Orchestrator{
		confirmations: confirmations,
		legs:          legs,
		propagator:    propagator,
		rules:         rules,
		ruleName:      ruleName,
	}
}

// PassReport summarizes one matching pass.
type PassReport struct {
	TriggerSource  string `json:"trigger_source"`
	RuleID         string `json:"rule_id"`
	Extracted      int    `json:"extracted"`
	ExtractErrors  int    `json:"extract_errors"`
	RuleErrors     int    `json:"rule_errors"`
	LegsCreated    int    `json:"legs_created"`
	LegsEvaluated  int    `json:"legs_evaluated"`
	MatchesCreated int    `json:"matches_created"`
	Ambiguous      int    `json:"ambiguous"`
	DurationMS     int64  `json:"duration_ms"`
}

// RunPass executes one full matching pass and reports what it did.
func (o *Orchestrator) RunPass(triggerSource string) (*PassReport, error) {
	start := time.Now()
	logger := log.With().
		Str("component", "matching_pass").
		Str("trigger_source", triggerSource).
		Logger()

	rule, err := o.rules.ActiveRule(o.ruleName)
	if err != nil {
		return nil, fmt.Errorf("failed to load matching rule %q: %w", o.ruleName, err)
	}

	report := &PassReport{
		TriggerSource: triggerSource,
		RuleID:        rule.RuleID,
	}

	if err := o.extractPhase(rule, report, triggerSource); err != nil {
		return nil, err
	}
	if err := o.matchPhase(report, triggerSource); err != nil {
		return nil, err
	}

	report.DurationMS = time.Since(start).Milliseconds()
	logger.Info().
		Int("extracted", report.Extracted).
		Int("legs_evaluated", report.LegsEvaluated).
		Int("matches_created", report.MatchesCreated).
		Int("ambiguous", report.Ambiguous).
		Int64("duration_ms", report.DurationMS).
		Msg("Matching pass complete")

	return report, nil
}

// extractPhase decomposes every NOT_PROCESSED confirmation into legs with
// derived keys. Irregular documents are quarantined; a misconfigured rule
// leaves its confirmations untouched so a rule fix picks them up again.
func (o *Orchestrator) extractPhase(rule types.MatchingRule, report *PassReport, triggerSource string) error {
	logger := log.With().Str("component", "matching_pass").Logger()

	pending, err := o.confirmations.ListUnprocessed()
	if err != nil {
		return err
	}

	for i := range pending {
		confirmation := &pending[i]

		details, err := extraction.ExtractLegs(confirmation)
		if err != nil {
			var irregular *extraction.IrregularLegStructureError
			if !errors.As(err, &irregular) {
				return err
			}
			report.ExtractErrors++
			logger.Warn().
				Err(err).
				Str("confirmation_id", confirmation.ConfirmationID).
				Msg("Confirmation cannot be decomposed")
			if err := o.propagator.MarkFailed(confirmation, irregular.Reason, triggerSource); err != nil {
				var invalid *lifecycle.InvalidTransitionError
				if errors.As(err, &invalid) {
					continue
				}
				return err
			}
			continue
		}

		legs, err := buildLegs(rule, details)
		if err != nil {
			report.RuleErrors++
			logger.Error().
				Err(err).
				Str("confirmation_id", confirmation.ConfirmationID).
				Str("rule_id", rule.RuleID).
				Msg("Key derivation failed, confirmation left unprocessed")
			continue
		}

		if err := o.propagator.MarkExtracted(confirmation, legs, triggerSource); err != nil {
			var invalid *lifecycle.InvalidTransitionError
			if errors.As(err, &invalid) {
				// Another pass extracted it first.
				continue
			}
			return err
		}
		report.Extracted++
		report.LegsCreated += len(legs)
	}

	return nil
}

// buildLegs derives both comparison keys for each extracted leg.
func buildLegs(rule types.MatchingRule, details []types.LegDetails) ([]types.Leg, error) {
	legs := make([]types.Leg, 0, len(details))
	for _, detail := range details {
		ownKey, err := matching.DeriveOwnKey(detail, rule)
		if err != nil {
			return nil, err
		}
		legs = append(legs, types.Leg{
			RuleID:          rule.RuleID,
			LegDetails:      detail,
			OwnKey:          ownKey,
			CounterpartyKey: matching.DeriveCounterpartyKey(ownKey),
		})
	}
	return legs, nil
}

// matchPhase re-evaluates every open leg in creation order. Legs matched
// earlier in the same pass drop out when re-read.
func (o *Orchestrator) matchPhase(report *PassReport, triggerSource string) error {
	legs, err := o.legs.ListReevaluableLegs()
	if err != nil {
		return err
	}

	for i := range legs {
		current, err := o.legs.GetLeg(legs[i].LegID)
		if err != nil {
			return err
		}
		if !current.MatchStatus.Reevaluable() {
			continue
		}

		report.LegsEvaluated++
		if err := o.evaluateLeg(current, report, triggerSource, true); err != nil {
			return err
		}
	}
	return nil
}

// evaluateLeg resolves one leg against its candidate pool and applies the
// outcome. retry permits a single re-evaluation after a stale-read
// rejection; beyond that the leg waits for the next pass.
func (o *Orchestrator) evaluateLeg(leg *types.Leg, report *PassReport, triggerSource string, retry bool) error {
	logger := log.With().
		Str("component", "matching_pass").
		Str("leg_id", leg.LegID).
		Logger()

	candidates, err := o.legs.FindCandidates(leg)
	if err != nil {
		return err
	}

	outcome := matching.FindMatch(leg, candidates)
	switch outcome.Result {
	case matching.ResultOneToOne:
		candidate := outcome.Candidates[0]

		// The candidate must independently resolve one-to-one back to
		// this leg. Committing while the counterpart still sees several
		// viable legs would resolve its ambiguity by evaluation order.
		mutual, err := o.resolvesBack(candidate, leg)
		if err != nil {
			return err
		}
		if !mutual {
			logger.Debug().
				Str("candidate_leg_id", candidate.LegID).
				Msg("Counterpart does not resolve one-to-one, leaving open")
			return nil
		}

		_, err = o.propagator.CommitMatch(leg.LegID, candidate.LegID, triggerSource)
		if err == nil {
			report.MatchesCreated++
			return nil
		}

		var duplicate *lifecycle.DuplicateRelationshipError
		if errors.As(err, &duplicate) {
			logger.Debug().Str("candidate_leg_id", candidate.LegID).Msg("Relationship already recorded")
			return nil
		}

		var invalid *lifecycle.InvalidTransitionError
		if errors.As(err, &invalid) {
			if !retry {
				logger.Warn().Err(err).Msg("Leg kept moving during evaluation, deferring to next pass")
				return nil
			}
			current, err := o.legs.GetLeg(leg.LegID)
			if err != nil {
				return err
			}
			if !current.MatchStatus.Reevaluable() {
				return nil
			}
			return o.evaluateLeg(current, report, triggerSource, false)
		}

		return err

	case matching.ResultAmbiguous:
		candidateIDs := make([]string, 0, len(outcome.Candidates))
		for _, candidate := range outcome.Candidates {
			candidateIDs = append(candidateIDs, candidate.LegID)
		}
		if err := o.propagator.MarkAmbiguous(leg, candidateIDs, triggerSource); err != nil {
			var invalid *lifecycle.InvalidTransitionError
			if errors.As(err, &invalid) {
				return nil
			}
			return err
		}
		if leg.MatchStatus != types.LegMultipleMatches {
			report.Ambiguous++
		}
		return nil

	default:
		if leg.MatchStatus == types.LegMultipleMatches {
			if err := o.propagator.ClearAmbiguity(leg, triggerSource); err != nil {
				var invalid *lifecycle.InvalidTransitionError
				if errors.As(err, &invalid) {
					return nil
				}
				return err
			}
		}
		return nil
	}
}

// resolvesBack reports whether candidate's own evaluation yields exactly
// leg as its single match.
func (o *Orchestrator) resolvesBack(candidate, leg *types.Leg) (bool, error) {
	pool, err := o.legs.FindCandidates(candidate)
	if err != nil {
		return false, err
	}
	back := matching.FindMatch(candidate, pool)
	return back.Result == matching.ResultOneToOne && back.Candidates[0].LegID == leg.LegID, nil
}

// GinHandlers contains HTTP handlers for matching pass endpoints
type GinHandlers struct {
	orchestrator *Orchestrator
}

// NewGinHandlers creates a new set of HTTP handlers for matching pass endpoints
func NewGinHandlers(orchestrator *Orchestrator) *GinHandlers {
	return &GinHandlers{
		orchestrator: orchestrator,
	}
}

// RunPassHandler handles POST requests to run a synchronous matching pass
func (h *GinHandlers) RunPassHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.orchestrator.RunPass(types.TriggerMatchingPassAPI)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, report)
	}
}

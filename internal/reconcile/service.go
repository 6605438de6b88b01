package reconcile

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/matching"
	"movement-matcher/internal/observability"
	"movement-matcher/internal/storage"
)

// Service is the external surface of the subsystem: manual match and unmatch,
// interactive candidate search, unmatched listings and pass runs.
type Service struct {
	orch *Orchestrator
}

// NewService creates a Service with its own Orchestrator.
func NewService(opts Options) *Service {
	return &Service{orch: New(opts)}
}

// RunPass runs one reconciliation pass. Idempotent.
func (s *Service) RunPass(ctx context.Context, trigger string) (*PassResult, error) {
	return s.orch.RunPass(ctx, trigger)
}

// MatchMovement commits a manual match between a movement and the given
// events, multi-leg allowed. Empty matchedIDs marks the movement as having no
// onchain counterpart. Returns storage.ErrNotFound for unknown ids and
// storage.ErrConflict when an event is already a match endpoint.
func (s *Service) MatchMovement(ctx context.Context, movementID int64, matchedIDs []int64) error {
	movement, err := s.orch.events.GetByID(ctx, movementID)
	if err != nil {
		return fmt.Errorf("load movement %d: %w", movementID, err)
	}
	if !movement.IsMovement() {
		return fmt.Errorf("event %d is not a movement: %w", movementID, storage.ErrInvalidInput)
	}

	if len(matchedIDs) == 0 {
		if err := s.orch.links.RecordNoMatch(ctx, movementID); err != nil {
			return err
		}
		observability.RecordManualMatch()
		return nil
	}

	matched, err := s.orch.events.GetByIDs(ctx, matchedIDs)
	if err != nil {
		return fmt.Errorf("load matched events: %w", err)
	}
	if len(matched) != len(matchedIDs) {
		return fmt.Errorf("matched event missing: %w", storage.ErrNotFound)
	}
	for _, id := range matchedIDs {
		linked, err := s.orch.links.IsLinked(ctx, id)
		if err != nil {
			return err
		}
		if linked {
			return fmt.Errorf("event %d is already a match endpoint: %w", id, storage.ErrConflict)
		}
	}

	fee, err := s.feeLegFor(ctx, movement)
	if err != nil {
		return err
	}

	mutation, err := s.orch.mutator.BuildMatchMutation(ctx, movement, fee, matched)
	if err != nil {
		return err
	}
	if err := s.orch.matches.ApplyMatch(ctx, mutation); err != nil {
		return err
	}
	observability.RecordManualMatch()
	return nil
}

// UnmatchMovement removes every link touching eventID, either endpoint, and
// restores the freed events from their backups. An ignore marker alone is
// cleared. Returns storage.ErrNotFound when neither exists.
func (s *Service) UnmatchMovement(ctx context.Context, eventID int64) (*storage.UnmatchResult, error) {
	result, err := s.orch.matches.ApplyUnmatch(ctx, eventID)
	if err != nil {
		return nil, err
	}
	observability.RecordManualUnmatch()
	return result, nil
}

// FindCandidates searches counterpart candidates for the movement in the
// given group, for interactive matching. Zero windowSeconds uses the
// orchestrator default. With onlyExpectedAssets false, OtherEvents covers
// every asset in the window.
func (s *Service) FindCandidates(ctx context.Context, movementGroupID string, windowSeconds int64, tolerance decimal.Decimal, onlyExpectedAssets bool) (*matching.Candidates, error) {
	movement, fee, err := s.movementLegs(ctx, movementGroupID)
	if err != nil {
		return nil, err
	}

	if windowSeconds == 0 {
		windowSeconds = s.orch.windowSeconds
	}
	params := matching.Params{WindowSeconds: windowSeconds, Tolerance: tolerance}
	return s.orch.finder.FindCandidates(ctx, movement, fee, params, onlyExpectedAssets)
}

// ListUnmatchedMovements returns movement main legs without a match, newest
// first. With onlyIgnored true it returns the movements explicitly marked as
// having no counterpart instead.
func (s *Service) ListUnmatchedMovements(ctx context.Context, onlyIgnored bool) ([]*domain.HistoryEvent, error) {
	linked, err := s.orch.links.LinkedEventIDs(ctx)
	if err != nil {
		return nil, err
	}
	ignored, err := s.orch.links.IgnoredEventIDs(ctx)
	if err != nil {
		return nil, err
	}

	all, err := s.orch.events.List(ctx, &storage.EventFilter{
		EntryTypes:  []domain.EntryType{domain.EntryTypeMovement},
		NewestFirst: true,
	})
	if err != nil {
		return nil, err
	}

	var result []*domain.HistoryEvent
	for _, e := range all {
		if !e.IsMovement() {
			continue
		}
		if _, isLinked := linked[e.Identifier]; isLinked {
			continue
		}
		_, isIgnored := ignored[e.Identifier]
		if isIgnored != onlyIgnored {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

// movementLegs loads the main movement leg and optional fee leg of a group.
func (s *Service) movementLegs(ctx context.Context, groupID string) (movement, fee *domain.HistoryEvent, err error) {
	events, err := s.orch.events.GetByGroup(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range events {
		switch {
		case e.IsMovement() && movement == nil:
			movement = e
		case e.EntryType == domain.EntryTypeMovement && fee == nil:
			fee = e
		}
	}
	if movement == nil {
		return nil, nil, fmt.Errorf("group %s has no movement: %w", groupID, storage.ErrNotFound)
	}
	return movement, fee, nil
}

// feeLegFor finds the same-group fee leg of a movement, if any.
func (s *Service) feeLegFor(ctx context.Context, movement *domain.HistoryEvent) (*domain.HistoryEvent, error) {
	events, err := s.orch.events.GetByGroup(ctx, movement.GroupIdentifier)
	if err != nil {
		return nil, err
	}
	for _, e := range events {
		if e.Identifier != movement.Identifier && e.EntryType == domain.EntryTypeMovement && !e.IsMovement() {
			return e, nil
		}
	}
	return nil, nil
}

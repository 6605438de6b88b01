package reconcile

import (
	"context"
	"fmt"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/matching"
	"movement-matcher/internal/storage"
)

// counterpartyMonerium events carry notes with legal references that must
// survive a match rewrite.
const counterpartyMonerium = "monerium"

// Mutator prepares match mutations: the rewritten matched events, the
// adjustment event for a small amount gap, and the stale adjustments to drop.
// It only reads; the MatchStore applies the result atomically.
type Mutator struct {
	events   storage.EventStore
	mappings storage.MappingStore
}

// NewMutator creates a mutator over the given stores.
func NewMutator(events storage.EventStore, mappings storage.MappingStore) *Mutator {
	return &Mutator{events: events, mappings: mappings}
}

// BuildMatchMutation prepares the mutation committing a match between a
// movement and the given events. The matched events are rewritten to the
// canonical pair for the direction, get the movement's venue as counterparty
// and regenerated notes, and record the movement under matched_movement_*
// extra keys. An adjustment event is prepared when a single matched event
// differs from every expected amount.
func (m *Mutator) BuildMatchMutation(ctx context.Context, movement, fee *domain.HistoryEvent, matched []*domain.HistoryEvent) (*storage.MatchMutation, error) {
	direction, ok := domain.DirectionOf(movement)
	if !ok {
		return nil, fmt.Errorf("event %d is not a movement: %w", movement.Identifier, storage.ErrInvalidInput)
	}
	if len(matched) == 0 {
		return nil, fmt.Errorf("no matched events: %w", storage.ErrInvalidInput)
	}

	mutation := &storage.MatchMutation{
		MovementID:     movement.Identifier,
		AutoMatchedIDs: []int64{movement.Identifier},
	}
	for _, e := range matched {
		rewritten := m.rewriteMatchedEvent(movement, e, direction)
		mutation.MatchedEvents = append(mutation.MatchedEvents, rewritten)
		mutation.AutoMatchedIDs = append(mutation.AutoMatchedIDs, e.Identifier)
	}

	// Adjustments only make sense against a single counterpart; a manual
	// multi-leg match distributes the amount in ways only the user knows.
	if len(matched) == 1 {
		adjustment, deleteIDs, err := m.buildAdjustment(ctx, movement, fee, matched[0], direction)
		if err != nil {
			return nil, err
		}
		mutation.Adjustment = adjustment
		mutation.DeleteAdjustmentIDs = deleteIDs
	}

	return mutation, nil
}

// rewriteMatchedEvent returns a copy of the matched event carrying the
// canonical shape for the direction.
func (m *Mutator) rewriteMatchedEvent(movement, matched *domain.HistoryEvent, direction domain.Direction) *domain.HistoryEvent {
	e := matched.Clone()

	editNotes := true
	switch e.EntryType {
	case domain.EntryTypeOnchain:
		if e.Counterparty == counterpartyMonerium {
			editNotes = false
		}
		e.Counterparty = movement.Location
	case domain.EntryTypeMovement:
		// Movement notes are autogenerated on both sides.
		editNotes = false
	}

	if direction == domain.DirectionDeposit {
		e.EventType = domain.EventTypeDeposit
		e.EventSubtype = domain.EventSubtypeDepositAsset
		if editNotes {
			e.Notes = fmt.Sprintf("Deposit %s %s to %s", e.Amount, e.Asset, e.LocationLabel)
			if movement.LocationLabel != "" {
				e.Notes += fmt.Sprintf(" from %s", movement.LocationLabel)
			}
		}
	} else {
		e.EventType = domain.EventTypeWithdrawal
		e.EventSubtype = domain.EventSubtypeRemoveAsset
		if editNotes {
			e.Notes = fmt.Sprintf("Withdraw %s %s from %s", e.Amount, e.Asset, e.LocationLabel)
			if movement.LocationLabel != "" {
				e.Notes += fmt.Sprintf(" to %s", movement.LocationLabel)
			}
		}
	}

	if e.ExtraData == nil {
		e.ExtraData = make(map[string]string, 3)
	}
	e.ExtraData[domain.ExtraKeyMatchedGroup] = movement.GroupIdentifier
	e.ExtraData[domain.ExtraKeyMatchedVenue] = movement.Location
	e.ExtraData[domain.ExtraKeyMatchedVenueName] = movement.LocationLabel

	return e
}

// buildAdjustment prepares the adjustment event covering the gap between the
// matched amount and the nearest expected amount, plus the ids of stale
// uncustomized adjustments from an earlier match of the same pair. Returns a
// nil adjustment when the amounts match exactly or an existing adjustment
// already covers the difference.
func (m *Mutator) buildAdjustment(ctx context.Context, movement, fee, matched *domain.HistoryEvent, direction domain.Direction) (*domain.HistoryEvent, []int64, error) {
	expected := matching.ExpectedAmounts(movement, fee, direction)
	for _, want := range expected {
		if want.Equal(matched.Amount) {
			return nil, nil, nil
		}
	}

	effective := expected[0]
	for _, want := range expected[1:] {
		if want.Sub(matched.Amount).Abs().Cmp(effective.Sub(matched.Amount).Abs()) < 0 {
			effective = want
		}
	}
	diff := effective.Sub(matched.Amount).Abs()

	// The matched event may itself be a movement, so its group can carry an
	// adjustment from an earlier match too.
	existing, err := m.events.List(ctx, &storage.EventFilter{
		GroupIdentifiers: []string{movement.GroupIdentifier, matched.GroupIdentifier},
		Assets:           []string{movement.Asset},
		EntryTypes:       []domain.EntryType{domain.EntryTypePlain},
		TypePairs: []domain.TypePair{
			{Type: domain.EventTypeAdjustment, Subtype: domain.EventSubtypeSpend},
			{Type: domain.EventTypeAdjustment, Subtype: domain.EventSubtypeReceive},
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list existing adjustments: %w", err)
	}

	hasCorrect := false
	var staleIDs []int64
	for _, adj := range existing {
		if !hasCorrect && adj.Amount.Equal(diff) {
			// An earlier unlink-and-rematch left the right adjustment behind.
			hasCorrect = true
			continue
		}
		staleIDs = append(staleIDs, adj.Identifier)
	}

	// User-customized adjustments are never deleted automatically.
	if len(staleIDs) > 0 {
		customized, err := m.mappings.IDsWithState(ctx, staleIDs, domain.MappingStateCustomized)
		if err != nil {
			return nil, nil, fmt.Errorf("filter customized adjustments: %w", err)
		}
		kept := staleIDs[:0]
		for _, id := range staleIDs {
			if _, ok := customized[id]; !ok {
				kept = append(kept, id)
			}
		}
		staleIDs = kept
	}

	if hasCorrect {
		return nil, staleIDs, nil
	}

	seq, err := m.events.NextSequenceIndex(ctx, movement.GroupIdentifier)
	if err != nil {
		return nil, nil, fmt.Errorf("next sequence index: %w", err)
	}

	subtype := domain.EventSubtypeReceive
	if (direction == domain.DirectionDeposit && effective.Cmp(matched.Amount) > 0) ||
		(direction == domain.DirectionWithdrawal && effective.Cmp(matched.Amount) < 0) {
		subtype = domain.EventSubtypeSpend
	}

	return &domain.HistoryEvent{
		GroupIdentifier: movement.GroupIdentifier,
		SequenceIndex:   seq,
		TimestampMS:     movement.TimestampMS,
		Location:        movement.Location,
		LocationLabel:   movement.LocationLabel,
		Asset:           movement.Asset,
		Amount:          diff,
		EventType:       domain.EventTypeAdjustment,
		EventSubtype:    subtype,
		EntryType:       domain.EntryTypePlain,
		Notes: fmt.Sprintf(
			"Adjustment of %s %s to account for the difference between venue and onchain amounts.",
			diff, movement.Asset,
		),
	}, staleIDs, nil
}

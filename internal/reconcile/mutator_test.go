package reconcile

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage/memory"
)

type mutatorFixture struct {
	events   *memory.EventStore
	mappings *memory.MappingStore
	mutator  *Mutator
}

func newMutatorFixture(t *testing.T) *mutatorFixture {
	t.Helper()
	events := memory.NewEventStore()
	mappings := memory.NewMappingStore()
	return &mutatorFixture{
		events:   events,
		mappings: mappings,
		mutator:  NewMutator(events, mappings),
	}
}

func (f *mutatorFixture) insert(t *testing.T, e *domain.HistoryEvent) *domain.HistoryEvent {
	t.Helper()
	if err := f.events.Insert(context.Background(), e); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return e
}

func TestMutator_MoneriumNotesPreserved(t *testing.T) {
	f := newMutatorFixture(t)

	movement := f.insert(t, krakenDeposit("mov1", baseTS, "USDC", "1.0"))
	candidate := arbitrumReceive("tx1", baseTS-600_000, "arbitrum-USDC", "1.0")
	candidate.EventType = domain.EventTypeSpend
	candidate.Counterparty = "monerium"
	candidate.Notes = "Burn 1.0 EURe, IBAN DE89370400440532013000"
	f.insert(t, candidate)

	mutation, err := f.mutator.BuildMatchMutation(context.Background(), movement, nil, []*domain.HistoryEvent{candidate})
	if err != nil {
		t.Fatalf("BuildMatchMutation: %v", err)
	}

	rewritten := mutation.MatchedEvents[0]
	if rewritten.Notes != candidate.Notes {
		t.Errorf("monerium notes were overwritten: %q", rewritten.Notes)
	}
	// Type pair and counterparty still get rewritten.
	if rewritten.EventType != domain.EventTypeDeposit || rewritten.Counterparty != "kraken" {
		t.Errorf("unexpected rewrite: %s/%s", rewritten.EventType, rewritten.Counterparty)
	}
}

func TestMutator_StaleAdjustmentReuse(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	movement := f.insert(t, krakenDeposit("mov1", baseTS, "USDC", "5.49"))
	candidate := arbitrumReceive("tx1", baseTS-600_000, "arbitrum-USDC", "5.50")
	candidate.EventType = domain.EventTypeSpend
	f.insert(t, candidate)

	// Leftover adjustment from a previous match of the same pair with the
	// correct amount: reused, not recreated.
	correct := &domain.HistoryEvent{
		GroupIdentifier: "mov1",
		SequenceIndex:   1,
		TimestampMS:     baseTS,
		Location:        "kraken",
		Asset:           "USDC",
		Amount:          decimal.RequireFromString("0.01"),
		EventType:       domain.EventTypeAdjustment,
		EventSubtype:    domain.EventSubtypeReceive,
		EntryType:       domain.EntryTypePlain,
	}
	f.insert(t, correct)

	mutation, err := f.mutator.BuildMatchMutation(ctx, movement, nil, []*domain.HistoryEvent{candidate})
	if err != nil {
		t.Fatalf("BuildMatchMutation: %v", err)
	}
	if mutation.Adjustment != nil {
		t.Errorf("expected existing adjustment to be reused, got new %+v", mutation.Adjustment)
	}
	if len(mutation.DeleteAdjustmentIDs) != 0 {
		t.Errorf("expected no deletions, got %v", mutation.DeleteAdjustmentIDs)
	}
}

func TestMutator_StaleAdjustmentDeleted(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	movement := f.insert(t, krakenDeposit("mov1", baseTS, "USDC", "5.49"))
	candidate := arbitrumReceive("tx1", baseTS-600_000, "arbitrum-USDC", "5.50")
	candidate.EventType = domain.EventTypeSpend
	f.insert(t, candidate)

	// A wrong-amount leftover gets dropped, a customized one survives.
	stale := &domain.HistoryEvent{
		GroupIdentifier: "mov1",
		SequenceIndex:   1,
		TimestampMS:     baseTS,
		Location:        "kraken",
		Asset:           "USDC",
		Amount:          decimal.RequireFromString("0.05"),
		EventType:       domain.EventTypeAdjustment,
		EventSubtype:    domain.EventSubtypeReceive,
		EntryType:       domain.EntryTypePlain,
	}
	f.insert(t, stale)
	customized := stale.Clone()
	customized.Identifier = 0
	customized.SequenceIndex = 2
	customized.Amount = decimal.RequireFromString("0.07")
	f.insert(t, customized)
	if err := f.mappings.SetState(ctx, customized.Identifier, domain.MappingStateCustomized); err != nil {
		t.Fatalf("SetState: %v", err)
	}

	mutation, err := f.mutator.BuildMatchMutation(ctx, movement, nil, []*domain.HistoryEvent{candidate})
	if err != nil {
		t.Fatalf("BuildMatchMutation: %v", err)
	}
	if mutation.Adjustment == nil || !mutation.Adjustment.Amount.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("expected new 0.01 adjustment, got %+v", mutation.Adjustment)
	}
	if len(mutation.DeleteAdjustmentIDs) != 1 || mutation.DeleteAdjustmentIDs[0] != stale.Identifier {
		t.Errorf("expected only the uncustomized stale adjustment deleted, got %v", mutation.DeleteAdjustmentIDs)
	}
}

func TestMutator_DepositFeeInclusiveNoAdjustment(t *testing.T) {
	f := newMutatorFixture(t)
	ctx := context.Background()

	// Onchain send of 0.101 against a 0.1 movement with a 0.001 fee leg is
	// an exact fee-inclusive match: no adjustment.
	movement := f.insert(t, krakenDeposit("mov1", baseTS, "USDC", "0.1"))
	fee := krakenDeposit("mov1", baseTS, "USDC", "0.001")
	fee.SequenceIndex = 1
	fee.EventSubtype = domain.EventSubtypeFee
	fee.IsFee = true
	f.insert(t, fee)
	candidate := arbitrumReceive("tx1", baseTS-600_000, "arbitrum-USDC", "0.101")
	candidate.EventType = domain.EventTypeSpend
	f.insert(t, candidate)

	mutation, err := f.mutator.BuildMatchMutation(ctx, movement, fee, []*domain.HistoryEvent{candidate})
	if err != nil {
		t.Fatalf("BuildMatchMutation: %v", err)
	}
	if mutation.Adjustment != nil {
		t.Errorf("expected no adjustment, got %+v", mutation.Adjustment)
	}
}

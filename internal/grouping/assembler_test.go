package grouping

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage/memory"
)

type fixture struct {
	events    *memory.EventStore
	links     *memory.LinkStore
	assembler *Assembler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	events := memory.NewEventStore()
	links := memory.NewLinkStore(events)
	return &fixture{
		events:    events,
		links:     links,
		assembler: NewAssembler(events, links),
	}
}

func (f *fixture) insert(t *testing.T, group string, seq int, tsMS int64, entryType domain.EntryType) *domain.HistoryEvent {
	t.Helper()
	e := &domain.HistoryEvent{
		GroupIdentifier: group,
		SequenceIndex:   seq,
		TimestampMS:     tsMS,
		Location:        "kraken",
		LocationLabel:   "kraken 1",
		Asset:           "ETH",
		Amount:          decimal.RequireFromString("1.5"),
		EventType:       domain.EventTypeDeposit,
		EventSubtype:    domain.EventSubtypeDepositAsset,
		EntryType:       entryType,
	}
	if err := f.events.Insert(context.Background(), e); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return e
}

func TestAssembler_AggregateRows_MergesLinkedGroups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Movement group with a fee leg, matched to an onchain group with an
	// unrelated second leg.
	movement := f.insert(t, "mov1", 0, 1000, domain.EntryTypeMovement)
	f.insert(t, "mov1", 1, 1000, domain.EntryTypeMovement)
	matched := f.insert(t, "tx1", 0, 900, domain.EntryTypeOnchain)
	f.insert(t, "tx1", 1, 900, domain.EntryTypeOnchain)
	f.insert(t, "other", 0, 2000, domain.EntryTypeMovement)

	if err := f.links.RecordMatch(ctx, movement.Identifier, []int64{matched.Identifier}); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}

	page, err := f.events.List(ctx, nil)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	rows, err := f.assembler.AggregateRows(ctx, page)
	if err != nil {
		t.Fatalf("AggregateRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}

	// The movement group is canonical; the onchain group merges into it.
	var merged *AggregateRow
	for _, r := range rows {
		if r.CanonicalGroupID == "mov1" {
			merged = r
		}
	}
	if merged == nil {
		t.Fatal("no row with canonical group mov1")
	}
	if merged.MemberCount != 4 {
		t.Errorf("expected member count 4, got %d", merged.MemberCount)
	}
	if len(merged.GroupIDs) != 2 || merged.GroupIDs[0] != "mov1" || merged.GroupIDs[1] != "tx1" {
		t.Errorf("unexpected group ids: %v", merged.GroupIDs)
	}
}

func TestAssembler_AggregateRows_SymmetricPairOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Movement-to-movement match; a page containing both sides must yield
	// a single merged row.
	left := f.insert(t, "mov1", 0, 1000, domain.EntryTypeMovement)
	right := f.insert(t, "mov2", 0, 900, domain.EntryTypeMovement)

	if err := f.links.RecordMatch(ctx, left.Identifier, []int64{right.Identifier}); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}

	page, _ := f.events.List(ctx, nil)
	rows, err := f.assembler.AggregateRows(ctx, page)
	if err != nil {
		t.Fatalf("AggregateRows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one merged row, got %d", len(rows))
	}
	if rows[0].MemberCount != 2 {
		t.Errorf("expected member count 2, got %d", rows[0].MemberCount)
	}
}

func TestAssembler_CanonicalGroupDeterministic(t *testing.T) {
	ctx := context.Background()

	// The canonical group of a movement-to-movement match must not depend
	// on which side the link was recorded from.
	canonical := make([]string, 0, 2)
	for _, reversed := range []bool{false, true} {
		f := newFixture(t)
		first := f.insert(t, "mov1", 0, 1000, domain.EntryTypeMovement)
		second := f.insert(t, "mov2", 0, 900, domain.EntryTypeMovement)

		var err error
		if reversed {
			err = f.links.RecordMatch(ctx, second.Identifier, []int64{first.Identifier})
		} else {
			err = f.links.RecordMatch(ctx, first.Identifier, []int64{second.Identifier})
		}
		if err != nil {
			t.Fatalf("RecordMatch: %v", err)
		}

		page, _ := f.events.List(ctx, nil)
		rows, err := f.assembler.AggregateRows(ctx, page)
		if err != nil {
			t.Fatalf("AggregateRows: %v", err)
		}
		if len(rows) != 1 {
			t.Fatalf("expected one row, got %d", len(rows))
		}
		canonical = append(canonical, rows[0].CanonicalGroupID)
	}

	if canonical[0] != canonical[1] {
		t.Errorf("canonical group depends on link direction: %v", canonical)
	}
}

func TestAssembler_Flatten(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	movement := f.insert(t, "mov1", 0, 1000, domain.EntryTypeMovement)
	matched := f.insert(t, "tx1", 0, 900, domain.EntryTypeOnchain)
	f.insert(t, "tx1", 1, 950, domain.EntryTypeOnchain)

	if err := f.links.RecordMatch(ctx, movement.Identifier, []int64{matched.Identifier}); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}

	groups, err := f.assembler.Flatten(ctx, []*domain.HistoryEvent{movement})
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("expected one flat group, got %d", len(groups))
	}

	flat := groups[0]
	if flat.CanonicalGroupID != "mov1" {
		t.Errorf("unexpected canonical group: %s", flat.CanonicalGroupID)
	}
	if len(flat.Events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(flat.Events))
	}
	// Timestamp order across both true groups.
	for i := 1; i < len(flat.Events); i++ {
		if flat.Events[i-1].TimestampMS > flat.Events[i].TimestampMS {
			t.Errorf("events out of order at %d", i)
		}
	}
	if flat.Events[0].TrueGroupID != "tx1" || flat.Events[0].CanonicalGroupID != "mov1" {
		t.Errorf("unexpected tags: %+v", flat.Events[0])
	}
}

func TestAssembler_IgnoredMovementNeverExpands(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	movement := f.insert(t, "mov1", 0, 1000, domain.EntryTypeMovement)
	f.insert(t, "tx1", 0, 900, domain.EntryTypeOnchain)

	if err := f.links.RecordNoMatch(ctx, movement.Identifier); err != nil {
		t.Fatalf("RecordNoMatch: %v", err)
	}

	groups, err := f.assembler.Flatten(ctx, []*domain.HistoryEvent{movement})
	if err != nil {
		t.Fatalf("Flatten: %v", err)
	}
	if len(groups) != 1 || len(groups[0].Events) != 1 {
		t.Fatalf("ignored movement expanded: %+v", groups)
	}
	if groups[0].CanonicalGroupID != "mov1" {
		t.Errorf("unexpected canonical group: %s", groups[0].CanonicalGroupID)
	}
}

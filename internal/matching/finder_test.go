package matching

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage/memory"
)

const hourMS = int64(3600_000)

// baseTS is well past the legacy window cutoff.
const baseTS = int64(1700000000_000)

func defaultParams() Params {
	return Params{WindowSeconds: 4 * 3600, Tolerance: decimal.RequireFromString("0.05")}
}

type finderFixture struct {
	events *memory.EventStore
	links  *memory.LinkStore
	finder *Finder
}

func newFinderFixture(t *testing.T) *finderFixture {
	t.Helper()
	events := memory.NewEventStore()
	links := memory.NewLinkStore(events)
	assets := &StaticAssets{
		Collections: map[string][]string{
			"USDC":          {"USDC", "USDC.e", "arbitrum-USDC"},
			"USDC.e":        {"USDC", "USDC.e", "arbitrum-USDC"},
			"arbitrum-USDC": {"USDC", "USDC.e", "arbitrum-USDC"},
		},
		Fiat:          map[string]bool{"EUR": true, "USD": true},
		TrackedChains: map[string]bool{"ethereum": true, "arbitrum": true},
	}
	accounts := &StaticAccounts{ByChain: map[string][]string{
		"ethereum": {"0xaaa", "0xbbb"},
		"arbitrum": {"0xaaa"},
	}}
	return &finderFixture{
		events: events,
		links:  links,
		finder: NewFinder(events, links, assets, accounts),
	}
}

func (f *finderFixture) insert(t *testing.T, e *domain.HistoryEvent) *domain.HistoryEvent {
	t.Helper()
	if err := f.events.Insert(context.Background(), e); err != nil {
		t.Fatalf("insert event: %v", err)
	}
	return e
}

// deposit builds a venue-reported deposit movement.
func deposit(group string, tsMS int64, asset, amount string) *domain.HistoryEvent {
	return &domain.HistoryEvent{
		GroupIdentifier: group,
		TimestampMS:     tsMS,
		Location:        "kraken",
		LocationLabel:   "kraken 1",
		Asset:           asset,
		Amount:          decimal.RequireFromString(amount),
		EventType:       domain.EventTypeDeposit,
		EventSubtype:    domain.EventSubtypeDepositAsset,
		EntryType:       domain.EntryTypeMovement,
	}
}

func withdrawal(group string, tsMS int64, asset, amount string) *domain.HistoryEvent {
	e := deposit(group, tsMS, asset, amount)
	e.EventType = domain.EventTypeWithdrawal
	e.EventSubtype = domain.EventSubtypeRemoveAsset
	return e
}

// onchainSpend builds an onchain spend, the natural counterpart of a deposit.
func onchainSpend(group string, tsMS int64, asset, amount string) *domain.HistoryEvent {
	return &domain.HistoryEvent{
		GroupIdentifier: group,
		TimestampMS:     tsMS,
		Location:        "ethereum",
		LocationLabel:   "0xaaa",
		Asset:           asset,
		Amount:          decimal.RequireFromString(amount),
		EventType:       domain.EventTypeSpend,
		EventSubtype:    domain.EventSubtypeNone,
		EntryType:       domain.EntryTypeOnchain,
	}
}

func onchainReceive(group string, tsMS int64, asset, amount string) *domain.HistoryEvent {
	e := onchainSpend(group, tsMS, asset, amount)
	e.EventType = domain.EventTypeReceive
	return e
}

func TestFinder_ExactAmountMatch(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	spend := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "100"))
	f.insert(t, onchainSpend("tx2", baseTS-hourMS, "USDC", "250"))

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != spend.Identifier {
		t.Fatalf("expected single match %d, got %v", spend.Identifier, matches)
	}
}

func TestFinder_NotAMovement(t *testing.T) {
	f := newFinderFixture(t)
	spend := f.insert(t, onchainSpend("tx1", baseTS, "USDC", "100"))

	if _, err := f.finder.FindMatches(context.Background(), spend, nil, defaultParams()); err == nil {
		t.Fatal("expected error for non-movement event")
	}
}

func TestFinder_WindowEdges(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()
	p := defaultParams()
	windowMS := p.WindowSeconds * 1000

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	// Inside both edges.
	atStart := f.insert(t, onchainSpend("tx1", baseTS-windowMS, "USDC", "100"))
	// One millisecond before the window opens.
	f.insert(t, onchainSpend("tx2", baseTS-windowMS-1, "USDC", "100"))
	// Past the one hour back edge.
	f.insert(t, onchainSpend("tx3", baseTS+hourMS+1, "USDC", "100"))

	matches, err := f.finder.FindMatches(ctx, movement, nil, p)
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != atStart.Identifier {
		t.Fatalf("expected only the in-window spend, got %v", matches)
	}
}

func TestFinder_LegacyWindowWidened(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	// Pre-2018 movement; the spend sits 90 hours earlier, far outside the
	// configured 4 hour window but inside the legacy 100 hour one.
	oldTS := domain.LegacyMatchCutoffTSMS - 1000*hourMS
	movement := f.insert(t, deposit("mov1", oldTS, "USDC", "100"))
	spend := f.insert(t, onchainSpend("tx1", oldTS-90*hourMS, "USDC", "100"))

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != spend.Identifier {
		t.Fatalf("expected legacy-window match, got %v", matches)
	}
}

func TestFinder_ToleranceBoundary(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()
	p := Params{WindowSeconds: 4 * 3600, Tolerance: decimal.RequireFromString("0.1")}

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "5"))
	// 5 * 0.1 = 0.5: a 5.50 spend is exactly at the edge, 5.51 just outside.
	inside := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "5.50"))
	f.insert(t, onchainSpend("tx2", baseTS-2*hourMS, "USDC", "5.51"))

	matches, err := f.finder.FindMatches(ctx, movement, nil, p)
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != inside.Identifier {
		t.Fatalf("expected only the in-tolerance spend, got %v", matches)
	}
}

func TestFinder_FeeInclusiveAmount(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()
	p := Params{WindowSeconds: 4 * 3600, Tolerance: decimal.Zero}

	// Venue reports 0.1 credited plus a 0.001 fee in the same asset; the
	// onchain send carried 0.101.
	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "0.1"))
	fee := deposit("mov1", baseTS, "USDC", "0.001")
	fee.SequenceIndex = 1
	fee.EventSubtype = domain.EventSubtypeFee
	fee.IsFee = true
	f.insert(t, fee)

	feeInclusive := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "0.101"))

	matches, err := f.finder.FindMatches(ctx, movement, fee, p)
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != feeInclusive.Identifier {
		t.Fatalf("expected fee-inclusive match, got %v", matches)
	}
}

func TestFinder_FeeInclusiveTieBreak(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()
	p := Params{WindowSeconds: 4 * 3600, Tolerance: decimal.RequireFromString("0.05")}

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "0.1"))
	fee := deposit("mov1", baseTS, "USDC", "0.001")
	fee.SequenceIndex = 1
	fee.EventSubtype = domain.EventSubtypeFee
	fee.IsFee = true
	f.insert(t, fee)

	// Both spends pass the amount check; the fee-inclusive one wins.
	feeInclusive := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "0.101"))
	f.insert(t, onchainSpend("tx2", baseTS-2*hourMS, "USDC", "0.1"))

	matches, err := f.finder.FindMatches(ctx, movement, fee, p)
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != feeInclusive.Identifier {
		t.Fatalf("expected fee-inclusive tie-break winner, got %v", matches)
	}
}

func TestFinder_WithdrawalDirectionAndFee(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()
	p := Params{WindowSeconds: 4 * 3600, Tolerance: decimal.Zero}

	// A withdrawal of 1.0 with a 0.01 fee arrives onchain as 0.99, after
	// the movement timestamp.
	movement := f.insert(t, withdrawal("mov1", baseTS, "USDC", "1.0"))
	fee := withdrawal("mov1", baseTS, "USDC", "0.01")
	fee.SequenceIndex = 1
	fee.EventSubtype = domain.EventSubtypeFee
	fee.IsFee = true
	f.insert(t, fee)

	receive := f.insert(t, onchainReceive("tx1", baseTS+hourMS, "USDC", "0.99"))
	// A spend moves the balance the wrong way for a withdrawal counterpart.
	wrongWay := onchainSpend("tx2", baseTS+hourMS, "USDC", "0.99")
	wrongWay.EventType = domain.EventTypeSpend
	f.insert(t, wrongWay)

	matches, err := f.finder.FindMatches(ctx, movement, fee, p)
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != receive.Identifier {
		t.Fatalf("expected the onchain receive, got %v", matches)
	}
}

func TestFinder_Exclusions(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))

	// Same venue and account: the venue reported both legs itself.
	sameVenue := withdrawal("mov2", baseTS-hourMS, "USDC", "100")
	f.insert(t, sameVenue)

	// Gas leg.
	gas := onchainSpend("tx1", baseTS-hourMS, "USDC", "100")
	gas.Counterparty = domain.CounterpartyGas
	f.insert(t, gas)

	// Transfer between two tracked accounts.
	internal := onchainSpend("tx2", baseTS-hourMS, "USDC", "100")
	internal.EventType = domain.EventTypeTransfer
	internal.ExtraData = map[string]string{domain.ExtraKeyAddress: "0xbbb"}
	f.insert(t, internal)

	// Already matched to another movement.
	taken := f.insert(t, onchainSpend("tx3", baseTS-hourMS, "USDC", "100"))
	other := f.insert(t, deposit("mov3", baseTS-2*hourMS, "USDC", "100"))
	if err := f.links.RecordMatch(ctx, other.Identifier, []int64{taken.Identifier}); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected every candidate excluded, got %v", matches)
	}
}

func TestFinder_TransferToUntrackedAddressKept(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	transfer := onchainSpend("tx1", baseTS-hourMS, "USDC", "100")
	transfer.EventType = domain.EventTypeTransfer
	transfer.ExtraData = map[string]string{domain.ExtraKeyAddress: "0xdeadbeef"}
	f.insert(t, transfer)

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != transfer.Identifier {
		t.Fatalf("expected the outbound transfer, got %v", matches)
	}
}

func TestFinder_OnchainPreferredOverExchange(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	spend := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "100"))

	// A plausible withdrawal at another venue.
	exchange := withdrawal("mov2", baseTS-hourMS, "USDC", "100")
	exchange.Location = "coinbase"
	exchange.LocationLabel = "coinbase 1"
	f.insert(t, exchange)

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != spend.Identifier {
		t.Fatalf("expected onchain preferred, got %v", matches)
	}
}

func TestFinder_ExchangeFallback(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	exchange := withdrawal("mov2", baseTS-hourMS, "USDC", "100")
	exchange.Location = "coinbase"
	exchange.LocationLabel = "coinbase 1"
	f.insert(t, exchange)

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != exchange.Identifier {
		t.Fatalf("expected exchange fallback match, got %v", matches)
	}
}

func TestFinder_TxRefTieBreak(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := deposit("mov1", baseTS, "USDC", "100")
	movement.ExtraData = map[string]string{domain.ExtraKeyTransactionID: "0xabc"}
	f.insert(t, movement)

	withRef := onchainSpend("tx1", baseTS-hourMS, "USDC", "100")
	withRef.TxRef = "0xabc"
	f.insert(t, withRef)
	other := onchainSpend("tx2", baseTS-2*hourMS, "USDC", "100")
	other.TxRef = "0xdef"
	f.insert(t, other)

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != withRef.Identifier {
		t.Fatalf("expected tx-ref tie-break winner, got %v", matches)
	}
}

func TestFinder_ExactAssetTieBreak(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	exact := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "100"))
	f.insert(t, onchainSpend("tx2", baseTS-2*hourMS, "USDC.e", "100"))

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != exact.Identifier {
		t.Fatalf("expected exact-asset tie-break winner, got %v", matches)
	}
}

func TestFinder_CounterpartyTieBreak(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	plain := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "100"))
	protocol := onchainSpend("tx2", baseTS-2*hourMS, "USDC", "100")
	protocol.Counterparty = "uniswap"
	f.insert(t, protocol)

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 1 || matches[0].Identifier != plain.Identifier {
		t.Fatalf("expected counterparty tie-break winner, got %v", matches)
	}
}

func TestFinder_AmbiguousStaysAmbiguous(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "100"))
	f.insert(t, onchainSpend("tx2", baseTS-2*hourMS, "USDC", "100"))

	matches, err := f.finder.FindMatches(ctx, movement, nil, defaultParams())
	if err != nil {
		t.Fatalf("FindMatches: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected two indistinguishable matches, got %v", matches)
	}
}

func TestFinder_FindCandidatesOtherEvents(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	spend := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "100"))
	offAmount := f.insert(t, onchainSpend("tx2", baseTS-hourMS, "USDC", "250"))

	c, err := f.finder.FindCandidates(ctx, movement, nil, defaultParams(), true)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(c.CloseMatches) != 1 || c.CloseMatches[0].Identifier != spend.Identifier {
		t.Fatalf("expected single close match, got %v", c.CloseMatches)
	}
	if len(c.OtherEvents) != 1 || c.OtherEvents[0].Identifier != offAmount.Identifier {
		t.Fatalf("expected the off-amount spend in other events, got %v", c.OtherEvents)
	}
}

func TestFinder_OtherEventsSymmetricWindow(t *testing.T) {
	f := newFinderFixture(t)
	ctx := context.Background()

	movement := f.insert(t, deposit("mov1", baseTS, "USDC", "100"))
	match := f.insert(t, onchainSpend("tx1", baseTS-hourMS, "USDC", "100"))

	// Manual review sees events past the deposit's one hour forward edge and
	// of types automatic matching never accepts, nearest first.
	late := f.insert(t, onchainReceive("tx2", baseTS+90*60_000, "USDC", "40"))
	near := f.insert(t, onchainReceive("tx3", baseTS+30*60_000, "USDC", "55"))
	far := f.insert(t, onchainReceive("tx4", baseTS-2*hourMS, "USDC", "70"))
	f.insert(t, onchainReceive("tx5", baseTS+5*hourMS, "USDC", "80"))

	// An event already claimed by another movement's match never resurfaces.
	claimed := f.insert(t, onchainSpend("tx6", baseTS-30*60_000, "USDC", "300"))
	sibling := f.insert(t, deposit("mov2", baseTS-90*60_000, "USDC", "300"))
	if err := f.links.RecordMatch(ctx, sibling.Identifier, []int64{claimed.Identifier}); err != nil {
		t.Fatalf("RecordMatch: %v", err)
	}

	c, err := f.finder.FindCandidates(ctx, movement, nil, defaultParams(), true)
	if err != nil {
		t.Fatalf("FindCandidates: %v", err)
	}
	if len(c.CloseMatches) != 1 || c.CloseMatches[0].Identifier != match.Identifier {
		t.Fatalf("expected single close match, got %v", c.CloseMatches)
	}

	want := []int64{near.Identifier, late.Identifier, far.Identifier}
	if len(c.OtherEvents) != len(want) {
		t.Fatalf("expected %d other events, got %+v", len(want), c.OtherEvents)
	}
	for i, id := range want {
		if c.OtherEvents[i].Identifier != id {
			t.Errorf("other events out of proximity order at %d: got %d, want %d",
				i, c.OtherEvents[i].Identifier, id)
		}
	}
}

func TestHasRelatedMovement(t *testing.T) {
	movement := deposit("mov1", baseTS, "USDC", "100")
	movement.Identifier = 1
	near := deposit("mov2", baseTS+30*60_000, "USDC", "101")
	near.Identifier = 2
	farAmount := deposit("mov3", baseTS, "USDC", "200")
	farAmount.Identifier = 3
	farTime := deposit("mov4", baseTS+10*hourMS, "USDC", "100")
	farTime.Identifier = 4

	tol := decimal.RequireFromString("0.05")
	windowMS := 4 * hourMS

	if !HasRelatedMovement(movement, []*domain.HistoryEvent{near}, windowMS, tol) {
		t.Fatal("expected near movement to be related")
	}
	if HasRelatedMovement(movement, []*domain.HistoryEvent{farAmount, farTime, movement}, windowMS, tol) {
		t.Fatal("expected no related movement")
	}
}

func TestPickClosestAmount(t *testing.T) {
	movement := deposit("mov1", baseTS, "USDC", "100")
	a := onchainSpend("tx1", baseTS, "USDC", "100")
	a.Identifier = 1
	b := onchainSpend("tx2", baseTS, "USDC", "102")
	b.Identifier = 2

	picked := PickClosestAmount(movement, nil, domain.DirectionDeposit, []*domain.HistoryEvent{a, b})
	if len(picked) != 1 || picked[0].Identifier != a.Identifier {
		t.Fatalf("expected strictly closest candidate, got %v", picked)
	}

	// Equidistant candidates stay ambiguous.
	c := onchainSpend("tx3", baseTS, "USDC", "98")
	c.Identifier = 3
	picked = PickClosestAmount(movement, nil, domain.DirectionDeposit, []*domain.HistoryEvent{b, c})
	if len(picked) != 2 {
		t.Fatalf("expected ambiguity to stand, got %v", picked)
	}
}

package matching

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// Params tune one candidate search.
type Params struct {
	// WindowSeconds is the search window on the dominant side of the
	// movement timestamp. Pre-2018 movements get a wider minimum.
	WindowSeconds int64

	// Tolerance is the maximum relative amount difference still considered
	// the same transfer.
	Tolerance decimal.Decimal
}

// Candidates is the outcome of a search: the events that plausibly are the
// movement's counterpart, and everything else found in the window.
type Candidates struct {
	CloseMatches []*domain.HistoryEvent
	OtherEvents  []*domain.HistoryEvent
}

// eligibleCounterparties are protocols a matched counterpart may legitimately
// carry; decoded exchange deposits and withdrawals keep their venue tag.
var eligibleCounterparties = map[string]struct{}{
	"kraken":   {},
	"coinbase": {},
	"binance":  {},
	"monerium": {},
}

// Finder searches for the counterpart events of one movement.
type Finder struct {
	events   storage.EventStore
	links    storage.LinkStore
	assets   AssetResolver
	accounts AccountSource
}

// NewFinder creates a Finder over the given stores and capabilities.
func NewFinder(events storage.EventStore, links storage.LinkStore, assets AssetResolver, accounts AccountSource) *Finder {
	return &Finder{
		events:   events,
		links:    links,
		assets:   assets,
		accounts: accounts,
	}
}

// FindMatches returns the close matches for a movement. Zero means no
// counterpart was found, one is an unambiguous match, several mean the
// heuristics could not separate them.
func (f *Finder) FindMatches(ctx context.Context, movement, fee *domain.HistoryEvent, p Params) ([]*domain.HistoryEvent, error) {
	c, err := f.find(ctx, movement, fee, p, true, false)
	if err != nil {
		return nil, err
	}
	return c.CloseMatches, nil
}

// FindCandidates returns close matches plus every other event around the
// movement, for interactive manual matching. Other events come from a
// symmetric window on both sides of the movement, carry any event type, and
// are ordered by timestamp proximity. With onlyExpectedAssets false they are
// not restricted to the movement's asset collection.
func (f *Finder) FindCandidates(ctx context.Context, movement, fee *domain.HistoryEvent, p Params, onlyExpectedAssets bool) (*Candidates, error) {
	return f.find(ctx, movement, fee, p, onlyExpectedAssets, true)
}

func (f *Finder) find(ctx context.Context, movement, fee *domain.HistoryEvent, p Params, onlyExpectedAssets, includeOthers bool) (*Candidates, error) {
	direction, ok := domain.DirectionOf(movement)
	if !ok {
		return nil, fmt.Errorf("event %d is not a movement: %w", movement.Identifier, storage.ErrInvalidInput)
	}

	windowSec := domain.EffectiveWindow(p.WindowSeconds, movement.TimestampMS)
	rules := domain.RulesFor(direction, movement.TimestampMS, windowSec)

	collection := f.assets.AssetsInSameCollection(movement.Asset)
	collectionSet := make(map[string]struct{}, len(collection))
	for _, a := range collection {
		collectionSet[a] = struct{}{}
	}

	filter := &storage.EventFilter{
		FromTSMS:          rules.FromTSMS,
		ToTSMS:            rules.ToTSMS,
		TypePairs:         rules.AcceptedPairs,
		ExcludeEntryTypes: []domain.EntryType{domain.EntryTypePlain},
		ExcludeIDs:        []int64{movement.Identifier},
	}
	if onlyExpectedAssets {
		filter.Assets = collection
	}
	if fee != nil {
		filter.ExcludeIDs = append(filter.ExcludeIDs, fee.Identifier)
	}

	possible, err := f.events.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list possible matches: %w", err)
	}

	matchedRights, err := f.links.MatchedRightIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load matched event ids: %w", err)
	}

	// Onchain candidates are preferred; exchange-side movements only come
	// into play when nothing onchain survives.
	var onchain, exchange []*domain.HistoryEvent
	for _, e := range possible {
		if _, ok := collectionSet[e.Asset]; !ok {
			continue
		}
		switch e.EntryType {
		case domain.EntryTypeOnchain:
			onchain = append(onchain, e)
		case domain.EntryTypeMovement:
			exchange = append(exchange, e)
		}
	}

	expected := ExpectedAmounts(movement, fee, direction)
	matches := f.closeMatches(onchain, movement, fee, direction, expected, p.Tolerance, matchedRights)
	if len(matches) == 0 {
		matches = f.closeMatches(exchange, movement, fee, direction, expected, p.Tolerance, matchedRights)
	}

	c := &Candidates{CloseMatches: matches}
	if includeOthers {
		c.OtherEvents, err = f.otherEvents(ctx, movement, fee, direction, matches, windowSec, collection, onlyExpectedAssets, matchedRights)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// otherEvents lists everything else around the movement for manual review: a
// symmetric window on both sides, any event type, ordered by timestamp
// proximity to the movement. The wrong-direction rule does not apply here so a
// user can still resolve customized edge cases by hand.
func (f *Finder) otherEvents(
	ctx context.Context,
	movement, fee *domain.HistoryEvent,
	direction domain.Direction,
	closeMatches []*domain.HistoryEvent,
	windowSec int64,
	collection []string,
	onlyExpectedAssets bool,
	matchedRights map[int64]struct{},
) ([]*domain.HistoryEvent, error) {
	excludeIDs := []int64{movement.Identifier}
	if fee != nil {
		excludeIDs = append(excludeIDs, fee.Identifier)
	}
	for _, e := range closeMatches {
		excludeIDs = append(excludeIDs, e.Identifier)
	}

	windowMS := windowSec * 1000
	filter := &storage.EventFilter{
		FromTSMS:          movement.TimestampMS - windowMS,
		ToTSMS:            movement.TimestampMS + windowMS,
		ExcludeEntryTypes: []domain.EntryType{domain.EntryTypePlain},
		ExcludeIDs:        excludeIDs,
	}
	if onlyExpectedAssets {
		filter.Assets = collection
	}

	listed, err := f.events.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list other events: %w", err)
	}

	var others []*domain.HistoryEvent
	for _, e := range listed {
		if f.shouldExclude(movement, e, direction, matchedRights, false) {
			continue
		}
		others = append(others, e)
	}
	sort.SliceStable(others, func(i, j int) bool {
		return absDeltaMS(others[i], movement) < absDeltaMS(others[j], movement)
	})
	return others, nil
}

func absDeltaMS(e, movement *domain.HistoryEvent) int64 {
	delta := e.TimestampMS - movement.TimestampMS
	if delta < 0 {
		delta = -delta
	}
	return delta
}

// closeMatches filters one candidate pool down by exclusion heuristics and
// amount, then applies tie-breaks when several survive.
func (f *Finder) closeMatches(
	candidates []*domain.HistoryEvent,
	movement, fee *domain.HistoryEvent,
	direction domain.Direction,
	expected []decimal.Decimal,
	tolerance decimal.Decimal,
	matchedRights map[int64]struct{},
) []*domain.HistoryEvent {
	var matches []*domain.HistoryEvent
	for _, e := range candidates {
		if f.shouldExclude(movement, e, direction, matchedRights, true) {
			continue
		}
		if !matchesAnyAmount(expected, e.Amount, tolerance) {
			continue
		}
		matches = append(matches, e)
	}

	if len(matches) <= 1 {
		return matches
	}

	// Prefer candidates whose balance direction is the expected one; a
	// transfer stays neutral and only survives when nothing directed does.
	want := domain.ExpectedCounterpartDirection(direction)
	var directed []*domain.HistoryEvent
	for _, e := range matches {
		if domain.BalanceDirectionOf(e) == want {
			directed = append(directed, e)
		}
	}
	if len(directed) > 0 {
		matches = directed
	}

	var txRefMatches, assetMatches, feeInclusiveMatches, counterpartyMatches []*domain.HistoryEvent
	txRef := movement.ExtraData[domain.ExtraKeyTransactionID]
	feeAmount, hasFeeAmount := feeInclusiveAmount(movement, fee, direction)
	for _, e := range matches {
		if txRef != "" && e.TxRef == txRef {
			txRefMatches = append(txRefMatches, e)
		}
		// Matched events may carry any asset in the collection; an exact
		// asset match is stronger.
		if e.Asset == movement.Asset {
			assetMatches = append(assetMatches, e)
		}
		if hasFeeAmount && e.Amount.Equal(feeAmount) {
			feeInclusiveMatches = append(feeInclusiveMatches, e)
		}
		if e.EntryType == domain.EntryTypeOnchain {
			if e.Counterparty == "" {
				counterpartyMatches = append(counterpartyMatches, e)
			} else if _, ok := eligibleCounterparties[e.Counterparty]; ok {
				counterpartyMatches = append(counterpartyMatches, e)
			}
		}
	}

	for _, narrowed := range [][]*domain.HistoryEvent{
		txRefMatches, assetMatches, feeInclusiveMatches, counterpartyMatches,
	} {
		if len(narrowed) == 1 {
			return narrowed
		}
	}

	return matches
}

// shouldExclude applies the non-amount exclusion heuristics. The
// wrong-direction rule only applies when excludeUnexpectedDirection is set;
// automatic matching uses it, manual candidate listings do not.
func (f *Finder) shouldExclude(movement, e *domain.HistoryEvent, direction domain.Direction, matchedRights map[int64]struct{}, excludeUnexpectedDirection bool) bool {
	// Self-transfer: the venue reports both legs itself.
	if e.Location == movement.Location && e.LocationLabel == movement.LocationLabel {
		return true
	}

	// Gas never corresponds to a movement.
	if e.Counterparty == domain.CounterpartyGas {
		return true
	}

	if e.EventType == domain.EventTypeInformational && e.EventSubtype == domain.EventSubtypeApprove {
		return true
	}

	// A transfer between two tracked accounts is internal; the movement's
	// counterpart leaves or enters the tracked set.
	if e.EventType == domain.EventTypeTransfer && e.EventSubtype == domain.EventSubtypeNone {
		if tracked := f.accounts.TrackedAccounts(e.Location); len(tracked) > 0 {
			trackedSet := make(map[string]struct{}, len(tracked))
			for _, a := range tracked {
				trackedSet[a] = struct{}{}
			}
			_, labelTracked := trackedSet[e.LocationLabel]
			addr := e.ExtraData[domain.ExtraKeyAddress]
			if labelTracked && addr != "" {
				if _, addrTracked := trackedSet[addr]; addrTracked {
					return true
				}
			}
		}
	}

	// A candidate moving the balance the wrong way cannot be the
	// counterpart; neutral events (transfers) stay in.
	if excludeUnexpectedDirection {
		if dir := domain.BalanceDirectionOf(e); dir != domain.BalanceNeutral &&
			dir != domain.ExpectedCounterpartDirection(direction) {
			return true
		}
	}

	_, alreadyMatched := matchedRights[e.Identifier]
	return alreadyMatched
}

// ExpectedAmounts returns the amounts the counterpart may carry: the movement
// amount, and the fee-inclusive amount when a same-asset fee leg exists. A
// deposit's onchain send includes the fee the venue later deducts; a
// withdrawal arrives with the fee already taken.
func ExpectedAmounts(movement, fee *domain.HistoryEvent, direction domain.Direction) []decimal.Decimal {
	expected := []decimal.Decimal{movement.Amount}
	if amt, ok := feeInclusiveAmount(movement, fee, direction); ok {
		expected = append(expected, amt)
	}
	return expected
}

func feeInclusiveAmount(movement, fee *domain.HistoryEvent, direction domain.Direction) (decimal.Decimal, bool) {
	if fee == nil || fee.Asset != movement.Asset {
		return decimal.Decimal{}, false
	}
	if direction == domain.DirectionDeposit {
		return movement.Amount.Add(fee.Amount), true
	}
	return movement.Amount.Sub(fee.Amount), true
}

// matchesAnyAmount checks the amount against each expected value with a
// relative tolerance.
func matchesAnyAmount(expected []decimal.Decimal, actual, tolerance decimal.Decimal) bool {
	for _, want := range expected {
		if want.Equal(actual) {
			return true
		}
		if want.Sub(actual).Abs().Cmp(want.Mul(tolerance)) <= 0 {
			return true
		}
	}
	return false
}

// HasRelatedMovement reports whether another unmatched movement for the same
// asset with a similar amount sits within the window. Ambiguity between such
// movements must not be resolved automatically.
func HasRelatedMovement(movement *domain.HistoryEvent, others []*domain.HistoryEvent, windowMS int64, tolerance decimal.Decimal) bool {
	for _, other := range others {
		if other.Identifier == movement.Identifier || other.Asset != movement.Asset {
			continue
		}
		delta := other.TimestampMS - movement.TimestampMS
		if delta < 0 {
			delta = -delta
		}
		if delta > windowMS {
			continue
		}
		if other.Amount.Sub(movement.Amount).Abs().Cmp(movement.Amount.Mul(tolerance)) <= 0 {
			return true
		}
	}
	return false
}

// PickClosestAmount narrows several close matches to the one strictly closest
// to an expected amount. When two candidates tie, the ambiguity stands.
func PickClosestAmount(movement, fee *domain.HistoryEvent, direction domain.Direction, matches []*domain.HistoryEvent) []*domain.HistoryEvent {
	if len(matches) < 2 {
		return matches
	}
	expected := ExpectedAmounts(movement, fee, direction)

	type scored struct {
		diff  decimal.Decimal
		event *domain.HistoryEvent
	}
	scores := make([]scored, 0, len(matches))
	for _, m := range matches {
		best := expected[0].Sub(m.Amount).Abs()
		for _, want := range expected[1:] {
			if d := want.Sub(m.Amount).Abs(); d.Cmp(best) < 0 {
				best = d
			}
		}
		scores = append(scores, scored{diff: best, event: m})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].diff.Cmp(scores[j].diff) < 0 })

	if scores[0].diff.Cmp(scores[1].diff) < 0 {
		return []*domain.HistoryEvent{scores[0].event}
	}
	return matches
}

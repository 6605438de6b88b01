package domain

// Direction is the side of an exchange movement.
type Direction string

const (
	DirectionDeposit    Direction = "deposit"
	DirectionWithdrawal Direction = "withdrawal"
)

// IsValid checks if the direction is a valid value.
func (d Direction) IsValid() bool {
	return d == DirectionDeposit || d == DirectionWithdrawal
}

// DirectionOf returns the movement direction of an event, if it has one.
func DirectionOf(e *HistoryEvent) (Direction, bool) {
	switch e.EventType {
	case EventTypeDeposit:
		return DirectionDeposit, true
	case EventTypeWithdrawal:
		return DirectionWithdrawal, true
	default:
		return "", false
	}
}

// BalanceDirection is the sign of an event for balance tracking.
type BalanceDirection int

const (
	BalanceNeutral BalanceDirection = iota
	BalanceIn
	BalanceOut
)

// BalanceDirectionOf classifies an event by how it moves a balance.
func BalanceDirectionOf(e *HistoryEvent) BalanceDirection {
	switch e.EventType {
	case EventTypeSpend, EventTypeWithdrawal:
		return BalanceOut
	case EventTypeReceive, EventTypeDeposit:
		return BalanceIn
	case EventTypeAdjustment:
		if e.EventSubtype == EventSubtypeSpend {
			return BalanceOut
		}
		return BalanceIn
	default:
		return BalanceNeutral
	}
}

// ExpectedCounterpartDirection is the balance direction the counterpart of a
// movement must have: money leaves somewhere to arrive at a deposit.
func ExpectedCounterpartDirection(d Direction) BalanceDirection {
	if d == DirectionDeposit {
		return BalanceOut
	}
	return BalanceIn
}

// backEdgeMS allows the matched event to sit slightly on the wrong side of
// the movement timestamp, absorbing clock skew between venue and chain.
const backEdgeMS = int64(3600_000)

// MatchRules are the direction-dependent inputs to a candidate search.
type MatchRules struct {
	FromTSMS int64 // search window start, milliseconds inclusive
	ToTSMS   int64 // search window end, milliseconds inclusive

	// AcceptedPairs are the (type, subtype) combinations a candidate may
	// carry: the canonical mirror pair, the generic undecided pair, and a
	// plain transfer (excluded separately when between tracked accounts).
	AcceptedPairs []TypePair

	// CanonicalPair is what the matched event is rewritten to.
	CanonicalPair TypePair
}

// RulesFor computes the search rules for a movement at tsMS with a window of
// windowSec seconds. The onchain leg of a deposit typically precedes the
// venue confirmation, so the window extends backwards; for withdrawals it
// extends forwards.
func RulesFor(d Direction, tsMS int64, windowSec int64) MatchRules {
	windowMS := windowSec * 1000
	if d == DirectionDeposit {
		// The counterpart of a deposit moves money out: an onchain spend, a
		// withdrawal movement at another venue, or an undecided transfer.
		return MatchRules{
			FromTSMS: tsMS - windowMS,
			ToTSMS:   tsMS + backEdgeMS,
			AcceptedPairs: []TypePair{
				{Type: EventTypeSpend, Subtype: EventSubtypeNone},
				{Type: EventTypeWithdrawal, Subtype: EventSubtypeRemoveAsset},
				{Type: EventTypeTransfer, Subtype: EventSubtypeNone},
			},
			CanonicalPair: TypePair{Type: EventTypeDeposit, Subtype: EventSubtypeDepositAsset},
		}
	}
	return MatchRules{
		FromTSMS: tsMS - backEdgeMS,
		ToTSMS:   tsMS + windowMS,
		AcceptedPairs: []TypePair{
			{Type: EventTypeReceive, Subtype: EventSubtypeNone},
			{Type: EventTypeDeposit, Subtype: EventSubtypeDepositAsset},
			{Type: EventTypeTransfer, Subtype: EventSubtypeNone},
		},
		CanonicalPair: TypePair{Type: EventTypeWithdrawal, Subtype: EventSubtypeRemoveAsset},
	}
}

// Legacy venues had unusually long credit windows for events before 2018.
const (
	LegacyMatchCutoffTSMS = int64(1514764800_000) // 2018-01-01 00:00:00 UTC
	LegacyMatchWindowSec  = int64(100 * 3600)
)

// EffectiveWindow widens the configured window for pre-2018 movements.
func EffectiveWindow(windowSec int64, movementTSMS int64) int64 {
	if windowSec < LegacyMatchWindowSec && movementTSMS < LegacyMatchCutoffTSMS {
		return LegacyMatchWindowSec
	}
	return windowSec
}

package domain

// LinkType namespaces link and ignore rows so other link-producing features
// can share the tables.
type LinkType string

// LinkTypeMovementMatch links a movement (left) to its matched events (right).
const LinkTypeMovementMatch LinkType = "movement_match"

// MatchLink is a confirmed movement-to-event match.
// Corresponds to the history_event_links table; unique on the full triple.
// One movement may carry several right-hand rows (multi-leg match).
type MatchLink struct {
	LeftEventID  int64
	RightEventID int64
	LinkType     LinkType
}

// IgnoreMarker marks a movement as deliberately having no onchain
// counterpart. Corresponds to the history_event_link_ignores table.
// Mutually exclusive with the event being a MatchLink endpoint.
type IgnoreMarker struct {
	EventID  int64
	LinkType LinkType
}

// MappingState marks how an event got its current shape, so redecoding can
// tell user edits apart from automatic rewrites.
type MappingState string

const (
	// MappingStateCustomized marks events edited by the user. Never
	// discarded by automatic processing.
	MappingStateCustomized MappingState = "customized"
	// MappingStateAutoMatched marks events rewritten or created by the
	// matching process.
	MappingStateAutoMatched MappingState = "auto_matched"
)

// GroupLink is a match link joined with both sides' group identifiers and
// entry types, as needed by the presentation assembler.
type GroupLink struct {
	MovementID        int64
	MatchedID         int64
	MovementGroupID   string
	MatchedGroupID    string
	MovementEntryType EntryType
	MatchedEntryType  EntryType
}

// CanonicalGroupID picks the one group id representing a linked pair for
// display. A movement's group always wins over an onchain group, since an
// onchain group may carry unrelated legs. Between two movements the side
// with the lower surrogate id wins, making the choice insertion-order
// independent.
func (l *GroupLink) CanonicalGroupID() string {
	if l.MovementEntryType == EntryTypeMovement && l.MatchedEntryType == EntryTypeMovement {
		if l.MovementID < l.MatchedID {
			return l.MovementGroupID
		}
		return l.MatchedGroupID
	}
	return l.MovementGroupID
}

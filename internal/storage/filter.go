package storage

import "movement-matcher/internal/domain"

// EventFilter selects history events. Zero-valued fields are not applied.
// Time bounds are inclusive milliseconds.
type EventFilter struct {
	Assets            []string           // any of these asset ids
	FromTSMS          int64              // 0 means unbounded
	ToTSMS            int64              // 0 means unbounded
	TypePairs         []domain.TypePair  // any of these (type, subtype) pairs
	EntryTypes        []domain.EntryType // restrict to these entry types
	ExcludeEntryTypes []domain.EntryType // drop these entry types
	Location          string
	GroupIdentifiers  []string
	ExcludeIDs        []int64 // event identifiers to drop
	NewestFirst       bool    // default ordering is timestamp ASC, sequence_index ASC
}

// matchesPair reports whether pair is in the filter's TypePairs.
func (f *EventFilter) matchesPair(pair domain.TypePair) bool {
	for _, p := range f.TypePairs {
		if p == pair {
			return true
		}
	}
	return false
}

// Matches applies the filter in memory. The postgres backend compiles the
// same predicate to SQL; this is the reference semantics.
func (f *EventFilter) Matches(e *domain.HistoryEvent) bool {
	if len(f.Assets) > 0 {
		found := false
		for _, a := range f.Assets {
			if e.Asset == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.FromTSMS != 0 && e.TimestampMS < f.FromTSMS {
		return false
	}
	if f.ToTSMS != 0 && e.TimestampMS > f.ToTSMS {
		return false
	}
	if len(f.TypePairs) > 0 && !f.matchesPair(e.Pair()) {
		return false
	}
	if len(f.EntryTypes) > 0 {
		found := false
		for _, t := range f.EntryTypes {
			if e.EntryType == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, t := range f.ExcludeEntryTypes {
		if e.EntryType == t {
			return false
		}
	}
	if f.Location != "" && e.Location != f.Location {
		return false
	}
	if len(f.GroupIdentifiers) > 0 {
		found := false
		for _, g := range f.GroupIdentifiers {
			if e.GroupIdentifier == g {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for _, id := range f.ExcludeIDs {
		if e.Identifier == id {
			return false
		}
	}
	return true
}

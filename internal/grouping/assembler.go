// Package grouping expands linked event groups into canonical display groups
// for read paths.
package grouping

import (
	"context"
	"fmt"
	"sort"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/storage"
)

// Assembler joins a page of events with their match links and presents every
// linked cluster under one canonical group id. Reads only.
type Assembler struct {
	events storage.EventStore
	links  storage.LinkStore
}

// NewAssembler creates an assembler over the given stores.
func NewAssembler(events storage.EventStore, links storage.LinkStore) *Assembler {
	return &Assembler{events: events, links: links}
}

// AggregateRow is one merged cluster for aggregated views.
type AggregateRow struct {
	CanonicalGroupID string
	// GroupIDs are the true group ids merged into this row, canonical first.
	GroupIDs []string
	// MemberCount is the total event count across the merged groups.
	MemberCount int
}

// TaggedEvent is an event annotated with both its true and canonical group.
type TaggedEvent struct {
	*domain.HistoryEvent
	TrueGroupID      string
	CanonicalGroupID string
}

// FlatGroup is one canonical group with every event of every linked group
// nested under it, timestamp ordered.
type FlatGroup struct {
	CanonicalGroupID string
	Events           []*TaggedEvent
}

// clusters maps each group id on the page to its canonical group id and the
// full set of group ids sharing that canonical id. Groups without links map
// to themselves. Ignore markers produce no links, so ignored movements never
// expand.
func (a *Assembler) clusters(ctx context.Context, groupIDs []string) (map[string]string, map[string][]string, error) {
	links, err := a.links.GroupLinks(ctx, groupIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("load group links: %w", err)
	}

	canonicalOf := make(map[string]string, len(groupIDs))
	members := make(map[string]map[string]struct{})
	addMember := func(canonical, group string) {
		if members[canonical] == nil {
			members[canonical] = make(map[string]struct{})
		}
		members[canonical][group] = struct{}{}
		canonicalOf[group] = canonical
	}

	for _, l := range links {
		canonical := l.CanonicalGroupID()
		addMember(canonical, canonical)
		addMember(canonical, l.MovementGroupID)
		addMember(canonical, l.MatchedGroupID)
	}
	for _, g := range groupIDs {
		if _, ok := canonicalOf[g]; !ok {
			addMember(g, g)
		}
	}

	memberLists := make(map[string][]string, len(members))
	for canonical, set := range members {
		list := make([]string, 0, len(set))
		for g := range set {
			if g != canonical {
				list = append(list, g)
			}
		}
		sort.Strings(list)
		memberLists[canonical] = append([]string{canonical}, list...)
	}
	return canonicalOf, memberLists, nil
}

// AggregateRows merges the page's groups into one row per linked cluster.
// Symmetric movement-to-movement pairs collapse into a single row; the member
// count spans every merged group. Row order follows the page's first
// appearance of each cluster.
func (a *Assembler) AggregateRows(ctx context.Context, page []*domain.HistoryEvent) ([]*AggregateRow, error) {
	groupIDs := pageGroupIDs(page)
	canonicalOf, memberLists, err := a.clusters(ctx, groupIDs)
	if err != nil {
		return nil, err
	}

	var rows []*AggregateRow
	seen := make(map[string]struct{})
	for _, g := range groupIDs {
		canonical := canonicalOf[g]
		if _, done := seen[canonical]; done {
			continue
		}
		seen[canonical] = struct{}{}

		groups := memberLists[canonical]
		counts, err := a.events.GroupCounts(ctx, groups)
		if err != nil {
			return nil, fmt.Errorf("count group members: %w", err)
		}
		total := 0
		for _, n := range counts {
			total += n
		}
		rows = append(rows, &AggregateRow{
			CanonicalGroupID: canonical,
			GroupIDs:         groups,
			MemberCount:      total,
		})
	}
	return rows, nil
}

// Flatten expands every cluster on the page into its full event list, each
// event tagged with its true and canonical group id.
func (a *Assembler) Flatten(ctx context.Context, page []*domain.HistoryEvent) ([]*FlatGroup, error) {
	groupIDs := pageGroupIDs(page)
	canonicalOf, memberLists, err := a.clusters(ctx, groupIDs)
	if err != nil {
		return nil, err
	}

	var result []*FlatGroup
	seen := make(map[string]struct{})
	for _, g := range groupIDs {
		canonical := canonicalOf[g]
		if _, done := seen[canonical]; done {
			continue
		}
		seen[canonical] = struct{}{}

		group := &FlatGroup{CanonicalGroupID: canonical}
		for _, member := range memberLists[canonical] {
			events, err := a.events.GetByGroup(ctx, member)
			if err != nil {
				return nil, fmt.Errorf("load group %s: %w", member, err)
			}
			for _, e := range events {
				group.Events = append(group.Events, &TaggedEvent{
					HistoryEvent:     e,
					TrueGroupID:      member,
					CanonicalGroupID: canonical,
				})
			}
		}
		sort.SliceStable(group.Events, func(i, j int) bool {
			a, b := group.Events[i], group.Events[j]
			if a.TimestampMS != b.TimestampMS {
				return a.TimestampMS < b.TimestampMS
			}
			if a.TrueGroupID != b.TrueGroupID {
				return a.TrueGroupID < b.TrueGroupID
			}
			return a.SequenceIndex < b.SequenceIndex
		})
		result = append(result, group)
	}
	return result, nil
}

// pageGroupIDs returns the page's group ids in first-appearance order.
func pageGroupIDs(page []*domain.HistoryEvent) []string {
	var ids []string
	seen := make(map[string]struct{}, len(page))
	for _, e := range page {
		if _, ok := seen[e.GroupIdentifier]; !ok {
			seen[e.GroupIdentifier] = struct{}{}
			ids = append(ids, e.GroupIdentifier)
		}
	}
	return ids
}

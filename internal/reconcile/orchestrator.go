// Package reconcile matches exchange-reported asset movements to their
// onchain counterpart events.
// Flow: load unmatched movements → find candidates → commit match per movement
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/matching"
	"movement-matcher/internal/notify"
	"movement-matcher/internal/storage"
)

// passLockName serializes reconciliation passes; manual and scheduled
// triggers contend on the same name.
const passLockName = "movement_match_pass"

// Orchestrator runs reconciliation passes over all unmatched movements.
// Each movement commits independently, so a crashed pass resumes cleanly.
type Orchestrator struct {
	events   storage.EventStore
	links    storage.LinkStore
	matches  storage.MatchStore
	locker   storage.PassLocker
	audit    storage.AuditStore
	finder   *matching.Finder
	mutator  *Mutator
	assets   matching.AssetResolver
	notifier notify.Notifier

	windowSeconds int64
	tolerance     decimal.Decimal
	verbose       bool
}

// Options for creating an Orchestrator.
type Options struct {
	// Required stores
	EventStore   storage.EventStore
	LinkStore    storage.LinkStore
	MatchStore   storage.MatchStore
	MappingStore storage.MappingStore
	PassLocker   storage.PassLocker

	// AuditStore receives one row per pass. Optional.
	AuditStore storage.AuditStore

	// Injected capabilities
	Assets   matching.AssetResolver
	Accounts matching.AccountSource

	// Notifier receives the end-of-pass unmatched count. Defaults to a nop.
	Notifier notify.Notifier

	// Matching parameters
	WindowSeconds int64
	Tolerance     decimal.Decimal

	Verbose bool
}

// New creates a new Orchestrator.
func New(opts Options) *Orchestrator {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	return &Orchestrator{
		events:        opts.EventStore,
		links:         opts.LinkStore,
		matches:       opts.MatchStore,
		locker:        opts.PassLocker,
		audit:         opts.AuditStore,
		finder:        matching.NewFinder(opts.EventStore, opts.LinkStore, opts.Assets, opts.Accounts),
		mutator:       NewMutator(opts.EventStore, opts.MappingStore),
		assets:        opts.Assets,
		notifier:      notifier,
		windowSeconds: opts.WindowSeconds,
		tolerance:     opts.Tolerance,
		verbose:       opts.Verbose,
	}
}

// PassResult contains counters from one reconciliation pass.
type PassResult struct {
	PassID        string
	MovementsSeen int
	Matched       int
	AutoIgnored   int
	Ambiguous     int
	Failed        int
	Errors        []string
}

// movementOutcome is the state a pass leaves one movement in.
type movementOutcome int

const (
	outcomeAmbiguous movementOutcome = iota
	outcomeMatched
	outcomeAutoIgnored
	outcomeSkipped
)

// RunPass processes every unmatched movement once. Safe to re-run: matched
// and ignored movements are excluded up front, so partial progress from a
// crashed pass is never redone. Trigger is recorded in the audit row.
func (o *Orchestrator) RunPass(ctx context.Context, trigger string) (*PassResult, error) {
	release, err := o.locker.Acquire(ctx, passLockName)
	if err != nil {
		return nil, fmt.Errorf("acquire pass lock: %w", err)
	}
	defer release()

	startedAt := time.Now().UnixMilli()
	result := &PassResult{PassID: uuid.NewString()}

	movements, fees, err := o.loadUnmatchedMovements(ctx)
	if err != nil {
		return nil, fmt.Errorf("load unmatched movements: %w", err)
	}
	result.MovementsSeen = len(movements)
	o.log("pass %s: %d unmatched movements", result.PassID, len(movements))

	var ignoreIDs []int64
	for _, movement := range movements {
		outcome, err := o.processMovement(ctx, movement, fees[movement.GroupIdentifier], movements)
		if err != nil {
			// The movement stays pending; the next pass retries it.
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("movement %d: %v", movement.Identifier, err))
			o.log("movement %d failed: %v", movement.Identifier, err)
			continue
		}
		switch outcome {
		case outcomeMatched:
			result.Matched++
		case outcomeAutoIgnored:
			result.AutoIgnored++
			ignoreIDs = append(ignoreIDs, movement.Identifier)
		case outcomeAmbiguous:
			result.Ambiguous++
		}
	}

	for _, id := range ignoreIDs {
		if err := o.links.RecordNoMatch(ctx, id); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("ignore movement %d: %v", id, err))
		}
	}

	if result.Ambiguous > 0 {
		o.notifier.UnmatchedMovements(result.Ambiguous)
	}

	if o.audit != nil {
		record := &storage.PassRecord{
			PassID:        result.PassID,
			Trigger:       trigger,
			StartedAtMS:   startedAt,
			FinishedAtMS:  time.Now().UnixMilli(),
			MovementsSeen: result.MovementsSeen,
			Matched:       result.Matched,
			AutoIgnored:   result.AutoIgnored,
			Ambiguous:     result.Ambiguous,
			Failed:        result.Failed,
		}
		if err := o.audit.InsertPass(ctx, record); err != nil {
			// The pass itself succeeded; losing an audit row is not fatal.
			log.Printf("[reconcile] audit insert failed: %v", err)
		}
	}

	o.log("pass %s done: matched=%d ignored=%d ambiguous=%d failed=%d",
		result.PassID, result.Matched, result.AutoIgnored, result.Ambiguous, result.Failed)
	return result, nil
}

// processMovement classifies one movement and commits its match when exactly
// one candidate survives.
func (o *Orchestrator) processMovement(ctx context.Context, movement, fee *domain.HistoryEvent, unmatched []*domain.HistoryEvent) (movementOutcome, error) {
	direction, ok := domain.DirectionOf(movement)
	if !ok {
		return outcomeAmbiguous, fmt.Errorf("event %d is not a movement: %w", movement.Identifier, storage.ErrInvalidInput)
	}

	// A movement earlier in this pass may have claimed this one as its
	// counterpart (movement-to-movement match).
	linked, err := o.links.IsLinked(ctx, movement.Identifier)
	if err != nil {
		return outcomeAmbiguous, err
	}
	if linked {
		return outcomeSkipped, nil
	}

	// Fiat movements have no onchain counterpart.
	if o.assets.IsFiat(movement.Asset) {
		o.log("movement %d: fiat asset %s, auto-ignoring", movement.Identifier, movement.Asset)
		return outcomeAutoIgnored, nil
	}

	// The venue told us which chain the transfer used; if we do not track
	// that chain the counterpart was never collected.
	if chain := movement.ExtraData[domain.ExtraKeyBlockchain]; chain != "" && !o.assets.IsChainTracked(chain) {
		o.log("movement %d: untracked chain %s, auto-ignoring", movement.Identifier, chain)
		return outcomeAutoIgnored, nil
	}

	params := matching.Params{WindowSeconds: o.windowSeconds, Tolerance: o.tolerance}
	matches, err := o.finder.FindMatches(ctx, movement, fee, params)
	if err != nil {
		return outcomeAmbiguous, fmt.Errorf("find matches: %w", err)
	}

	if len(matches) == 0 {
		if o.allChainsUntracked(movement.Asset) {
			o.log("movement %d: asset %s lives on untracked chains only, auto-ignoring",
				movement.Identifier, movement.Asset)
			return outcomeAutoIgnored, nil
		}
		return outcomeAmbiguous, nil
	}

	if len(matches) > 1 {
		// Only narrow by amount when no sibling movement could plausibly
		// own one of the candidates.
		windowMS := domain.EffectiveWindow(o.windowSeconds, movement.TimestampMS) * 1000
		if !matching.HasRelatedMovement(movement, unmatched, windowMS, o.tolerance) {
			matches = matching.PickClosestAmount(movement, fee, direction, matches)
		}
	}
	if len(matches) != 1 {
		o.log("movement %d: %d candidates, leaving ambiguous", movement.Identifier, len(matches))
		return outcomeAmbiguous, nil
	}

	mutation, err := o.mutator.BuildMatchMutation(ctx, movement, fee, matches)
	if err != nil {
		return outcomeAmbiguous, fmt.Errorf("build mutation: %w", err)
	}
	if err := o.matches.ApplyMatch(ctx, mutation); err != nil {
		return outcomeAmbiguous, fmt.Errorf("apply match: %w", err)
	}
	o.log("movement %d: matched event %d", movement.Identifier, matches[0].Identifier)
	return outcomeMatched, nil
}

// allChainsUntracked reports whether the asset's collection lives entirely on
// chains we collect no events for. Unknown chains count as tracked, so an
// asset with no chain metadata is never auto-ignored.
func (o *Orchestrator) allChainsUntracked(asset string) bool {
	chains := o.assets.ChainsForAsset(asset)
	if len(chains) == 0 {
		return false
	}
	for _, chain := range chains {
		if o.assets.IsChainTracked(chain) {
			return false
		}
	}
	return true
}

// loadUnmatchedMovements returns unmatched, unignored movement main legs,
// newest first, plus the same-group fee leg per group where one exists.
func (o *Orchestrator) loadUnmatchedMovements(ctx context.Context) ([]*domain.HistoryEvent, map[string]*domain.HistoryEvent, error) {
	linked, err := o.links.LinkedEventIDs(ctx)
	if err != nil {
		return nil, nil, err
	}
	ignored, err := o.links.IgnoredEventIDs(ctx)
	if err != nil {
		return nil, nil, err
	}

	all, err := o.events.List(ctx, &storage.EventFilter{
		EntryTypes:  []domain.EntryType{domain.EntryTypeMovement},
		NewestFirst: true,
	})
	if err != nil {
		return nil, nil, err
	}

	var movements []*domain.HistoryEvent
	fees := make(map[string]*domain.HistoryEvent)
	for _, e := range all {
		if !e.IsMovement() {
			if _, ok := fees[e.GroupIdentifier]; !ok {
				fees[e.GroupIdentifier] = e
			}
			continue
		}
		if _, ok := linked[e.Identifier]; ok {
			continue
		}
		if _, ok := ignored[e.Identifier]; ok {
			continue
		}
		movements = append(movements, e)
	}
	return movements, fees, nil
}

func (o *Orchestrator) log(format string, args ...interface{}) {
	if o.verbose {
		log.Printf("[reconcile] "+format, args...)
	}
}

// Package main runs one reconciliation pass over a synthetic fixture on
// in-memory stores and prints the outcome: matched groups, adjustments,
// auto-ignores and the merged display rows.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"

	"movement-matcher/internal/domain"
	"movement-matcher/internal/grouping"
	"movement-matcher/internal/idhash"
	"movement-matcher/internal/matching"
	"movement-matcher/internal/notify"
	"movement-matcher/internal/reconcile"
	"movement-matcher/internal/storage/memory"
)

const hourMS = int64(3_600_000)

func main() {
	windowSeconds := flag.Int64("window-seconds", 14400, "Match window in seconds")
	tolerance := flag.String("tolerance", "0.01", "Relative amount tolerance")
	verbose := flag.Bool("verbose", false, "Log per-movement decisions")
	flag.Parse()

	logger := log.New(os.Stdout, "[simulate] ", log.LstdFlags)

	tol, err := decimal.NewFromString(*tolerance)
	if err != nil {
		logger.Fatalf("invalid tolerance %q: %v", *tolerance, err)
	}

	ctx := context.Background()

	events := memory.NewEventStore()
	links := memory.NewLinkStore(events)
	backups := memory.NewBackupStore(events)
	mappings := memory.NewMappingStore()
	notifier := &notify.CollectingNotifier{}

	fixture := fixtureEvents()
	for _, e := range fixture {
		if err := events.Insert(ctx, e); err != nil {
			logger.Fatalf("insert fixture event: %v", err)
		}
	}
	logger.Printf("loaded %d fixture events", len(fixture))

	svc := reconcile.NewService(reconcile.Options{
		EventStore:    events,
		LinkStore:     links,
		MatchStore:    memory.NewMatchStore(events, links, backups, mappings),
		MappingStore:  mappings,
		PassLocker:    memory.NewPassLocker(),
		AuditStore:    memory.NewAuditStore(),
		Assets:        fixtureAssets(),
		Accounts:      fixtureAccounts(),
		Notifier:      notifier,
		WindowSeconds: *windowSeconds,
		Tolerance:     tol,
		Verbose:       *verbose,
	})

	result, err := svc.RunPass(ctx, "simulate")
	if err != nil {
		logger.Fatalf("pass failed: %v", err)
	}

	fmt.Printf("\npass %s\n", result.PassID)
	fmt.Printf("  movements seen: %d\n", result.MovementsSeen)
	fmt.Printf("  matched:        %d\n", result.Matched)
	fmt.Printf("  auto-ignored:   %d\n", result.AutoIgnored)
	fmt.Printf("  ambiguous:      %d\n", result.Ambiguous)
	fmt.Printf("  failed:         %d\n", result.Failed)
	for _, msg := range result.Errors {
		fmt.Printf("  error: %s\n", msg)
	}
	if len(notifier.Counts) > 0 {
		fmt.Printf("  notified unmatched count: %v\n", notifier.Counts)
	}

	pending, err := svc.ListUnmatchedMovements(ctx, false)
	if err != nil {
		logger.Fatalf("list unmatched: %v", err)
	}
	fmt.Printf("\nstill unmatched: %d\n", len(pending))
	for _, m := range pending {
		fmt.Printf("  %s %s %s at %d (%s)\n", m.EventType, m.Amount, m.Asset, m.TimestampMS, m.Location)
	}

	printDisplayRows(ctx, logger, events, links)
}

// printDisplayRows renders the merged group view the way a UI would consume it.
func printDisplayRows(ctx context.Context, logger *log.Logger, events *memory.EventStore, links *memory.LinkStore) {
	page, err := events.List(ctx, nil)
	if err != nil {
		logger.Fatalf("list events: %v", err)
	}

	assembler := grouping.NewAssembler(events, links)
	rows, err := assembler.AggregateRows(ctx, page)
	if err != nil {
		logger.Fatalf("aggregate rows: %v", err)
	}

	fmt.Printf("\ndisplay rows: %d\n", len(rows))
	for _, row := range rows {
		fmt.Printf("  group %.12s: %d events across %d groups\n",
			row.CanonicalGroupID, row.MemberCount, len(row.GroupIDs))
	}

	flat, err := assembler.Flatten(ctx, page)
	if err != nil {
		logger.Fatalf("flatten groups: %v", err)
	}
	for _, group := range flat {
		if len(group.Events) < 2 {
			continue
		}
		fmt.Printf("\n  group %.12s:\n", group.CanonicalGroupID)
		for _, e := range group.Events {
			fmt.Printf("    seq %d: %s/%s %s %s  %s\n",
				e.SequenceIndex, e.EventType, e.EventSubtype, e.Amount, e.Asset, e.Notes)
		}
	}
}

// fixtureAssets covers a stable collection spanning two chains, fiat, and an
// asset living only on an untracked chain.
func fixtureAssets() *matching.StaticAssets {
	usdcCollection := []string{"USDC", "arbitrum-USDC"}
	return &matching.StaticAssets{
		Collections: map[string][]string{
			"USDC":          usdcCollection,
			"arbitrum-USDC": usdcCollection,
		},
		Fiat:          map[string]bool{"EUR": true, "USD": true},
		TrackedChains: map[string]bool{"ethereum": true, "arbitrum": true},
		AssetChains: map[string][]string{
			"USDC":          {"ethereum", "arbitrum"},
			"arbitrum-USDC": {"arbitrum"},
			"DOGE":          {"dogechain"},
		},
	}
}

func fixtureAccounts() *matching.StaticAccounts {
	return &matching.StaticAccounts{
		ByChain: map[string][]string{
			"ethereum": {"0x3f6a7b4c1e8d9f2a5b6c7d8e9f0a1b2c3d4e5f6a"},
			"arbitrum": {"0x3f6a7b4c1e8d9f2a5b6c7d8e9f0a1b2c3d4e5f6a"},
		},
	}
}

// fixtureEvents builds one clean-match withdrawal, one deposit needing an
// adjustment, one fiat movement, one untracked-asset movement and an
// ambiguous pair.
func fixtureEvents() []*domain.HistoryEvent {
	baseTS := int64(1_700_000_000_000)
	user := "0x3f6a7b4c1e8d9f2a5b6c7d8e9f0a1b2c3d4e5f6a"
	var fixture []*domain.HistoryEvent

	// Kraken withdrawal of 250 USDC plus fee, received onchain 20 minutes
	// later on arbitrum. Clean match.
	withdrawGroup := idhash.ComputeGroupID("kraken", domain.EventTypeWithdrawal, "W-9911", baseTS)
	fixture = append(fixture,
		&domain.HistoryEvent{
			GroupIdentifier: withdrawGroup,
			SequenceIndex:   0,
			TimestampMS:     baseTS,
			Location:        "kraken",
			LocationLabel:   "kraken main",
			Asset:           "USDC",
			Amount:          decimal.RequireFromString("250"),
			EventType:       domain.EventTypeWithdrawal,
			EventSubtype:    domain.EventSubtypeRemoveAsset,
			EntryType:       domain.EntryTypeMovement,
			ExtraData:       map[string]string{domain.ExtraKeyBlockchain: "arbitrum"},
		},
		&domain.HistoryEvent{
			GroupIdentifier: withdrawGroup,
			SequenceIndex:   1,
			TimestampMS:     baseTS,
			Location:        "kraken",
			LocationLabel:   "kraken main",
			Asset:           "USDC",
			Amount:          decimal.RequireFromString("0.5"),
			EventType:       domain.EventTypeWithdrawal,
			EventSubtype:    domain.EventSubtypeFee,
			EntryType:       domain.EntryTypeMovement,
			IsFee:           true,
		},
		&domain.HistoryEvent{
			GroupIdentifier: idhash.ComputeGroupID("arbitrum", domain.EventTypeReceive, "0xaa01", baseTS+20*60_000),
			SequenceIndex:   0,
			TimestampMS:     baseTS + 20*60_000,
			Location:        "arbitrum",
			LocationLabel:   user,
			Asset:           "arbitrum-USDC",
			Amount:          decimal.RequireFromString("250"),
			EventType:       domain.EventTypeReceive,
			EventSubtype:    domain.EventSubtypeNone,
			EntryType:       domain.EntryTypeOnchain,
			TxRef:           "0xaa01",
		},
	)

	// Coinbase deposit of 100 USDC whose onchain send was 100.2: within
	// tolerance, produces a 0.2 adjustment.
	depositGroup := idhash.ComputeGroupID("coinbase", domain.EventTypeDeposit, "D-4410", baseTS+2*hourMS)
	fixture = append(fixture,
		&domain.HistoryEvent{
			GroupIdentifier: depositGroup,
			SequenceIndex:   0,
			TimestampMS:     baseTS + 2*hourMS,
			Location:        "coinbase",
			LocationLabel:   "coinbase pro",
			Asset:           "USDC",
			Amount:          decimal.RequireFromString("100"),
			EventType:       domain.EventTypeDeposit,
			EventSubtype:    domain.EventSubtypeDepositAsset,
			EntryType:       domain.EntryTypeMovement,
		},
		&domain.HistoryEvent{
			GroupIdentifier: idhash.ComputeGroupID("ethereum", domain.EventTypeSpend, "0xbb02", baseTS+2*hourMS-30*60_000),
			SequenceIndex:   0,
			TimestampMS:     baseTS + 2*hourMS - 30*60_000,
			Location:        "ethereum",
			LocationLabel:   user,
			Asset:           "USDC",
			Amount:          decimal.RequireFromString("100.2"),
			EventType:       domain.EventTypeSpend,
			EventSubtype:    domain.EventSubtypeNone,
			EntryType:       domain.EntryTypeOnchain,
			TxRef:           "0xbb02",
		},
	)

	// Fiat deposit: auto-ignored.
	fixture = append(fixture, &domain.HistoryEvent{
		GroupIdentifier: idhash.ComputeGroupID("kraken", domain.EventTypeDeposit, "D-7001", baseTS+3*hourMS),
		SequenceIndex:   0,
		TimestampMS:     baseTS + 3*hourMS,
		Location:        "kraken",
		LocationLabel:   "kraken main",
		Asset:           "EUR",
		Amount:          decimal.RequireFromString("1000"),
		EventType:       domain.EventTypeDeposit,
		EventSubtype:    domain.EventSubtypeDepositAsset,
		EntryType:       domain.EntryTypeMovement,
	})

	// Withdrawal of an asset living only on an untracked chain: auto-ignored.
	fixture = append(fixture, &domain.HistoryEvent{
		GroupIdentifier: idhash.ComputeGroupID("binance", domain.EventTypeWithdrawal, "W-3320", baseTS+4*hourMS),
		SequenceIndex:   0,
		TimestampMS:     baseTS + 4*hourMS,
		Location:        "binance",
		LocationLabel:   "binance spot",
		Asset:           "DOGE",
		Amount:          decimal.RequireFromString("5000"),
		EventType:       domain.EventTypeWithdrawal,
		EventSubtype:    domain.EventSubtypeRemoveAsset,
		EntryType:       domain.EntryTypeMovement,
	})

	// A withdrawal with two equally plausible onchain receives: ambiguous,
	// left for manual review.
	ambiguousGroup := idhash.ComputeGroupID("kraken", domain.EventTypeWithdrawal, "W-9944", baseTS+6*hourMS)
	fixture = append(fixture, &domain.HistoryEvent{
		GroupIdentifier: ambiguousGroup,
		SequenceIndex:   0,
		TimestampMS:     baseTS + 6*hourMS,
		Location:        "kraken",
		LocationLabel:   "kraken main",
		Asset:           "USDC",
		Amount:          decimal.RequireFromString("75"),
		EventType:       domain.EventTypeWithdrawal,
		EventSubtype:    domain.EventSubtypeRemoveAsset,
		EntryType:       domain.EntryTypeMovement,
	})
	for i, ref := range []string{"0xcc03", "0xcc04"} {
		ts := baseTS + 6*hourMS + int64(i+1)*10*60_000
		fixture = append(fixture, &domain.HistoryEvent{
			GroupIdentifier: idhash.ComputeGroupID("ethereum", domain.EventTypeReceive, ref, ts),
			SequenceIndex:   0,
			TimestampMS:     ts,
			Location:        "ethereum",
			LocationLabel:   user,
			Asset:           "USDC",
			Amount:          decimal.RequireFromString("75"),
			EventType:       domain.EventTypeReceive,
			EventSubtype:    domain.EventSubtypeNone,
			EntryType:       domain.EntryTypeOnchain,
			TxRef:           ref,
		})
	}

	return fixture
}

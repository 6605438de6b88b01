package domain

import "github.com/shopspring/decimal"

// EntryType distinguishes how a history event was produced.
type EntryType string

const (
	// EntryTypeMovement is an exchange-reported deposit or withdrawal.
	EntryTypeMovement EntryType = "asset_movement"
	// EntryTypeOnchain is an event observed from a ledger transaction log.
	EntryTypeOnchain EntryType = "onchain_event"
	// EntryTypePlain is any other history event, including events created
	// by this subsystem (adjustments).
	EntryTypePlain EntryType = "history_event"
)

// IsValid checks if the entry type is a valid value.
func (t EntryType) IsValid() bool {
	return t == EntryTypeMovement || t == EntryTypeOnchain || t == EntryTypePlain
}

// Event type vocabulary.
const (
	EventTypeDeposit       = "deposit"
	EventTypeWithdrawal    = "withdrawal"
	EventTypeSpend         = "spend"
	EventTypeReceive       = "receive"
	EventTypeTransfer      = "transfer"
	EventTypeInformational = "informational"
	EventTypeAdjustment    = "adjustment"
)

// Event subtype vocabulary.
const (
	EventSubtypeNone         = "none"
	EventSubtypeDepositAsset = "deposit asset"
	EventSubtypeRemoveAsset  = "remove asset"
	EventSubtypeFee          = "fee"
	EventSubtypeApprove      = "approve"
	// Adjustment events use spend/receive subtypes to signal direction.
	EventSubtypeSpend   = "spend"
	EventSubtypeReceive = "receive"
)

// CounterpartyGas marks gas fee events, which are never match candidates.
const CounterpartyGas = "gas"

// Well-known extra_data keys.
const (
	ExtraKeyBlockchain    = "blockchain"     // chain the venue reported for the movement
	ExtraKeyTransactionID = "transaction_id" // transaction reference the venue recorded
	ExtraKeyAddress       = "address"        // counterparty address of an onchain transfer
)

// Extra_data keys written onto a matched event.
const (
	ExtraKeyMatchedGroup     = "matched_movement_group"
	ExtraKeyMatchedVenue     = "matched_movement_venue"
	ExtraKeyMatchedVenueName = "matched_movement_venue_name"
)

// HistoryEvent is one leg of a logical operation. Rows sharing a
// GroupIdentifier describe the same operation; (GroupIdentifier,
// SequenceIndex) is unique.
// Corresponds to the history_events table in PostgreSQL.
type HistoryEvent struct {
	Identifier      int64  // BIGSERIAL surrogate key, assigned by the store
	GroupIdentifier string // groups multi-leg events of one operation
	SequenceIndex   int    // unique within group
	TimestampMS     int64  // Unix timestamp in milliseconds
	Location        string // venue name or chain name
	LocationLabel   string // account name or address
	Asset           string
	Amount          decimal.Decimal
	EventType       string
	EventSubtype    string
	EntryType       EntryType
	Counterparty    string // protocol or venue, empty if undecoded
	TxRef           string // ledger transaction reference, onchain events only
	Notes           string
	ExtraData       map[string]string
	IsFee           bool
}

// Clone returns a deep copy. Stores hand out and accept copies so callers
// can mutate freely.
func (e *HistoryEvent) Clone() *HistoryEvent {
	c := *e
	if e.ExtraData != nil {
		c.ExtraData = make(map[string]string, len(e.ExtraData))
		for k, v := range e.ExtraData {
			c.ExtraData[k] = v
		}
	}
	return &c
}

// IsMovement reports whether the event is the main leg of an
// exchange-reported movement (fee legs are not movements themselves).
func (e *HistoryEvent) IsMovement() bool {
	return e.EntryType == EntryTypeMovement && !e.IsFee &&
		e.EventSubtype != EventSubtypeFee
}

// IsAdjustment reports whether the event is a synthetic adjustment created
// by the matching process.
func (e *HistoryEvent) IsAdjustment() bool {
	return e.EventType == EventTypeAdjustment
}

// TypePair is an (event_type, event_subtype) combination.
type TypePair struct {
	Type    string
	Subtype string
}

// Pair returns the event's type pair.
func (e *HistoryEvent) Pair() TypePair {
	return TypePair{Type: e.EventType, Subtype: e.EventSubtype}
}

// Package eventlog provides the append-only audit trail of ledger
// operations. Events hash themselves, independently from the fiscal chain,
// so tampering with the operational record is detectable even when the
// fiscal chain is intact.
package eventlog

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventIssuance     EventType = "issuance"
	EventFinalization EventType = "finalization"
	EventAnnulment    EventType = "annulment"
	EventDeletion     EventType = "deletion"
	EventExport       EventType = "export"
	EventIncident     EventType = "incident"
	EventClockCheck   EventType = "clock_check"
	EventSummary      EventType = "summary"
)

// KnownTypes lists every event type for summaries and filter validation.
var KnownTypes = []EventType{
	EventIssuance,
	EventFinalization,
	EventAnnulment,
	EventDeletion,
	EventExport,
	EventIncident,
	EventClockCheck,
	EventSummary,
}

// SystemEvent is one audit entry. Never mutated or deleted once appended.
type SystemEvent struct {
	ID        uuid.UUID `json:"id"`
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Detail    string    `json:"detail"`
	HashEvent string    `json:"hash_event"`
	// Position is the store-assigned append order, used as the export
	// cursor so interrupted exports can restart exactly where they left
	// off.
	Position int64 `json:"position"`
}

// Filter selects events for export. Zero values mean "no constraint".
type Filter struct {
	Types         []EventType
	Since         time.Time
	AfterPosition int64
	Limit         int
}

// Stats summarizes event activity for operational reporting.
type Stats struct {
	Since         time.Time           `json:"since"`
	Total         int64               `json:"total"`
	Counts        map[EventType]int64 `json:"counts"`
	LastSummaryAt time.Time           `json:"last_summary_at"`
	NextSummaryAt time.Time           `json:"next_summary_at"`
}

// Package models defines the fiscal record types of the invoice ledger.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordState is the lifecycle state of an issuance record.
//
// Legal transitions: provisional → final → annulled, and provisional →
// deleted. Nothing else. Finality is a one-way door: final invoices are
// never deleted, matching the regulatory requirement this ledger encodes.
type RecordState string

const (
	StateProvisional RecordState = "provisional"
	StateFinal       RecordState = "final"
	StateAnnulled    RecordState = "annulled"
	StateDeleted     RecordState = "deleted"
)

// CanTransitionTo reports whether moving from s to next is a legal lifecycle
// step.
func (s RecordState) CanTransitionTo(next RecordState) bool {
	switch s {
	case StateProvisional:
		return next == StateFinal || next == StateDeleted
	case StateFinal:
		return next == StateAnnulled
	default:
		return false
	}
}

// Party carries the fiscal identity of an issuer or recipient.
type Party struct {
	FiscalID string `json:"fiscal_id"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
}

// ChargeLine is one itemized charge. Amounts use decimal arithmetic; binary
// floats never touch fiscal values.
type ChargeLine struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
}

// Net returns quantity times unit price before tax.
func (l ChargeLine) Net() decimal.Decimal {
	return l.Quantity.Mul(l.UnitPrice)
}

// Tax returns the tax amount for the line.
func (l ChargeLine) Tax() decimal.Decimal {
	return l.Net().Mul(l.TaxRate).Div(decimal.NewFromInt(100)).Round(2)
}

// Gross returns net plus tax.
func (l ChargeLine) Gross() decimal.Decimal {
	return l.Net().Add(l.Tax())
}

// TaxSummary aggregates tax by rate for the printed breakdown.
type TaxSummary struct {
	Rate   decimal.Decimal `json:"rate"`
	Base   decimal.Decimal `json:"base"`
	Amount decimal.Decimal `json:"amount"`
}

// IssuanceRecord is one legally binding invoice event.
//
// Payload fields are immutable once issued; only the lifecycle state ever
// changes, through finalize, annul or provisional deletion. The integrity
// fields chain the record into the global ledger.
type IssuanceRecord struct {
	ID             uuid.UUID `json:"id"`
	Series         string    `json:"series"`
	SequenceNumber int64     `json:"sequence_number"`
	Year           int       `json:"year"`

	Issuer       Party           `json:"issuer"`
	Recipient    Party           `json:"recipient"`
	Lines        []ChargeLine    `json:"lines"`
	TaxBreakdown []TaxSummary    `json:"tax_breakdown"`
	Total        decimal.Decimal `json:"total"`
	Description  string          `json:"description,omitempty"`

	HashCurrent  string    `json:"hash_current"`
	HashPrevious string    `json:"hash_previous"`
	Signature    string    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
	IssuedBy     string    `json:"issued_by"`

	State         RecordState `json:"state"`
	ChainPosition int64       `json:"chain_position"`
}

// Number renders the formatted invoice number, e.g. FAC-0001.
func (r *IssuanceRecord) Number() string {
	return FormatNumber(r.Series, r.SequenceNumber)
}

// FormatNumber renders a series/sequence pair in the deployment numbering
// format: series tag, dash, number zero-padded to four digits.
func FormatNumber(series string, sequence int64) string {
	return fmt.Sprintf("%s-%04d", series, sequence)
}

// CanonicalPayload returns the fixed field set hashed into the chain.
// Volatile fields (hash, signature, state, chain position) are excluded:
// state transitions must not break historical links.
func (r *IssuanceRecord) CanonicalPayload() map[string]interface{} {
	lines := make([]interface{}, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, map[string]interface{}{
			"description": l.Description,
			"quantity":    l.Quantity.String(),
			"unit_price":  l.UnitPrice.String(),
			"tax_rate":    l.TaxRate.String(),
		})
	}
	taxes := make([]interface{}, 0, len(r.TaxBreakdown))
	for _, tx := range r.TaxBreakdown {
		taxes = append(taxes, map[string]interface{}{
			"rate":   tx.Rate.String(),
			"base":   tx.Base.String(),
			"amount": tx.Amount.String(),
		})
	}
	return map[string]interface{}{
		"id":              r.ID.String(),
		"series":          r.Series,
		"sequence_number": float64(r.SequenceNumber),
		"year":            float64(r.Year),
		"issuer": map[string]interface{}{
			"fiscal_id": r.Issuer.FiscalID,
			"name":      r.Issuer.Name,
			"address":   r.Issuer.Address,
		},
		"recipient": map[string]interface{}{
			"fiscal_id": r.Recipient.FiscalID,
			"name":      r.Recipient.Name,
			"address":   r.Recipient.Address,
		},
		"lines":         lines,
		"tax_breakdown": taxes,
		"total":         r.Total.String(),
		"description":   r.Description,
		"timestamp":     r.Timestamp.UTC().Format(time.RFC3339Nano),
		"issued_by":     r.IssuedBy,
	}
}

// AnnulmentRecord is an additive correction referencing a finalized invoice.
// It chains into the same global ledger as issuances; history is never
// rewritten, only extended.
type AnnulmentRecord struct {
	ID       uuid.UUID `json:"id"`
	TargetID uuid.UUID `json:"target_id"`
	Reason   string    `json:"reason"`

	HashCurrent  string    `json:"hash_current"`
	HashPrevious string    `json:"hash_previous"`
	Signature    string    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
	AnnulledBy   string    `json:"annulled_by"`

	ChainPosition int64 `json:"chain_position"`
}

// CanonicalPayload returns the annulment's hashed field set.
func (a *AnnulmentRecord) CanonicalPayload() map[string]interface{} {
	return map[string]interface{}{
		"id":          a.ID.String(),
		"target_id":   a.TargetID.String(),
		"reason":      a.Reason,
		"timestamp":   a.Timestamp.UTC().Format(time.RFC3339Nano),
		"annulled_by": a.AnnulledBy,
	}
}

// EntryKind distinguishes elements of the global chain arena.
type EntryKind string

const (
	EntryIssuance  EntryKind = "issuance"
	EntryAnnulment EntryKind = "annulment"
)

// ChainEntry is one element of the global ledger in total append order. The
// chain is stored as an arena indexed by position, with the previous
// relation expressed through hashes rather than live references.
type ChainEntry struct {
	Position     int64
	Kind         EntryKind
	RecordID     uuid.UUID
	HashCurrent  string
	HashPrevious string
	// Payload is the canonical hashed form, nil for tombstones of deleted
	// provisional records.
	Payload interface{}
}

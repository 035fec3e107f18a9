// Package memory provides an in-memory ledger store for tests and
// single-process deployments.
package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Maybe-Sama/eureka-connect-sub003/internal/hashchain"
	"github.com/Maybe-Sama/eureka-connect-sub003/internal/invoice/models"
	"github.com/Maybe-Sama/eureka-connect-sub003/pkg/platform/sentinel"
)

type Store struct {
	mu         sync.RWMutex
	records    map[uuid.UUID]*models.IssuanceRecord
	annulments map[uuid.UUID]*models.AnnulmentRecord
	chain      []chainSlot
}

// chainSlot pins the append order. Entries reference records by id so state
// transitions after append are visible without rewriting the chain.
type chainSlot struct {
	kind     models.EntryKind
	recordID uuid.UUID
}

func NewStore() *Store {
	return &Store{
		records:    make(map[uuid.UUID]*models.IssuanceRecord),
		annulments: make(map[uuid.UUID]*models.AnnulmentRecord),
	}
}

func (s *Store) Insert(_ context.Context, record *models.IssuanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[record.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *record
	clone.Lines = append([]models.ChargeLine(nil), record.Lines...)
	clone.TaxBreakdown = append([]models.TaxSummary(nil), record.TaxBreakdown...)
	s.records[record.ID] = &clone
	s.chain = append(s.chain, chainSlot{kind: models.EntryIssuance, recordID: record.ID})
	return nil
}

func (s *Store) InsertAnnulment(_ context.Context, annulment *models.AnnulmentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.annulments[annulment.ID]; exists {
		return sentinel.ErrConflict
	}
	clone := *annulment
	s.annulments[annulment.ID] = &clone
	s.chain = append(s.chain, chainSlot{kind: models.EntryAnnulment, recordID: annulment.ID})
	return nil
}

func (s *Store) FindByID(_ context.Context, id uuid.UUID) (*models.IssuanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := *record
	clone.Lines = append([]models.ChargeLine(nil), record.Lines...)
	clone.TaxBreakdown = append([]models.TaxSummary(nil), record.TaxBreakdown...)
	return &clone, nil
}

func (s *Store) SetState(_ context.Context, id uuid.UUID, from, to models.RecordState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if record.State != from {
		return sentinel.ErrInvalidState
	}
	record.State = to
	return nil
}

func (s *Store) Tombstone(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	if record.State != models.StateProvisional {
		return sentinel.ErrInvalidState
	}
	record.State = models.StateDeleted
	record.Recipient = models.Party{}
	record.Lines = nil
	record.TaxBreakdown = nil
	record.Description = ""
	return nil
}

func (s *Store) Head(_ context.Context) (string, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chain) == 0 {
		return hashchain.GenesisHash, 0, nil
	}
	slot := s.chain[len(s.chain)-1]
	hash, _, err := s.slotHashes(slot)
	return hash, int64(len(s.chain)), err
}

func (s *Store) ListChain(_ context.Context) ([]models.ChainEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]models.ChainEntry, 0, len(s.chain))
	for i, slot := range s.chain {
		current, previous, err := s.slotHashes(slot)
		if err != nil {
			return nil, err
		}
		entry := models.ChainEntry{
			Position:     int64(i + 1),
			Kind:         slot.kind,
			RecordID:     slot.recordID,
			HashCurrent:  current,
			HashPrevious: previous,
		}
		switch slot.kind {
		case models.EntryIssuance:
			record := s.records[slot.recordID]
			// Deleted provisionals keep only their linkage.
			if record.State != models.StateDeleted {
				entry.Payload = record.CanonicalPayload()
			}
		case models.EntryAnnulment:
			entry.Payload = s.annulments[slot.recordID].CanonicalPayload()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (s *Store) ListRecords(_ context.Context) ([]models.IssuanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.IssuanceRecord, 0, len(s.records))
	for _, slot := range s.chain {
		if slot.kind != models.EntryIssuance {
			continue
		}
		record := s.records[slot.recordID]
		clone := *record
		clone.Lines = append([]models.ChargeLine(nil), record.Lines...)
		clone.TaxBreakdown = append([]models.TaxSummary(nil), record.TaxBreakdown...)
		out = append(out, clone)
	}
	return out, nil
}

func (s *Store) ListAnnulments(_ context.Context) ([]models.AnnulmentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.AnnulmentRecord, 0, len(s.annulments))
	for _, slot := range s.chain {
		if slot.kind != models.EntryAnnulment {
			continue
		}
		out = append(out, *s.annulments[slot.recordID])
	}
	return out, nil
}

func (s *Store) CountByState(_ context.Context) (map[models.RecordState]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.RecordState]int64)
	for _, record := range s.records {
		counts[record.State]++
	}
	return counts, nil
}

func (s *Store) slotHashes(slot chainSlot) (current, previous string, err error) {
	switch slot.kind {
	case models.EntryIssuance:
		record, ok := s.records[slot.recordID]
		if !ok {
			return "", "", sentinel.ErrNotFound
		}
		return record.HashCurrent, record.HashPrevious, nil
	case models.EntryAnnulment:
		annulment, ok := s.annulments[slot.recordID]
		if !ok {
			return "", "", sentinel.ErrNotFound
		}
		return annulment.HashCurrent, annulment.HashPrevious, nil
	}
	return "", "", sentinel.ErrNotFound
}

package pipeline

import (
	"sync"

	"github.com/bdobrica/mu/internal/controlplane/command"
	"github.com/bdobrica/mu/internal/controlplane/journal"
)

// RecordStore is the pipeline's in-memory CommandRecord map: folded from
// the journal at startup and kept current by every Put thereafter. It
// implements confirmation.Store directly.
type RecordStore struct {
	mu   sync.Mutex
	byID map[string]*command.Record
}

// NewRecordStore returns an empty RecordStore, for a fresh journal.
func NewRecordStore() *RecordStore {
	return &RecordStore{byID: make(map[string]*command.Record)}
}

// LoadRecordStore rebuilds a RecordStore by folding journalPath, per spec
// §6's "load reconstructs by folding entries."
func LoadRecordStore(journalPath string) (*RecordStore, error) {
	entries, err := journal.LoadAll(journalPath)
	if err != nil {
		return nil, err
	}
	records, _ := journal.Reconstruct(entries)
	if records == nil {
		records = make(map[string]*command.Record)
	}
	return &RecordStore{byID: records}, nil
}

// Get returns the current record for commandID, if any.
func (s *RecordStore) Get(commandID string) (*command.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[commandID]
	return r, ok
}

// Put installs rec as the current record for its command_id.
func (s *RecordStore) Put(rec *command.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[rec.CommandID] = rec
}

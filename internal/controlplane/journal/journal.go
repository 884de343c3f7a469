// Package journal implements the append-only commands.jsonl file that is
// the sole source of truth for command lifecycle reconstruction (spec §3,
// §6). It is grounded on the teacher's internal/ruriko/store.Store
// migration ledger — an ordered, versioned, replay-by-fold persistence
// idiom — adapted from a SQLite migrations table to a flat newline-
// delimited JSON file, since spec §6 requires commands.jsonl to be
// append-only and rewritten never.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bdobrica/mu/internal/controlplane/appendfile"
	"github.com/bdobrica/mu/internal/controlplane/command"
)

// EntryKind discriminates the two JournalEntry shapes spec §3 defines.
type EntryKind string

const (
	KindCommandLifecycle EntryKind = "command.lifecycle"
	KindDomainMutating   EntryKind = "domain.mutating"
)

// Correlation mirrors command.Record's correlation fields, carried on
// domain.mutating entries so mutating events can be audited without a
// second lookup into the command journal.
type Correlation struct {
	OperatorSessionID string `json:"operator_session_id,omitempty"`
	OperatorTurnID    string `json:"operator_turn_id,omitempty"`
	CLIInvocationID   string `json:"cli_invocation_id,omitempty"`
	RunRootID         string `json:"run_root_id,omitempty"`
}

// Entry is one line of commands.jsonl.
type Entry struct {
	Kind EntryKind `json:"kind"`

	// command.lifecycle fields
	Command   *command.Record `json:"command,omitempty"`
	EventType string          `json:"event_type,omitempty"`

	// domain.mutating fields
	CommandID   string          `json:"command_id,omitempty"`
	State       command.State   `json:"state,omitempty"`
	Correlation Correlation     `json:"correlation,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Journal appends CommandRecord lifecycle and domain.mutating entries to a
// single JSONL file, never rewriting existing lines. It is not itself
// concurrency-safe against multiple writers; callers serialize writes
// through pipeline.SerializedMutationExecutor, matching spec §5.
type Journal struct {
	path string
	file *appendfile.File
}

// Open opens (creating if absent) the journal file at path in append mode.
func Open(path string) (*Journal, error) {
	af, err := appendfile.Open(path)
	if err != nil {
		return nil, err
	}
	return &Journal{path: path, file: af}, nil
}

// Close flushes and closes the underlying file.
func (j *Journal) Close() error { return j.file.Close() }

// AppendLifecycle writes a command.lifecycle entry.
func (j *Journal) AppendLifecycle(rec *command.Record, eventType string) error {
	return j.append(Entry{Kind: KindCommandLifecycle, Command: rec, EventType: eventType})
}

// AppendMutating writes a domain.mutating entry. Mutation handlers must
// call this for every ReplayMutationEvent BEFORE the final lifecycle
// transition is appended (spec §4.8).
func (j *Journal) AppendMutating(commandID string, eventType string, state command.State, corr Correlation, payload json.RawMessage) error {
	return j.append(Entry{
		Kind:        KindDomainMutating,
		CommandID:   commandID,
		EventType:   eventType,
		State:       state,
		Correlation: corr,
		Payload:     payload,
	})
}

func (j *Journal) append(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("journal: marshal: %w", err)
	}
	return j.file.AppendLine(data)
}

// LoadAll reads every entry in the journal file, in file order, skipping
// blank lines (spec §6: "readers must skip blank lines").
func LoadAll(path string) ([]Entry, error) {
	lines, err := appendfile.ReadLines(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("journal: decode line: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}


// Reconstruct folds journal entries into a map of the latest CommandRecord
// state per command_id, and the ordered list of domain.mutating entries per
// command_id, by linear scan — the "ordering is sole source of truth" rule
// from spec §3.
func Reconstruct(entries []Entry) (records map[string]*command.Record, mutating map[string][]Entry) {
	records = make(map[string]*command.Record)
	mutating = make(map[string][]Entry)
	for _, e := range entries {
		switch e.Kind {
		case KindCommandLifecycle:
			if e.Command != nil {
				records[e.Command.CommandID] = e.Command
			}
		case KindDomainMutating:
			mutating[e.CommandID] = append(mutating[e.CommandID], e)
		}
	}
	return records, mutating
}

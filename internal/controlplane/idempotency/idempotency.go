// Package idempotency implements the exactly-once command acceptance
// ledger (spec §4.4). It is grounded on the teacher's append-and-fold
// persistence idiom from internal/ruriko/store (migrations folded by
// version) and approvals.Approval.IsExpired's now-vs-deadline liveness
// check, generalized from "approval pending/resolved" to "claim
// live/expired."
package idempotency

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/bdobrica/mu/internal/controlplane/appendfile"
)

// ClaimRecord is one append-only claim (spec §3 IdempotencyClaimRecord).
type ClaimRecord struct {
	IdempotencyKey string `json:"idempotency_key"`
	Fingerprint    string `json:"fingerprint"`
	CommandID      string `json:"command_id"`
	CreatedAtMS    int64  `json:"created_at_ms"`
	LastSeenMS     int64  `json:"last_seen_ms"`
	ExpiresAtMS    int64  `json:"expires_at_ms"`
}

// Outcome is the result of a Claim call.
type Outcome string

const (
	Created   Outcome = "created"
	Duplicate Outcome = "duplicate"
	Conflict  Outcome = "conflict"
)

// Result carries the outcome plus the winning command_id (for Duplicate,
// the original claimant's; for Created, the caller's own).
type Result struct {
	Outcome   Outcome
	CommandID string
}

// Ledger is the in-memory projection of idempotency.jsonl, rebuilt at
// startup by folding the append-only file (latest non-expired claim per
// key wins) and kept current by appending a new line on every Claim call
// that changes state.
type Ledger struct {
	path  string
	file  *appendfile.File
	byKey map[string]*ClaimRecord
}

// Open loads (or creates) the idempotency ledger backed by the JSONL file
// at path.
func Open(path string) (*Ledger, error) {
	af, err := appendfile.Open(path)
	if err != nil {
		return nil, err
	}
	l := &Ledger{path: path, file: af, byKey: make(map[string]*ClaimRecord)}
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	lines, err := appendfile.ReadLines(l.path)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var rec ClaimRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("idempotency: decode: %w", err)
		}
		// Folding by key: later lines (later in the file) supersede earlier
		// ones for the same key, matching "latest non-expired wins."
		l.byKey[rec.IdempotencyKey] = &rec
	}
	return nil
}

// Close flushes and closes the backing file.
func (l *Ledger) Close() error { return l.file.Close() }

// Claim attempts to bind (key, fingerprint) to commandID within ttlMS of
// nowMS, per spec §4.4.
func (l *Ledger) Claim(key, fingerprint, commandID string, ttlMS, nowMS int64) (Result, error) {
	existing, ok := l.byKey[key]
	live := ok && nowMS < existing.ExpiresAtMS

	if !live {
		rec := &ClaimRecord{
			IdempotencyKey: key,
			Fingerprint:    fingerprint,
			CommandID:      commandID,
			CreatedAtMS:    nowMS,
			LastSeenMS:     nowMS,
			ExpiresAtMS:    nowMS + ttlMS,
		}
		if err := l.appendAndIndex(rec); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Created, CommandID: commandID}, nil
	}

	if existing.Fingerprint == fingerprint {
		// Duplicate: refresh last_seen_ms but keep the original claimant
		// and its original expiry.
		refreshed := *existing
		refreshed.LastSeenMS = nowMS
		if err := l.appendAndIndex(&refreshed); err != nil {
			return Result{}, err
		}
		return Result{Outcome: Duplicate, CommandID: existing.CommandID}, nil
	}

	return Result{Outcome: Conflict}, nil
}

func (l *Ledger) appendAndIndex(rec *ClaimRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency: marshal: %w", err)
	}
	if err := l.file.AppendLine(data); err != nil {
		return err
	}
	l.byKey[rec.IdempotencyKey] = rec
	return nil
}

// Lookup returns the current live claim for key, if any.
func (l *Ledger) Lookup(key string, nowMS int64) (*ClaimRecord, bool) {
	rec, ok := l.byKey[key]
	if !ok || nowMS >= rec.ExpiresAtMS {
		return nil, false
	}
	return rec, true
}


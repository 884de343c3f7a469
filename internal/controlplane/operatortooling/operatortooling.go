// Package operatortooling implements the operator-facing DLQ/audit/policy
// surface of spec §4.10: `audit get`, `dlq list|inspect|replay`,
// `kill-switch set`, `rate-limit override`, `policy update`. It is
// grounded on internal/gitai/control/server.go's Handlers bundle idiom — a
// plain struct of named callbacks a thin HTTP/CLI layer dispatches into —
// generalized from ACP's five fixed endpoints to the operator command
// surface, and exists as its own package specifically to break the
// pipeline↔outbox reference cycle spec §9 calls out: both already-built
// packages are referenced here, constructed after both exist, rather than
// importing each other directly.
package operatortooling

import (
	"fmt"

	"github.com/bdobrica/mu/internal/controlplane/command"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/journal"
	"github.com/bdobrica/mu/internal/controlplane/outbox"
	"github.com/bdobrica/mu/internal/controlplane/policy"
	"github.com/bdobrica/mu/internal/controlplane/reason"
)

// AuditRecord is the result of `audit get <command_id>`: the lifecycle
// history plus any domain-mutating events journaled for that command.
type AuditRecord struct {
	Command  *command.Record
	Mutating []journal.Entry
}

// Tooling is the OperatorTooling façade.
type Tooling struct {
	journalPath string
	outboxDisp  *outbox.Dispatcher
	policyEng   *policy.Engine
}

// New constructs a Tooling bundle from the journal file path and the
// already-constructed outbox and policy handles. Constructed after both
// exist — a builder, not a cyclic pair of constructors.
func New(journalPath string, outboxDisp *outbox.Dispatcher, policyEng *policy.Engine) *Tooling {
	return &Tooling{journalPath: journalPath, outboxDisp: outboxDisp, policyEng: policyEng}
}

// AuditGet returns the full lifecycle history for a command_id, per spec
// §4.10's "audit get <command_id> returns lifecycle history + mutating
// events."
func (t *Tooling) AuditGet(commandID string) (*AuditRecord, error) {
	entries, err := journal.LoadAll(t.journalPath)
	if err != nil {
		return nil, fmt.Errorf("operatortooling: audit get: %w", err)
	}
	records, mutating := journal.Reconstruct(entries)
	rec, ok := records[commandID]
	if !ok {
		return nil, reason.Deny(reason.ContextMissing, "no such command_id: "+commandID)
	}
	return &AuditRecord{Command: rec, Mutating: mutating[commandID]}, nil
}

// DLQList returns every dead-lettered outbox record.
func (t *Tooling) DLQList() []*outbox.Record {
	return t.outboxDisp.ListDeadLetter()
}

// DLQInspect returns a single dead-lettered (or any) outbox record by id.
func (t *Tooling) DLQInspect(outboxID string) (*outbox.Record, error) {
	rec, ok := t.outboxDisp.Get(outboxID)
	if !ok {
		return nil, reason.Deny(reason.ContextMissing, "no such outbox_id: "+outboxID)
	}
	return rec, nil
}

// DLQReplay creates a new outbox record preserving correlation, per spec
// §4.10's "replay creates a new outbox record with replay_of_outbox_id
// preserving correlation.command_id, enqueues as pending."
func (t *Tooling) DLQReplay(newOutboxID, sourceOutboxID string, nowMS int64) (*outbox.Record, error) {
	rec, err := t.outboxDisp.Replay(newOutboxID, sourceOutboxID, nowMS)
	if err != nil {
		return nil, fmt.Errorf("operatortooling: dlq replay: %w", err)
	}
	return rec, nil
}

// KillSwitchScope selects which kill switch `kill-switch set` rewires.
type KillSwitchScope string

const (
	KillSwitchGlobal  KillSwitchScope = "global"
	KillSwitchChannel KillSwitchScope = "channel"
	KillSwitchClass   KillSwitchScope = "class"
)

// KillSwitchSet flips one of the three mutation kill switches in place,
// per spec §4.10. channel is only consulted for the per-channel scope;
// class only for the per-class scope.
func (t *Tooling) KillSwitchSet(scope KillSwitchScope, channel envelope.Channel, class string, disabled bool) {
	p := t.policyEng.Policy()
	switch scope {
	case KillSwitchGlobal:
		p.GlobalMutationsOff = disabled
	case KillSwitchChannel:
		if p.ChannelMutationsOff == nil {
			p.ChannelMutationsOff = make(map[envelope.Channel]bool)
		}
		p.ChannelMutationsOff[channel] = disabled
	case KillSwitchClass:
		if p.ClassMutationsOff == nil {
			p.ClassMutationsOff = make(map[string]bool)
		}
		p.ClassMutationsOff[class] = disabled
	}
	t.policyEng.SetPolicy(p)
}

// RateLimitOverride replaces the rate-limit window, resetting counters
// atomically per spec §4.6's setPolicy contract.
func (t *Tooling) RateLimitOverride(window policy.RateLimitWindow) {
	p := t.policyEng.Policy()
	p.RateLimit = window
	t.policyEng.SetPolicy(p)
}

// PolicyUpdate replaces the full rule set, per spec §4.10's `policy
// update`.
func (t *Tooling) PolicyUpdate(next policy.Policy) {
	t.policyEng.SetPolicy(next)
}

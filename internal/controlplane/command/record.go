// Package command defines the durable CommandRecord entity and its
// lifecycle state schema. It is the control plane's analogue of the
// teacher's internal/ruriko/approvals.Approval type, generalized from a
// single gated-operation approval to the full command lifecycle described
// in spec §3/§4.3.
package command

import (
	"encoding/json"

	"github.com/bdobrica/mu/internal/controlplane/envelope"
)

// State is one of the ten CommandStateSchema states.
type State string

const (
	StateAccepted              State = "accepted"
	StateAwaitingConfirmation  State = "awaiting_confirmation"
	StateQueued                State = "queued"
	StateInProgress             State = "in_progress"
	StateDeferred               State = "deferred"
	StateCompleted              State = "completed"
	StateFailed                 State = "failed"
	StateCancelled              State = "cancelled"
	StateExpired                State = "expired"
	StateDeadLetter             State = "dead_letter"
)

// Terminal reports whether s is one of the sticky terminal states.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateExpired, StateDeadLetter:
		return true
	}
	return false
}

// Record is the durable command entity (spec §3 CommandRecord).
type Record struct {
	CommandID string `json:"command_id"`

	// Keys copied from the inbound envelope at creation.
	Channel         envelope.Channel        `json:"channel"`
	ChannelTenantID string                  `json:"channel_tenant_id"`
	ChannelConvID   string                  `json:"channel_conversation_id"`
	ActorID         string                  `json:"actor_id"`
	ActorBindingID  string                  `json:"actor_binding_id"`
	AssuranceTier   envelope.AssuranceTier  `json:"assurance_tier"`
	RepoRoot        string                  `json:"repo_root"`
	ScopeRequired   string                  `json:"scope_required"`
	ScopeEffective  string                  `json:"scope_effective"`
	TargetType      string                  `json:"target_type"`
	TargetID        string                  `json:"target_id"`
	IdempotencyKey  string                  `json:"idempotency_key"`
	Fingerprint     string                  `json:"fingerprint"`
	RequestID       string                  `json:"request_id"`
	CommandText     string                  `json:"command_text"`
	CommandArgs     []string                `json:"command_args"`

	// Lifecycle.
	State                    State  `json:"state"`
	Attempt                  int    `json:"attempt"`
	CreatedAtMS              int64  `json:"created_at_ms"`
	UpdatedAtMS              int64  `json:"updated_at_ms"`
	TerminalAtMS             int64  `json:"terminal_at_ms,omitempty"`
	ConfirmationExpiresAtMS  int64  `json:"confirmation_expires_at_ms,omitempty"`
	RetryAtMS                int64  `json:"retry_at_ms,omitempty"`
	ErrorCode                string `json:"error_code,omitempty"`
	Result                   json.RawMessage `json:"result,omitempty"`
	ReplayOf                 string `json:"replay_of,omitempty"`

	// Correlation.
	OperatorSessionID string `json:"operator_session_id,omitempty"`
	OperatorTurnID    string `json:"operator_turn_id,omitempty"`
	CLIInvocationID   string `json:"cli_invocation_id,omitempty"`
	CLICommandKind    string `json:"cli_command_kind,omitempty"`
	RunRootID         string `json:"run_root_id,omitempty"`
}

// Clone returns a deep-enough copy of r suitable for mutating in a
// transition without aliasing the caller's CommandArgs slice or Result bytes.
func (r *Record) Clone() *Record {
	cp := *r
	if r.CommandArgs != nil {
		cp.CommandArgs = append([]string(nil), r.CommandArgs...)
	}
	if r.Result != nil {
		cp.Result = append(json.RawMessage(nil), r.Result...)
	}
	return &cp
}

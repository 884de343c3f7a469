// Package reason defines the closed set of reason codes the control plane
// uses to explain denials, deferrals, and failures to operators. Every code
// named in the design is a typed constant so switches over Code are
// exhaustiveness-checkable by linters, instead of being bare strings passed
// around the pipeline.
package reason

// Code is a control-plane reason code, surfaced in ACKs, outbox bodies, and
// the audit trail.
type Code string

const (
	// Verification
	AdapterSignatureInvalid Code = "adapter_signature_invalid"
	AdapterTimestampStale   Code = "adapter_timestamp_stale"
	AdapterPayloadInvalid   Code = "adapter_payload_invalid"

	// Identity
	IdentityNotLinked         Code = "identity_not_linked"
	ConfirmationInvalidActor  Code = "confirmation_invalid_actor"

	// Authorization
	UnmappedCommand                    Code = "unmapped_command"
	MissingScope                       Code = "missing_scope"
	AssuranceTierTooLow                Code = "assurance_tier_too_low"
	ReadonlyModeDisallowsMutation      Code = "readonly_mode_disallows_mutation"
	MutationModeRequiresMutatingCmd    Code = "mutation_mode_requires_mutating_command"

	// Safety
	MutationsDisabledGlobal  Code = "mutations_disabled_global"
	MutationsDisabledChannel Code = "mutations_disabled_channel"
	MutationsDisabledClass   Code = "mutations_disabled_class"
	BackpressureOverflow     Code = "backpressure_overflow"
	BackpressureDeferred     Code = "backpressure_deferred"

	// Idempotency
	IdempotencyConflict Code = "idempotency_conflict"
	IdempotencyDuplicate Code = "duplicate"

	// Lifecycle
	ConfirmationExpired  Code = "confirmation_expired"
	InvalidTransition    Code = "invalid_transition"
	ReconcileAmbiguous   Code = "reconcile_ambiguous"

	// Execution
	CLINonZero                Code = "cli_nonzero"
	CLITimeout                Code = "cli_timeout"
	CLIValidationFailed        Code = "cli_validation_failed"
	OperatorActionDisallowed  Code = "operator_action_disallowed"
	ContextMissing            Code = "context_missing"
	ContextAmbiguous          Code = "context_ambiguous"
	ContextUnauthorized       Code = "context_unauthorized"
	ReplayHandlerError        Code = "replay_handler_error"

	// Delivery
	RetryBudgetExhausted Code = "retry_budget_exhausted"

	// Infrastructure
	WriterLockBusy      Code = "writer_lock_busy"
	MuServerNotRunning  Code = "mu_server_not_running"
)

// DenyError pairs a reason code with a human-readable message. Pipeline
// steps that stop processing return this so callers can render both the
// machine code and the prose explanation in the compact ACK.
type DenyError struct {
	Reason  Code
	Message string
}

func (e *DenyError) Error() string {
	if e.Message == "" {
		return string(e.Reason)
	}
	return string(e.Reason) + ": " + e.Message
}

// Deny constructs a *DenyError.
func Deny(code Code, message string) *DenyError {
	return &DenyError{Reason: code, Message: message}
}

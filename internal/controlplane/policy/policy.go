// Package policy implements the PolicyEngine (spec §4.5): scope
// authorization, assurance-tier gating, per-channel/per-class mutation
// kill switches, and fixed-window rate limiting with defer/overflow.
//
// It is grounded directly on the teacher's internal/gitai/policy.Engine —
// the same Decision enum, the same first-match-wins evaluation shape — but
// generalized from "does this MCP tool call match a capability rule" to
// "does this command key satisfy the binding's scopes and assurance tier,"
// and extended with the channel/class kill-switch + rate-limit gate that
// internal/ruriko/webhook/ratelimit.go contributes as a fixed-window
// counter shape.
package policy

import (
	"strconv"
	"sync"

	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/reason"
)

// OverflowBehavior controls what happens when a rate-limit window is full.
type OverflowBehavior string

const (
	OverflowDefer OverflowBehavior = "defer"
	OverflowFail  OverflowBehavior = "fail"
)

// Rule is a PolicyRule (spec §3): per command_key authorization and
// execution metadata.
type Rule struct {
	CommandKey            string
	Scopes                []string
	Mutating               bool
	ConfirmationRequired   bool
	MinAssuranceTier       envelope.AssuranceTier
	OpsClass               string
	ConfirmationTTLMS      int64 // 0 => DefaultConfirmationTTLMS
}

// RateLimitWindow is the wrapping policy's rate-limit configuration.
type RateLimitWindow struct {
	WindowMS         int64
	ActorLimit       int
	ChannelLimit     int
	OverflowBehavior OverflowBehavior
	DeferMS          int64
}

// Policy is the full reloadable rule set: per-key rules plus the wrapping
// kill switches and rate-limit window.
type Policy struct {
	Rules              map[string]Rule
	GlobalMutationsOff bool
	ChannelMutationsOff map[envelope.Channel]bool
	ClassMutationsOff   map[string]bool
	RateLimit           RateLimitWindow
}

// DefaultConfirmationTTLMS is used when a Rule does not set its own TTL.
// Mirrors the teacher's approvals.DefaultTTL pattern (a package default
// overridable per call site), kept short here because spec §9 notes the
// production default is "minutes," not the 30ms some tests use.
const DefaultConfirmationTTLMS = 5 * 60 * 1000

// Decision is the outcome of authorizeCommand.
type Decision struct {
	Allow          bool
	EffectiveScope string
	Deny           *reason.DenyError
}

// RequestedMode is the caller-declared execution mode, used to catch a
// mismatch between what the caller expects and what the rule requires.
type RequestedMode string

const (
	ModeReadonly RequestedMode = "readonly"
	ModeMutation RequestedMode = "mutation"
)

// Binding is the subset of an identity binding the policy engine needs.
type Binding struct {
	BindingID     string
	Scopes        []string
	AssuranceTier envelope.AssuranceTier
}

// Engine evaluates Policy against inbound commands. It is safe for
// concurrent use only insofar as callers serialize mutating calls (rate
// limit increments, setPolicy) through the pipeline's
// SerializedMutationExecutor, matching spec §5 — the mutex here is a
// last-line defense, not the primary serialization mechanism.
type Engine struct {
	mu      sync.RWMutex
	policy  Policy
	actorCounts   map[string]int // key: bindingID + "@" + windowStart
	channelCounts map[string]int // key: channel + "@" + windowStart
}

// New returns an Engine with no rules loaded; call SetPolicy before use.
func New() *Engine {
	return &Engine{
		actorCounts:   make(map[string]int),
		channelCounts: make(map[string]int),
	}
}

// SetPolicy replaces the rule set and atomically resets rate-limit
// counters, per spec §4.5 ("Policy is reloadable ... resets rate-limit
// counters atomically"). In-flight deferred commands are untouched: they
// carry their own retry_at_ms on the CommandRecord, not in the engine.
func (e *Engine) SetPolicy(p Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.policy = p
	e.actorCounts = make(map[string]int)
	e.channelCounts = make(map[string]int)
}

// Policy returns a copy of the currently active policy.
func (e *Engine) Policy() Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// AuthorizeCommand implements spec §4.5 authorizeCommand.
func (e *Engine) AuthorizeCommand(commandKey string, binding Binding, mode RequestedMode) Decision {
	e.mu.RLock()
	rule, ok := e.policy.Rules[commandKey]
	e.mu.RUnlock()

	if !ok {
		return Decision{Deny: reason.Deny(reason.UnmappedCommand, "no policy rule for command key "+commandKey)}
	}
	if mode == ModeReadonly && rule.Mutating {
		return Decision{Deny: reason.Deny(reason.ReadonlyModeDisallowsMutation, commandKey+" is mutating")}
	}
	if mode == ModeMutation && !rule.Mutating {
		return Decision{Deny: reason.Deny(reason.MutationModeRequiresMutatingCmd, commandKey+" is read-only")}
	}
	if !scopesSatisfied(rule.Scopes, binding.Scopes) {
		return Decision{Deny: reason.Deny(reason.MissingScope, "binding lacks required scope for "+commandKey)}
	}
	if binding.AssuranceTier.Rank() < rule.MinAssuranceTier.Rank() {
		return Decision{Deny: reason.Deny(reason.AssuranceTierTooLow, "binding tier below required minimum")}
	}

	effective := ""
	if len(rule.Scopes) > 0 {
		effective = rule.Scopes[0]
	}
	return Decision{Allow: true, EffectiveScope: effective}
}

func scopesSatisfied(required, held []string) bool {
	heldSet := make(map[string]bool, len(held))
	for _, s := range held {
		heldSet[s] = true
	}
	for _, r := range required {
		if !heldSet[r] {
			return false
		}
	}
	return true
}

// SafetyOutcome is the result of evaluateMutationSafety.
type SafetyOutcome struct {
	Allow       bool
	Defer       bool
	RetryAtMS   int64
	Deny        *reason.DenyError
}

// EvaluateMutationSafety implements spec §4.5 evaluateMutationSafety. It
// mutates the rate-limit counters on the allow path, so callers must run it
// inside the SerializedMutationExecutor lane.
func (e *Engine) EvaluateMutationSafety(channel envelope.Channel, bindingID, opsClass string, nowMS int64) SafetyOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.policy.GlobalMutationsOff {
		return SafetyOutcome{Deny: reason.Deny(reason.MutationsDisabledGlobal, "global mutation kill switch engaged")}
	}
	if !channel.Valid() || e.policy.ChannelMutationsOff[channel] {
		return SafetyOutcome{Deny: reason.Deny(reason.MutationsDisabledChannel, "channel mutation kill switch engaged")}
	}
	if e.policy.ClassMutationsOff[opsClass] {
		return SafetyOutcome{Deny: reason.Deny(reason.MutationsDisabledClass, "ops class mutation kill switch engaged")}
	}

	rl := e.policy.RateLimit
	windowMS := rl.WindowMS
	if windowMS <= 0 {
		windowMS = 60_000
	}
	windowStart := nowMS - mod(nowMS, windowMS)

	actorKey := bindingID + "@" + strconv.FormatInt(windowStart, 10)
	channelKey := string(channel) + "@" + strconv.FormatInt(windowStart, 10)

	overActor := rl.ActorLimit > 0 && e.actorCounts[actorKey] >= rl.ActorLimit
	overChannel := rl.ChannelLimit > 0 && e.channelCounts[channelKey] >= rl.ChannelLimit

	if overActor || overChannel {
		if rl.OverflowBehavior == OverflowDefer {
			deferMS := rl.DeferMS
			if deferMS <= 0 {
				deferMS = 5_000
			}
			return SafetyOutcome{Defer: true, RetryAtMS: nowMS + deferMS}
		}
		return SafetyOutcome{Deny: reason.Deny(reason.BackpressureOverflow, "rate limit exceeded")}
	}

	e.actorCounts[actorKey]++
	e.channelCounts[channelKey]++
	return SafetyOutcome{Allow: true}
}

func mod(a, b int64) int64 {
	if b == 0 {
		return 0
	}
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}


// Package envelope defines the canonical inbound/outbound message shapes
// that flow between adapter ingress, the command pipeline, and the outbox
// dispatcher. It plays the same role here that common/spec/envelope played
// for gateway events in the teacher repo, generalized from a single
// Source/Type/Payload shape to the full InboundEnvelope/OutboundEnvelope
// pair the control plane spec requires.
package envelope

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Channel identifies the chat surface a message arrived on or is destined for.
type Channel string

const (
	ChannelSlack    Channel = "slack"
	ChannelDiscord  Channel = "discord"
	ChannelTelegram Channel = "telegram"
	ChannelNeovim   Channel = "neovim"
)

// Valid reports whether c is one of the declared channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelSlack, ChannelDiscord, ChannelTelegram, ChannelNeovim:
		return true
	}
	return false
}

// AssuranceTier ranks the trust level of an identity binding. Higher Rank
// wins: tier_a > tier_b > tier_c.
type AssuranceTier string

const (
	TierA AssuranceTier = "tier_a"
	TierB AssuranceTier = "tier_b"
	TierC AssuranceTier = "tier_c"
)

// Rank returns the comparable integer rank of the tier (A=3 > B=2 > C=1).
// Unknown tiers rank 0, below every declared tier.
func (t AssuranceTier) Rank() int {
	switch t {
	case TierA:
		return 3
	case TierB:
		return 2
	case TierC:
		return 1
	default:
		return 0
	}
}

// InboundEnvelope is the canonical, post-verification form of one adapter
// request. Every adapter's normalize step produces one of these before
// calling the pipeline.
type InboundEnvelope struct {
	V                 int               `json:"v"`
	ReceivedAtMS      int64             `json:"received_at_ms"`
	RequestID         string            `json:"request_id"`
	DeliveryID        string            `json:"delivery_id"`
	Channel           Channel           `json:"channel"`
	ChannelTenantID   string            `json:"channel_tenant_id"`
	ChannelConvID     string            `json:"channel_conversation_id"`
	ActorID           string            `json:"actor_id"`
	ActorBindingID    string            `json:"actor_binding_id"`
	AssuranceTier     AssuranceTier     `json:"assurance_tier"`
	RepoRoot          string            `json:"repo_root"`
	CommandText       string            `json:"command_text"`
	ScopeRequired     string            `json:"scope_required"`
	ScopeEffective    string            `json:"scope_effective"`
	TargetType        string            `json:"target_type"`
	TargetID          string            `json:"target_id"`
	IdempotencyKey    string            `json:"idempotency_key"`
	Fingerprint       string            `json:"fingerprint"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// invocationPrefixes are stripped from the head of command_text before
// tokenizing into command_args, per spec §3 CommandRecord invariant.
var invocationPrefixes = []string{"/mu", "mu!", "mu?"}

// Normalize canonicalizes command_text, deriving the target_type key tokens
// worth of prefix and returning the remaining whitespace-tokenized args.
// Callers pass targetTypeTokens (e.g. []string{"issue","close"}) once the
// command key has been resolved so the leading key tokens are also
// stripped from command_args.
func Normalize(commandText string, targetTypeTokens []string) []string {
	text := strings.TrimSpace(commandText)
	for _, p := range invocationPrefixes {
		if strings.HasPrefix(text, p) {
			text = strings.TrimSpace(strings.TrimPrefix(text, p))
			break
		}
	}
	fields := strings.Fields(text)
	i := 0
	for i < len(fields) && i < len(targetTypeTokens) && fields[i] == targetTypeTokens[i] {
		i++
	}
	return fields[i:]
}

// Fingerprint deterministically derives a fingerprint from the canonical
// content of an inbound request. Two requests with the same idempotency_key
// but different fingerprints are a conflict, never a duplicate.
func Fingerprint(channel Channel, tenantID, convID, actorID, commandText string) string {
	h := sha256.New()
	for _, part := range []string{string(channel), tenantID, convID, actorID, strings.TrimSpace(commandText)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// OutboundKind classifies an outbound envelope's content for retry-budget
// and routing purposes.
type OutboundKind string

const (
	KindAck       OutboundKind = "ack"
	KindLifecycle OutboundKind = "lifecycle"
	KindResult    OutboundKind = "result"
	KindError     OutboundKind = "error"
)

// Correlation threads a response back to the command, and optionally the
// run, that produced it.
type Correlation struct {
	CommandID string `json:"command_id,omitempty"`
	RunRootID string `json:"run_root_id,omitempty"`
}

// Body is the presented interaction message handed to the dispatcher. The
// actual transport call (HTTP to Slack/Discord/Telegram/editor) is outside
// this module's scope; Body is the rendering contract's output.
type Body struct {
	Text   string            `json:"text"`
	Fields map[string]string `json:"fields,omitempty"`
}

// OutboundEnvelope is queued into the outbox for asynchronous, at-least-once
// delivery back to the originating channel/conversation.
type OutboundEnvelope struct {
	Channel         Channel      `json:"channel"`
	ChannelTenantID string       `json:"channel_tenant_id"`
	ChannelConvID   string       `json:"channel_conversation_id"`
	Kind            OutboundKind `json:"kind"`
	Body            Body         `json:"body"`
	Correlation     Correlation  `json:"correlation"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate performs the schema-validation step of pipeline.handleInbound
// step 1: the explicit tagged-struct replacement for runtime JSON
// reflection that §9 calls for.
func (e *InboundEnvelope) Validate() error {
	if e == nil {
		return fmt.Errorf("envelope: nil")
	}
	if e.V != 1 {
		return fmt.Errorf("envelope: unsupported v=%d", e.V)
	}
	if !e.Channel.Valid() {
		return fmt.Errorf("envelope: invalid channel %q", e.Channel)
	}
	required := map[string]string{
		"request_id":          e.RequestID,
		"channel_tenant_id":   e.ChannelTenantID,
		"channel_conversation_id": e.ChannelConvID,
		"actor_id":            e.ActorID,
		"actor_binding_id":    e.ActorBindingID,
		"repo_root":           e.RepoRoot,
		"command_text":        e.CommandText,
		"target_type":         e.TargetType,
		"idempotency_key":     e.IdempotencyKey,
		"fingerprint":         e.Fingerprint,
	}
	for field, v := range required {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("envelope: missing required field %q", field)
		}
	}
	if e.AssuranceTier.Rank() == 0 {
		return fmt.Errorf("envelope: invalid assurance_tier %q", e.AssuranceTier)
	}
	return nil
}

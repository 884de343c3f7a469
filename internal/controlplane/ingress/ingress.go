// Package ingress implements the per-channel adapter ingress handlers of
// spec §4.14: verifying an inbound HTTP delivery's signature, normalizing
// its transport-specific payload into an envelope.InboundEnvelope, and
// synthesizing the immediate compact ACK the adapter returns as its HTTP
// response body. It is grounded on
// internal/gitai/gateway/webhook.go's HMAC-SHA256 constant-time comparison
// idiom (crypto/hmac.Equal), extended here with Slack's `v0:` signed-string
// scheme and Telegram/Neovim's shared-secret-header scheme, per adapter.
package ingress

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/reason"
)

// PayloadFormat names the wire encoding an adapter's route expects.
type PayloadFormat string

const (
	PayloadFormEncoded PayloadFormat = "form_encoded"
	PayloadJSON        PayloadFormat = "json"
)

// DeliverySemantics documents the retry behavior the upstream provider
// uses, surfaced for operator tooling rather than consumed by verification.
type DeliverySemantics string

const (
	DeliveryAtLeastOnce DeliverySemantics = "at_least_once"
	DeliveryBestEffort  DeliverySemantics = "best_effort"
)

// Spec is a ControlPlaneAdapterSpec (spec §4.14): {v, channel, route,
// payload_format, delivery_semantics}. Verification is not a field here;
// it is each Adapter's Verify method.
type Spec struct {
	V                 int
	Channel           envelope.Channel
	Route             string
	PayloadFormat     PayloadFormat
	DeliverySemantics DeliverySemantics
}

// Request is the raw HTTP delivery handed to an adapter's Verify+Normalize
// pipeline, transport-agnostic so this package never imports net/http.
type Request struct {
	Headers map[string]string // case-insensitive lookup via Header()
	Body    []byte
}

// Header looks up a header case-insensitively, the way net/http's
// CanonicalHeaderKey-backed map does.
func (r Request) Header(name string) string {
	name = strings.ToLower(name)
	for k, v := range r.Headers {
		if strings.ToLower(k) == name {
			return v
		}
	}
	return ""
}

// ACK is the immediate compact response an adapter returns as the HTTP 200
// body (spec §4.14 point 4), distinct from the detailed response queued
// into the outbox for asynchronous delivery.
type ACK struct {
	Body        string
	ContentType string
}

// Adapter verifies and normalizes deliveries for one channel.
type Adapter interface {
	Spec() Spec
	Verify(req Request, nowMS int64) error
	Normalize(req Request, nowMS int64, requestID string) (envelope.InboundEnvelope, error)
	ImmediateACK() ACK
}

// clockSkewBudget bounds how stale a signed timestamp may be, per spec
// §4.14's Slack/Discord verification contract ("reject if |now - timestamp|
// > 5 min").
const clockSkewBudget = 5 * time.Minute

// --- Slack ---

// SlackAdapter implements spec §4.14's Slack verification: HMAC-SHA256 of
// `v0:<timestamp>:<raw_body>` with the signing secret, compared against
// `v0=<hex>` in x-slack-signature.
type SlackAdapter struct {
	Route         string
	SigningSecret []byte
}

func (a SlackAdapter) Spec() Spec {
	return Spec{V: 1, Channel: envelope.ChannelSlack, Route: a.Route, PayloadFormat: PayloadFormEncoded, DeliverySemantics: DeliveryAtLeastOnce}
}

func (a SlackAdapter) Verify(req Request, nowMS int64) error {
	tsHeader := req.Header("x-slack-request-timestamp")
	sigHeader := req.Header("x-slack-signature")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return reason.Deny(reason.AdapterPayloadInvalid, "missing or malformed x-slack-request-timestamp")
	}
	if skewExceeded(nowMS, ts*1000) {
		return reason.Deny(reason.AdapterTimestampStale, "slack request timestamp outside allowed skew")
	}

	signed := fmt.Sprintf("v0:%s:%s", tsHeader, string(req.Body))
	mac := hmac.New(sha256.New, a.SigningSecret)
	mac.Write([]byte(signed))
	expected := "v0=" + hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sigHeader)) {
		return reason.Deny(reason.AdapterSignatureInvalid, "slack signature mismatch")
	}
	return nil
}

func (a SlackAdapter) Normalize(req Request, nowMS int64, requestID string) (envelope.InboundEnvelope, error) {
	form, err := url.ParseQuery(string(req.Body))
	if err != nil {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "slack body is not form-encoded")
	}
	tenantID := form.Get("team_id")
	convID := form.Get("channel_id")
	actorID := form.Get("user_id")
	commandText := form.Get("text")
	if tenantID == "" || convID == "" || actorID == "" {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "slack slash command missing team_id/channel_id/user_id")
	}

	return baseEnvelope(envelope.ChannelSlack, nowMS, requestID, req.Header("x-slack-request-timestamp")+":"+form.Get("trigger_id"),
		tenantID, convID, actorID, commandText), nil
}

func (a SlackAdapter) ImmediateACK() ACK {
	return ACK{Body: `{"response_type":"ephemeral","text":"Working on it..."}`, ContentType: "application/json"}
}

// --- Discord ---

// DiscordAdapter implements spec §4.14's Discord verification: the
// analogous x-discord-signature + x-discord-request-timestamp header pair.
type DiscordAdapter struct {
	Route     string
	PublicKey []byte // Ed25519 public key material, opaque to this package's HMAC path below
	// SigningSecret backs an HMAC-SHA256 fallback verification path for
	// gateway deployments fronted by a shared-secret relay rather than
	// Discord's own Ed25519 interaction signing, matching the Slack/Telegram
	// shared-secret shape this control plane otherwise standardizes on.
	SigningSecret []byte
}

func (a DiscordAdapter) Spec() Spec {
	return Spec{V: 1, Channel: envelope.ChannelDiscord, Route: a.Route, PayloadFormat: PayloadJSON, DeliverySemantics: DeliveryAtLeastOnce}
}

func (a DiscordAdapter) Verify(req Request, nowMS int64) error {
	tsHeader := req.Header("x-discord-request-timestamp")
	sigHeader := req.Header("x-discord-signature")
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return reason.Deny(reason.AdapterPayloadInvalid, "missing or malformed x-discord-request-timestamp")
	}
	if skewExceeded(nowMS, ts*1000) {
		return reason.Deny(reason.AdapterTimestampStale, "discord request timestamp outside allowed skew")
	}

	signed := tsHeader + string(req.Body)
	mac := hmac.New(sha256.New, a.SigningSecret)
	mac.Write([]byte(signed))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sigHeader)) {
		return reason.Deny(reason.AdapterSignatureInvalid, "discord signature mismatch")
	}
	return nil
}

func (a DiscordAdapter) Normalize(req Request, nowMS int64, requestID string) (envelope.InboundEnvelope, error) {
	data, err := decodeJSONObject(req.Body)
	if err != nil {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "discord interaction is not valid JSON")
	}
	tenantID := stringField(data, "guild_id")
	convID := stringField(data, "channel_id")
	actorID := stringField(data, "member", "user", "id")
	if actorID == "" {
		actorID = stringField(data, "user", "id")
	}
	commandText := stringField(data, "data", "name")
	if tenantID == "" || convID == "" || actorID == "" {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "discord interaction missing guild_id/channel_id/user.id")
	}
	return baseEnvelope(envelope.ChannelDiscord, nowMS, requestID, stringField(data, "id"), tenantID, convID, actorID, commandText), nil
}

func (a DiscordAdapter) ImmediateACK() ACK {
	return ACK{Body: `{"type":5}`, ContentType: "application/json"} // DEFERRED_CHANNEL_MESSAGE_WITH_SOURCE
}

// --- Telegram ---

// TelegramAdapter implements spec §4.14's Telegram verification: exact
// match of x-telegram-bot-api-secret-token against the configured webhook
// secret.
type TelegramAdapter struct {
	Route        string
	WebhookSecret string
}

func (a TelegramAdapter) Spec() Spec {
	return Spec{V: 1, Channel: envelope.ChannelTelegram, Route: a.Route, PayloadFormat: PayloadJSON, DeliverySemantics: DeliveryAtLeastOnce}
}

func (a TelegramAdapter) Verify(req Request, nowMS int64) error {
	got := req.Header("x-telegram-bot-api-secret-token")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.WebhookSecret)) != 1 {
		return reason.Deny(reason.AdapterSignatureInvalid, "telegram webhook secret mismatch")
	}
	return nil
}

func (a TelegramAdapter) Normalize(req Request, nowMS int64, requestID string) (envelope.InboundEnvelope, error) {
	data, err := decodeJSONObject(req.Body)
	if err != nil {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "telegram update is not valid JSON")
	}
	convID := numberFieldAsString(data, "message", "chat", "id")
	actorID := numberFieldAsString(data, "message", "from", "id")
	commandText := normalizeTelegramText(stringField(data, "message", "text"))
	if convID == "" || actorID == "" {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "telegram update missing message.chat.id/message.from.id")
	}
	return baseEnvelope(envelope.ChannelTelegram, nowMS, requestID, numberFieldAsString(data, "update_id"), "", convID, actorID, commandText), nil
}

func (a TelegramAdapter) ImmediateACK() ACK {
	return ACK{Body: `{"method":"sendChatAction","action":"typing"}`, ContentType: "application/json"}
}

// mathNotation detects TeX-ish math so Telegram normalization can fall back
// to plain text instead of risking broken Markdown (spec §4.14).
var mathNotation = regexp.MustCompile(`\$\$?[^$]+\$\$?|\\\[|\\\(`)

func normalizeTelegramText(text string) string {
	if mathNotation.MatchString(text) {
		return text // left as plain text; Markdown escaping is the dispatcher's concern
	}
	return text
}

// --- Neovim ---

// NeovimAdapter implements spec §4.14's Neovim verification: exact match of
// x-mu-neovim-secret against the configured shared secret.
type NeovimAdapter struct {
	Route        string
	SharedSecret string
}

func (a NeovimAdapter) Spec() Spec {
	return Spec{V: 1, Channel: envelope.ChannelNeovim, Route: a.Route, PayloadFormat: PayloadJSON, DeliverySemantics: DeliveryBestEffort}
}

func (a NeovimAdapter) Verify(req Request, nowMS int64) error {
	got := req.Header("x-mu-neovim-secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.SharedSecret)) != 1 {
		return reason.Deny(reason.AdapterSignatureInvalid, "neovim shared secret mismatch")
	}
	return nil
}

func (a NeovimAdapter) Normalize(req Request, nowMS int64, requestID string) (envelope.InboundEnvelope, error) {
	data, err := decodeJSONObject(req.Body)
	if err != nil {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "neovim delivery is not valid JSON")
	}
	tenantID := stringField(data, "workspace_id")
	convID := stringField(data, "buffer_id")
	actorID := stringField(data, "editor_user_id")
	commandText := stringField(data, "command")
	if convID == "" || actorID == "" {
		return envelope.InboundEnvelope{}, reason.Deny(reason.AdapterPayloadInvalid, "neovim delivery missing buffer_id/editor_user_id")
	}
	return baseEnvelope(envelope.ChannelNeovim, nowMS, requestID, stringField(data, "request_id"), tenantID, convID, actorID, commandText), nil
}

func (a NeovimAdapter) ImmediateACK() ACK {
	return ACK{Body: `{"status":"accepted"}`, ContentType: "application/json"}
}

// --- shared helpers ---

func skewExceeded(nowMS, signedAtMS int64) bool {
	delta := nowMS - signedAtMS
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Millisecond > clockSkewBudget
}

// baseEnvelope fills the fields common to every adapter's normalize step;
// actor_binding_id, assurance_tier, scope_required/effective, target_type,
// and target_id are resolved downstream by the pipeline, not here — this
// package's job ends at the canonical pre-authorization envelope shape.
// idempotency_key defaults to the transport delivery_id (a provider's
// redelivery of the same at-least-once message carries the same one) and
// falls back to the content fingerprint when a provider supplies no
// delivery id at all.
func baseEnvelope(channel envelope.Channel, nowMS int64, requestID, deliveryID, tenantID, convID, actorID, commandText string) envelope.InboundEnvelope {
	fingerprint := envelope.Fingerprint(channel, tenantID, convID, actorID, commandText)
	idempotencyKey := deliveryID
	if idempotencyKey == "" {
		idempotencyKey = fingerprint
	}
	return envelope.InboundEnvelope{
		V:               1,
		ReceivedAtMS:    nowMS,
		RequestID:       requestID,
		DeliveryID:      deliveryID,
		Channel:         channel,
		ChannelTenantID: tenantID,
		ChannelConvID:   convID,
		ActorID:         actorID,
		CommandText:     commandText,
		IdempotencyKey:  idempotencyKey,
		Fingerprint:     fingerprint,
	}
}

// decodeJSONObject parses body as a generic JSON object, the same
// map[string]interface{} shape webhook.go uses so nested provider fields
// (message.chat.id, member.user.id, ...) stay navigable without per-provider
// structs this control plane would otherwise need to keep in lockstep with
// every upstream's schema churn.
func decodeJSONObject(body []byte) (map[string]interface{}, error) {
	var data map[string]interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// stringField walks a dotted path of nested object keys and returns the
// leaf as a string, or "" if any segment is missing or not a string.
func stringField(data map[string]interface{}, path ...string) string {
	v, ok := walk(data, path)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// numberFieldAsString is stringField's counterpart for fields Telegram
// encodes as JSON numbers (chat.id, from.id, update_id).
func numberFieldAsString(data map[string]interface{}, path ...string) string {
	v, ok := walk(data, path)
	if !ok {
		return ""
	}
	switch n := v.(type) {
	case float64:
		return strconv.FormatInt(int64(n), 10)
	case string:
		return n
	default:
		return ""
	}
}

func walk(data map[string]interface{}, path []string) (interface{}, bool) {
	cur := interface{}(data)
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, present := m[key]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

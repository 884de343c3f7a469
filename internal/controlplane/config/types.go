// Package config loads, validates, and hot-reloads the on-disk MuConfig
// document: the one YAML file that wires adapters, policy rules, and the
// handful of "implementer choice" defaults spec §9 leaves open into their
// concrete runtime values. It is grounded directly on
// internal/gitai/gosuto/loader.go's Loader{mu, config, hash, yaml} shape
// and common/spec/gosuto's typed, yaml-tagged document, generalized from a
// per-agent capability/persona document to the control plane's adapter/
// policy/program document.
package config

// SpecVersion is the only apiVersion this loader accepts.
const SpecVersion = "mu/v1"

// MuConfig is the root on-disk configuration document (spec §9's
// "implementer choice" knobs plus the adapter/policy wiring every runtime
// instance needs).
type MuConfig struct {
	APIVersion string   `yaml:"apiVersion"`
	Metadata   Metadata `yaml:"metadata"`
	RepoRoot   string   `yaml:"repoRoot"`

	Server       ServerConfig       `yaml:"server"`
	Identity     IdentityConfig     `yaml:"identity"`
	Journal      JournalConfig      `yaml:"journal"`
	Adapters     AdaptersConfig     `yaml:"adapters"`
	Policy       PolicyConfig       `yaml:"policy"`
	Confirmation ConfirmationConfig `yaml:"confirmation,omitempty"`
	Outbox       OutboxConfig       `yaml:"outbox,omitempty"`
	Run          RunConfig          `yaml:"run,omitempty"`
	Cron         CronConfig         `yaml:"cron,omitempty"`
	Deliver      DeliverConfig      `yaml:"deliver,omitempty"`
	Operator     OperatorConfig     `yaml:"operator,omitempty"`
}

// OperatorConfig holds the operator-facing execution knobs spec §9 leaves
// as an implementer choice: whether CLI invocations run directly on the
// host or inside a throwaway Docker container, and if so, from which
// image and attached to which network.
type OperatorConfig struct {
	SandboxEnabled bool   `yaml:"sandboxEnabled,omitempty"`
	SandboxImage   string `yaml:"sandboxImage,omitempty"`
	SandboxNetwork string `yaml:"sandboxNetwork,omitempty"`
}

// Metadata holds descriptive information about a MuConfig document.
type Metadata struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

// ServerConfig configures the top-level HTTP surface.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// IdentityConfig points at the identity binding SQLite file.
type IdentityConfig struct {
	DBPath string `yaml:"dbPath"`
}

// JournalConfig points at the three append-only JSONL files spec §6
// requires (commands, idempotency claims, outbox).
type JournalConfig struct {
	CommandsPath    string `yaml:"commandsPath"`
	IdempotencyPath string `yaml:"idempotencyPath"`
	OutboxPath      string `yaml:"outboxPath"`
}

// AdaptersConfig is the adapter-spec document (spec §4.14): one optional
// block per channel, matching the four ingress.Adapter implementations.
// Secret fields name an environment variable resolved by ResolveSecrets at
// load time — never the secret itself committed to the document's own
// version control; there is no field for a plaintext secret.
// Each secret also accepts a *SecretEncrypted sibling field instead, for an
// operator who would rather commit an AES-256-GCM-sealed secret straight
// into the document (decrypted at load time against MU_MASTER_KEY) than
// manage a separate env var per deployment.
type AdaptersConfig struct {
	Slack    *SlackAdapterConfig    `yaml:"slack,omitempty"`
	Discord  *DiscordAdapterConfig  `yaml:"discord,omitempty"`
	Telegram *TelegramAdapterConfig `yaml:"telegram,omitempty"`
	Neovim   *NeovimAdapterConfig   `yaml:"neovim,omitempty"`
}

// SlackAdapterConfig configures ingress.SlackAdapter.
type SlackAdapterConfig struct {
	Route                  string `yaml:"route"`
	SigningSecretEnv       string `yaml:"signingSecretEnv,omitempty"`
	SigningSecretEncrypted string `yaml:"signingSecretEncrypted,omitempty"`

	signingSecret string // resolved by ResolveSecrets
}

// DiscordAdapterConfig configures ingress.DiscordAdapter.
type DiscordAdapterConfig struct {
	Route                  string `yaml:"route"`
	SigningSecretEnv       string `yaml:"signingSecretEnv,omitempty"`
	SigningSecretEncrypted string `yaml:"signingSecretEncrypted,omitempty"`
	PublicKeyEnv           string `yaml:"publicKeyEnv,omitempty"`

	signingSecret string
	publicKey     string
}

// TelegramAdapterConfig configures ingress.TelegramAdapter.
type TelegramAdapterConfig struct {
	Route                 string `yaml:"route"`
	SharedSecretEnv       string `yaml:"sharedSecretEnv,omitempty"`
	SharedSecretEncrypted string `yaml:"sharedSecretEncrypted,omitempty"`

	sharedSecret string
}

// NeovimAdapterConfig configures ingress.NeovimAdapter.
type NeovimAdapterConfig struct {
	Route                 string `yaml:"route"`
	SharedSecretEnv       string `yaml:"sharedSecretEnv,omitempty"`
	SharedSecretEncrypted string `yaml:"sharedSecretEncrypted,omitempty"`

	sharedSecret string
}

// PolicyConfig is the policy-rule document (spec §4.5/§9): the reloadable
// rule set plus the wrapping kill switches and rate-limit window.
type PolicyConfig struct {
	Rules               []PolicyRuleConfig `yaml:"rules"`
	GlobalMutationsOff  bool                `yaml:"globalMutationsOff,omitempty"`
	ChannelMutationsOff []string            `yaml:"channelMutationsOff,omitempty"`
	ClassMutationsOff   []string            `yaml:"classMutationsOff,omitempty"`
	RateLimit           RateLimitConfig     `yaml:"rateLimit,omitempty"`
}

// PolicyRuleConfig is one entry of the PolicyRule table (spec §3/§6).
type PolicyRuleConfig struct {
	CommandKey           string   `yaml:"commandKey"`
	Scopes               []string `yaml:"scopes"`
	Mutating             bool     `yaml:"mutating,omitempty"`
	ConfirmationRequired bool     `yaml:"confirmationRequired,omitempty"`
	MinAssuranceTier     string   `yaml:"minAssuranceTier"`
	OpsClass             string   `yaml:"opsClass,omitempty"`
	ConfirmationTTLMS    int64    `yaml:"confirmationTtlMs,omitempty"`
}

// RateLimitConfig configures the fixed-window actor/channel rate limiter.
type RateLimitConfig struct {
	WindowMS         int64  `yaml:"windowMs,omitempty"`
	ActorLimit       int    `yaml:"actorLimit,omitempty"`
	ChannelLimit     int    `yaml:"channelLimit,omitempty"`
	OverflowBehavior string `yaml:"overflowBehavior,omitempty"`
	DeferMS          int64  `yaml:"deferMs,omitempty"`
}

// ConfirmationConfig is parsed from the document's confirmation block, but
// nothing reads DefaultTTLMS: the TTL in effect is each policy rule's
// confirmationTtlMs, or the constant policy.DefaultConfirmationTTLMS when a
// rule sets none.
type ConfirmationConfig struct {
	DefaultTTLMS int64 `yaml:"defaultTtlMs,omitempty"`
}

// OutboxConfig overrides the per-envelope-kind retry budget (spec §9 Open
// Question), keyed by envelope.OutboundKind string value, plus the
// per-destination-channel delivery rate limit outbox.Dispatcher.DrainDue
// enforces (also left as an "implementer choice" by spec §9).
type OutboxConfig struct {
	MaxAttemptsByKind     map[string]int `yaml:"maxAttemptsByKind,omitempty"`
	DeliveryRatePerSecond float64        `yaml:"deliveryRatePerSecond,omitempty"`
	DeliveryBurst         int            `yaml:"deliveryBurst,omitempty"`
}

// RunConfig overrides run.Supervisor's ring-buffer default (spec §9 Open
// Question, floor 50).
type RunConfig struct {
	MaxStoredLines int `yaml:"maxStoredLines,omitempty"`
}

// CronConfig overrides the cron schedule's forward-scan search horizon
// (spec §9 Open Question, default ~2 years of minutes).
type CronConfig struct {
	SearchHorizonMinutes int `yaml:"searchHorizonMinutes,omitempty"`
}

// DeliverConfig maps each channel to the URL the outbox posts its queued
// OutboundEnvelopes to — the reverse direction of AdaptersConfig, which
// only covers verifying inbound deliveries. A channel with no entry here
// is accepted on ingress but every reply to it is dropped by
// deliver.HTTPDeliverer for lack of anywhere to send it.
type DeliverConfig struct {
	URLs map[string]string `yaml:"urls,omitempty"`
}

package config

import (
	"fmt"

	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/ingress"
	"github.com/bdobrica/mu/internal/controlplane/outbox"
	"github.com/bdobrica/mu/internal/controlplane/policy"
	"github.com/bdobrica/mu/internal/controlplane/program"
	"github.com/bdobrica/mu/internal/controlplane/run"
)

// ToPolicy translates the PolicyConfig sub-document into a policy.Policy,
// the shape AuthorizeCommand/EvaluateMutationSafety actually evaluate
// against.
func (c *MuConfig) ToPolicy() (policy.Policy, error) {
	p := policy.Policy{
		Rules:               make(map[string]policy.Rule, len(c.Policy.Rules)),
		GlobalMutationsOff:  c.Policy.GlobalMutationsOff,
		ChannelMutationsOff: make(map[envelope.Channel]bool, len(c.Policy.ChannelMutationsOff)),
		ClassMutationsOff:   make(map[string]bool, len(c.Policy.ClassMutationsOff)),
	}

	for _, rc := range c.Policy.Rules {
		tier, err := parseTier(rc.MinAssuranceTier)
		if err != nil {
			return policy.Policy{}, fmt.Errorf("config: policy.rules[%s]: %w", rc.CommandKey, err)
		}
		p.Rules[rc.CommandKey] = policy.Rule{
			CommandKey:           rc.CommandKey,
			Scopes:               rc.Scopes,
			Mutating:             rc.Mutating,
			ConfirmationRequired: rc.ConfirmationRequired,
			MinAssuranceTier:     tier,
			OpsClass:             rc.OpsClass,
			ConfirmationTTLMS:    rc.ConfirmationTTLMS,
		}
	}

	for _, ch := range c.Policy.ChannelMutationsOff {
		channel := envelope.Channel(ch)
		if !channel.Valid() {
			return policy.Policy{}, fmt.Errorf("config: policy.channelMutationsOff: unknown channel %q", ch)
		}
		p.ChannelMutationsOff[channel] = true
	}
	for _, class := range c.Policy.ClassMutationsOff {
		p.ClassMutationsOff[class] = true
	}

	rl := c.Policy.RateLimit
	overflow := policy.OverflowDefer
	if rl.OverflowBehavior == string(policy.OverflowFail) {
		overflow = policy.OverflowFail
	}
	p.RateLimit = policy.RateLimitWindow{
		WindowMS:         rl.WindowMS,
		ActorLimit:       rl.ActorLimit,
		ChannelLimit:     rl.ChannelLimit,
		OverflowBehavior: overflow,
		DeferMS:          rl.DeferMS,
	}
	return p, nil
}

// BuildDeliveryURLs translates DeliverConfig into the channel-keyed URL map
// deliver.HTTPDeliverer posts to.
func (c *MuConfig) BuildDeliveryURLs() map[envelope.Channel]string {
	urls := make(map[envelope.Channel]string, len(c.Deliver.URLs))
	for ch, url := range c.Deliver.URLs {
		urls[envelope.Channel(ch)] = url
	}
	return urls
}

func parseTier(s string) (envelope.AssuranceTier, error) {
	switch envelope.AssuranceTier(s) {
	case envelope.TierA:
		return envelope.TierA, nil
	case envelope.TierB:
		return envelope.TierB, nil
	case envelope.TierC:
		return envelope.TierC, nil
	default:
		return "", fmt.Errorf("unknown minAssuranceTier %q", s)
	}
}

// BuildAdapters translates the resolved AdaptersConfig into the concrete
// ingress.Adapter set the server's route table dispatches on. ResolveSecrets
// must have been called first; an adapter whose secret field is still empty
// here means ResolveSecrets was skipped, not that the secret is genuinely
// optional (Discord's public key being the one true exception).
func (c *MuConfig) BuildAdapters() []ingress.Adapter {
	var adapters []ingress.Adapter
	a := c.Adapters
	if a.Slack != nil {
		adapters = append(adapters, ingress.SlackAdapter{
			Route:         a.Slack.Route,
			SigningSecret: []byte(a.Slack.signingSecret),
		})
	}
	if a.Discord != nil {
		adapters = append(adapters, ingress.DiscordAdapter{
			Route:         a.Discord.Route,
			PublicKey:     []byte(a.Discord.publicKey),
			SigningSecret: []byte(a.Discord.signingSecret),
		})
	}
	if a.Telegram != nil {
		// config.TelegramAdapterConfig names its field sharedSecret/
		// SharedSecretEnv (matching Neovim's naming for the document
		// author), but ingress.TelegramAdapter's own field is
		// WebhookSecret — map across the name difference here rather
		// than threading ingress's header-specific name up into the
		// document shape.
		adapters = append(adapters, ingress.TelegramAdapter{
			Route:         a.Telegram.Route,
			WebhookSecret: a.Telegram.sharedSecret,
		})
	}
	if a.Neovim != nil {
		adapters = append(adapters, ingress.NeovimAdapter{
			Route:        a.Neovim.Route,
			SharedSecret: a.Neovim.sharedSecret,
		})
	}
	return adapters
}

// ApplyOverrides pushes the SUPPLEMENTED FEATURES override knobs (outbox
// retry budget, run ring-buffer size, cron search horizon) into the
// packages that expose them as package vars. It does not touch policy or
// adapters — those are read fresh from ToPolicy/BuildAdapters on every
// reload instead of mutated in place.
func (c *MuConfig) ApplyOverrides() {
	if len(c.Outbox.MaxAttemptsByKind) > 0 {
		overrides := make(map[envelope.OutboundKind]int, len(c.Outbox.MaxAttemptsByKind))
		for kind, n := range c.Outbox.MaxAttemptsByKind {
			overrides[envelope.OutboundKind(kind)] = n
		}
		outbox.SetMaxAttemptsByKind(overrides)
	}
	if c.Run.MaxStoredLines > 0 {
		run.DefaultMaxStoredLines = c.Run.MaxStoredLines
	}
	if c.Cron.SearchHorizonMinutes > 0 {
		program.CronSearchHorizonMinutes = c.Cron.SearchHorizonMinutes
	}
}

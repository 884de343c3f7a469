package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/bdobrica/mu/common/crypto"
	"github.com/bdobrica/mu/common/environment"
)

// ResolveSecrets resolves every adapter secret against either the process
// environment (*Env) or an AES-256-GCM-sealed literal (*Encrypted), and
// stores the trimmed result on the config's unexported secret fields,
// ported from common/environment.RequiredString/StringOr's "empty
// normalizes to null" idiom: a configured secret that resolves to an empty
// or unset value is an error, since an adapter silently accepting an empty
// signing secret would make every Verify call vacuously pass.
func (c *MuConfig) ResolveSecrets() error {
	a := &c.Adapters
	if a.Slack != nil {
		v, err := resolveSecret(a.Slack.SigningSecretEnv, a.Slack.SigningSecretEncrypted)
		if err != nil {
			return fmt.Errorf("config: adapters.slack: %w", err)
		}
		a.Slack.signingSecret = v
	}
	if a.Discord != nil {
		v, err := resolveSecret(a.Discord.SigningSecretEnv, a.Discord.SigningSecretEncrypted)
		if err != nil {
			return fmt.Errorf("config: adapters.discord: %w", err)
		}
		a.Discord.signingSecret = v
		if a.Discord.PublicKeyEnv != "" {
			pk, _ := environment.String(a.Discord.PublicKeyEnv)
			a.Discord.publicKey = strings.TrimSpace(pk)
		}
	}
	if a.Telegram != nil {
		v, err := resolveSecret(a.Telegram.SharedSecretEnv, a.Telegram.SharedSecretEncrypted)
		if err != nil {
			return fmt.Errorf("config: adapters.telegram: %w", err)
		}
		a.Telegram.sharedSecret = v
	}
	if a.Neovim != nil {
		v, err := resolveSecret(a.Neovim.SharedSecretEnv, a.Neovim.SharedSecretEncrypted)
		if err != nil {
			return fmt.Errorf("config: adapters.neovim: %w", err)
		}
		a.Neovim.sharedSecret = v
	}
	return nil
}

// resolveSecret resolves one adapter secret from whichever of its two
// sources is configured, preferring the env indirection (envVar) over the
// sealed literal (encryptedHex) when both are set — an operator migrating
// from one scheme to the other leaves the old value in place until the new
// one is verified working.
func resolveSecret(envVar, encryptedHex string) (string, error) {
	if strings.TrimSpace(envVar) != "" {
		return requiredTrimmed(envVar)
	}
	if strings.TrimSpace(encryptedHex) != "" {
		return decryptSecret(encryptedHex)
	}
	return "", fmt.Errorf("no environment variable or encrypted secret configured")
}

// decryptSecret unseals a hex-encoded AES-256-GCM ciphertext (as produced
// by crypto.Encrypt) against the master key named by crypto.LoadMasterKey,
// for an operator who commits secrets straight into the config document
// instead of wiring one env var per deployment.
func decryptSecret(encryptedHex string) (string, error) {
	key, err := crypto.LoadMasterKey()
	if err != nil {
		return "", fmt.Errorf("load master key: %w", err)
	}
	ciphertext, err := hex.DecodeString(strings.TrimSpace(encryptedHex))
	if err != nil {
		return "", fmt.Errorf("invalid hex ciphertext: %w", err)
	}
	plaintext, err := crypto.Decrypt(key, ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	v := strings.TrimSpace(string(plaintext))
	if v == "" {
		return "", fmt.Errorf("encrypted secret decrypted to blank")
	}
	return v, nil
}

// requiredTrimmed resolves envVar via environment.RequiredString and trims
// the result, treating a variable that is set but blank the same as unset.
func requiredTrimmed(envVar string) (string, error) {
	v, err := environment.RequiredString(envVar)
	if err != nil {
		return "", err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", fmt.Errorf("environment variable %q is set but blank", envVar)
	}
	return v, nil
}

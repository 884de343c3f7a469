package config_test

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/bdobrica/mu/common/crypto"
	"github.com/bdobrica/mu/internal/controlplane/config"
	"github.com/bdobrica/mu/internal/controlplane/envelope"
)

const validDoc = `
apiVersion: mu/v1
metadata:
  name: test-control-plane
repoRoot: /repo
server:
  listenAddr: ":8080"
identity:
  dbPath: /var/lib/mu/identity.db
journal:
  commandsPath: /var/lib/mu/commands.jsonl
  idempotencyPath: /var/lib/mu/idempotency.jsonl
  outboxPath: /var/lib/mu/outbox.jsonl
adapters:
  slack:
    route: /webhooks/slack
    signingSecretEnv: MU_TEST_SLACK_SECRET
policy:
  rules:
    - commandKey: status
      scopes: ["cp.read"]
      minAssuranceTier: tier_c
    - commandKey: deploy
      scopes: ["cp.deploy"]
      mutating: true
      confirmationRequired: true
      minAssuranceTier: tier_a
  channelMutationsOff: ["discord"]
  rateLimit:
    windowMs: 60000
    actorLimit: 5
    channelLimit: 20
    overflowBehavior: defer
    deferMs: 250
`

func TestLoader_Apply_ValidDocument(t *testing.T) {
	t.Setenv("MU_TEST_SLACK_SECRET", "shh")
	l := config.New()
	if err := l.Apply([]byte(validDoc)); err != nil {
		t.Fatalf("apply valid doc: %v", err)
	}
	cfg := l.Config()
	if cfg == nil {
		t.Fatal("expected config to be loaded")
	}
	if cfg.Metadata.Name != "test-control-plane" {
		t.Errorf("metadata.name = %q", cfg.Metadata.Name)
	}
	if l.Hash() == "" {
		t.Error("expected a non-empty hash after apply")
	}
	if l.YAML() != validDoc {
		t.Error("expected YAML() to return the raw applied document")
	}

	pol, err := cfg.ToPolicy()
	if err != nil {
		t.Fatalf("to policy: %v", err)
	}
	if pol.Rules["deploy"].MinAssuranceTier != envelope.TierA {
		t.Errorf("deploy rule tier = %q", pol.Rules["deploy"].MinAssuranceTier)
	}
	if !pol.ChannelMutationsOff[envelope.ChannelDiscord] {
		t.Error("expected discord to be in channelMutationsOff")
	}

	adapters := cfg.BuildAdapters()
	if len(adapters) != 1 {
		t.Fatalf("expected exactly one adapter, got %d", len(adapters))
	}
}

func TestLoader_Apply_WrongAPIVersionRejected(t *testing.T) {
	t.Setenv("MU_TEST_SLACK_SECRET", "shh")
	l := config.New()
	doc := strings.Replace(validDoc, "apiVersion: mu/v1", "apiVersion: mu/v2", 1)
	if err := l.Apply([]byte(doc)); err == nil {
		t.Fatal("expected an error for an unsupported apiVersion")
	}
	if l.Config() != nil {
		t.Error("a rejected document must not become the live config")
	}
}

func TestLoader_Apply_InvalidAssuranceTierRejectedBySchema(t *testing.T) {
	t.Setenv("MU_TEST_SLACK_SECRET", "shh")
	l := config.New()
	doc := strings.Replace(validDoc, "minAssuranceTier: tier_c", "minAssuranceTier: tier_z", 1)
	if err := l.Apply([]byte(doc)); err == nil {
		t.Fatal("expected schema validation to reject an unknown assurance tier")
	}
}

func TestLoader_Apply_UnknownFieldRejectedBySchema(t *testing.T) {
	t.Setenv("MU_TEST_SLACK_SECRET", "shh")
	l := config.New()
	doc := validDoc + "  notARealField: true\n"
	if err := l.Apply([]byte(doc)); err == nil {
		t.Fatal("expected the strict decoder to reject an unrecognized policy field")
	}
}

func TestLoader_Apply_MissingSecretEnvRejected(t *testing.T) {
	l := config.New()
	if err := l.Apply([]byte(validDoc)); err == nil {
		t.Fatal("expected an error when MU_TEST_SLACK_SECRET is unset")
	}
	if l.Config() != nil {
		t.Error("a document that fails secret resolution must not become the live config")
	}
}

func TestLoader_Apply_BadReloadDoesNotClobberLiveConfig(t *testing.T) {
	t.Setenv("MU_TEST_SLACK_SECRET", "shh")
	l := config.New()
	if err := l.Apply([]byte(validDoc)); err != nil {
		t.Fatalf("apply valid doc: %v", err)
	}
	firstHash := l.Hash()

	bad := strings.Replace(validDoc, "apiVersion: mu/v1", "apiVersion: garbage", 1)
	if err := l.Apply([]byte(bad)); err == nil {
		t.Fatal("expected the bad reload to fail")
	}
	if l.Hash() != firstHash {
		t.Error("a failed reload must leave the previously applied config untouched")
	}
}

func TestMuConfig_ApplyOverrides(t *testing.T) {
	t.Setenv("MU_TEST_SLACK_SECRET", "shh")
	l := config.New()
	doc := validDoc + "outbox:\n  maxAttemptsByKind:\n    ack: 7\nrun:\n  maxStoredLines: 200\ncron:\n  searchHorizonMinutes: 42\n"
	if err := l.Apply([]byte(doc)); err != nil {
		t.Fatalf("apply doc with overrides: %v", err)
	}
	l.Config().ApplyOverrides()
}

func TestLoader_Apply_EncryptedSecret(t *testing.T) {
	masterKey := strings.Repeat("ab", 32) // 32 bytes hex-encoded
	t.Setenv("MU_MASTER_KEY", masterKey)

	ciphertextHex := encryptForTest(t, masterKey, "topsecret")

	doc := strings.Replace(validDoc,
		"signingSecretEnv: MU_TEST_SLACK_SECRET",
		"signingSecretEncrypted: "+ciphertextHex,
		1,
	)

	l := config.New()
	if err := l.Apply([]byte(doc)); err != nil {
		t.Fatalf("apply doc with encrypted secret: %v", err)
	}
}

// encryptForTest seals plaintext the same way an operator's own tooling
// would before pasting the hex ciphertext into a config document —
// crypto.Encrypt is the exact inverse of this package's decryptSecret.
func encryptForTest(t *testing.T, hexKey, plaintext string) string {
	t.Helper()
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		t.Fatalf("decode test key: %v", err)
	}
	ciphertext, err := crypto.Encrypt(key, []byte(plaintext))
	if err != nil {
		t.Fatalf("encrypt test secret: %v", err)
	}
	return hex.EncodeToString(ciphertext)
}

package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader holds the current MuConfig and allows hot-reloads, ported from the
// teacher's gosuto.Loader: the same mu/config/hash/yaml shape, the same
// validate-before-swap contract on Apply.
type Loader struct {
	mu     sync.RWMutex
	config *MuConfig
	hash   string
	yaml   string
}

// New creates an empty Loader with no configuration loaded yet.
func New() *Loader {
	return &Loader{}
}

// LoadFile reads a YAML file from disk, validates it, and applies it.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read file: %w", err)
	}
	return l.Apply(data)
}

// Apply parses and validates a raw YAML payload, then atomically replaces
// the live config. It returns an error without touching the live config if
// anything fails — parsing (a field the typed document does not declare is
// a parse error), apiVersion, schema validation, or secret
// resolution — so a bad reload can never leave the control plane running a
// half-applied document.
func (l *Loader) Apply(data []byte) error {
	var cfg MuConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	if cfg.APIVersion != SpecVersion {
		return fmt.Errorf("config: unsupported apiVersion %q, want %q", cfg.APIVersion, SpecVersion)
	}
	if err := validatePolicyDoc(cfg.Policy); err != nil {
		return err
	}
	if err := validateAdaptersDoc(cfg.Adapters); err != nil {
		return err
	}
	if err := cfg.ResolveSecrets(); err != nil {
		return fmt.Errorf("config: resolve secrets: %w", err)
	}
	if _, err := cfg.ToPolicy(); err != nil {
		return err
	}

	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	l.mu.Lock()
	defer l.mu.Unlock()

	l.config = &cfg
	l.hash = hash
	l.yaml = string(data)

	slog.Info("control plane config applied",
		"name", cfg.Metadata.Name,
		"hash", hash[:12],
	)
	return nil
}

// Config returns the current live config. Returns nil if no config has been
// loaded yet.
func (l *Loader) Config() *MuConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.config
}

// Hash returns the SHA-256 hex digest of the current applied YAML. Returns
// "" when no config is loaded.
func (l *Loader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

// YAML returns the raw YAML text of the current applied config.
func (l *Loader) YAML() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.yaml
}

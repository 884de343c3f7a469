// Package identity resolves actor_binding_id into an identity binding's
// scopes and assurance tier (spec §3/§4.5's `binding`), consumed read-only
// by the policy engine during authorizeCommand. Spec §6 describes
// identities.jsonl as "an external store, consumed read-only"; this
// package models that store as a SQLite-backed table instead, grounded on
// internal/ruriko/store.Store's single-writer, WAL-mode connection
// discipline and its Agent CRUD query shape, narrowed here to the
// read-mostly access pattern the control plane actually needs (lookups on
// every authorizeCommand call, occasional writes when an operator links or
// revokes a binding via `link begin|finish`/`unlink self`/`revoke`/
// `grant scope`).
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/bdobrica/mu/internal/controlplane/envelope"
	"github.com/bdobrica/mu/internal/controlplane/policy"
)

// Binding is one row of the identities table: the durable link between a
// channel actor and the scopes/tier the policy engine authorizes against.
type Binding struct {
	BindingID     string
	Channel       envelope.Channel
	ChannelActorID string
	Scopes        []string
	AssuranceTier envelope.AssuranceTier
	CreatedAtMS   int64
	UpdatedAtMS   int64
	RevokedAtMS   int64 // 0 => active
}

// Store is the read-mostly SQLite-backed identity binding store.
type Store struct {
	db *sql.DB
}

// Open opens (creating and migrating if absent) the identities database at
// dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("identity: open database: %w", err)
	}

	// SQLite is single-writer; keep one shared connection so concurrent
	// callers serialize through database/sql rather than fighting for the
	// file lock across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("identity: set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS identities (
	binding_id       TEXT PRIMARY KEY,
	channel          TEXT NOT NULL,
	channel_actor_id TEXT NOT NULL,
	scopes           TEXT NOT NULL,
	assurance_tier   TEXT NOT NULL,
	created_at_ms    INTEGER NOT NULL,
	updated_at_ms    INTEGER NOT NULL,
	revoked_at_ms    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_identities_channel_actor
	ON identities (channel, channel_actor_id);
`

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

// Lookup resolves a binding_id to its current Binding. Revoked bindings
// are still returned (callers check RevokedAtMS) so `audit get`-style
// inspection can see history.
func (s *Store) Lookup(ctx context.Context, bindingID string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT binding_id, channel, channel_actor_id, scopes, assurance_tier,
		       created_at_ms, updated_at_ms, revoked_at_ms
		FROM identities WHERE binding_id = ?
	`, bindingID)

	var b Binding
	var scopesCSV, channel, tier string
	if err := row.Scan(&b.BindingID, &channel, &b.ChannelActorID, &scopesCSV, &tier,
		&b.CreatedAtMS, &b.UpdatedAtMS, &b.RevokedAtMS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: lookup %s: %w", bindingID, err)
	}
	b.Channel = envelope.Channel(channel)
	b.AssuranceTier = envelope.AssuranceTier(tier)
	if scopesCSV != "" {
		b.Scopes = strings.Split(scopesCSV, ",")
	}
	return &b, nil
}

// LookupByChannelActor resolves the active (non-revoked) binding for a
// channel actor, using the (channel, channel_actor_id) index. This is how
// the pipeline turns an inbound envelope's bare actor_id into the
// actor_binding_id spec §4.6 step 3 resolves against; an actor who has
// never run `link finish` has no row here and is denied identity_not_linked.
func (s *Store) LookupByChannelActor(ctx context.Context, channel envelope.Channel, channelActorID string) (*Binding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT binding_id, channel, channel_actor_id, scopes, assurance_tier,
		       created_at_ms, updated_at_ms, revoked_at_ms
		FROM identities
		WHERE channel = ? AND channel_actor_id = ? AND revoked_at_ms = 0
		ORDER BY created_at_ms DESC LIMIT 1
	`, string(channel), channelActorID)

	var b Binding
	var scopesCSV, ch, tier string
	if err := row.Scan(&b.BindingID, &ch, &b.ChannelActorID, &scopesCSV, &tier,
		&b.CreatedAtMS, &b.UpdatedAtMS, &b.RevokedAtMS); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("identity: lookup by channel actor %s/%s: %w", channel, channelActorID, err)
	}
	b.Channel = envelope.Channel(ch)
	b.AssuranceTier = envelope.AssuranceTier(tier)
	if scopesCSV != "" {
		b.Scopes = strings.Split(scopesCSV, ",")
	}
	return &b, nil
}

// AsPolicyBinding resolves bindingID and adapts the result into the shape
// policy.Engine.AuthorizeCommand expects. Returns ok=false if the binding
// doesn't exist or has been revoked (spec §9's `identity_not_linked`).
func (s *Store) AsPolicyBinding(ctx context.Context, bindingID string) (policy.Binding, bool, error) {
	b, err := s.Lookup(ctx, bindingID)
	if err != nil {
		return policy.Binding{}, false, err
	}
	if b == nil || b.RevokedAtMS != 0 {
		return policy.Binding{}, false, nil
	}
	return policy.Binding{
		BindingID:     b.BindingID,
		Scopes:        b.Scopes,
		AssuranceTier: b.AssuranceTier,
	}, true, nil
}

// Link creates or replaces a binding, per `link begin|finish`. nowMS is
// used for both created_at_ms (on first insert) and updated_at_ms.
func (s *Store) Link(ctx context.Context, b Binding, nowMS int64) error {
	b.UpdatedAtMS = nowMS
	if b.CreatedAtMS == 0 {
		b.CreatedAtMS = nowMS
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (binding_id, channel, channel_actor_id, scopes, assurance_tier, created_at_ms, updated_at_ms, revoked_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(binding_id) DO UPDATE SET
			channel = excluded.channel,
			channel_actor_id = excluded.channel_actor_id,
			scopes = excluded.scopes,
			assurance_tier = excluded.assurance_tier,
			updated_at_ms = excluded.updated_at_ms,
			revoked_at_ms = 0
	`, b.BindingID, string(b.Channel), b.ChannelActorID, strings.Join(b.Scopes, ","), string(b.AssuranceTier), b.CreatedAtMS, b.UpdatedAtMS)
	if err != nil {
		return fmt.Errorf("identity: link %s: %w", b.BindingID, err)
	}
	return nil
}

// Revoke marks a binding revoked, per `revoke`/`unlink self`.
func (s *Store) Revoke(ctx context.Context, bindingID string, nowMS int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE identities SET revoked_at_ms = ?, updated_at_ms = ? WHERE binding_id = ? AND revoked_at_ms = 0
	`, nowMS, nowMS, bindingID)
	if err != nil {
		return fmt.Errorf("identity: revoke %s: %w", bindingID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("identity: revoke %s: no active binding found", bindingID)
	}
	return nil
}

// GrantScope adds a scope to an already-linked binding, per `grant scope`.
func (s *Store) GrantScope(ctx context.Context, bindingID, scope string, nowMS int64) error {
	b, err := s.Lookup(ctx, bindingID)
	if err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("identity: grant scope: no such binding %s", bindingID)
	}
	for _, s := range b.Scopes {
		if s == scope {
			return nil // already granted
		}
	}
	b.Scopes = append(b.Scopes, scope)
	return s.Link(ctx, *b, nowMS)
}

package repo

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/jackc/pgx/v5"

	perr "shutter/internal/platform/errors"
	"shutter/internal/platform/store"
	"shutter/internal/services/jobs/domain"
)

type (
	// AuthPG is the Postgres implementation of the auth port. Keys are
	// stored hashed; the plaintext only ever exists on the wire.
	AuthPG      struct{}
	authQueries struct{ q store.Queryer }
)

// NewAuthPG returns a binder for the Postgres auth implementation
func NewAuthPG() store.Binder[domain.Auth] { return AuthPG{} }

// Bind attaches a Queryer to the Postgres auth implementation
func (AuthPG) Bind(q store.Queryer) domain.Auth { return &authQueries{q: q} }

// HashAPIKey is the storage form of a presented key
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ResolveAPIKey maps a presented key to its account, or ErrAuthRejected.
// Revoked keys resolve the same as unknown ones so callers cannot probe.
func (r *authQueries) ResolveAPIKey(ctx context.Context, key string) (*domain.APIKey, error) {
	const sql = `
		SELECT ak.id, ak.user_id, COALESCE(uc.plan_id, 'free')
		FROM api_keys ak
		LEFT JOIN user_credits uc ON uc.user_id = ak.user_id
		WHERE ak.key_hash = $1 AND ak.active
	`
	var k domain.APIKey
	err := r.q.QueryRow(ctx, sql, HashAPIKey(key)).Scan(&k.ID, &k.UserID, &k.Plan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrAuthRejected
	}
	if err != nil {
		return nil, perr.FromPostgres(err, "resolve api key")
	}

	const touch = `UPDATE api_keys SET last_used_at = now() WHERE id = $1`
	if _, err := r.q.Exec(ctx, touch, k.ID); err != nil {
		// stale last_used_at is cosmetic; the lookup already succeeded
		return &k, nil
	}
	return &k, nil
}

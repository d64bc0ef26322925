package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrConfigMissing signals the role_config row has not been bootstrapped yet.
var ErrConfigMissing = errors.New("identity: role configuration missing")

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Bootstrap seeds the owner row if no configuration exists. Safe to call on
// every startup; an existing row wins.
func (r *Repository) Bootstrap(ctx context.Context, owner Principal) error {
	if owner == Anonymous {
		return fmt.Errorf("identity: bootstrap owner required")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO role_config (id, owner_principal)
		VALUES (1, $1)
		ON CONFLICT (id) DO NOTHING
	`, string(owner))
	if err != nil {
		return fmt.Errorf("identity: bootstrap: %w", err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context) (Config, error) {
	var (
		owner    string
		admin    sql.NullString
		verifier sql.NullString
		keyHash  sql.NullString
	)
	err := r.pool.QueryRow(ctx, `
		SELECT owner_principal, admin_principal, verifier_principal, verifier_key_hash
		FROM role_config WHERE id = 1
	`).Scan(&owner, &admin, &verifier, &keyHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Config{}, ErrConfigMissing
		}
		return Config{}, fmt.Errorf("identity: get config: %w", err)
	}

	cfg := Config{Owner: Principal(owner)}
	if admin.Valid {
		cfg.Admin = Principal(admin.String)
	}
	if verifier.Valid {
		cfg.OffChainServer = Principal(verifier.String)
	}
	if keyHash.Valid {
		cfg.VerifierKeyHash = keyHash.String
	}
	return cfg, nil
}

func (r *Repository) SetOwner(ctx context.Context, owner Principal) error {
	return r.setColumn(ctx, "owner_principal", string(owner))
}

func (r *Repository) SetAdmin(ctx context.Context, admin Principal) error {
	return r.setColumn(ctx, "admin_principal", string(admin))
}

func (r *Repository) SetOffChainServer(ctx context.Context, server Principal) error {
	return r.setColumn(ctx, "verifier_principal", string(server))
}

func (r *Repository) SetVerifierKeyHash(ctx context.Context, hash string) error {
	return r.setColumn(ctx, "verifier_key_hash", hash)
}

func (r *Repository) setColumn(ctx context.Context, column, value string) error {
	tag, err := r.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE role_config SET %s = $1, updated_at = now() WHERE id = 1`, column),
		value)
	if err != nil {
		return fmt.Errorf("identity: set %s: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConfigMissing
	}
	return nil
}

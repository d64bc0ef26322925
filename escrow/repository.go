package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/identity"
)

// Repository owns all reads and writes of the escrows table. Business rules
// live in the transition engine; the repository only enforces structural
// constraints (existence, schema checks).
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

const agreementColumns = `
	id, buyer, seller, terms, amount, status, release_method,
	agreed_by_buyer, agreed_by_seller,
	created_at, agreed_at, funded_at, shipped_at, disputed_at,
	resolved_at, released_at, cancelled_at`

// Create inserts a new agreement in Created status and returns it with its
// assigned identifier.
func (r *Repository) Create(ctx context.Context, tx pgx.Tx, buyer, seller identity.Principal, terms string, amount uint64) (Agreement, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO escrows (buyer, seller, terms, amount)
		VALUES ($1, $2, $3, $4)
		RETURNING`+agreementColumns,
		string(buyer), string(seller), terms, int64(amount))
	ag, err := scanAgreement(row)
	if err != nil {
		return Agreement{}, fmt.Errorf("escrow: insert: %w", err)
	}
	return ag, nil
}

func (r *Repository) Get(ctx context.Context, id uint64) (Agreement, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+agreementColumns+` FROM escrows WHERE id = $1`, int64(id))
	ag, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("escrow: get: %w", err)
	}
	return ag, nil
}

// LockForUpdate fetches the current record inside tx, serializing all later
// transitions on the same escrow id behind the row lock.
func (r *Repository) LockForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (Agreement, error) {
	row := tx.QueryRow(ctx, `SELECT`+agreementColumns+` FROM escrows WHERE id = $1 FOR UPDATE`, int64(id))
	ag, err := scanAgreement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agreement{}, ErrNotFound
		}
		return Agreement{}, fmt.Errorf("escrow: lock: %w", err)
	}
	return ag, nil
}

// ListFor returns every agreement where the principal is buyer or seller, in
// insertion order.
func (r *Repository) ListFor(ctx context.Context, p identity.Principal) ([]Agreement, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT`+agreementColumns+`
		FROM escrows
		WHERE buyer = $1 OR seller = $1
		ORDER BY id
	`, string(p))
	if err != nil {
		return nil, fmt.Errorf("escrow: list: %w", err)
	}
	defer rows.Close()

	out := []Agreement{}
	for rows.Next() {
		ag, err := scanAgreement(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan: %w", err)
		}
		out = append(out, ag)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate: %w", err)
	}
	return out, nil
}

func (r *Repository) Participants(ctx context.Context, id uint64) (identity.Principal, identity.Principal, error) {
	var buyer, seller string
	err := r.pool.QueryRow(ctx, `SELECT buyer, seller FROM escrows WHERE id = $1`, int64(id)).
		Scan(&buyer, &seller)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return identity.Anonymous, identity.Anonymous, ErrNotFound
		}
		return identity.Anonymous, identity.Anonymous, fmt.Errorf("escrow: participants: %w", err)
	}
	return identity.Principal(buyer), identity.Principal(seller), nil
}

// Mutation describes the column writes a single transition applies. Timestamp
// columns are written with COALESCE so they stay write-once even if a bug
// repeated a transition.
type Mutation struct {
	Status         Status
	TimestampCols  []string
	ReleaseMethod  *ReleaseMethod
	AgreedByBuyer  bool
	AgreedBySeller bool
}

var timestampCols = map[string]bool{
	"agreed_at":    true,
	"funded_at":    true,
	"shipped_at":   true,
	"disputed_at":  true,
	"resolved_at":  true,
	"released_at":  true,
	"cancelled_at": true,
}

// Apply writes the mutation inside tx. The caller must hold the row lock and
// have validated the transition.
func (r *Repository) Apply(ctx context.Context, tx pgx.Tx, id uint64, m Mutation) error {
	sets := []string{"status = $1"}
	args := []any{string(m.Status)}

	for _, col := range m.TimestampCols {
		if !timestampCols[col] {
			return fmt.Errorf("escrow: unknown timestamp column %q", col)
		}
		sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, now())", col, col))
	}
	if m.ReleaseMethod != nil {
		args = append(args, string(*m.ReleaseMethod))
		sets = append(sets, fmt.Sprintf("release_method = COALESCE(release_method, $%d)", len(args)))
	}
	if m.AgreedByBuyer {
		sets = append(sets, "agreed_by_buyer = TRUE")
	}
	if m.AgreedBySeller {
		sets = append(sets, "agreed_by_seller = TRUE")
	}

	args = append(args, int64(id))
	query := fmt.Sprintf("UPDATE escrows SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("escrow: apply transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendEvent writes the next timeline event for the escrow. Sequence numbers
// are per escrow and rely on the caller holding the escrow row lock.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, id uint64, eventType string, actor identity.Principal, payload map[string]any) error {
	var seq int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE escrow_id = $1`,
		int64(id)).Scan(&seq); err != nil {
		return fmt.Errorf("escrow: next event seq: %w", err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal event payload: %w", err)
	}

	var actorArg any
	if actor != identity.Anonymous {
		actorArg = string(actor)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO timeline_events (escrow_id, seq, type, actor, payload)
		VALUES ($1, $2, $3, $4, $5)
	`, int64(id), seq, eventType, actorArg, body); err != nil {
		return fmt.Errorf("escrow: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox records a message for the outbox dispatcher in the same
// transaction as the transition it announces.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("escrow: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2)`, topic, body); err != nil {
		return fmt.Errorf("escrow: insert outbox message: %w", err)
	}
	return nil
}

func scanAgreement(row pgx.Row) (Agreement, error) {
	var (
		ag            Agreement
		id, amount    int64
		buyer, seller string
		status        string
		release       sql.NullString
		agreedAt      sql.NullTime
		fundedAt      sql.NullTime
		shippedAt     sql.NullTime
		disputedAt    sql.NullTime
		resolvedAt    sql.NullTime
		releasedAt    sql.NullTime
		cancelledAt   sql.NullTime
	)
	err := row.Scan(&id, &buyer, &seller, &ag.Terms, &amount, &status, &release,
		&ag.AgreedByBuyer, &ag.AgreedBySeller,
		&ag.CreatedAt, &agreedAt, &fundedAt, &shippedAt, &disputedAt,
		&resolvedAt, &releasedAt, &cancelledAt)
	if err != nil {
		return Agreement{}, err
	}

	ag.ID = uint64(id)
	ag.Buyer = identity.Principal(buyer)
	ag.Seller = identity.Principal(seller)
	ag.Amount = uint64(amount)
	ag.Status = Status(status)
	if release.Valid {
		m := ReleaseMethod(release.String)
		ag.ReleaseMethod = &m
	}
	ag.AgreedAt = nullableTime(agreedAt)
	ag.FundedAt = nullableTime(fundedAt)
	ag.ShippedAt = nullableTime(shippedAt)
	ag.DisputedAt = nullableTime(disputedAt)
	ag.ResolvedAt = nullableTime(resolvedAt)
	ag.ReleasedAt = nullableTime(releasedAt)
	ag.CancelledAt = nullableTime(cancelledAt)
	return ag, nil
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

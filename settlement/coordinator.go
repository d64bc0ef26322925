package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/identity"
)

// IssueObserver is notified whenever the coordinator actually calls the
// ledger, with the movement's direction and outcome. Deduplicated requests
// that issue nothing are not reported.
type IssueObserver func(direction Direction, outcome string)

// Coordinator reconciles escrow transitions with the external ledger. Every
// custody movement is recorded in settlement_transfers: outbound movements
// are reserved in their own committed transaction before the ledger is
// called, so the at-most-once guard is durable even if the caller's
// transition is lost afterwards.
type Coordinator struct {
	pool    *pgxpool.Pool
	ledger  Ledger
	observe IssueObserver
}

func NewCoordinator(pool *pgxpool.Pool, ledger Ledger) *Coordinator {
	return &Coordinator{pool: pool, ledger: ledger}
}

// Observe registers fn to be called for every real ledger issuance. Must be
// set before the coordinator starts serving requests.
func (c *Coordinator) Observe(fn IssueObserver) {
	c.observe = fn
}

func (c *Coordinator) report(dir Direction, outcome string) {
	if c.observe != nil {
		c.observe(dir, outcome)
	}
}

// ConfirmInbound records the verifier's observation of the buyer's deposit.
// A second confirmation for the same escrow is refused.
func (c *Coordinator) ConfirmInbound(ctx context.Context, escrowID uint64, from identity.Principal, amount uint64) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO settlement_transfers (id, escrow_id, direction, counterparty, amount, state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), int64(escrowID), string(DirectionInbound), string(from), int64(amount), string(StateCompleted))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyIssued
		}
		return fmt.Errorf("settlement: record inbound transfer: %w", err)
	}
	return nil
}

// InboundConfirmed reports whether the buyer's deposit has been confirmed,
// read inside the caller's transaction so funding stays consistent with the
// row lock it holds.
func (c *Coordinator) InboundConfirmed(ctx context.Context, tx pgx.Tx, escrowID uint64) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM settlement_transfers
			WHERE escrow_id = $1 AND direction = $2
		)
	`, int64(escrowID), string(DirectionInbound)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("settlement: check inbound transfer: %w", err)
	}
	return exists, nil
}

// Release pays the seller. Refund returns the deposit to the buyer. The
// transfer row is reserved as pending and committed before the ledger is
// called: its id doubles as the ledger idempotency key, so a retry after an
// interruption (ledger error, lost transition commit, process crash) resumes
// the same movement instead of paying twice. A completed row means the funds
// already moved, so the call reports success and lets the caller finish
// applying the status. An outbound row in the other direction surfaces
// ErrAlreadyIssued, since the money already left custody the other way.
func (c *Coordinator) Release(ctx context.Context, escrowID uint64, to identity.Principal, amount uint64) error {
	return c.issue(ctx, escrowID, DirectionRelease, to, amount)
}

func (c *Coordinator) Refund(ctx context.Context, escrowID uint64, to identity.Principal, amount uint64) error {
	return c.issue(ctx, escrowID, DirectionRefund, to, amount)
}

func (c *Coordinator) issue(ctx context.Context, escrowID uint64, dir Direction, to identity.Principal, amount uint64) error {
	transferID := uuid.NewString()
	_, err := c.pool.Exec(ctx, `
		INSERT INTO settlement_transfers (id, escrow_id, direction, counterparty, amount, state)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, transferID, int64(escrowID), string(dir), string(to), int64(amount), string(StatePending))
	if err != nil {
		if !isUniqueViolation(err) {
			return fmt.Errorf("settlement: reserve %s transfer: %w", dir, err)
		}
		existingID, existingDir, state, err := c.outboundReservation(ctx, escrowID)
		if err != nil {
			return err
		}
		if existingDir != dir {
			return fmt.Errorf("%w: %s already issued for escrow %d", ErrAlreadyIssued, existingDir, escrowID)
		}
		if state == StateCompleted {
			return nil
		}
		// A pending reservation from an interrupted attempt; resume it
		// under the same idempotency key.
		transferID = existingID
	}

	ref, err := c.ledger.Transfer(ctx, transferID, to, amount)
	if err != nil {
		// The pending row stays: the next attempt reuses its id, so the
		// ledger can deduplicate even if this call partially landed.
		c.report(dir, "failed")
		return fmt.Errorf("%w: %v", ErrFailed, err)
	}

	if _, err := c.pool.Exec(ctx, `
		UPDATE settlement_transfers SET state = $1, ledger_ref = $2 WHERE id = $3
	`, string(StateCompleted), ref, transferID); err != nil {
		return fmt.Errorf("settlement: finalize %s transfer: %w", dir, err)
	}
	c.report(dir, "ok")
	return nil
}

func (c *Coordinator) outboundReservation(ctx context.Context, escrowID uint64) (string, Direction, State, error) {
	var id, dir, state string
	err := c.pool.QueryRow(ctx, `
		SELECT id, direction, state FROM settlement_transfers
		WHERE escrow_id = $1 AND direction IN ($2, $3)
	`, int64(escrowID), string(DirectionRelease), string(DirectionRefund)).Scan(&id, &dir, &state)
	if err != nil {
		return "", "", "", fmt.Errorf("settlement: load outbound reservation: %w", err)
	}
	return id, Direction(dir), State(state), nil
}

// ListTransfers returns the recorded custody movements for an escrow, oldest
// first.
func (c *Coordinator) ListTransfers(ctx context.Context, escrowID uint64) ([]Transfer, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT id, escrow_id, direction, counterparty, amount, state, ledger_ref, created_at
		FROM settlement_transfers
		WHERE escrow_id = $1
		ORDER BY created_at
	`, int64(escrowID))
	if err != nil {
		return nil, fmt.Errorf("settlement: list transfers: %w", err)
	}
	defer rows.Close()

	out := []Transfer{}
	for rows.Next() {
		var (
			t                         Transfer
			id, amount                int64
			dir, cp, state, ledgerRef string
		)
		if err := rows.Scan(&t.ID, &id, &dir, &cp, &amount, &state, &ledgerRef, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("settlement: scan transfer: %w", err)
		}
		t.EscrowID = uint64(id)
		t.Direction = Direction(dir)
		t.Counterparty = identity.Principal(cp)
		t.Amount = uint64(amount)
		t.State = State(state)
		t.LedgerRef = ledgerRef
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate transfers: %w", err)
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

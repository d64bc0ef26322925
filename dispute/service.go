// Package dispute records disputes on escrow agreements and applies the
// arbitrator's binding decision.
package dispute

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/escrow"
	"escrowflow/identity"
)

// Decision is the arbitrator's binding outcome for a disputed agreement.
type Decision string

const (
	DecisionReleaseFunds Decision = "ReleaseFunds"
	DecisionRefundBuyer  Decision = "RefundBuyer"
)

func ValidDecision(d Decision) bool {
	return d == DecisionReleaseFunds || d == DecisionRefundBuyer
}

// Registry is the slice of the escrow registry the arbitration flow needs.
type Registry interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (escrow.Agreement, error)
	Apply(ctx context.Context, tx pgx.Tx, id uint64, m escrow.Mutation) error
	AppendEvent(ctx context.Context, tx pgx.Tx, id uint64, eventType string, actor identity.Principal, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Settler issues the outbound transfer a resolution decides on. The transfer
// is reserved durably before the ledger is called, so the resolution can be
// retried after an interruption without moving funds twice.
type Settler interface {
	Release(ctx context.Context, escrowID uint64, to identity.Principal, amount uint64) error
	Refund(ctx context.Context, escrowID uint64, to identity.Principal, amount uint64) error
}

type ConfigProvider interface {
	GetConfig(ctx context.Context) (identity.Config, error)
}

type Service struct {
	reg    Registry
	settle Settler
	config ConfigProvider
}

func NewService(reg Registry, settle Settler, config ConfigProvider) *Service {
	return &Service{reg: reg, settle: settle, config: config}
}

// Open moves the agreement to Disputed, freezing every party-initiated
// transition until an arbitrator resolves it.
func (s *Service) Open(ctx context.Context, caller identity.Principal, id uint64) error {
	tx, err := s.reg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.reg.LockForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if caller != ag.Buyer && caller != ag.Seller {
		return fmt.Errorf("%w: only buyer or seller can open a dispute", escrow.ErrUnauthorized)
	}
	if !escrow.Disputable(ag.Status) {
		return fmt.Errorf("%w: cannot dispute a closed or already disputed escrow", escrow.ErrInvalidState)
	}

	if err := s.reg.Apply(ctx, tx, id, escrow.Mutation{
		Status:        escrow.StatusDisputed,
		TimestampCols: []string{"disputed_at"},
	}); err != nil {
		return err
	}
	if err := s.reg.AppendEvent(ctx, tx, id, "DISPUTE_OPENED", caller, map[string]any{
		"previous_status": string(ag.Status),
	}); err != nil {
		return err
	}
	if err := s.reg.EnqueueOutbox(ctx, tx, "escrow.disputed", map[string]any{
		"escrow_id": id,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit: %w", err)
	}
	return nil
}

// Resolve applies the admin's single irrevocable decision on a disputed
// agreement, driving the corresponding settlement.
func (s *Service) Resolve(ctx context.Context, caller identity.Principal, id uint64, decision Decision) error {
	if !ValidDecision(decision) {
		return fmt.Errorf("%w: unknown decision %q", escrow.ErrInvalidArgument, decision)
	}

	cfg, err := s.config.GetConfig(ctx)
	if err != nil {
		return err
	}
	if !identity.ResolveGlobal(cfg, caller).Has(identity.RoleAdmin) {
		return fmt.Errorf("%w: only the admin can resolve disputes", escrow.ErrUnauthorized)
	}

	tx, err := s.reg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.reg.LockForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if ag.Status != escrow.StatusDisputed {
		return fmt.Errorf("%w: escrow is not in Disputed status", escrow.ErrInvalidState)
	}

	var m escrow.Mutation
	switch decision {
	case DecisionReleaseFunds:
		if err := s.settle.Release(ctx, id, ag.Seller, ag.Amount); err != nil {
			return err
		}
		m = escrow.Mutation{
			Status:        escrow.StatusFundsReleased,
			TimestampCols: []string{"resolved_at", "released_at"},
		}
	case DecisionRefundBuyer:
		if err := s.settle.Refund(ctx, id, ag.Buyer, ag.Amount); err != nil {
			return err
		}
		m = escrow.Mutation{
			Status:        escrow.StatusRefunded,
			TimestampCols: []string{"resolved_at"},
		}
	}

	if err := s.reg.Apply(ctx, tx, id, m); err != nil {
		return err
	}
	if err := s.reg.AppendEvent(ctx, tx, id, "DISPUTE_RESOLVED", caller, map[string]any{
		"decision": string(decision),
		"status":   string(m.Status),
	}); err != nil {
		return err
	}
	if err := s.reg.EnqueueOutbox(ctx, tx, "escrow.resolved", map[string]any{
		"escrow_id": id,
		"decision":  string(decision),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit: %w", err)
	}
	return nil
}

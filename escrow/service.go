package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"escrowflow/identity"
	"escrowflow/settlement"
)

// Registry is the persistence surface the transition engine drives; satisfied
// by *Repository and by fakes in tests.
type Registry interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Create(ctx context.Context, tx pgx.Tx, buyer, seller identity.Principal, terms string, amount uint64) (Agreement, error)
	Get(ctx context.Context, id uint64) (Agreement, error)
	LockForUpdate(ctx context.Context, tx pgx.Tx, id uint64) (Agreement, error)
	ListFor(ctx context.Context, p identity.Principal) ([]Agreement, error)
	Participants(ctx context.Context, id uint64) (identity.Principal, identity.Principal, error)
	Apply(ctx context.Context, tx pgx.Tx, id uint64, m Mutation) error
	AppendEvent(ctx context.Context, tx pgx.Tx, id uint64, eventType string, actor identity.Principal, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Settler bridges transitions that move funds to the settlement coordinator.
type Settler interface {
	ConfirmInbound(ctx context.Context, escrowID uint64, from identity.Principal, amount uint64) error
	InboundConfirmed(ctx context.Context, tx pgx.Tx, escrowID uint64) (bool, error)
	Release(ctx context.Context, escrowID uint64, to identity.Principal, amount uint64) error
}

// ConfigProvider exposes the process-wide role configuration.
type ConfigProvider interface {
	GetConfig(ctx context.Context) (identity.Config, error)
}

// Options tune engine behavior that the lifecycle leaves open.
type Options struct {
	// MutualAgreement requires both parties to acknowledge before the
	// agreement advances to Agreed. When false either party advances it.
	MutualAgreement bool
}

// Service is the state transition engine. Every mutating operation re-fetches
// the record under a row lock, verifies status and caller role, then applies
// the new status and its timestamps atomically together with a timeline event
// and an outbox message.
type Service struct {
	reg    Registry
	settle Settler
	config ConfigProvider
	opts   Options
}

func NewService(reg Registry, settle Settler, config ConfigProvider, opts Options) *Service {
	return &Service{reg: reg, settle: settle, config: config, opts: opts}
}

// Initiate creates a new agreement between buyer and seller.
func (s *Service) Initiate(ctx context.Context, caller, buyer, seller identity.Principal, terms string, amount uint64) (Agreement, error) {
	if caller == identity.Anonymous {
		return Agreement{}, ErrUnauthorized
	}
	if amount == 0 {
		return Agreement{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidArgument)
	}
	if terms == "" {
		return Agreement{}, fmt.Errorf("%w: terms must not be empty", ErrInvalidArgument)
	}
	if buyer == identity.Anonymous || seller == identity.Anonymous {
		return Agreement{}, fmt.Errorf("%w: buyer and seller are required", ErrInvalidArgument)
	}
	if buyer == seller {
		return Agreement{}, fmt.Errorf("%w: buyer and seller must differ", ErrInvalidArgument)
	}

	tx, err := s.reg.Begin(ctx)
	if err != nil {
		return Agreement{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.reg.Create(ctx, tx, buyer, seller, terms, amount)
	if err != nil {
		return Agreement{}, err
	}
	if err := s.reg.AppendEvent(ctx, tx, ag.ID, "ESCROW_CREATED", caller, map[string]any{
		"buyer":  string(buyer),
		"seller": string(seller),
		"amount": amount,
	}); err != nil {
		return Agreement{}, err
	}
	if err := s.reg.EnqueueOutbox(ctx, tx, "escrow.created", map[string]any{
		"escrow_id": ag.ID,
	}); err != nil {
		return Agreement{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Agreement{}, fmt.Errorf("escrow: commit: %w", err)
	}
	return ag, nil
}

// Agree records a party's acceptance of the terms. In unilateral mode either
// named party advances Created -> Agreed on its own; in mutual mode the
// status only advances once both parties have acknowledged.
func (s *Service) Agree(ctx context.Context, caller identity.Principal, id uint64) error {
	return s.transition(ctx, caller, id, func(ag Agreement) (Mutation, string, string, error) {
		if caller != ag.Buyer && caller != ag.Seller {
			return Mutation{}, "", "", fmt.Errorf("%w: only a named party can agree", ErrUnauthorized)
		}
		if ag.Status != StatusCreated {
			return Mutation{}, "", "", fmt.Errorf("%w: escrow is not in Created status", ErrInvalidState)
		}

		if !s.opts.MutualAgreement {
			return Mutation{
				Status:         StatusAgreed,
				TimestampCols:  []string{"agreed_at"},
				AgreedByBuyer:  caller == ag.Buyer,
				AgreedBySeller: caller == ag.Seller,
			}, "ESCROW_AGREED", "escrow.agreed", nil
		}

		isBuyer := caller == ag.Buyer
		if (isBuyer && ag.AgreedByBuyer) || (!isBuyer && ag.AgreedBySeller) {
			return Mutation{}, "", "", fmt.Errorf("%w: party already agreed", ErrInvalidState)
		}

		bothAgreed := (isBuyer && ag.AgreedBySeller) || (!isBuyer && ag.AgreedByBuyer)
		m := Mutation{
			Status:         StatusCreated,
			AgreedByBuyer:  isBuyer || ag.AgreedByBuyer,
			AgreedBySeller: !isBuyer || ag.AgreedBySeller,
		}
		event, topic := "ESCROW_AGREEMENT_ACKNOWLEDGED", ""
		if bothAgreed {
			m.Status = StatusAgreed
			m.TimestampCols = []string{"agreed_at"}
			event, topic = "ESCROW_AGREED", "escrow.agreed"
		}
		return m, event, topic, nil
	})
}

// Fund advances Agreed -> Funded once the off-chain verifier has confirmed
// the matching inbound ledger transfer.
func (s *Service) Fund(ctx context.Context, caller identity.Principal, id uint64) error {
	tx, err := s.reg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.reg.LockForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if caller != ag.Buyer {
		return fmt.Errorf("%w: only the buyer can fund the escrow", ErrUnauthorized)
	}
	if ag.Status != StatusAgreed {
		return fmt.Errorf("%w: escrow is not in Agreed status", ErrInvalidState)
	}

	confirmed, err := s.settle.InboundConfirmed(ctx, tx, id)
	if err != nil {
		return err
	}
	if !confirmed {
		return settlement.ErrNotConfirmed
	}

	if err := s.applyAndRecord(ctx, tx, id, caller, ag.Status, Mutation{
		Status:        StatusFunded,
		TimestampCols: []string{"funded_at"},
	}, "ESCROW_FUNDED", "escrow.funded"); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

// ConfirmShipped advances Funded -> GoodsShipped.
func (s *Service) ConfirmShipped(ctx context.Context, caller identity.Principal, id uint64) error {
	return s.transition(ctx, caller, id, func(ag Agreement) (Mutation, string, string, error) {
		if caller != ag.Seller {
			return Mutation{}, "", "", fmt.Errorf("%w: only the seller can confirm shipment", ErrUnauthorized)
		}
		if ag.Status != StatusFunded {
			return Mutation{}, "", "", fmt.Errorf("%w: escrow is not in Funded status", ErrInvalidState)
		}
		return Mutation{
			Status:        StatusGoodsShipped,
			TimestampCols: []string{"shipped_at"},
		}, "ESCROW_GOODS_SHIPPED", "escrow.goods_shipped", nil
	})
}

// ConfirmReceived advances GoodsShipped -> FundsReleased and pays the seller.
// The status only advances once the outbound transfer has succeeded; on a
// ledger failure the record is left untouched so the call can be retried.
// The payout itself is reserved durably by the settler before the ledger is
// touched, so a retry after a lost commit resumes the same transfer rather
// than paying again.
func (s *Service) ConfirmReceived(ctx context.Context, caller identity.Principal, id uint64, method ReleaseMethod) error {
	if !ValidReleaseMethod(method) {
		return fmt.Errorf("%w: unknown release method %q", ErrInvalidArgument, method)
	}

	tx, err := s.reg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.reg.LockForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if caller != ag.Buyer {
		return fmt.Errorf("%w: only the buyer can confirm receipt", ErrUnauthorized)
	}
	if ag.Status != StatusGoodsShipped {
		return fmt.Errorf("%w: escrow is not in GoodsShipped status", ErrInvalidState)
	}

	if err := s.settle.Release(ctx, id, ag.Seller, ag.Amount); err != nil {
		return err
	}

	if err := s.applyAndRecord(ctx, tx, id, caller, ag.Status, Mutation{
		Status:        StatusFundsReleased,
		TimestampCols: []string{"released_at"},
		ReleaseMethod: &method,
	}, "ESCROW_FUNDS_RELEASED", "escrow.funds_released"); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

// Cancel moves an unfunded agreement to the Cancelled terminal status. No
// funds are held yet in Created or Agreed, so nothing moves.
func (s *Service) Cancel(ctx context.Context, caller identity.Principal, id uint64) error {
	return s.transition(ctx, caller, id, func(ag Agreement) (Mutation, string, string, error) {
		if caller != ag.Buyer && caller != ag.Seller {
			return Mutation{}, "", "", fmt.Errorf("%w: only a named party can cancel", ErrUnauthorized)
		}
		if ag.Status != StatusCreated && ag.Status != StatusAgreed {
			return Mutation{}, "", "", fmt.Errorf("%w: can only cancel escrows in Created or Agreed status", ErrInvalidState)
		}
		return Mutation{
			Status:        StatusCancelled,
			TimestampCols: []string{"cancelled_at"},
		}, "ESCROW_CANCELLED", "escrow.cancelled", nil
	})
}

// ConfirmTransfer records the off-chain verifier's observation of the inbound
// ledger transfer, unlocking the fund transition.
func (s *Service) ConfirmTransfer(ctx context.Context, caller identity.Principal, id uint64) error {
	cfg, err := s.config.GetConfig(ctx)
	if err != nil {
		return err
	}
	if !identity.ResolveGlobal(cfg, caller).Has(identity.RoleOffChainVerifier) {
		return fmt.Errorf("%w: only the off-chain verifier can confirm transfers", ErrUnauthorized)
	}

	ag, err := s.reg.Get(ctx, id)
	if err != nil {
		return err
	}
	if Terminal(ag.Status) {
		return fmt.Errorf("%w: escrow is closed", ErrInvalidState)
	}

	return s.settle.ConfirmInbound(ctx, id, ag.Buyer, ag.Amount)
}

// Get returns a single agreement; visible to any caller for auditability.
func (s *Service) Get(ctx context.Context, id uint64) (Agreement, error) {
	return s.reg.Get(ctx, id)
}

// ListFor returns the caller's agreements in insertion order. An identity
// with no agreements gets an empty slice, never an error.
func (s *Service) ListFor(ctx context.Context, caller identity.Principal) ([]Agreement, error) {
	return s.reg.ListFor(ctx, caller)
}

func (s *Service) Participants(ctx context.Context, id uint64) (identity.Principal, identity.Principal, error) {
	return s.reg.Participants(ctx, id)
}

type decide func(ag Agreement) (Mutation, string, string, error)

// transition runs the shared lock/validate/apply/record cycle for edges with
// no settlement involvement.
func (s *Service) transition(ctx context.Context, caller identity.Principal, id uint64, fn decide) error {
	tx, err := s.reg.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	ag, err := s.reg.LockForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}

	m, event, topic, err := fn(ag)
	if err != nil {
		return err
	}
	if err := s.applyAndRecord(ctx, tx, id, caller, ag.Status, m, event, topic); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit: %w", err)
	}
	return nil
}

// applyAndRecord writes the mutation plus its audit trail. The edge table is
// the last line of defense: a decide function that computed an illegal
// transition fails here instead of corrupting the record.
func (s *Service) applyAndRecord(ctx context.Context, tx pgx.Tx, id uint64, caller identity.Principal, from Status, m Mutation, event, topic string) error {
	if m.Status != from && !CanTransition(from, m.Status) {
		return fmt.Errorf("%w: no transition %s -> %s", ErrInvalidState, from, m.Status)
	}
	if err := s.reg.Apply(ctx, tx, id, m); err != nil {
		return err
	}
	if err := s.reg.AppendEvent(ctx, tx, id, event, caller, map[string]any{
		"status": string(m.Status),
	}); err != nil {
		return err
	}
	if topic == "" {
		return nil
	}
	return s.reg.EnqueueOutbox(ctx, tx, topic, map[string]any{
		"escrow_id": id,
		"status":    string(m.Status),
	})
}

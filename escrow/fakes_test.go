package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/identity"
)

type fakeRegistry struct {
	agreements map[uint64]*Agreement
	nextID     uint64
	events     []string
	topics     []string
	lastTx     *fakeTx
	commitErr  error // consumed by the next Commit
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{agreements: map[uint64]*Agreement{}}
}

// Begin snapshots the registry so a rollback (or a failed commit) reverts
// everything written inside the transaction, the way Postgres would.
func (f *fakeRegistry) Begin(context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{reg: f, snap: f.snapshot()}
	return f.lastTx, nil
}

type regSnapshot struct {
	agreements map[uint64]*Agreement
	events     []string
	topics     []string
}

func (f *fakeRegistry) snapshot() regSnapshot {
	agreements := make(map[uint64]*Agreement, len(f.agreements))
	for id, ag := range f.agreements {
		copied := *ag
		agreements[id] = &copied
	}
	return regSnapshot{
		agreements: agreements,
		events:     append([]string(nil), f.events...),
		topics:     append([]string(nil), f.topics...),
	}
}

func (f *fakeRegistry) restore(s regSnapshot) {
	f.agreements = s.agreements
	f.events = s.events
	f.topics = s.topics
}

func (f *fakeRegistry) Create(_ context.Context, _ pgx.Tx, buyer, seller identity.Principal, terms string, amount uint64) (Agreement, error) {
	f.nextID++
	ag := Agreement{
		ID:        f.nextID,
		Buyer:     buyer,
		Seller:    seller,
		Terms:     terms,
		Amount:    amount,
		Status:    StatusCreated,
		CreatedAt: time.Now(),
	}
	f.agreements[ag.ID] = &ag
	copied := ag
	return copied, nil
}

func (f *fakeRegistry) Get(_ context.Context, id uint64) (Agreement, error) {
	ag, ok := f.agreements[id]
	if !ok {
		return Agreement{}, ErrNotFound
	}
	return *ag, nil
}

func (f *fakeRegistry) LockForUpdate(ctx context.Context, _ pgx.Tx, id uint64) (Agreement, error) {
	return f.Get(ctx, id)
}

func (f *fakeRegistry) ListFor(_ context.Context, p identity.Principal) ([]Agreement, error) {
	out := []Agreement{}
	for id := uint64(1); id <= f.nextID; id++ {
		ag, ok := f.agreements[id]
		if !ok {
			continue
		}
		if ag.Buyer == p || ag.Seller == p {
			out = append(out, *ag)
		}
	}
	return out, nil
}

func (f *fakeRegistry) Participants(_ context.Context, id uint64) (identity.Principal, identity.Principal, error) {
	ag, ok := f.agreements[id]
	if !ok {
		return identity.Anonymous, identity.Anonymous, ErrNotFound
	}
	return ag.Buyer, ag.Seller, nil
}

func (f *fakeRegistry) Apply(_ context.Context, _ pgx.Tx, id uint64, m Mutation) error {
	ag, ok := f.agreements[id]
	if !ok {
		return ErrNotFound
	}
	ag.Status = m.Status
	now := time.Now()
	for _, col := range m.TimestampCols {
		switch col {
		case "agreed_at":
			setOnce(&ag.AgreedAt, now)
		case "funded_at":
			setOnce(&ag.FundedAt, now)
		case "shipped_at":
			setOnce(&ag.ShippedAt, now)
		case "disputed_at":
			setOnce(&ag.DisputedAt, now)
		case "resolved_at":
			setOnce(&ag.ResolvedAt, now)
		case "released_at":
			setOnce(&ag.ReleasedAt, now)
		case "cancelled_at":
			setOnce(&ag.CancelledAt, now)
		default:
			return errors.New("unknown timestamp column " + col)
		}
	}
	if m.ReleaseMethod != nil && ag.ReleaseMethod == nil {
		method := *m.ReleaseMethod
		ag.ReleaseMethod = &method
	}
	if m.AgreedByBuyer {
		ag.AgreedByBuyer = true
	}
	if m.AgreedBySeller {
		ag.AgreedBySeller = true
	}
	return nil
}

func setOnce(dst **time.Time, now time.Time) {
	if *dst == nil {
		t := now
		*dst = &t
	}
}

func (f *fakeRegistry) AppendEvent(_ context.Context, _ pgx.Tx, _ uint64, eventType string, _ identity.Principal, _ map[string]any) error {
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeRegistry) EnqueueOutbox(_ context.Context, _ pgx.Tx, topic string, _ map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakeSettler struct {
	confirmed   map[uint64]bool
	releases    []uint64
	refunds     []uint64
	releaseErr  error
	refundErr   error
	confirmErr  error
	confirmedTo []uint64
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{confirmed: map[uint64]bool{}}
}

func (f *fakeSettler) ConfirmInbound(_ context.Context, escrowID uint64, _ identity.Principal, _ uint64) error {
	if f.confirmErr != nil {
		return f.confirmErr
	}
	f.confirmed[escrowID] = true
	f.confirmedTo = append(f.confirmedTo, escrowID)
	return nil
}

func (f *fakeSettler) InboundConfirmed(_ context.Context, _ pgx.Tx, escrowID uint64) (bool, error) {
	return f.confirmed[escrowID], nil
}

// Release and Refund mimic the coordinator's durable reservation: a repeat
// for an escrow that already paid out reports success without moving funds
// again, and the record survives any registry rollback.
func (f *fakeSettler) Release(_ context.Context, escrowID uint64, _ identity.Principal, _ uint64) error {
	if f.releaseErr != nil {
		return f.releaseErr
	}
	for _, id := range f.releases {
		if id == escrowID {
			return nil
		}
	}
	f.releases = append(f.releases, escrowID)
	return nil
}

func (f *fakeSettler) Refund(_ context.Context, escrowID uint64, _ identity.Principal, _ uint64) error {
	if f.refundErr != nil {
		return f.refundErr
	}
	for _, id := range f.refunds {
		if id == escrowID {
			return nil
		}
	}
	f.refunds = append(f.refunds, escrowID)
	return nil
}

type fakeConfig struct {
	cfg identity.Config
	err error
}

func (f *fakeConfig) GetConfig(context.Context) (identity.Config, error) {
	return f.cfg, f.err
}

type fakeTx struct {
	reg       *fakeRegistry
	snap      regSnapshot
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	if f.reg != nil && f.reg.commitErr != nil {
		err := f.reg.commitErr
		f.reg.commitErr = nil
		f.reg.restore(f.snap)
		f.rolled = true
		return err
	}
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	if !f.committed && !f.rolled && f.reg != nil {
		f.reg.restore(f.snap)
	}
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

package test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/outbox"
	"escrowflow/settlement"
	"escrowflow/test/infra"
)

type integrationEnv struct {
	pool       *pgxpool.Pool
	escrows    *escrow.Service
	disputes   *dispute.Service
	dispatcher *outbox.Dispatcher
}

func startEnv(t *testing.T) (*integrationEnv, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	if osGetenvDSN() == "" && !dockerAvailable(ctx) {
		t.Skip("docker unavailable and no ESCROW_TEST_PG_DSN set")
	}

	pgC, dsn, err := infra.StartPostgres16(ctx)
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, osGetenvDSN() != "")
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		_ = teardown(context.Background())
		pool.Close()
	})

	escrows, disputes, dispatcher := buildStack(t, ctx, pool)
	return &integrationEnv{pool: pool, escrows: escrows, disputes: disputes, dispatcher: dispatcher}, ctx
}

func TestLifecycleAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	env, ctx := startEnv(t)

	ag, err := env.escrows.Initiate(ctx, "it-buyer", "it-buyer", "it-seller", "one pallet of widgets", 2500)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	// Funding before the verifier confirms the deposit must be refused.
	if err := env.escrows.Agree(ctx, "it-buyer", ag.ID); err != nil {
		t.Fatalf("agree: %v", err)
	}
	if err := env.escrows.Fund(ctx, "it-buyer", ag.ID); !errors.Is(err, settlement.ErrNotConfirmed) {
		t.Fatalf("expected SettlementNotConfirmed, got %v", err)
	}

	if err := env.escrows.ConfirmTransfer(ctx, verifierPrincipal, ag.ID); err != nil {
		t.Fatalf("confirm transfer: %v", err)
	}
	// The verifier's confirmation is recorded once.
	if err := env.escrows.ConfirmTransfer(ctx, verifierPrincipal, ag.ID); !errors.Is(err, settlement.ErrAlreadyIssued) {
		t.Fatalf("expected AlreadyIssued on second confirmation, got %v", err)
	}

	if err := env.escrows.Fund(ctx, "it-buyer", ag.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := env.escrows.ConfirmShipped(ctx, "it-seller", ag.ID); err != nil {
		t.Fatalf("confirm shipped: %v", err)
	}
	if err := env.escrows.ConfirmReceived(ctx, "it-buyer", ag.ID, escrow.ReleaseMpesa); err != nil {
		t.Fatalf("confirm received: %v", err)
	}

	got, err := env.escrows.Get(ctx, ag.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != escrow.StatusFundsReleased {
		t.Fatalf("expected FundsReleased, got %s", got.Status)
	}
	if got.AgreedAt == nil || got.FundedAt == nil || got.ShippedAt == nil || got.ReleasedAt == nil {
		t.Fatalf("expected lifecycle timestamps to be set: %+v", got)
	}
	if got.ReleaseMethod == nil || *got.ReleaseMethod != escrow.ReleaseMpesa {
		t.Fatalf("expected Mpesa release method, got %v", got.ReleaseMethod)
	}

	var seqs []int
	rows, err := env.pool.Query(ctx, `SELECT seq FROM timeline_events WHERE escrow_id = $1 ORDER BY seq`, int64(ag.ID))
	if err != nil {
		t.Fatalf("query timeline: %v", err)
	}
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			t.Fatalf("scan seq: %v", err)
		}
		seqs = append(seqs, seq)
	}
	rows.Close()
	if len(seqs) != 5 {
		t.Fatalf("expected 5 timeline events, got %v", seqs)
	}
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("expected gapless sequence from 1, got %v", seqs)
		}
	}

	transfers, err := env.escrows.ListFor(ctx, "it-buyer")
	if err != nil {
		t.Fatalf("list escrows: %v", err)
	}
	if len(transfers) != 1 || transfers[0].ID != ag.ID {
		t.Fatalf("expected the buyer's single escrow, got %v", transfers)
	}

	var releaseRef, releaseState string
	err = env.pool.QueryRow(ctx,
		`SELECT ledger_ref, state FROM settlement_transfers WHERE escrow_id = $1 AND direction = 'release'`,
		int64(ag.ID)).Scan(&releaseRef, &releaseState)
	if err != nil {
		t.Fatalf("query release transfer: %v", err)
	}
	if releaseRef == "" || releaseState != "completed" {
		t.Fatalf("expected a completed release with a ledger ref, got state %q ref %q", releaseState, releaseRef)
	}

	if err := env.dispatcher.DrainOnce(ctx); err != nil {
		t.Fatalf("drain outbox: %v", err)
	}
	var pending int
	if err := env.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&pending); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected drained outbox, %d still pending", pending)
	}
}

func TestDisputeRefundAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	env, ctx := startEnv(t)

	ag, err := env.escrows.Initiate(ctx, "it-buyer", "it-buyer", "it-seller", "damaged goods", 900)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := env.escrows.Agree(ctx, "it-seller", ag.ID); err != nil {
		t.Fatalf("agree: %v", err)
	}
	if err := env.escrows.ConfirmTransfer(ctx, verifierPrincipal, ag.ID); err != nil {
		t.Fatalf("confirm transfer: %v", err)
	}
	if err := env.escrows.Fund(ctx, "it-buyer", ag.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}

	if err := env.disputes.Open(ctx, "it-buyer", ag.ID); err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	// Party transitions are frozen while disputed.
	if err := env.escrows.ConfirmShipped(ctx, "it-seller", ag.ID); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected InvalidState while disputed, got %v", err)
	}

	if err := env.disputes.Resolve(ctx, adminPrincipal, ag.ID, dispute.DecisionRefundBuyer); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got, err := env.escrows.Get(ctx, ag.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != escrow.StatusRefunded {
		t.Fatalf("expected Refunded, got %s", got.Status)
	}
	if got.DisputedAt == nil || got.ResolvedAt == nil {
		t.Fatalf("expected dispute timestamps to be set: %+v", got)
	}

	var counterparty string
	err = env.pool.QueryRow(ctx,
		`SELECT counterparty FROM settlement_transfers WHERE escrow_id = $1 AND direction = 'refund'`,
		int64(ag.ID)).Scan(&counterparty)
	if err != nil {
		t.Fatalf("query refund transfer: %v", err)
	}
	if counterparty != "it-buyer" {
		t.Fatalf("expected refund to the buyer, got %s", counterparty)
	}

	// A resolved dispute is final.
	if err := env.disputes.Resolve(ctx, adminPrincipal, ag.ID, dispute.DecisionReleaseFunds); !errors.Is(err, escrow.ErrInvalidState) {
		t.Fatalf("expected InvalidState on second resolution, got %v", err)
	}
}

func TestCancelAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	env, ctx := startEnv(t)

	ag, err := env.escrows.Initiate(ctx, "it-buyer", "it-buyer", "it-seller", "changed my mind", 100)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := env.escrows.Cancel(ctx, "it-buyer", ag.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := env.escrows.Get(ctx, ag.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != escrow.StatusCancelled || got.CancelledAt == nil {
		t.Fatalf("expected Cancelled with timestamp, got %+v", got)
	}
	// The record survives cancellation for auditability.
	var count int
	if err := env.pool.QueryRow(ctx, `SELECT COUNT(*) FROM escrows WHERE id = $1`, int64(ag.ID)).Scan(&count); err != nil {
		t.Fatalf("count escrows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected the cancelled escrow row to remain, got %d", count)
	}
}

// TestReleaseRetryAfterLostCommitAgainstPostgres covers the crash window
// where the payout committed but the transition that issued it was lost: the
// retried confirmation must finish the transition off the durable
// reservation instead of paying the seller a second time.
func TestReleaseRetryAfterLostCommitAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	env, ctx := startEnv(t)

	ag, err := env.escrows.Initiate(ctx, "it-buyer", "it-buyer", "it-seller", "retry after crash", 1000)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := env.escrows.Agree(ctx, "it-seller", ag.ID); err != nil {
		t.Fatalf("agree: %v", err)
	}
	if err := env.escrows.ConfirmTransfer(ctx, verifierPrincipal, ag.ID); err != nil {
		t.Fatalf("confirm transfer: %v", err)
	}
	if err := env.escrows.Fund(ctx, "it-buyer", ag.ID); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if err := env.escrows.ConfirmShipped(ctx, "it-seller", ag.ID); err != nil {
		t.Fatalf("confirm shipped: %v", err)
	}

	// The payout lands but the process dies before the transition commits:
	// the reservation is already durable, the status is not.
	coord := settlement.NewCoordinator(env.pool, settlement.FakeLedger{})
	if err := coord.Release(ctx, ag.ID, "it-seller", ag.Amount); err != nil {
		t.Fatalf("release: %v", err)
	}
	got, _ := env.escrows.Get(ctx, ag.ID)
	if got.Status != escrow.StatusGoodsShipped {
		t.Fatalf("expected GoodsShipped before the retry, got %s", got.Status)
	}

	if err := env.escrows.ConfirmReceived(ctx, "it-buyer", ag.ID, escrow.ReleaseIcp); err != nil {
		t.Fatalf("retry confirm received: %v", err)
	}
	got, _ = env.escrows.Get(ctx, ag.ID)
	if got.Status != escrow.StatusFundsReleased {
		t.Fatalf("expected FundsReleased after the retry, got %s", got.Status)
	}
	var releases int
	if err := env.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM settlement_transfers WHERE escrow_id = $1 AND direction = 'release'`,
		int64(ag.ID)).Scan(&releases); err != nil {
		t.Fatalf("count releases: %v", err)
	}
	if releases != 1 {
		t.Fatalf("expected a single release row, got %d", releases)
	}
}

// countingLedger fails on demand and records every call, standing in for a
// gateway whose first attempt times out.
type countingLedger struct {
	calls int
	fail  bool
}

func (l *countingLedger) Transfer(_ context.Context, idempotencyKey string, _ identity.Principal, _ uint64) (string, error) {
	l.calls++
	if l.fail {
		return "", errors.New("gateway timeout")
	}
	return "ref-" + idempotencyKey, nil
}

func TestPendingReservationResumesAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	env, ctx := startEnv(t)

	ag, err := env.escrows.Initiate(ctx, "it-buyer", "it-buyer", "it-seller", "flaky gateway", 700)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}

	led := &countingLedger{fail: true}
	coord := settlement.NewCoordinator(env.pool, led)
	issued := map[string]int{}
	coord.Observe(func(dir settlement.Direction, outcome string) {
		issued[string(dir)+"/"+outcome]++
	})

	if err := coord.Release(ctx, ag.ID, "it-seller", ag.Amount); !errors.Is(err, settlement.ErrFailed) {
		t.Fatalf("expected SettlementFailed, got %v", err)
	}
	var id, state string
	if err := env.pool.QueryRow(ctx,
		`SELECT id, state FROM settlement_transfers WHERE escrow_id = $1 AND direction = 'release'`,
		int64(ag.ID)).Scan(&id, &state); err != nil {
		t.Fatalf("query reservation: %v", err)
	}
	if state != "pending" {
		t.Fatalf("expected a pending reservation after the ledger failure, got %q", state)
	}

	// The retry resumes the same reservation and carries its id as the
	// idempotency key, so the gateway can deduplicate.
	led.fail = false
	if err := coord.Release(ctx, ag.ID, "it-seller", ag.Amount); err != nil {
		t.Fatalf("retry release: %v", err)
	}
	var ref string
	if err := env.pool.QueryRow(ctx,
		`SELECT ledger_ref FROM settlement_transfers WHERE escrow_id = $1 AND direction = 'release' AND state = 'completed'`,
		int64(ag.ID)).Scan(&ref); err != nil {
		t.Fatalf("query completed transfer: %v", err)
	}
	if ref != "ref-"+id {
		t.Fatalf("expected the retry to reuse reservation %s, got ref %q", id, ref)
	}
	if led.calls != 2 {
		t.Fatalf("expected two ledger calls, got %d", led.calls)
	}
	if issued["release/failed"] != 1 || issued["release/ok"] != 1 {
		t.Fatalf("unexpected issuance observations: %v", issued)
	}

	// Funds already left custody towards the seller; a refund is refused.
	if err := coord.Refund(ctx, ag.ID, "it-buyer", ag.Amount); !errors.Is(err, settlement.ErrAlreadyIssued) {
		t.Fatalf("expected AlreadyIssued for the opposite direction, got %v", err)
	}
	// And a duplicate release issues nothing further.
	if err := coord.Release(ctx, ag.ID, "it-seller", ag.Amount); err != nil {
		t.Fatalf("duplicate release: %v", err)
	}
	if led.calls != 2 {
		t.Fatalf("expected no further ledger calls, got %d", led.calls)
	}
}

type failingPublisher struct {
	calls int
}

func (p *failingPublisher) Publish(context.Context, string, []byte) error {
	p.calls++
	return errors.New("broker down")
}

func TestOutboxDeadLetterAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped in short mode")
	}
	env, ctx := startEnv(t)

	if _, err := env.escrows.Initiate(ctx, "it-buyer", "it-buyer", "it-seller", "undeliverable", 100); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	pub := &failingPublisher{}
	broken := outbox.NewDispatcher(env.pool, pub, time.Second)
	for i := 0; i < 5; i++ {
		if err := broken.DrainOnce(ctx); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	if pub.calls != 5 {
		t.Fatalf("expected 5 delivery attempts, got %d", pub.calls)
	}

	var status string
	var attempts int
	err := env.pool.QueryRow(ctx,
		`SELECT status, attempts FROM outbox WHERE topic = 'escrow.created'`).Scan(&status, &attempts)
	if err != nil {
		t.Fatalf("query outbox: %v", err)
	}
	if status != "dead" || attempts != 5 {
		t.Fatalf("expected dead after 5 attempts, got %s/%d", status, attempts)
	}

	// A dead message is never retried.
	if err := broken.DrainOnce(ctx); err != nil {
		t.Fatalf("drain after dead: %v", err)
	}
	if pub.calls != 5 {
		t.Fatalf("expected no further attempts, got %d", pub.calls)
	}
}

func osGetenvDSN() string {
	return os.Getenv("ESCROW_TEST_PG_DSN")
}

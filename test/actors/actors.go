// Package actors hosts the concurrent workloads the stress suite runs against
// the live service stack.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/identity"
	"escrowflow/outbox"
	"escrowflow/settlement"
)

// tolerable reports whether an error is part of the domain's failure taxonomy
// and therefore expected under contention.
func tolerable(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, escrow.ErrNotFound) ||
		errors.Is(err, escrow.ErrUnauthorized) ||
		errors.Is(err, escrow.ErrInvalidState) ||
		errors.Is(err, escrow.ErrInvalidArgument) ||
		errors.Is(err, settlement.ErrNotConfirmed) ||
		errors.Is(err, settlement.ErrAlreadyIssued)
}

func freshParties() (identity.Principal, identity.Principal) {
	n := rand.Int63()
	return identity.Principal(fmt.Sprintf("buyer-%d", n)), identity.Principal(fmt.Sprintf("seller-%d", n))
}

// Lifecycler drives full happy-path lifecycles end to end.
func Lifecycler(ctx context.Context, escrows *escrow.Service, verifier identity.Principal, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		buyer, seller := freshParties()
		ag, err := escrows.Initiate(ctx, buyer, buyer, seller, "stress goods", uint64(1+rand.Intn(10000)))
		if err != nil {
			return fmt.Errorf("lifecycler initiate: %w", err)
		}
		steps := []func() error{
			func() error { return escrows.Agree(ctx, buyer, ag.ID) },
			func() error { return escrows.ConfirmTransfer(ctx, verifier, ag.ID) },
			func() error { return escrows.Fund(ctx, buyer, ag.ID) },
			func() error { return escrows.ConfirmShipped(ctx, seller, ag.ID) },
			func() error { return escrows.ConfirmReceived(ctx, buyer, ag.ID, escrow.ReleaseIcp) },
		}
		for _, step := range steps {
			if err := step(); !tolerable(err) {
				return fmt.Errorf("lifecycler escrow %d: %w", ag.ID, err)
			}
		}
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Racer drives an escrow to GoodsShipped and then fires concurrent receipt
// confirmations at it. The row lock must serialize them and the settlement
// reservation must keep the payout single.
func Racer(ctx context.Context, escrows *escrow.Service, verifier identity.Principal, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		buyer, seller := freshParties()
		ag, err := escrows.Initiate(ctx, buyer, buyer, seller, "raced goods", 500)
		if err != nil {
			return fmt.Errorf("racer initiate: %w", err)
		}
		setup := []func() error{
			func() error { return escrows.Agree(ctx, buyer, ag.ID) },
			func() error { return escrows.ConfirmTransfer(ctx, verifier, ag.ID) },
			func() error { return escrows.Fund(ctx, buyer, ag.ID) },
			func() error { return escrows.ConfirmShipped(ctx, seller, ag.ID) },
		}
		aborted := false
		for _, step := range setup {
			if err := step(); err != nil {
				if !tolerable(err) {
					return fmt.Errorf("racer setup escrow %d: %w", ag.ID, err)
				}
				aborted = true
				break
			}
		}
		if aborted {
			continue
		}

		var wg sync.WaitGroup
		errs := make(chan error, 4)
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := escrows.ConfirmReceived(ctx, buyer, ag.ID, escrow.ReleaseMpesa); !tolerable(err) {
					errs <- fmt.Errorf("racer receive escrow %d: %w", ag.ID, err)
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			return err
		}
		time.Sleep(time.Duration(20+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputer opens disputes at random lifecycle points and has the admin
// resolve them either way.
func Disputer(ctx context.Context, escrows *escrow.Service, disputes *dispute.Service, verifier, admin identity.Principal, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		buyer, seller := freshParties()
		ag, err := escrows.Initiate(ctx, buyer, buyer, seller, "contested goods", 750)
		if err != nil {
			return fmt.Errorf("disputer initiate: %w", err)
		}

		// Sometimes advance before disputing so the refund path sees held funds.
		if rand.Intn(2) == 0 {
			steps := []func() error{
				func() error { return escrows.Agree(ctx, buyer, ag.ID) },
				func() error { return escrows.ConfirmTransfer(ctx, verifier, ag.ID) },
				func() error { return escrows.Fund(ctx, buyer, ag.ID) },
			}
			for _, step := range steps {
				if err := step(); !tolerable(err) {
					return fmt.Errorf("disputer advance escrow %d: %w", ag.ID, err)
				}
			}
		}

		opener := buyer
		if rand.Intn(2) == 0 {
			opener = seller
		}
		if err := disputes.Open(ctx, opener, ag.ID); !tolerable(err) {
			return fmt.Errorf("disputer open escrow %d: %w", ag.ID, err)
		}

		decision := dispute.DecisionReleaseFunds
		if rand.Intn(2) == 0 {
			decision = dispute.DecisionRefundBuyer
		}
		if err := disputes.Resolve(ctx, admin, ag.ID, decision); !tolerable(err) {
			return fmt.Errorf("disputer resolve escrow %d: %w", ag.ID, err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// OutboxWorker keeps draining the outbox while the others write to it.
func OutboxWorker(ctx context.Context, dispatcher *outbox.Dispatcher, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := dispatcher.DrainOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox worker: %w", err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

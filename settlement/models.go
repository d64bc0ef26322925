package settlement

import (
	"errors"
	"time"

	"escrowflow/identity"
)

// Direction distinguishes the three custody movements an escrow can see. At
// most one transfer exists per escrow and direction.
type Direction string

const (
	// DirectionInbound is the buyer's deposit into custody, observed and
	// confirmed by the off-chain verifier.
	DirectionInbound Direction = "inbound"
	// DirectionRelease is the payout to the seller.
	DirectionRelease Direction = "release"
	// DirectionRefund is the return of funds to the buyer.
	DirectionRefund Direction = "refund"
)

// State tracks whether an outbound transfer has cleared the ledger. A
// reservation commits as pending before the ledger is called and is
// finalized to completed afterwards, so the at-most-once guard survives a
// crash or a lost transaction between the two.
type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
)

// Transfer is a recorded custody movement for one escrow.
type Transfer struct {
	ID           string
	EscrowID     uint64
	Direction    Direction
	Counterparty identity.Principal
	Amount       uint64
	State        State
	LedgerRef    string
	CreatedAt    time.Time
}

var (
	// ErrNotConfirmed signals funding was attempted before the verifier
	// confirmed the matching inbound transfer.
	ErrNotConfirmed = errors.New("settlement: transfer not confirmed")
	// ErrFailed signals the external ledger call errored; the escrow status
	// is left unchanged and the operation may be retried.
	ErrFailed = errors.New("settlement: ledger transfer failed")
	// ErrAlreadyIssued signals the requested transfer conflicts with one
	// already recorded: a second inbound confirmation, or an outbound
	// movement when funds already left custody in the other direction.
	ErrAlreadyIssued = errors.New("settlement: transfer already issued")
)

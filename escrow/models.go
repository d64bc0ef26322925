package escrow

import (
	"errors"
	"time"

	"escrowflow/identity"
)

// Status is the lifecycle state of an escrow agreement. FundsReleased,
// Refunded and Cancelled are terminal.
type Status string

const (
	StatusCreated       Status = "Created"
	StatusAgreed        Status = "Agreed"
	StatusFunded        Status = "Funded"
	StatusGoodsShipped  Status = "GoodsShipped"
	StatusDisputed      Status = "Disputed"
	StatusFundsReleased Status = "FundsReleased"
	StatusRefunded      Status = "Refunded"
	StatusCancelled     Status = "Cancelled"
)

// ReleaseMethod is the channel funds leave custody through.
type ReleaseMethod string

const (
	ReleaseIcp   ReleaseMethod = "Icp"
	ReleaseMpesa ReleaseMethod = "Mpesa"
)

func ValidReleaseMethod(m ReleaseMethod) bool {
	return m == ReleaseIcp || m == ReleaseMpesa
}

// Agreement mirrors the escrows table. Parties, terms and amount are
// immutable after creation; each timestamp is written once by the transition
// that owns it.
type Agreement struct {
	ID             uint64
	Buyer          identity.Principal
	Seller         identity.Principal
	Terms          string
	Amount         uint64
	Status         Status
	ReleaseMethod  *ReleaseMethod
	AgreedByBuyer  bool
	AgreedBySeller bool
	CreatedAt      time.Time
	AgreedAt       *time.Time
	FundedAt       *time.Time
	ShippedAt      *time.Time
	DisputedAt     *time.Time
	ResolvedAt     *time.Time
	ReleasedAt     *time.Time
	CancelledAt    *time.Time
}

var (
	// ErrNotFound is returned for an unknown escrow id.
	ErrNotFound = errors.New("escrow: not found")
	// ErrUnauthorized signals the caller lacks the role a transition requires.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidState signals the operation is not valid from the current status.
	ErrInvalidState = errors.New("escrow: invalid state for operation")
	// ErrInvalidArgument signals malformed creation parameters.
	ErrInvalidArgument = errors.New("escrow: invalid argument")
)

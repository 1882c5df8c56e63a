package auctions

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Domain errors. Typed errors below unwrap to one of these.
var (
	ErrValidation        = errors.New("validation failed")
	ErrUnauthorized      = errors.New("caller lacks the required role")
	ErrForbiddenBidder   = errors.New("admins and owners cannot bid")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid auction state transition")
	ErrAuctionNotActive  = errors.New("auction is not accepting bids")
	ErrBidTooLow         = errors.New("bid amount must be higher than current highest bid")
	ErrAlreadySettled    = errors.New("auction already settled")
	ErrConflict          = errors.New("concurrent update conflict, retries exhausted")
)

// ErrAuctionNotFound is returned by repositories for unknown auction ids
var ErrAuctionNotFound = fmt.Errorf("auction %w", ErrNotFound)

// ValidationError reports a bad input field
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// InvalidTransitionError reports a lifecycle operation the state machine rejects.
// Ending an auction that is already ENDED also matches ErrAlreadySettled.
type InvalidTransitionError struct {
	Op   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s auction: %s -> %s not allowed", e.Op, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	switch target {
	case ErrInvalidTransition:
		return true
	case ErrAlreadySettled:
		return e.From == StatusEnded && e.To == StatusEnded
	}
	return false
}

// BidTooLowError carries the price a new bid has to beat
type BidTooLowError struct {
	CurrentHighest decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("%s: current highest bid is %s", ErrBidTooLow, e.CurrentHighest.StringFixed(2))
}

func (e *BidTooLowError) Unwrap() error { return ErrBidTooLow }

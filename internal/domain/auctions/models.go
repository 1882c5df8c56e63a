package auctions

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an auction
type Status string

const (
	StatusUpcoming  Status = "UPCOMING"
	StatusActive    Status = "ACTIVE"
	StatusEnded     Status = "ENDED"
	StatusCancelled Status = "CANCELLED"
)

// ParseStatus parses a status name, ignoring case
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusUpcoming, StatusActive, StatusEnded, StatusCancelled:
		return st, nil
	}
	return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
}

// IsTerminal reports whether no transition may leave s
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusCancelled
}

// CanTransitionTo reports whether the state machine allows s -> next
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusUpcoming:
		return next == StatusActive || next == StatusCancelled
	case StatusActive:
		return next == StatusEnded || next == StatusCancelled
	default:
		return false
	}
}

// StatusForStart is the status a freshly created or edited auction gets:
// ACTIVE once its start date has been reached, UPCOMING before that.
func StatusForStart(startDate, now time.Time) Status {
	if !startDate.After(now) {
		return StatusActive
	}
	return StatusUpcoming
}

// MaxAmount is the largest price a NUMERIC(14,2) column holds
var MaxAmount = decimal.RequireFromString("999999999999.99")

// CheckAmount rejects amounts with more than two decimal places or above MaxAmount
func CheckAmount(field string, amount decimal.Decimal) error {
	if !amount.Equal(amount.Round(2)) {
		return &ValidationError{Field: field, Reason: "at most two decimal places"}
	}
	if amount.GreaterThan(MaxAmount) {
		return &ValidationError{Field: field, Reason: "must not exceed " + MaxAmount.StringFixed(2)}
	}
	return nil
}

// Auction is the aggregate root; bids and the settlement record hang off it
type Auction struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	Title        string          `db:"title" json:"title"`
	Description  string          `db:"description" json:"description"`
	Images       []string        `db:"images" json:"images"`
	StartPrice   decimal.Decimal `db:"start_price" json:"start_price"`
	CurrentPrice decimal.Decimal `db:"current_price" json:"current_price"`
	StartDate    time.Time       `db:"start_date" json:"start_date"`
	EndDate      *time.Time      `db:"end_date" json:"end_date,omitempty"`
	Status       Status          `db:"status" json:"status"`
	WinnerID     *uuid.UUID      `db:"winner_id" json:"winner_id,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}

// AcceptsBidsAt reports whether now falls inside [StartDate, EndDate).
// An auction without an end date stays open until it is ended.
func (a *Auction) AcceptsBidsAt(now time.Time) bool {
	if now.Before(a.StartDate) {
		return false
	}
	return a.EndDate == nil || now.Before(*a.EndDate)
}

// IsExpiredAt reports whether an ACTIVE auction is past its scheduled end
func (a *Auction) IsExpiredAt(now time.Time) bool {
	return a.Status == StatusActive && a.EndDate != nil && !now.Before(*a.EndDate)
}

// Role is the caller capability supplied by the identity provider
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
	RoleOwner Role = "OWNER"
)

// ParseRole matches role names case-insensitively
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleUser, RoleAdmin, RoleOwner:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrUnauthorized, s)
}

// IsElevated reports ADMIN or OWNER capability
func (r Role) IsElevated() bool {
	return r == RoleAdmin || r == RoleOwner
}

// Actor is the caller of a lifecycle operation
type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// SystemActor is used by background jobs such as the expiry sweeper
var SystemActor = Actor{UserID: uuid.Nil, Role: RoleOwner}

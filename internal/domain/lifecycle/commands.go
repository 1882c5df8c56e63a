package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
)

// CreateAuctionCommand describes a new auction.
// EndDate and DurationMinutes are alternatives; with neither the auction runs until ended.
type CreateAuctionCommand struct {
	Title           string          `validate:"required,max=200"`
	Description     string          `validate:"required,max=5000"`
	Images          []string        `validate:"omitempty,max=20,dive,required,url"`
	StartPrice      decimal.Decimal `validate:"-"`
	StartDate       time.Time       `validate:"required"`
	EndDate         *time.Time      `validate:"omitempty"`
	DurationMinutes int             `validate:"omitempty,gt=0,excluded_with=EndDate"`
}

// UpdateAuctionCommand replaces the editable fields of an UPCOMING auction
type UpdateAuctionCommand struct {
	AuctionID uuid.UUID `validate:"required"`
	CreateAuctionCommand
}

// schedule is the validated timing of an auction
type schedule struct {
	start time.Time
	end   *time.Time
}

func validateCommand(v *validator.Validate, cmd any, fields CreateAuctionCommand, now time.Time) (*schedule, error) {
	if err := v.Struct(cmd); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &auctions.ValidationError{Field: fe.Field(), Reason: describe(fe)}
		}
		return nil, fmt.Errorf("failed to validate command: %w", err)
	}

	if !fields.StartPrice.IsPositive() {
		return nil, &auctions.ValidationError{Field: "StartPrice", Reason: "must be greater than 0"}
	}
	if err := auctions.CheckAmount("StartPrice", fields.StartPrice); err != nil {
		return nil, err
	}

	s := &schedule{start: fields.StartDate.UTC()}
	switch {
	case fields.EndDate != nil:
		end := fields.EndDate.UTC()
		s.end = &end
	case fields.DurationMinutes > 0:
		end := s.start.Add(time.Duration(fields.DurationMinutes) * time.Minute)
		s.end = &end
	}

	if s.end != nil {
		if !s.end.After(s.start) {
			return nil, &auctions.ValidationError{Field: "EndDate", Reason: "must be after the start date"}
		}
		if !s.end.After(now) {
			return nil, &auctions.ValidationError{Field: "EndDate", Reason: "must be in the future"}
		}
	}
	return s, nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "exceeds " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "url":
		return "must be a URL"
	case "excluded_with":
		return "cannot be combined with " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

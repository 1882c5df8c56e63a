package auctions

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_CanTransitionTo(t *testing.T) {
	all := []Status{StatusUpcoming, StatusActive, StatusEnded, StatusCancelled}
	allowed := map[Status][]Status{
		StatusUpcoming: {StatusActive, StatusCancelled},
		StatusActive:   {StatusEnded, StatusCancelled},
	}

	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range allowed[from] {
				if ok == to {
					want = true
				}
			}
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				assert.Equal(t, want, from.CanTransitionTo(to))
			})
		}
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusUpcoming.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.True(t, StatusEnded.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus(" active ")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st)

	_, err = ParseStatus("paused")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStatusForStart(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.Equal(t, StatusActive, StatusForStart(now, now))
	assert.Equal(t, StatusActive, StatusForStart(now.Add(-time.Minute), now))
	assert.Equal(t, StatusUpcoming, StatusForStart(now.Add(time.Second), now))
}

func TestAuction_AcceptsBidsAt(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	tests := []struct {
		name    string
		endDate *time.Time
		now     time.Time
		want    bool
	}{
		{name: "before start", endDate: &end, now: start.Add(-time.Nanosecond), want: false},
		{name: "exactly at start", endDate: &end, now: start, want: true},
		{name: "inside window", endDate: &end, now: start.Add(30 * time.Minute), want: true},
		{name: "exactly at end is closed", endDate: &end, now: end, want: false},
		{name: "after end", endDate: &end, now: end.Add(time.Minute), want: false},
		{name: "no end date stays open", endDate: nil, now: start.Add(1000 * time.Hour), want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Auction{StartDate: start, EndDate: tt.endDate, Status: StatusActive}
			assert.Equal(t, tt.want, a.AcceptsBidsAt(tt.now))
		})
	}
}

func TestAuction_IsExpiredAt(t *testing.T) {
	start := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	active := &Auction{StartDate: start, EndDate: &end, Status: StatusActive}
	assert.False(t, active.IsExpiredAt(start))
	assert.True(t, active.IsExpiredAt(end))

	open := &Auction{StartDate: start, Status: StatusActive}
	assert.False(t, open.IsExpiredAt(end.Add(time.Hour)))

	upcoming := &Auction{StartDate: start, EndDate: &end, Status: StatusUpcoming}
	assert.False(t, upcoming.IsExpiredAt(end))
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in       string
		want     Role
		elevated bool
		wantErr  bool
	}{
		{in: "USER", want: RoleUser},
		{in: "user", want: RoleUser},
		{in: "Admin", want: RoleAdmin, elevated: true},
		{in: "admin", want: RoleAdmin, elevated: true},
		{in: "OWNER", want: RoleOwner, elevated: true},
		{in: "superuser", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.elevated, got.IsElevated())
		})
	}
}

func TestErrors(t *testing.T) {
	t.Run("validation error unwraps to sentinel", func(t *testing.T) {
		err := fmt.Errorf("create: %w", &ValidationError{Field: "title", Reason: "required"})
		assert.ErrorIs(t, err, ErrValidation)

		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, "title", ve.Field)
	})

	t.Run("ending an ended auction reports already settled", func(t *testing.T) {
		err := &InvalidTransitionError{Op: "end", From: StatusEnded, To: StatusEnded}
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.ErrorIs(t, err, ErrAlreadySettled)
	})

	t.Run("other transitions are not settlement signals", func(t *testing.T) {
		err := &InvalidTransitionError{Op: "start", From: StatusEnded, To: StatusActive}
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.NotErrorIs(t, err, ErrAlreadySettled)
	})

	t.Run("bid too low carries the price", func(t *testing.T) {
		err := fmt.Errorf("place bid: %w", &BidTooLowError{CurrentHighest: decimal.NewFromInt(1200)})
		assert.ErrorIs(t, err, ErrBidTooLow)
		assert.Contains(t, err.Error(), "1200.00")

		var tooLow *BidTooLowError
		require.True(t, errors.As(err, &tooLow))
		assert.True(t, tooLow.CurrentHighest.Equal(decimal.NewFromInt(1200)))
	})

	t.Run("repository not found wraps the generic sentinel", func(t *testing.T) {
		assert.ErrorIs(t, ErrAuctionNotFound, ErrNotFound)
		assert.Equal(t, "auction not found", ErrAuctionNotFound.Error())
	})
}

func TestCheckAmount(t *testing.T) {
	tests := []struct {
		amount  string
		wantErr bool
	}{
		{"0.01", false},
		{"120.5", false},
		{"999999999999.99", false},
		{"1000000000000", true},
		{"12.345", true},
	}

	for _, tt := range tests {
		t.Run(tt.amount, func(t *testing.T) {
			err := CheckAmount("amount", decimal.RequireFromString(tt.amount))
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "amount", ve.Field)
		})
	}
}

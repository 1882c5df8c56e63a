package api

import (
	"context"
	"errors"

	"connectrpc.com/connect"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/floroz/livebid/internal/domain/auctions"
)

// CurrentHighestBidHeader carries the price to beat on a rejected bid
const CurrentHighestBidHeader = "Current-Highest-Bid"

var errInternal = errors.New("internal error")

// toConnectError maps domain errors onto connect codes. Anything unrecognised is
// logged and reported as Internal without its message.
func (h *AuctionServiceHandler) toConnectError(ctx context.Context, procedure string, err error) error {
	var tooLow *auctions.BidTooLowError
	switch {
	case errors.As(err, &tooLow):
		return bidTooLowError(tooLow)
	case errors.Is(err, auctions.ErrValidation):
		return connect.NewError(connect.CodeInvalidArgument, err)
	case errors.Is(err, auctions.ErrUnauthorized), errors.Is(err, auctions.ErrForbiddenBidder):
		return connect.NewError(connect.CodePermissionDenied, err)
	case errors.Is(err, auctions.ErrNotFound):
		return connect.NewError(connect.CodeNotFound, err)
	case errors.Is(err, auctions.ErrInvalidTransition),
		errors.Is(err, auctions.ErrAuctionNotActive),
		errors.Is(err, auctions.ErrBidTooLow),
		errors.Is(err, auctions.ErrAlreadySettled):
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case errors.Is(err, auctions.ErrConflict):
		return connect.NewError(connect.CodeAborted, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	}

	h.logger.ErrorContext(ctx, "Request failed", "procedure", procedure, "error", err)
	return connect.NewError(connect.CodeInternal, errInternal)
}

func bidTooLowError(e *auctions.BidTooLowError) error {
	price := e.CurrentHighest.StringFixed(2)
	cerr := connect.NewError(connect.CodeFailedPrecondition, e)
	cerr.Meta().Set(CurrentHighestBidHeader, price)

	msg, err := structpb.NewStruct(map[string]any{"current_highest_bid": price})
	if err != nil {
		return cerr
	}
	if detail, err := connect.NewErrorDetail(msg); err == nil {
		cerr.AddDetail(detail)
	}
	return cerr
}

func invalidArgument(field, reason string) error {
	return connect.NewError(connect.CodeInvalidArgument, &auctions.ValidationError{Field: field, Reason: reason})
}

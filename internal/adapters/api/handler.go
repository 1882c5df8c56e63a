package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"github.com/floroz/livebid/internal/domain/auctions"
	"github.com/floroz/livebid/internal/domain/bids"
	"github.com/floroz/livebid/internal/domain/fulfillment"
	"github.com/floroz/livebid/internal/domain/lifecycle"
	"github.com/floroz/livebid/internal/domain/query"
	"github.com/floroz/livebid/pkg/auth"
)

// ServiceName is the fully-qualified name of the auction service
const ServiceName = "livebid.auctions.v1.AuctionService"

const (
	CreateAuctionProcedure = "/" + ServiceName + "/CreateAuction"
	UpdateAuctionProcedure = "/" + ServiceName + "/UpdateAuction"
	StartAuctionProcedure  = "/" + ServiceName + "/StartAuction"
	EndAuctionProcedure    = "/" + ServiceName + "/EndAuction"
	CancelAuctionProcedure = "/" + ServiceName + "/CancelAuction"
	DeleteAuctionProcedure = "/" + ServiceName + "/DeleteAuction"
	PlaceBidProcedure      = "/" + ServiceName + "/PlaceBid"
	GetAuctionProcedure    = "/" + ServiceName + "/GetAuction"
	ListAuctionsProcedure  = "/" + ServiceName + "/ListAuctions"
	GetCartProcedure       = "/" + ServiceName + "/GetCart"
)

type AuctionServiceHandler struct {
	manager *lifecycle.Manager
	ledger  *bids.Ledger
	facade  *query.Facade
	cart    *fulfillment.Service
	clock   clockwork.Clock
	logger  *slog.Logger
}

func NewAuctionServiceHandler(
	manager *lifecycle.Manager,
	ledger *bids.Ledger,
	facade *query.Facade,
	cart *fulfillment.Service,
	clock clockwork.Clock,
	logger *slog.Logger,
) *AuctionServiceHandler {
	return &AuctionServiceHandler{
		manager: manager,
		ledger:  ledger,
		facade:  facade,
		cart:    cart,
		clock:   clock,
		logger:  logger,
	}
}

// Routes returns the path prefix and handler for every procedure.
// GetAuction and ListAuctions are public; everything else requires a bearer token.
func (h *AuctionServiceHandler) Routes(signer *auth.Signer) (string, http.Handler) {
	public := []connect.HandlerOption{connect.WithCodec(jsonCodec{})}
	private := []connect.HandlerOption{
		connect.WithCodec(jsonCodec{}),
		connect.WithInterceptors(auth.NewAuthInterceptor(signer)),
	}

	mux := http.NewServeMux()
	mux.Handle(CreateAuctionProcedure, connect.NewUnaryHandler(CreateAuctionProcedure, h.CreateAuction, private...))
	mux.Handle(UpdateAuctionProcedure, connect.NewUnaryHandler(UpdateAuctionProcedure, h.UpdateAuction, private...))
	mux.Handle(StartAuctionProcedure, connect.NewUnaryHandler(StartAuctionProcedure, h.StartAuction, private...))
	mux.Handle(EndAuctionProcedure, connect.NewUnaryHandler(EndAuctionProcedure, h.EndAuction, private...))
	mux.Handle(CancelAuctionProcedure, connect.NewUnaryHandler(CancelAuctionProcedure, h.CancelAuction, private...))
	mux.Handle(DeleteAuctionProcedure, connect.NewUnaryHandler(DeleteAuctionProcedure, h.DeleteAuction, private...))
	mux.Handle(PlaceBidProcedure, connect.NewUnaryHandler(PlaceBidProcedure, h.PlaceBid, private...))
	mux.Handle(GetCartProcedure, connect.NewUnaryHandler(GetCartProcedure, h.GetCart, private...))
	mux.Handle(GetAuctionProcedure, connect.NewUnaryHandler(GetAuctionProcedure, h.GetAuction, public...))
	mux.Handle(ListAuctionsProcedure, connect.NewUnaryHandler(ListAuctionsProcedure, h.ListAuctions, public...))
	return "/" + ServiceName + "/", mux
}

func (h *AuctionServiceHandler) CreateAuction(
	ctx context.Context,
	req *connect.Request[CreateAuctionRequest],
) (*connect.Response[AuctionResponse], error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	cmd, err := toCreateCommand(req.Msg)
	if err != nil {
		return nil, err
	}

	auction, err := h.manager.Create(ctx, actor, cmd)
	if err != nil {
		return nil, h.toConnectError(ctx, CreateAuctionProcedure, err)
	}
	return connect.NewResponse(&AuctionResponse{Auction: toAuction(auction, h.clock.Now())}), nil
}

func (h *AuctionServiceHandler) UpdateAuction(
	ctx context.Context,
	req *connect.Request[UpdateAuctionRequest],
) (*connect.Response[AuctionResponse], error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	auctionID, err := parseID("auction_id", req.Msg.AuctionID)
	if err != nil {
		return nil, err
	}
	fields, err := toCreateCommand(&req.Msg.CreateAuctionRequest)
	if err != nil {
		return nil, err
	}

	auction, err := h.manager.Update(ctx, actor, lifecycle.UpdateAuctionCommand{AuctionID: auctionID, CreateAuctionCommand: fields})
	if err != nil {
		return nil, h.toConnectError(ctx, UpdateAuctionProcedure, err)
	}
	return connect.NewResponse(&AuctionResponse{Auction: toAuction(auction, h.clock.Now())}), nil
}

func (h *AuctionServiceHandler) StartAuction(
	ctx context.Context,
	req *connect.Request[AuctionIDRequest],
) (*connect.Response[AuctionResponse], error) {
	return h.transition(ctx, StartAuctionProcedure, req.Msg.AuctionID, h.manager.Start)
}

func (h *AuctionServiceHandler) CancelAuction(
	ctx context.Context,
	req *connect.Request[AuctionIDRequest],
) (*connect.Response[AuctionResponse], error) {
	return h.transition(ctx, CancelAuctionProcedure, req.Msg.AuctionID, h.manager.Cancel)
}

func (h *AuctionServiceHandler) transition(
	ctx context.Context,
	procedure, rawID string,
	op func(context.Context, uuid.UUID, auctions.Actor) (*auctions.Auction, error),
) (*connect.Response[AuctionResponse], error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := parseID("auction_id", rawID)
	if err != nil {
		return nil, err
	}

	auction, err := op(ctx, auctionID, actor)
	if err != nil {
		return nil, h.toConnectError(ctx, procedure, err)
	}
	return connect.NewResponse(&AuctionResponse{Auction: toAuction(auction, h.clock.Now())}), nil
}

func (h *AuctionServiceHandler) EndAuction(
	ctx context.Context,
	req *connect.Request[AuctionIDRequest],
) (*connect.Response[EndAuctionResponse], error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := parseID("auction_id", req.Msg.AuctionID)
	if err != nil {
		return nil, err
	}

	result, err := h.manager.End(ctx, auctionID, actor)
	if err != nil {
		return nil, h.toConnectError(ctx, EndAuctionProcedure, err)
	}

	res := &EndAuctionResponse{
		Auction: toAuction(result.Auction, h.clock.Now()),
		Unsold:  result.Unsold,
	}
	if result.Settlement != nil {
		res.SettlementID = result.Settlement.ID.String()
		res.LockedPrice = result.Settlement.LockedPrice.StringFixed(2)
	}
	if result.HandoffErr != nil {
		h.logger.WarnContext(ctx, "Auction ended but hand-off is pending", "auction_id", auctionID, "error", result.HandoffErr)
		res.HandoffError = result.HandoffErr.Error()
	}
	return connect.NewResponse(res), nil
}

func (h *AuctionServiceHandler) DeleteAuction(
	ctx context.Context,
	req *connect.Request[AuctionIDRequest],
) (*connect.Response[DeleteAuctionResponse], error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := parseID("auction_id", req.Msg.AuctionID)
	if err != nil {
		return nil, err
	}

	if err := h.manager.Delete(ctx, auctionID, actor); err != nil {
		return nil, h.toConnectError(ctx, DeleteAuctionProcedure, err)
	}
	return connect.NewResponse(&DeleteAuctionResponse{}), nil
}

func (h *AuctionServiceHandler) PlaceBid(
	ctx context.Context,
	req *connect.Request[PlaceBidRequest],
) (*connect.Response[PlaceBidResponse], error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}
	auctionID, err := parseID("auction_id", req.Msg.AuctionID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", req.Msg.Amount)
	if err != nil {
		return nil, err
	}

	bid, err := h.ledger.PlaceBid(ctx, bids.PlaceBidCommand{
		AuctionID: auctionID,
		UserID:    actor.UserID,
		Role:      actor.Role,
		Amount:    amount,
	})
	if err != nil {
		return nil, h.toConnectError(ctx, PlaceBidProcedure, err)
	}
	return connect.NewResponse(&PlaceBidResponse{Bid: toBid(bid)}), nil
}

func (h *AuctionServiceHandler) GetAuction(
	ctx context.Context,
	req *connect.Request[AuctionIDRequest],
) (*connect.Response[GetAuctionResponse], error) {
	auctionID, err := parseID("auction_id", req.Msg.AuctionID)
	if err != nil {
		return nil, err
	}

	detail, err := h.facade.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, h.toConnectError(ctx, GetAuctionProcedure, err)
	}

	res := &GetAuctionResponse{
		Auction: toAuction(detail.Auction, h.clock.Now()),
		Bids:    make([]*Bid, 0, len(detail.Bids)),
	}
	for _, b := range detail.Bids {
		res.Bids = append(res.Bids, toBid(b))
	}
	return connect.NewResponse(res), nil
}

func (h *AuctionServiceHandler) ListAuctions(
	ctx context.Context,
	req *connect.Request[ListAuctionsRequest],
) (*connect.Response[ListAuctionsResponse], error) {
	q := query.ListAuctionsQuery{Limit: req.Msg.Limit, Offset: req.Msg.Offset}
	if req.Msg.Status != "" {
		status, err := auctions.ParseStatus(req.Msg.Status)
		if err != nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, err)
		}
		q.Status = &status
	}

	list, err := h.facade.ListAuctions(ctx, q)
	if err != nil {
		return nil, h.toConnectError(ctx, ListAuctionsProcedure, err)
	}

	now := h.clock.Now()
	res := &ListAuctionsResponse{Auctions: make([]*AuctionSummary, 0, len(list))}
	for _, s := range list {
		res.Auctions = append(res.Auctions, &AuctionSummary{
			Auction: toAuction(s.Auction, now),
			TopBid:  toBid(s.TopBid),
		})
	}
	return connect.NewResponse(res), nil
}

func (h *AuctionServiceHandler) GetCart(
	ctx context.Context,
	_ *connect.Request[GetCartRequest],
) (*connect.Response[GetCartResponse], error) {
	actor, err := actorFrom(ctx)
	if err != nil {
		return nil, err
	}

	items, err := h.cart.ListCart(ctx, actor.UserID)
	if err != nil {
		return nil, h.toConnectError(ctx, GetCartProcedure, err)
	}

	res := &GetCartResponse{Items: make([]*CartItem, 0, len(items))}
	for _, item := range items {
		res.Items = append(res.Items, toCartItem(item))
	}
	return connect.NewResponse(res), nil
}

// actorFrom reads the identity placed in ctx by the auth interceptor
func actorFrom(ctx context.Context) (auctions.Actor, error) {
	id, ok := auth.GetIdentity(ctx)
	if !ok {
		return auctions.Actor{}, connect.NewError(connect.CodeUnauthenticated, errors.New("missing identity"))
	}
	role, err := auctions.ParseRole(id.Role)
	if err != nil {
		return auctions.Actor{}, connect.NewError(connect.CodePermissionDenied, err)
	}
	return auctions.Actor{UserID: id.UserID, Role: role}, nil
}

func toCreateCommand(msg *CreateAuctionRequest) (lifecycle.CreateAuctionCommand, error) {
	cmd := lifecycle.CreateAuctionCommand{
		Title:           msg.Title,
		Description:     msg.Description,
		Images:          msg.Images,
		DurationMinutes: msg.DurationMinutes,
	}

	price, err := parseAmount("start_price", msg.StartPrice)
	if err != nil {
		return cmd, err
	}
	cmd.StartPrice = price

	if msg.StartDate != "" {
		start, err := time.Parse(time.RFC3339, msg.StartDate)
		if err != nil {
			return cmd, invalidArgument("start_date", "must be an RFC 3339 timestamp")
		}
		cmd.StartDate = start
	}
	if msg.EndDate != "" {
		end, err := time.Parse(time.RFC3339, msg.EndDate)
		if err != nil {
			return cmd, invalidArgument("end_date", "must be an RFC 3339 timestamp")
		}
		cmd.EndDate = &end
	}
	return cmd, nil
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidArgument(field, "must be a UUID")
	}
	return id, nil
}

func parseAmount(field, raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, invalidArgument(field, "must be a decimal number")
	}
	return amount, nil
}

package api

import (
	"context"
	"strings"

	"connectrpc.com/connect"
)

// Client calls AuctionService over the connect protocol with JSON bodies
type Client struct {
	createAuction *connect.Client[CreateAuctionRequest, AuctionResponse]
	updateAuction *connect.Client[UpdateAuctionRequest, AuctionResponse]
	startAuction  *connect.Client[AuctionIDRequest, AuctionResponse]
	endAuction    *connect.Client[AuctionIDRequest, EndAuctionResponse]
	cancelAuction *connect.Client[AuctionIDRequest, AuctionResponse]
	deleteAuction *connect.Client[AuctionIDRequest, DeleteAuctionResponse]
	placeBid      *connect.Client[PlaceBidRequest, PlaceBidResponse]
	getAuction    *connect.Client[AuctionIDRequest, GetAuctionResponse]
	listAuctions  *connect.Client[ListAuctionsRequest, ListAuctionsResponse]
	getCart       *connect.Client[GetCartRequest, GetCartResponse]
}

func NewClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{connect.WithCodec(jsonCodec{})}, opts...)
	return &Client{
		createAuction: connect.NewClient[CreateAuctionRequest, AuctionResponse](httpClient, baseURL+CreateAuctionProcedure, opts...),
		updateAuction: connect.NewClient[UpdateAuctionRequest, AuctionResponse](httpClient, baseURL+UpdateAuctionProcedure, opts...),
		startAuction:  connect.NewClient[AuctionIDRequest, AuctionResponse](httpClient, baseURL+StartAuctionProcedure, opts...),
		endAuction:    connect.NewClient[AuctionIDRequest, EndAuctionResponse](httpClient, baseURL+EndAuctionProcedure, opts...),
		cancelAuction: connect.NewClient[AuctionIDRequest, AuctionResponse](httpClient, baseURL+CancelAuctionProcedure, opts...),
		deleteAuction: connect.NewClient[AuctionIDRequest, DeleteAuctionResponse](httpClient, baseURL+DeleteAuctionProcedure, opts...),
		placeBid:      connect.NewClient[PlaceBidRequest, PlaceBidResponse](httpClient, baseURL+PlaceBidProcedure, opts...),
		getAuction:    connect.NewClient[AuctionIDRequest, GetAuctionResponse](httpClient, baseURL+GetAuctionProcedure, opts...),
		listAuctions:  connect.NewClient[ListAuctionsRequest, ListAuctionsResponse](httpClient, baseURL+ListAuctionsProcedure, opts...),
		getCart:       connect.NewClient[GetCartRequest, GetCartResponse](httpClient, baseURL+GetCartProcedure, opts...),
	}
}

func (c *Client) CreateAuction(ctx context.Context, req *connect.Request[CreateAuctionRequest]) (*connect.Response[AuctionResponse], error) {
	return c.createAuction.CallUnary(ctx, req)
}

func (c *Client) UpdateAuction(ctx context.Context, req *connect.Request[UpdateAuctionRequest]) (*connect.Response[AuctionResponse], error) {
	return c.updateAuction.CallUnary(ctx, req)
}

func (c *Client) StartAuction(ctx context.Context, req *connect.Request[AuctionIDRequest]) (*connect.Response[AuctionResponse], error) {
	return c.startAuction.CallUnary(ctx, req)
}

func (c *Client) EndAuction(ctx context.Context, req *connect.Request[AuctionIDRequest]) (*connect.Response[EndAuctionResponse], error) {
	return c.endAuction.CallUnary(ctx, req)
}

func (c *Client) CancelAuction(ctx context.Context, req *connect.Request[AuctionIDRequest]) (*connect.Response[AuctionResponse], error) {
	return c.cancelAuction.CallUnary(ctx, req)
}

func (c *Client) DeleteAuction(ctx context.Context, req *connect.Request[AuctionIDRequest]) (*connect.Response[DeleteAuctionResponse], error) {
	return c.deleteAuction.CallUnary(ctx, req)
}

func (c *Client) PlaceBid(ctx context.Context, req *connect.Request[PlaceBidRequest]) (*connect.Response[PlaceBidResponse], error) {
	return c.placeBid.CallUnary(ctx, req)
}

func (c *Client) GetAuction(ctx context.Context, req *connect.Request[AuctionIDRequest]) (*connect.Response[GetAuctionResponse], error) {
	return c.getAuction.CallUnary(ctx, req)
}

func (c *Client) ListAuctions(ctx context.Context, req *connect.Request[ListAuctionsRequest]) (*connect.Response[ListAuctionsResponse], error) {
	return c.listAuctions.CallUnary(ctx, req)
}

func (c *Client) GetCart(ctx context.Context, req *connect.Request[GetCartRequest]) (*connect.Response[GetCartResponse], error) {
	return c.getCart.CallUnary(ctx, req)
}

package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/server/middleware"
	"github.com/alanyoungcy/marketcore/internal/service"
)

// AuctionService is what the auction handler needs from the lifecycle
// manager.
type AuctionService interface {
	CreateAuction(ctx context.Context, req service.CreateAuctionRequest) (domain.Auction, error)
	GetAuctionState(ctx context.Context, id string) (domain.Auction, error)
	ListBids(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Bid, error)
	CancelAuction(ctx context.Context, id, sellerID, reason string) (domain.Auction, error)
	CancelByPolicy(ctx context.Context, id, reason string) (domain.Auction, error)
}

// BidService admits bids.
type BidService interface {
	PlaceBid(ctx context.Context, auctionID, bidderID string, amount decimal.Decimal) (service.BidResult, error)
}

// AuctionHandler serves auction and bid endpoints.
type AuctionHandler struct {
	auctions AuctionService
	bids     BidService
	logger   *slog.Logger
}

// NewAuctionHandler creates an AuctionHandler.
func NewAuctionHandler(auctions AuctionService, bids BidService, logger *slog.Logger) *AuctionHandler {
	return &AuctionHandler{
		auctions: auctions,
		bids:     bids,
		logger:   logger.With(slog.String("handler", "auctions")),
	}
}

type createAuctionRequest struct {
	ItemID                  string           `json:"item_id"`
	SellerID                string           `json:"seller_id"`
	Category                string           `json:"category"`
	StartingPrice           decimal.Decimal  `json:"starting_price"`
	BuyNowPrice             *decimal.Decimal `json:"buy_now_price"`
	MinIncrement            *decimal.Decimal `json:"min_increment"`
	BuyerCommissionRate     *decimal.Decimal `json:"buyer_commission_rate"`
	SellerCommissionRate    *decimal.Decimal `json:"seller_commission_rate"`
	InspectionWindowSeconds int64            `json:"inspection_window_seconds"`
	StartTime               time.Time        `json:"start_time"`
	EndTime                 time.Time        `json:"end_time"`
}

// CreateAuction publishes an auction listing. The caller is the seller
// unless a service token names one.
// POST /api/auctions
func (h *AuctionHandler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	seller, role := actor(r, req.SellerID)
	if !requireActor(w, seller) {
		return
	}

	in := service.CreateAuctionRequest{
		ItemID:           req.ItemID,
		SellerID:         seller,
		Category:         req.Category,
		StartingPrice:    req.StartingPrice,
		BuyNowPrice:      req.BuyNowPrice,
		MinIncrement:     req.MinIncrement,
		InspectionWindow: time.Duration(req.InspectionWindowSeconds) * time.Second,
		StartTime:        req.StartTime,
		EndTime:          req.EndTime,
	}
	// Commission overrides are an operator decision.
	if privileged(role) {
		in.BuyerRate = req.BuyerCommissionRate
		in.SellerRate = req.SellerCommissionRate
	}

	a, err := h.auctions.CreateAuction(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, "create auction", err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, newAuctionView(a))
}

// GetAuction returns the authoritative auction state.
// GET /api/auctions/{id}
func (h *AuctionHandler) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := h.auctions.GetAuctionState(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get auction", err, nil)
		return
	}
	writeJSON(w, http.StatusOK, newAuctionView(a))
}

type listBidsResponse struct {
	Bids []bidView `json:"bids"`
}

// ListBids returns the bid trail in sequence order.
// GET /api/auctions/{id}/bids?limit=50&offset=0
func (h *AuctionHandler) ListBids(w http.ResponseWriter, r *http.Request) {
	bids, err := h.auctions.ListBids(r.Context(), pathParam(r, "id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list bids", err, nil)
		return
	}
	out := listBidsResponse{Bids: make([]bidView, 0, len(bids))}
	for _, b := range bids {
		out.Bids = append(out.Bids, newBidView(b))
	}
	writeJSON(w, http.StatusOK, out)
}

type placeBidRequest struct {
	BidderID string          `json:"bidder_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type placeBidResponse struct {
	Bid         bidView          `json:"bid"`
	Auction     auctionView      `json:"auction"`
	BuyNow      bool             `json:"buy_now"`
	Transaction *transactionView `json:"transaction,omitempty"`
}

// PlaceBid submits a bid as the caller. A rejected bid answers with the
// current price and the minimum next bid.
// POST /api/auctions/{id}/bids
func (h *AuctionHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req placeBidRequest
	if !decodeBody(w, r, &req) {
		return
	}
	bidder, _ := actor(r, req.BidderID)
	if !requireActor(w, bidder) {
		return
	}

	res, err := h.bids.PlaceBid(r.Context(), pathParam(r, "id"), bidder, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, "place bid", err, currentAuction(res.Auction))
		return
	}
	out := placeBidResponse{
		Bid:     newBidView(res.Bid),
		Auction: newAuctionView(res.Auction),
		BuyNow:  res.BuyNow,
	}
	if res.Transaction != nil {
		tv := newTransactionView(*res.Transaction)
		out.Transaction = &tv
	}
	writeJSON(w, http.StatusCreated, out)
}

type cancelAuctionRequest struct {
	Reason string `json:"reason"`
}

// CancelAuction cancels an auction that has no bids. Sellers cancel their
// own auctions; admins cancel by policy.
// POST /api/auctions/{id}/cancel
func (h *AuctionHandler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	var req cancelAuctionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	caller, role := actor(r, "")
	if !requireActor(w, caller) {
		return
	}

	var (
		a   domain.Auction
		err error
	)
	id := pathParam(r, "id")
	if role == middleware.RoleAdmin {
		a, err = h.auctions.CancelByPolicy(r.Context(), id, req.Reason)
	} else {
		a, err = h.auctions.CancelAuction(r.Context(), id, caller, req.Reason)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "cancel auction", err, currentAuction(a))
		return
	}
	writeJSON(w, http.StatusOK, newAuctionView(a))
}

var (
	_ AuctionService = (*service.LifecycleService)(nil)
	_ BidService     = (*service.BiddingService)(nil)
)

package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/service"
)

// SettlementService is what the transaction handler needs from the escrow
// settlement engine.
type SettlementService interface {
	OpenDirectSale(ctx context.Context, req service.DirectSaleRequest) (domain.Transaction, error)
	GetTransactionState(ctx context.Context, id string) (domain.Transaction, error)
	MarkShipped(ctx context.Context, id, sellerID string, tr service.Tracking, opts ...service.TransitionOption) (domain.Transaction, error)
	ConfirmDelivery(ctx context.Context, id, buyerID string, opts ...service.TransitionOption) (domain.Transaction, error)
	CarrierDelivered(ctx context.Context, id string, opts ...service.TransitionOption) (domain.Transaction, error)
	AcceptDelivery(ctx context.Context, id, buyerID string, opts ...service.TransitionOption) (domain.Transaction, error)
	OpenDispute(ctx context.Context, id, buyerID, reason string, opts ...service.TransitionOption) (domain.Transaction, error)
}

// DisputeService rules on disputes.
type DisputeService interface {
	Resolve(ctx context.Context, id string, outcome domain.DisputeOutcome, notes, resolvedBy string, opts ...service.TransitionOption) (domain.Transaction, error)
}

// TransactionHandler serves direct sales and the settlement transitions.
type TransactionHandler struct {
	settlement SettlementService
	disputes   DisputeService
	logger     *slog.Logger
}

// NewTransactionHandler creates a TransactionHandler.
func NewTransactionHandler(settlement SettlementService, disputes DisputeService, logger *slog.Logger) *TransactionHandler {
	return &TransactionHandler{
		settlement: settlement,
		disputes:   disputes,
		logger:     logger.With(slog.String("handler", "transactions")),
	}
}

type directSaleRequest struct {
	ItemID     string          `json:"item_id"`
	BuyerID    string          `json:"buyer_id"`
	SellerID   string          `json:"seller_id"`
	Category   string          `json:"category"`
	Price      decimal.Decimal `json:"price"`
	PaymentRef string          `json:"payment_ref"`
}

// CreateSale opens a transaction for a direct purchase with the caller as
// buyer. Only service tokens may report a synchronously captured payment.
// POST /api/sales
func (h *TransactionHandler) CreateSale(w http.ResponseWriter, r *http.Request) {
	var req directSaleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	buyer, role := actor(r, req.BuyerID)
	if !requireActor(w, buyer) {
		return
	}
	in := service.DirectSaleRequest{
		ItemID:   req.ItemID,
		BuyerID:  buyer,
		SellerID: req.SellerID,
		Category: req.Category,
		Price:    req.Price,
	}
	if privileged(role) {
		in.PaymentRef = req.PaymentRef
	}

	t, err := h.settlement.OpenDirectSale(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, h.logger, "direct sale", err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, newTransactionView(t))
}

// GetTransaction returns the authoritative transaction. Users only see
// transactions they are party to.
// GET /api/transactions/{id}
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	t, err := h.settlement.GetTransactionState(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get transaction", err, nil)
		return
	}
	caller, role := actor(r, "")
	if !privileged(role) && caller != t.BuyerID && caller != t.SellerID {
		writeServiceError(w, r, h.logger, "get transaction",
			fmt.Errorf("transaction %s: %w", id, domain.ErrUnauthorized), nil)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(t))
}

type shipRequest struct {
	Carrier         string `json:"carrier"`
	TrackingNumber  string `json:"tracking_number"`
	ExpectedVersion *int64 `json:"expected_version"`
}

// Ship records the seller's shipment.
// POST /api/transactions/{id}/ship
func (h *TransactionHandler) Ship(w http.ResponseWriter, r *http.Request) {
	var req shipRequest
	if !decodeBody(w, r, &req) {
		return
	}
	seller, _ := actor(r, "")
	t, err := h.settlement.MarkShipped(r.Context(), pathParam(r, "id"), seller,
		service.Tracking{Carrier: req.Carrier, Number: req.TrackingNumber}, versionOpts(req.ExpectedVersion)...)
	h.respond(w, r, "ship", t, err)
}

type versionedRequest struct {
	ExpectedVersion *int64 `json:"expected_version"`
}

// ConfirmDelivery records the buyer's receipt and starts inspection.
// POST /api/transactions/{id}/delivery
func (h *TransactionHandler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	var req versionedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	buyer, _ := actor(r, "")
	t, err := h.settlement.ConfirmDelivery(r.Context(), pathParam(r, "id"), buyer, versionOpts(req.ExpectedVersion)...)
	h.respond(w, r, "confirm delivery", t, err)
}

// CarrierDelivery records a carrier delivery scan. Service tokens only.
// POST /api/transactions/{id}/carrier-delivery
func (h *TransactionHandler) CarrierDelivery(w http.ResponseWriter, r *http.Request) {
	var req versionedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	t, err := h.settlement.CarrierDelivered(r.Context(), pathParam(r, "id"), versionOpts(req.ExpectedVersion)...)
	h.respond(w, r, "carrier delivery", t, err)
}

// Accept releases escrow to the seller at the buyer's request.
// POST /api/transactions/{id}/accept
func (h *TransactionHandler) Accept(w http.ResponseWriter, r *http.Request) {
	var req versionedRequest
	if !decodeBody(w, r, &req) {
		return
	}
	buyer, _ := actor(r, "")
	t, err := h.settlement.AcceptDelivery(r.Context(), pathParam(r, "id"), buyer, versionOpts(req.ExpectedVersion)...)
	h.respond(w, r, "accept delivery", t, err)
}

type disputeRequest struct {
	Reason          string `json:"reason"`
	ExpectedVersion *int64 `json:"expected_version"`
}

// Dispute opens a dispute during the inspection window.
// POST /api/transactions/{id}/dispute
func (h *TransactionHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	var req disputeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	buyer, _ := actor(r, "")
	t, err := h.settlement.OpenDispute(r.Context(), pathParam(r, "id"), buyer, req.Reason, versionOpts(req.ExpectedVersion)...)
	h.respond(w, r, "open dispute", t, err)
}

type resolveRequest struct {
	Outcome         string `json:"outcome"`
	Notes           string `json:"notes"`
	ExpectedVersion *int64 `json:"expected_version"`
}

// Resolve rules on a dispute. Admin tokens only.
// POST /api/transactions/{id}/resolve
func (h *TransactionHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !decodeBody(w, r, &req) {
		return
	}
	outcome, err := service.ParseOutcome(req.Outcome)
	if err != nil {
		writeServiceError(w, r, h.logger, "resolve dispute", err, nil)
		return
	}
	admin, _ := actor(r, "")
	t, err := h.disputes.Resolve(r.Context(), pathParam(r, "id"), outcome, req.Notes, admin, versionOpts(req.ExpectedVersion)...)
	h.respond(w, r, "resolve dispute", t, err)
}

// respond writes the transition result. A failed transition carries the
// transaction as last read so the client can resynchronise.
func (h *TransactionHandler) respond(w http.ResponseWriter, r *http.Request, op string, t domain.Transaction, err error) {
	if err != nil {
		writeServiceError(w, r, h.logger, op, err, currentTransaction(t))
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(t))
}

var (
	_ SettlementService = (*service.SettlementService)(nil)
	_ DisputeService    = (*service.DisputeService)(nil)
)

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/marketcore/internal/clock"
	"github.com/alanyoungcy/marketcore/internal/crypto"
	"github.com/alanyoungcy/marketcore/internal/server/handler"
	"github.com/alanyoungcy/marketcore/internal/server/middleware"
	"github.com/alanyoungcy/marketcore/internal/service"
	"github.com/alanyoungcy/marketcore/internal/store/memory"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type testAPI struct {
	t         *testing.T
	h         http.Handler
	auth      *middleware.Authenticator
	webhook   *crypto.WebhookVerifier
	clock     *clock.Fake
	ledger    *memory.Ledger
	lifecycle *service.LifecycleService
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := memory.NewLedger()
	auditLog := memory.NewAuditLog()
	clk := clock.NewFake(t0)
	terms := service.StaticTerms(service.Terms{
		BuyerRate:        decimal.RequireFromString("0.007"),
		SellerRate:       decimal.RequireFromString("0.007"),
		MinIncrement:     decimal.NewFromInt(10),
		InspectionWindow: 48 * time.Hour,
	})

	settlement := service.NewSettlementService(ledger, auditLog, nil, clk,
		service.SettlementOptions{PaymentWindow: 24 * time.Hour, Terms: terms}, logger)
	lifecycle := service.NewLifecycleService(ledger, settlement, auditLog, nil, clk, terms, 3, logger)
	bidding := service.NewBiddingService(ledger, lifecycle, auditLog, nil, clk, service.BiddingOptions{}, logger)
	disputes := service.NewDisputeService(settlement, ledger, clk, 0, logger)

	auth := middleware.NewAuthenticator("test-secret-0123456789", "marketcore")
	webhook := crypto.NewWebhookVerifier("whsec-test", time.Minute)
	handlers := Handlers{
		Health:       handler.NewHealthHandler(nil, logger),
		Auctions:     handler.NewAuctionHandler(lifecycle, bidding, logger),
		Transactions: handler.NewTransactionHandler(settlement, disputes, logger),
		Payments:     handler.NewPaymentHandler(settlement, webhook, logger),
	}
	return &testAPI{
		t:         t,
		h:         NewHandler(Config{}, handlers, nil, auth, nil, logger),
		auth:      auth,
		webhook:   webhook,
		clock:     clk,
		ledger:    ledger,
		lifecycle: lifecycle,
	}
}

func (a *testAPI) token(sub string, role middleware.Role) string {
	tok, err := a.auth.Issue(sub, role, time.Hour)
	if err != nil {
		a.t.Fatalf("Issue: %v", err)
	}
	return tok
}

// do sends a JSON request as sub (empty for anonymous) and decodes the
// response body into a map.
func (a *testAPI) do(method, path, sub string, role middleware.Role, body any) (int, map[string]any) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if sub != "" {
		req.Header.Set("Authorization", "Bearer "+a.token(sub, role))
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func (a *testAPI) user(method, path, sub string, body any) (int, map[string]any) {
	return a.do(method, path, sub, middleware.RoleUser, body)
}

func (a *testAPI) payment(ev service.PaymentEvent, sign bool) (int, map[string]any) {
	a.t.Helper()
	body, _ := json.Marshal(ev)
	ts := time.Now().Unix()
	req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", bytes.NewReader(body))
	req.Header.Set("X-Timestamp", strconv.FormatInt(ts, 10))
	sig := "deadbeef"
	if sign {
		sig = a.webhook.Sign(ts, body)
	}
	req.Header.Set("X-Signature", sig)
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	out := map[string]any{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func expect(t *testing.T, what string, code, want int, body map[string]any) {
	t.Helper()
	if code != want {
		t.Fatalf("%s: status = %d, want %d (body %v)", what, code, want, body)
	}
}

func TestAuctionToSettlementOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	ctx := context.Background()

	code, body := api.user(http.MethodPost, "/api/auctions", "", nil)
	expect(t, "anonymous create", code, http.StatusUnauthorized, body)

	code, body = api.user(http.MethodPost, "/api/auctions", "seller", map[string]any{
		"item_id":        "watch-1",
		"starting_price": "1000",
		"min_increment":  "10",
		"start_time":     t0,
		"end_time":       t0.Add(time.Hour),
	})
	expect(t, "create", code, http.StatusCreated, body)
	id := body["id"].(string)
	if body["status"] != "LIVE" || body["seller_id"] != "seller" {
		t.Fatalf("created auction = %v", body)
	}

	code, body = api.user(http.MethodPost, "/api/auctions/"+id+"/bids", "alice", map[string]any{"amount": "1010"})
	expect(t, "bid A", code, http.StatusCreated, body)

	code, body = api.user(http.MethodPost, "/api/auctions/"+id+"/bids", "bob", map[string]any{"amount": "1005"})
	expect(t, "bid B", code, http.StatusUnprocessableEntity, body)
	if body["current_price"] != "1010" || body["minimum_bid"] != "1020" || body["reason"] != "below_minimum" {
		t.Fatalf("rejection body = %v", body)
	}

	code, body = api.user(http.MethodPost, "/api/auctions/"+id+"/bids", "seller", map[string]any{"amount": "2000"})
	expect(t, "seller bid", code, http.StatusUnprocessableEntity, body)

	code, body = api.user(http.MethodPost, "/api/auctions/"+id+"/bids", "carol", map[string]any{"amount": "1030"})
	expect(t, "bid C", code, http.StatusCreated, body)

	code, body = api.user(http.MethodPost, "/api/auctions/"+id+"/cancel", "seller", nil)
	expect(t, "cancel after bids", code, http.StatusConflict, body)

	code, body = api.user(http.MethodGet, "/api/auctions/"+id+"/bids", "bob", nil)
	expect(t, "list bids", code, http.StatusOK, body)
	if n := len(body["bids"].([]any)); n != 2 {
		t.Fatalf("bids = %d, want 2", n)
	}

	api.clock.Set(t0.Add(time.Hour))
	if _, err := api.lifecycle.End(ctx, id); err != nil {
		t.Fatalf("End: %v", err)
	}
	code, body = api.user(http.MethodPost, "/api/auctions/"+id+"/bids", "bob", map[string]any{"amount": "5000"})
	expect(t, "bid after end", code, http.StatusConflict, body)

	txn, err := api.ledger.Transactions().GetByAuction(ctx, id)
	if err != nil {
		t.Fatalf("GetByAuction: %v", err)
	}
	txPath := "/api/transactions/" + txn.ID

	code, body = api.user(http.MethodGet, txPath, "bob", nil)
	expect(t, "outsider reads transaction", code, http.StatusForbidden, body)

	captured := service.PaymentEvent{ID: "evt-1", Type: service.PaymentCapturedEvent, TransactionID: txn.ID, PaymentRef: "pay-1"}
	code, body = api.payment(captured, false)
	expect(t, "unsigned webhook", code, http.StatusUnauthorized, body)
	code, body = api.payment(captured, true)
	expect(t, "webhook", code, http.StatusOK, body)
	if body["status"] != "ESCROW_HELD" {
		t.Fatalf("after capture status = %v", body["status"])
	}
	code, body = api.payment(captured, true)
	expect(t, "duplicate webhook", code, http.StatusOK, body)

	code, body = api.user(http.MethodPost, txPath+"/delivery", "carol", nil)
	expect(t, "deliver before ship", code, http.StatusConflict, body)
	if body["kind"] != "invalid_transition" || body["status"] != "ESCROW_HELD" {
		t.Fatalf("transition error body = %v", body)
	}

	code, body = api.user(http.MethodPost, txPath+"/ship", "carol", map[string]any{"carrier": "ups"})
	expect(t, "buyer ships", code, http.StatusForbidden, body)

	code, body = api.user(http.MethodPost, txPath+"/ship", "seller", map[string]any{"carrier": "ups", "tracking_number": "1Z"})
	expect(t, "ship", code, http.StatusOK, body)
	version := int64(body["version"].(float64))

	code, body = api.user(http.MethodPost, txPath+"/delivery", "carol", map[string]any{"expected_version": version - 1})
	expect(t, "stale delivery", code, http.StatusConflict, body)
	if body["kind"] != "version_conflict" {
		t.Fatalf("conflict body = %v", body)
	}

	code, body = api.user(http.MethodPost, txPath+"/delivery", "carol", map[string]any{"expected_version": version})
	expect(t, "delivery", code, http.StatusOK, body)
	if body["status"] != "DELIVERED" || body["inspection_ends_at"] == nil {
		t.Fatalf("delivered body = %v", body)
	}

	code, body = api.user(http.MethodPost, txPath+"/dispute", "carol", map[string]any{"reason": "scratched dial"})
	expect(t, "dispute", code, http.StatusOK, body)

	code, body = api.user(http.MethodPost, txPath+"/resolve", "carol", map[string]any{"outcome": "buyer"})
	expect(t, "user resolves", code, http.StatusForbidden, body)

	code, body = api.do(http.MethodPost, txPath+"/resolve", "ops", middleware.RoleAdmin, map[string]any{"outcome": "buyer", "notes": "photos confirm"})
	expect(t, "resolve", code, http.StatusOK, body)
	if body["status"] != "REFUNDED" || body["resolved_by"] != "ops" {
		t.Fatalf("resolved body = %v", body)
	}
}

func TestDirectSaleAndCarrierDelivery(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.user(http.MethodPost, "/api/sales", "buyer", map[string]any{
		"item_id":     "gold-bar",
		"seller_id":   "vault",
		"price":       "1000",
		"payment_ref": "ignored-for-users",
	})
	expect(t, "user sale", code, http.StatusCreated, body)
	if body["status"] != "PENDING" || body["total_amount"] != "1007" {
		t.Fatalf("user sale = %v", body)
	}

	code, body = api.do(http.MethodPost, "/api/sales", "checkout", middleware.RoleService, map[string]any{
		"item_id":     "gold-bar",
		"buyer_id":    "buyer",
		"seller_id":   "vault",
		"price":       "1000",
		"payment_ref": "pay-9",
	})
	expect(t, "service sale", code, http.StatusCreated, body)
	if body["status"] != "ESCROW_HELD" || body["buyer_id"] != "buyer" {
		t.Fatalf("service sale = %v", body)
	}
	txPath := "/api/transactions/" + body["id"].(string)

	code, body = api.user(http.MethodPost, txPath+"/ship", "vault", nil)
	expect(t, "ship", code, http.StatusOK, body)

	code, body = api.user(http.MethodPost, txPath+"/carrier-delivery", "vault", nil)
	expect(t, "user carrier scan", code, http.StatusForbidden, body)

	code, body = api.do(http.MethodPost, txPath+"/carrier-delivery", "carrier-bot", middleware.RoleService, nil)
	expect(t, "carrier scan", code, http.StatusOK, body)

	code, body = api.user(http.MethodPost, txPath+"/accept", "buyer", nil)
	expect(t, "accept", code, http.StatusOK, body)
	if body["status"] != "COMPLETED" || body["release_reason"] != "buyer_accepted" {
		t.Fatalf("accepted = %v", body)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	api := newTestAPI(t)

	code, body := api.user(http.MethodGet, "/api/auctions/missing", "alice", nil)
	expect(t, "missing auction", code, http.StatusNotFound, body)

	code, body = api.user(http.MethodPost, "/api/auctions", "seller", map[string]any{
		"item_id":        "x",
		"starting_price": "-1",
		"start_time":     t0,
		"end_time":       t0.Add(time.Hour),
	})
	expect(t, "invalid auction", code, http.StatusUnprocessableEntity, body)
	if body["field"] != "starting_price" {
		t.Fatalf("validation body = %v", body)
	}

	code, body = api.user(http.MethodPost, "/api/auctions", "seller", map[string]any{"bogus": true})
	expect(t, "unknown field", code, http.StatusBadRequest, body)

	code, body = api.user(http.MethodGet, "/api/health", "", nil)
	expect(t, "health", code, http.StatusOK, body)
}

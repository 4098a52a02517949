package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/marketcore/internal/crypto"
	"github.com/alanyoungcy/marketcore/internal/domain"
	"github.com/alanyoungcy/marketcore/internal/service"
)

// PaymentApplier applies one processor callback.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, ev service.PaymentEvent) (domain.Transaction, error)
}

// PaymentHandler accepts signed payment callbacks over HTTP. The same
// events may also arrive over NATS; both paths share ApplyPayment.
type PaymentHandler struct {
	payments PaymentApplier
	verifier *crypto.WebhookVerifier
	logger   *slog.Logger
}

// NewPaymentHandler creates a PaymentHandler.
func NewPaymentHandler(payments PaymentApplier, verifier *crypto.WebhookVerifier, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		verifier: verifier,
		logger:   logger.With(slog.String("handler", "payments")),
	}
}

// Webhook applies a payment.captured or payment.failed callback. The body
// must be signed; see crypto.WebhookVerifier.
// POST /api/payments/webhook
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if err := h.verifier.Verify(r.Header.Get("X-Timestamp"), r.Header.Get("X-Signature"), body); err != nil {
		h.logger.WarnContext(r.Context(), "payment webhook rejected",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		status := http.StatusUnauthorized
		if errors.Is(err, crypto.ErrStaleTimestamp) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	var ev service.PaymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	t, err := h.payments.ApplyPayment(r.Context(), ev)
	if err != nil {
		writeServiceError(w, r, h.logger, "apply payment", err, currentTransaction(t))
		return
	}
	writeJSON(w, http.StatusOK, newTransactionView(t))
}

var _ PaymentApplier = (*service.SettlementService)(nil)

package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/namoruso/orders-api/internal/platform/httpx"
	"github.com/namoruso/orders-api/internal/services"
)

const (
	maxWebhookBodySize = 256 * 1024

	orderIDMetadataKey = "orderId"
)

// PSPWebhookHandlers translates payment provider webhooks into payment
// confirmations. The provider calls back with a signed payload; the order id
// travels in the payment intent metadata.
type PSPWebhookHandlers struct {
	orders        services.OrderService
	signingSecret string
	logger        func(r *http.Request, event string, fields map[string]any)
}

// PSPWebhookDeps bundles the webhook handler dependencies.
type PSPWebhookDeps struct {
	Orders        services.OrderService
	SigningSecret string
	Logger        func(r *http.Request, event string, fields map[string]any)
}

// NewPSPWebhookHandlers constructs the payment webhook handlers.
func NewPSPWebhookHandlers(deps PSPWebhookDeps) *PSPWebhookHandlers {
	logger := deps.Logger
	if logger == nil {
		logger = func(*http.Request, string, map[string]any) {}
	}
	return &PSPWebhookHandlers{
		orders:        deps.Orders,
		signingSecret: strings.TrimSpace(deps.SigningSecret),
		logger:        logger,
	}
}

// Routes registers the /webhooks endpoints.
func (h *PSPWebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/psp", h.handlePSPEvent)
}

func (h *PSPWebhookHandlers) handlePSPEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.signingSecret == "" {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unconfigured", "webhook signing secret not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	event, err := webhook.ConstructEvent(body, r.Header.Get("Stripe-Signature"), h.signingSecret)
	if err != nil {
		h.logger(r, "webhook.psp.signature_invalid", map[string]any{"error": err.Error()})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		h.confirmFromIntent(w, r, event)
	default:
		// Unhandled event types are acknowledged so the provider stops retrying.
		h.logger(r, "webhook.psp.ignored", map[string]any{"type": string(event.Type)})
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
	}
}

func (h *PSPWebhookHandlers) confirmFromIntent(w http.ResponseWriter, r *http.Request, event stripe.Event) {
	ctx := r.Context()

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed payment intent payload", http.StatusBadRequest))
		return
	}

	orderID := strings.TrimSpace(intent.Metadata[orderIDMetadataKey])
	if orderID == "" {
		h.logger(r, "webhook.psp.missing_order", map[string]any{"intent": intent.ID})
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "payment intent carries no order id", http.StatusBadRequest))
		return
	}

	order, err := h.orders.ConfirmPayment(ctx, services.PaymentCallbackCommand{
		OrderID:              orderID,
		PaymentID:            intent.ID,
		Status:               "completed",
		Amount:               intent.Amount,
		PaymentMethod:        "stripe",
		TransactionReference: intent.ID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/namoruso/orders-api/internal/domain"
	"github.com/namoruso/orders-api/internal/services"
)

const webhookTestSecret = "whsec_test_secret"

func signedWebhookRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	now := time.Now()
	signature := webhook.ComputeSignature(now, []byte(payload), webhookTestSecret)
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp", bytes.NewBufferString(payload))
	req.Header.Set("Stripe-Signature", header)
	return req
}

func newWebhookRouter(service services.OrderService) chi.Router {
	handler := NewPSPWebhookHandlers(PSPWebhookDeps{
		Orders:        service,
		SigningSecret: webhookTestSecret,
	})
	router := chi.NewRouter()
	router.Route("/webhooks", handler.Routes)
	return router
}

func TestPSPWebhookConfirmsPayment(t *testing.T) {
	var captured services.PaymentCallbackCommand
	service := &stubOrderService{
		confirmFn: func(_ context.Context, cmd services.PaymentCallbackCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(domain.OrderStatusPaid), nil
		},
	}
	router := newWebhookRouter(service)

	payload := `{
		"id": "evt_1",
		"api_version": "2024-04-10",
		"type": "payment_intent.succeeded",
		"data": {
			"object": {
				"id": "pi_123",
				"amount": 3500,
				"metadata": {"orderId": "ord_123"}
			}
		}
	}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_123" || captured.PaymentID != "pi_123" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Amount != 3500 || captured.Status != "completed" {
		t.Fatalf("unexpected command: %+v", captured)
	}
}

func TestPSPWebhookRejectsBadSignature(t *testing.T) {
	router := newWebhookRouter(&stubOrderService{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/psp", bytes.NewBufferString(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestPSPWebhookIgnoresOtherEvents(t *testing.T) {
	confirmed := false
	service := &stubOrderService{
		confirmFn: func(context.Context, services.PaymentCallbackCommand) (services.Order, error) {
			confirmed = true
			return services.Order{}, nil
		},
	}
	router := newWebhookRouter(service)

	payload := `{"id":"evt_2","api_version":"2024-04-10","type":"charge.refunded","data":{"object":{}}}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if confirmed {
		t.Fatal("unhandled event must not confirm payments")
	}
}

func TestPSPWebhookRequiresOrderMetadata(t *testing.T) {
	router := newWebhookRouter(&stubOrderService{})

	payload := `{"id":"evt_3","api_version":"2024-04-10","type":"payment_intent.succeeded","data":{"object":{"id":"pi_9","amount":100,"metadata":{}}}}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, signedWebhookRequest(t, payload))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

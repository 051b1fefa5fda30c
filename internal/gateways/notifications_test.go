package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNotify(t *testing.T) {
	var got notificationRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/notifications" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := NewNotificationClient(NotificationClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewNotificationClient returned error: %v", err)
	}

	err = client.Notify(context.Background(), "ord_1", "user@example.com", EventOrderPaid, "Payment received")
	if err != nil {
		t.Fatalf("Notify returned error: %v", err)
	}
	if got.OrderID != "ord_1" || got.UserEmail != "user@example.com" {
		t.Fatalf("unexpected payload: %+v", got)
	}
	if got.Type != "ORDER_PAID" || got.Message != "Payment received" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestNotifyUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewNotificationClient(NotificationClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewNotificationClient returned error: %v", err)
	}

	err = client.Notify(context.Background(), "ord_1", "user@example.com", EventOrderCancelled, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestNotifyRequiresOrderID(t *testing.T) {
	client, err := NewNotificationClient(NotificationClientConfig{BaseURL: "http://notifications.invalid"})
	if err != nil {
		t.Fatalf("NewNotificationClient returned error: %v", err)
	}
	if err := client.Notify(context.Background(), "  ", "user@example.com", EventOrderCreated, ""); err == nil {
		t.Fatal("expected error for empty order id")
	}
}

func TestFormatOrderMessage(t *testing.T) {
	msg := FormatOrderMessage(EventOrderCreated, "ord_1", 3500, "usd", "en")
	if !strings.Contains(msg, "ord_1") || !strings.Contains(msg, "35.00 USD") {
		t.Fatalf("unexpected message: %q", msg)
	}

	msg = FormatOrderMessage(EventOrderShipped, "ord_2", 0, "", "not-a-locale")
	if !strings.Contains(msg, "shipped") {
		t.Fatalf("unexpected message: %q", msg)
	}
}

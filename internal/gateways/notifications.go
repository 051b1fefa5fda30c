package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

const (
	defaultNotificationTimeout = 5 * time.Second

	notificationPath = "/api/v1/notifications"
)

// NotificationClientConfig bundles the settings for the notification service client.
type NotificationClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// NotificationClient delivers lifecycle events to the notification service.
type NotificationClient struct {
	baseURL string
	client  *http.Client
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var _ NotificationGateway = (*NotificationClient)(nil)

// NewNotificationClient validates the configuration and constructs the client.
func NewNotificationClient(cfg NotificationClientConfig) (*NotificationClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("notification client: base url is required")
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultNotificationTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &NotificationClient{baseURL: baseURL, client: client, logger: logger}, nil
}

type notificationRequest struct {
	OrderID   string `json:"orderId"`
	UserEmail string `json:"userEmail"`
	Type      string `json:"type"`
	Message   string `json:"message"`
}

// Notify posts the event to the notification service. A non-2xx response or a
// transport failure is returned as an error; callers decide whether to swallow it.
func (c *NotificationClient) Notify(ctx context.Context, orderID string, userEmail string, kind EventKind, msg string) error {
	payload := notificationRequest{
		OrderID:   strings.TrimSpace(orderID),
		UserEmail: strings.TrimSpace(userEmail),
		Type:      string(kind),
		Message:   msg,
	}
	if payload.OrderID == "" {
		return errors.New("notification client: order id is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notification client: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+notificationPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notification client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger(ctx, "notifications.deliver.transport_error", map[string]any{
			"orderId": payload.OrderID,
			"type":    payload.Type,
			"error":   err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger(ctx, "notifications.deliver.upstream_error", map[string]any{
			"orderId": payload.OrderID,
			"type":    payload.Type,
			"status":  resp.StatusCode,
		})
		return fmt.Errorf("%w: notification returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

// FormatOrderMessage renders the human-readable notification text for an event,
// localising the amount formatting to the supplied BCP 47 tag. Unknown locales
// fall back to English.
func FormatOrderMessage(kind EventKind, orderID string, totalMinor int64, currency string, locale string) string {
	tag, err := language.Parse(strings.TrimSpace(locale))
	if err != nil || tag == language.Und {
		tag = language.English
	}
	printer := message.NewPrinter(tag)

	amount := printer.Sprintf("%.2f", float64(totalMinor)/100)
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code != "" {
		amount = amount + " " + code
	}

	switch kind {
	case EventOrderCreated:
		return printer.Sprintf("Your order %s has been created. Total: %s.", orderID, amount)
	case EventOrderPaid:
		return printer.Sprintf("Payment received for order %s. Total: %s.", orderID, amount)
	case EventOrderShipped:
		return printer.Sprintf("Your order %s has been shipped.", orderID)
	case EventOrderDelivered:
		return printer.Sprintf("Your order %s has been delivered.", orderID)
	case EventOrderCancelled:
		return printer.Sprintf("Your order %s has been cancelled.", orderID)
	default:
		return printer.Sprintf("Update for order %s.", orderID)
	}
}

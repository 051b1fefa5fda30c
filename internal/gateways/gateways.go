// Package gateways holds the clients for the remote collaborators of the order
// service: the product/inventory service and the notification service.
package gateways

import (
	"context"
	"errors"
)

// Product is the catalog snapshot returned by the inventory service. Price and
// stock are pointers so the caller can distinguish absent fields from zero and
// apply its own defaulting policy.
type Product struct {
	ID     string
	SKU    string
	Name   string
	Price  *int64
	Stock  *int
	Active bool
}

// StockDelta is a signed quantity adjustment for one product. Negative deltas
// debit stock, positive deltas restore it.
type StockDelta struct {
	ProductID string
	Quantity  int
}

// EventKind identifies the order lifecycle event carried by a notification.
type EventKind string

const (
	EventOrderCreated   EventKind = "ORDER_CREATED"
	EventOrderPaid      EventKind = "ORDER_PAID"
	EventOrderShipped   EventKind = "ORDER_SHIPPED"
	EventOrderDelivered EventKind = "ORDER_DELIVERED"
	EventOrderCancelled EventKind = "ORDER_CANCELLED"
)

var (
	// ErrProductNotFound indicates the inventory service does not know the product.
	ErrProductNotFound = errors.New("gateways: product not found")
	// ErrUnavailable indicates a remote call failed for transport or server reasons.
	ErrUnavailable = errors.New("gateways: upstream unavailable")
)

// InventoryGateway exposes the product service capabilities consumed by the orchestrator.
type InventoryGateway interface {
	FetchProduct(ctx context.Context, productID string, bearerToken string) (Product, error)
	AdjustStock(ctx context.Context, deltas []StockDelta, bearerToken string) error
}

// NotificationGateway delivers a lifecycle event to the notification service.
// Callers treat delivery as best-effort and may discard the returned error.
type NotificationGateway interface {
	Notify(ctx context.Context, orderID string, userEmail string, kind EventKind, message string) error
}

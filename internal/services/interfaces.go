package services

import (
	"context"

	"github.com/namoruso/orders-api/internal/domain"
	"github.com/namoruso/orders-api/internal/platform/pagination"
	"github.com/namoruso/orders-api/internal/repositories"
)

// Type aliases keep service signatures aligned with the canonical domain and
// repository definitions.
type (
	Order     = domain.Order
	OrderItem = domain.OrderItem

	SystemHealthReport = domain.SystemHealthReport

	OrderListFilter = repositories.OrderListFilter
)

// Actor identifies the authenticated caller of a use-case. BearerToken carries
// the raw credential so it can be forwarded to the inventory service.
type Actor struct {
	ID          string
	Email       string
	Admin       bool
	BearerToken string
}

// OrderItemRequest is one requested line on order creation.
type OrderItemRequest struct {
	ProductID string
	Quantity  int
}

// CreateOrderCommand carries the inputs of the create use-case. Currency is
// optional; the service falls back to its configured default.
type CreateOrderCommand struct {
	Actor    Actor
	Items    []OrderItemRequest
	Notes    string
	Currency string
}

// GetOrderCommand loads a single order on behalf of the actor.
type GetOrderCommand struct {
	Actor   Actor
	OrderID string
}

// ListOrdersCommand pages through orders. AllOwners requires an admin actor;
// otherwise the listing is scoped to the actor's own orders.
type ListOrdersCommand struct {
	Actor     Actor
	AllOwners bool
	Status    []domain.OrderStatus
	Page      pagination.Params
}

// OrderStatusTransitionCommand drives the admin status-update use-case.
type OrderStatusTransitionCommand struct {
	Actor        Actor
	OrderID      string
	TargetStatus string
}

// PaymentCallbackCommand carries the payment system's confirmation payload.
// Amount is in minor currency units and must match the order total exactly.
type PaymentCallbackCommand struct {
	OrderID              string
	PaymentID            string
	Status               string
	Amount               int64
	PaymentMethod        string
	TransactionReference string
}

// CancelOrderCommand cancels an order on behalf of its owner or an admin.
type CancelOrderCommand struct {
	Actor   Actor
	OrderID string
	Reason  string
}

// OrderService implements the order lifecycle use-cases.
type OrderService interface {
	Create(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	Get(ctx context.Context, cmd GetOrderCommand) (Order, error)
	List(ctx context.Context, cmd ListOrdersCommand) (pagination.Page[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	ConfirmPayment(ctx context.Context, cmd PaymentCallbackCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// OrderArchiver stores a durable snapshot of an order that reached a terminal
// status. Archiving is best-effort and never changes a use-case outcome.
type OrderArchiver interface {
	ArchiveOrder(ctx context.Context, order Order) error
}

// SystemService exposes operational utilities such as health reporting.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

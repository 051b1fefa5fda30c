package repositories

import (
	"context"
	"time"

	"github.com/namoruso/orders-api/internal/domain"
	"github.com/namoruso/orders-api/internal/platform/pagination"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists order aggregates and provides query helpers for users and admins.
// Loading an order always materialises its items; there is no lazy association.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	Update(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (pagination.Page[domain.Order], error)
}

// OrderListFilter narrows and windows order listings. An empty UserID lists
// across all owners (admin surface).
type OrderListFilter struct {
	UserID    string
	Status    []domain.OrderStatus
	DateRange DateRange
	Page      pagination.Params
}

// DateRange bounds a listing on creation time; zero values leave the bound open.
type DateRange struct {
	From time.Time
	To   time.Time
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

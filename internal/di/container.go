package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/namoruso/orders-api/internal/gateways"
	"github.com/namoruso/orders-api/internal/platform/config"
	"github.com/namoruso/orders-api/internal/repositories"
	"github.com/namoruso/orders-api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders services.OrderService
	System services.SystemService
}

// Deps carries externally constructed collaborators: the repository registry plus
// upstream gateways and best-effort sinks built by the composition root.
type Deps struct {
	Registry      repositories.Registry
	Inventory     gateways.InventoryGateway
	Notifications gateways.NotificationGateway
	Events        services.OrderEventPublisher
	Archiver      services.OrderArchiver
	Logger        func(ctx context.Context, event string, fields map[string]any)
	Build         services.BuildInfo
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides real
// implementations, while tests can supply in-memory registries and stub gateways.
func NewContainer(ctx context.Context, cfg config.Config, deps Deps) (*Container, error) {
	if deps.Registry == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, cfg, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: deps.Registry,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(_ context.Context, cfg config.Config, deps Deps) (Services, error) {
	var svc Services
	reg := deps.Registry
	if reg == nil {
		return svc, nil
	}

	if healthRepo := reg.Health(); healthRepo != nil {
		systemSvc, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            time.Now,
			Build:            deps.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = systemSvc
	}

	if ordersRepo := reg.Orders(); ordersRepo != nil && deps.Inventory != nil {
		orderSvc, err := services.NewOrderService(services.OrderServiceDeps{
			Orders:          ordersRepo,
			Inventory:       deps.Inventory,
			Notifications:   deps.Notifications,
			Archiver:        deps.Archiver,
			UnitOfWork:      reg,
			Events:          deps.Events,
			Clock:           time.Now,
			Logger:          deps.Logger,
			DefaultCurrency: cfg.Orders.DefaultCurrency,
			Locale:          cfg.Orders.Locale,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build order service: %w", err)
		}
		svc.Orders = orderSvc
	}

	return svc, nil
}

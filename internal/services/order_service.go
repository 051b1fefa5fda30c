package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	"github.com/namoruso/orders-api/internal/domain"
	"github.com/namoruso/orders-api/internal/gateways"
	"github.com/namoruso/orders-api/internal/platform/pagination"
	"github.com/namoruso/orders-api/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"

	orderIDPrefix = "ord_"

	defaultOrderCurrency = "USD"

	paymentStatusCompleted = "completed"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the actor may not perform the operation.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidTransition indicates a disallowed status transition.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrInsufficientStock indicates a requested quantity exceeds available stock.
	ErrInsufficientStock = errors.New("order: insufficient stock")
	// ErrInvalidPayment indicates the payment callback did not report completion.
	ErrInvalidPayment = errors.New("order: invalid payment")
	// ErrAmountMismatch indicates the paid amount differs from the order total.
	ErrAmountMismatch = errors.New("order: payment amount mismatch")
	// ErrStockReductionFailed indicates the stock debit after payment failed.
	ErrStockReductionFailed = errors.New("order: stock reduction failed")
	// ErrOrderAlreadyCancelled indicates the order was cancelled earlier.
	ErrOrderAlreadyCancelled = errors.New("order: already cancelled")
	// ErrUpstreamUnavailable indicates a dependency could not be reached.
	ErrUpstreamUnavailable = errors.New("order: upstream unavailable")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
)

// InsufficientStockError carries the detail of a failed stock check.
type InsufficientStockError struct {
	ProductID   string
	ProductName string
	Requested   int
	Available   int
}

func (e *InsufficientStockError) Error() string {
	name := e.ProductName
	if name == "" {
		name = e.ProductID
	}
	return fmt.Sprintf("%v: %s requested %d, available %d", ErrInsufficientStock, name, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// InvalidTransitionError carries the detail of a rejected status transition.
type InvalidTransitionError struct {
	Current domain.OrderStatus
	Target  domain.OrderStatus
	Allowed []domain.OrderStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%v: %s to %s", ErrOrderInvalidTransition, e.Current, e.Target)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrOrderInvalidTransition
}

// notesPolicy strips all markup from customer-provided notes.
var notesPolicy = bluemonday.StrictPolicy()

// statusEventKinds maps an order status to the notification event announcing it.
var statusEventKinds = map[domain.OrderStatus]gateways.EventKind{
	domain.OrderStatusCreated:   gateways.EventOrderCreated,
	domain.OrderStatusPaid:      gateways.EventOrderPaid,
	domain.OrderStatusShipped:   gateways.EventOrderShipped,
	domain.OrderStatusDelivered: gateways.EventOrderDelivered,
	domain.OrderStatusCancelled: gateways.EventOrderCancelled,
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	UserID         string
	PreviousStatus string
	CurrentStatus  string
	TotalAmount    int64
	Currency       string
	OccurredAt     time.Time
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders          repositories.OrderRepository
	Inventory       gateways.InventoryGateway
	Notifications   gateways.NotificationGateway
	Archiver        OrderArchiver
	UnitOfWork      repositories.UnitOfWork
	Events          OrderEventPublisher
	Clock           func() time.Time
	IDGenerator     func() string
	Logger          func(ctx context.Context, event string, fields map[string]any)
	DefaultCurrency string
	Locale          string
}

type orderService struct {
	orders        repositories.OrderRepository
	inventory     gateways.InventoryGateway
	notifications gateways.NotificationGateway
	archiver      OrderArchiver
	unitOfWork    repositories.UnitOfWork
	events        OrderEventPublisher
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
	currency      string
	locale        string
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory gateway is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = defaultOrderCurrency
	}

	return &orderService{
		orders:        deps.Orders,
		inventory:     deps.Inventory,
		notifications: deps.Notifications,
		archiver:      deps.Archiver,
		unitOfWork:    unit,
		events:        deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		logger:   logger,
		currency: currency,
		locale:   strings.TrimSpace(deps.Locale),
	}, nil
}

func (s *orderService) Create(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.Actor.ID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return Order{}, fmt.Errorf("%w: order must contain at least one item", ErrOrderInvalidInput)
	}

	currency := strings.ToUpper(strings.TrimSpace(cmd.Currency))
	if currency == "" {
		currency = s.currency
	}

	now := s.now()
	order := domain.NewOrder(s.nextOrderID(), userID, strings.TrimSpace(cmd.Actor.Email), currency, now)
	order.Notes = sanitizeNotes(cmd.Notes)

	for _, request := range cmd.Items {
		productID := strings.TrimSpace(request.ProductID)
		if productID == "" {
			return Order{}, fmt.Errorf("%w: product id is required", ErrOrderInvalidInput)
		}
		if request.Quantity <= 0 {
			return Order{}, fmt.Errorf("%w: quantity for product %s must be positive", ErrOrderInvalidInput, productID)
		}

		product, err := s.inventory.FetchProduct(ctx, productID, cmd.Actor.BearerToken)
		if err != nil {
			return Order{}, s.mapGatewayError(err)
		}
		if !product.Active {
			return Order{}, fmt.Errorf("%w: product %s is not available", ErrOrderInvalidInput, productID)
		}

		// Missing stock counts as zero so a partial catalog record can never
		// oversell.
		available := 0
		if product.Stock != nil {
			available = *product.Stock
		}
		if available < request.Quantity {
			return Order{}, &InsufficientStockError{
				ProductID:   productID,
				ProductName: product.Name,
				Requested:   request.Quantity,
				Available:   available,
			}
		}

		// A missing price defaults to zero; the order still goes through.
		var unitPrice int64
		if product.Price != nil {
			unitPrice = *product.Price
		} else {
			s.logger(ctx, "order.create.price_missing", map[string]any{
				"productId": productID,
			})
		}

		order.AddItem(domain.NewOrderItem(productID, product.SKU, product.Name, request.Quantity, unitPrice))
	}

	err := s.runInTx(ctx, func(txCtx context.Context) error {
		if err := s.orders.Insert(txCtx, order); err != nil {
			return s.mapRepositoryError(err)
		}
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		UserID:        order.UserID,
		CurrentStatus: string(order.Status),
		TotalAmount:   order.Total,
		Currency:      order.Currency,
		OccurredAt:    now,
	})
	s.notify(ctx, order, gateways.EventOrderCreated)

	return order, nil
}

func (s *orderService) Get(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	order, err := s.loadOrder(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, err
	}

	// Orders of other users are reported as absent rather than forbidden so
	// order identifiers cannot be probed.
	if !cmd.Actor.Admin && order.UserID != strings.TrimSpace(cmd.Actor.ID) {
		return Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, order.ID)
	}

	return order, nil
}

func (s *orderService) List(ctx context.Context, cmd ListOrdersCommand) (pagination.Page[Order], error) {
	filter := OrderListFilter{
		Status: cmd.Status,
		Page:   cmd.Page,
	}

	if cmd.AllOwners {
		if !cmd.Actor.Admin {
			return pagination.Page[Order]{}, fmt.Errorf("%w: listing all orders requires admin", ErrOrderForbidden)
		}
	} else {
		userID := strings.TrimSpace(cmd.Actor.ID)
		if userID == "" {
			return pagination.Page[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
		}
		filter.UserID = userID
	}

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return pagination.Page[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	if !cmd.Actor.Admin {
		return Order{}, fmt.Errorf("%w: status updates require admin", ErrOrderForbidden)
	}

	target, ok := domain.ParseOrderStatus(cmd.TargetStatus)
	if !ok {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.TargetStatus)
	}

	now := s.now()

	var (
		order      Order
		prevStatus domain.OrderStatus
	)
	// Load, validate, and write under one transaction so a concurrent writer
	// cannot slip in between the status check and the update.
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		loaded, err := s.loadOrder(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}
		prevStatus = loaded.Status

		if err := s.applyStatusTransition(&loaded, target, now); err != nil {
			return err
		}
		if err := s.orders.Update(txCtx, loaded); err != nil {
			return s.mapRepositoryError(err)
		}
		order = loaded
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	if prevStatus != order.Status {
		s.publishEvent(ctx, OrderEvent{
			Type:           orderEventStatusChanged,
			OrderID:        order.ID,
			UserID:         order.UserID,
			PreviousStatus: string(prevStatus),
			CurrentStatus:  string(order.Status),
			TotalAmount:    order.Total,
			Currency:       order.Currency,
			OccurredAt:     now,
		})
		if kind, ok := statusEventKinds[order.Status]; ok {
			s.notify(ctx, order, kind)
		}
		s.archiveIfTerminal(ctx, order)
	}

	return order, nil
}

func (s *orderService) ConfirmPayment(ctx context.Context, cmd PaymentCallbackCommand) (Order, error) {
	if !strings.EqualFold(strings.TrimSpace(cmd.Status), paymentStatusCompleted) {
		return Order{}, fmt.Errorf("%w: payment status %q", ErrInvalidPayment, cmd.Status)
	}

	now := s.now()

	var (
		order      Order
		prevStatus domain.OrderStatus
		replayed   bool
		debited    bool
		debitedFor Order
	)
	// The status check and the paid write share one transaction so two
	// concurrent callbacks cannot both observe an unpaid order.
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		loaded, err := s.loadOrder(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}
		if cmd.Amount != loaded.Total {
			return fmt.Errorf("%w: paid %d, order total %d", ErrAmountMismatch, cmd.Amount, loaded.Total)
		}

		// A replayed callback for an already paid order succeeds without
		// debiting stock again.
		if loaded.Status == domain.OrderStatusPaid {
			replayed = true
			order = loaded
			return nil
		}

		if !domain.CanTransition(loaded.Status, domain.OrderStatusPaid) {
			return &InvalidTransitionError{
				Current: loaded.Status,
				Target:  domain.OrderStatusPaid,
				Allowed: domain.AllowedTransitions(loaded.Status),
			}
		}

		// The debit happens before the order is touched and at most once
		// across transaction attempts. If it fails the order stays in its
		// current status and the callback can be retried.
		if !debited {
			if err := s.inventory.AdjustStock(ctx, stockDeltas(loaded, -1), ""); err != nil {
				s.logger(ctx, "order.payment.stock_debit_failed", map[string]any{
					"orderId": loaded.ID,
					"error":   err.Error(),
				})
				return fmt.Errorf("%w: %v", ErrStockReductionFailed, err)
			}
			debited = true
			debitedFor = loaded
		}

		prevStatus = loaded.Status
		if err := s.applyStatusTransition(&loaded, domain.OrderStatusPaid, now); err != nil {
			return err
		}
		loaded.PaymentID = strings.TrimSpace(cmd.PaymentID)
		loaded.PaymentMethod = strings.TrimSpace(cmd.PaymentMethod)
		loaded.TransactionReference = strings.TrimSpace(cmd.TransactionReference)

		if err := s.orders.Update(txCtx, loaded); err != nil {
			return s.mapRepositoryError(err)
		}
		order = loaded
		return nil
	})

	// A debit that did not end in a committed paid write is handed back so the
	// stock count stays aligned with whichever callback won the race.
	if debited && (err != nil || replayed) {
		if restoreErr := s.inventory.AdjustStock(ctx, stockDeltas(debitedFor, 1), ""); restoreErr != nil {
			s.logger(ctx, "order.payment.stock_restore_failed", map[string]any{
				"orderId": debitedFor.ID,
				"error":   restoreErr.Error(),
			})
		}
	}
	if err != nil {
		return Order{}, err
	}
	if replayed {
		s.logger(ctx, "order.payment.replayed", map[string]any{
			"orderId":   order.ID,
			"paymentId": cmd.PaymentID,
		})
		return order, nil
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(prevStatus),
		CurrentStatus:  string(order.Status),
		TotalAmount:    order.Total,
		Currency:       order.Currency,
		OccurredAt:     now,
	})
	s.notify(ctx, order, gateways.EventOrderPaid)

	return order, nil
}

func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	now := s.now()

	var (
		order      Order
		prevStatus domain.OrderStatus
		restored   bool
	)
	// The already-cancelled check and the cancelled write share a transaction
	// so a racing cancel or payment sees a consistent status.
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		loaded, err := s.loadOrder(txCtx, cmd.OrderID)
		if err != nil {
			return err
		}

		if !cmd.Actor.Admin && loaded.UserID != strings.TrimSpace(cmd.Actor.ID) {
			return fmt.Errorf("%w: not the order owner", ErrOrderForbidden)
		}
		if loaded.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: %s", ErrOrderAlreadyCancelled, loaded.ID)
		}

		// Stock was committed at payment time. Restoring it is best-effort
		// and happens at most once across transaction attempts: a failed
		// restore is logged and the cancellation proceeds.
		if stockCommitted(loaded.Status) && !restored {
			restored = true
			if err := s.inventory.AdjustStock(ctx, stockDeltas(loaded, 1), ""); err != nil {
				s.logger(ctx, "order.cancel.stock_restore_failed", map[string]any{
					"orderId": loaded.ID,
					"status":  string(loaded.Status),
					"error":   err.Error(),
				})
			}
		}

		prevStatus = loaded.Status
		loaded.SetStatus(domain.OrderStatusCancelled)
		loaded.UpdatedAt = now
		if loaded.CancelledAt == nil {
			loaded.CancelledAt = &now
		}

		if err := s.orders.Update(txCtx, loaded); err != nil {
			return s.mapRepositoryError(err)
		}
		order = loaded
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		UserID:         order.UserID,
		PreviousStatus: string(prevStatus),
		CurrentStatus:  string(order.Status),
		TotalAmount:    order.Total,
		Currency:       order.Currency,
		OccurredAt:     now,
	})
	s.notify(ctx, order, gateways.EventOrderCancelled)
	s.archiveIfTerminal(ctx, order)

	return order, nil
}

func (s *orderService) loadOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) applyStatusTransition(order *Order, target domain.OrderStatus, now time.Time) error {
	current := order.Status
	if current == target {
		order.UpdatedAt = now
		return nil
	}

	if !domain.CanTransition(current, target) {
		return &InvalidTransitionError{
			Current: current,
			Target:  target,
			Allowed: domain.AllowedTransitions(current),
		}
	}

	order.SetStatus(target)
	order.UpdatedAt = now
	s.updateTimestamps(order, target, now)
	return nil
}

func (s *orderService) updateTimestamps(order *Order, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusPaid:
		order.PaidAt = &now
	case domain.OrderStatusShipped:
		order.ShippedAt = &now
	case domain.OrderStatusDelivered:
		order.DeliveredAt = &now
	case domain.OrderStatusCancelled:
		if order.CancelledAt == nil {
			order.CancelledAt = &now
		}
	}
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
	}

	return err
}

func (s *orderService) mapGatewayError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gateways.ErrProductNotFound):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case errors.Is(err, gateways.ErrUnavailable):
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return err
}

func (s *orderService) runInTx(ctx context.Context, fn func(context.Context) error) error {
	if s.unitOfWork == nil {
		return fn(ctx)
	}
	return s.unitOfWork.RunInTx(ctx, fn)
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return orderIDPrefix + s.newID()
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func (s *orderService) notify(ctx context.Context, order Order, kind gateways.EventKind) {
	if s.notifications == nil {
		return
	}
	msg := gateways.FormatOrderMessage(kind, order.ID, order.Total, order.Currency, s.locale)
	if err := s.notifications.Notify(ctx, order.ID, order.UserEmail, kind, msg); err != nil {
		s.logger(ctx, "order.notification.failed", map[string]any{
			"orderId": order.ID,
			"type":    string(kind),
			"error":   err.Error(),
		})
	}
}

func (s *orderService) archiveIfTerminal(ctx context.Context, order Order) {
	if s.archiver == nil || !domain.IsTerminal(order.Status) {
		return
	}
	if err := s.archiver.ArchiveOrder(ctx, order); err != nil {
		s.logger(ctx, "order.archive.failed", map[string]any{
			"orderId": order.ID,
			"status":  string(order.Status),
			"error":   err.Error(),
		})
	}
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

// stockCommitted reports whether stock was debited for an order in the given
// status, which is the case from payment onward.
func stockCommitted(status domain.OrderStatus) bool {
	switch status {
	case domain.OrderStatusPaid, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		return true
	}
	return false
}

func stockDeltas(order Order, sign int) []gateways.StockDelta {
	deltas := make([]gateways.StockDelta, 0, len(order.Items))
	for _, item := range order.Items {
		deltas = append(deltas, gateways.StockDelta{
			ProductID: item.ProductID,
			Quantity:  sign * item.Quantity,
		})
	}
	return deltas
}

func sanitizeNotes(notes string) string {
	return strings.TrimSpace(notesPolicy.Sanitize(notes))
}

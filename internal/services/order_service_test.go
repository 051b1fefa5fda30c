package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/namoruso/orders-api/internal/domain"
	"github.com/namoruso/orders-api/internal/gateways"
	"github.com/namoruso/orders-api/internal/platform/pagination"
	"github.com/namoruso/orders-api/internal/repositories"
)

type stubOrderRepository struct {
	insertFn func(ctx context.Context, order domain.Order) error
	updateFn func(ctx context.Context, order domain.Order) error
	findFn   func(ctx context.Context, orderID string) (domain.Order, error)
	listFn   func(ctx context.Context, filter repositories.OrderListFilter) (pagination.Page[domain.Order], error)

	inserted []domain.Order
	updated  []domain.Order
}

func (s *stubOrderRepository) Insert(ctx context.Context, order domain.Order) error {
	s.inserted = append(s.inserted, order)
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepository) Update(ctx context.Context, order domain.Order) error {
	s.updated = append(s.updated, order)
	if s.updateFn != nil {
		return s.updateFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("find not configured")
}

func (s *stubOrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (pagination.Page[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return pagination.Page[domain.Order]{}, nil
}

type stubInventoryGateway struct {
	products map[string]gateways.Product
	fetchErr error
	adjustFn func(ctx context.Context, deltas []gateways.StockDelta, token string) error

	adjustCalls [][]gateways.StockDelta
}

func (s *stubInventoryGateway) FetchProduct(_ context.Context, productID string, _ string) (gateways.Product, error) {
	if s.fetchErr != nil {
		return gateways.Product{}, s.fetchErr
	}
	product, ok := s.products[productID]
	if !ok {
		return gateways.Product{}, fmt.Errorf("%w: %s", gateways.ErrProductNotFound, productID)
	}
	return product, nil
}

func (s *stubInventoryGateway) AdjustStock(ctx context.Context, deltas []gateways.StockDelta, token string) error {
	s.adjustCalls = append(s.adjustCalls, deltas)
	if s.adjustFn != nil {
		return s.adjustFn(ctx, deltas, token)
	}
	return nil
}

type stubNotificationGateway struct {
	err   error
	kinds []gateways.EventKind
}

func (s *stubNotificationGateway) Notify(_ context.Context, _ string, _ string, kind gateways.EventKind, _ string) error {
	s.kinds = append(s.kinds, kind)
	return s.err
}

type stubEventPublisher struct {
	err    error
	events []OrderEvent
}

func (s *stubEventPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	s.events = append(s.events, event)
	return s.err
}

type stubUnitOfWork struct {
	runFn func(ctx context.Context, fn func(context.Context) error) error
}

func (s *stubUnitOfWork) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.runFn != nil {
		return s.runFn(ctx, fn)
	}
	return fn(ctx)
}

type stubArchiver struct {
	err      error
	archived []domain.Order
}

func (s *stubArchiver) ArchiveOrder(_ context.Context, order domain.Order) error {
	s.archived = append(s.archived, order)
	return s.err
}

func intPtr(v int) *int       { return &v }
func int64Ptr(v int64) *int64 { return &v }

var testClock = func() time.Time {
	return time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
}

type orderServiceFixture struct {
	repo      *stubOrderRepository
	inventory *stubInventoryGateway
	notifier  *stubNotificationGateway
	events    *stubEventPublisher
	archiver  *stubArchiver
	logged    []string
}

func newOrderServiceFixture(t *testing.T) (*orderServiceFixture, OrderService) {
	t.Helper()
	return newOrderServiceFixtureWithTx(t, nil)
}

func newOrderServiceFixtureWithTx(t *testing.T, uow repositories.UnitOfWork) (*orderServiceFixture, OrderService) {
	t.Helper()

	fixture := &orderServiceFixture{
		repo: &stubOrderRepository{},
		inventory: &stubInventoryGateway{
			products: map[string]gateways.Product{
				"prod_widget": {ID: "prod_widget", SKU: "SKU-W", Name: "Widget", Price: int64Ptr(1000), Stock: intPtr(10), Active: true},
				"prod_gadget": {ID: "prod_gadget", SKU: "SKU-G", Name: "Gadget", Price: int64Ptr(500), Stock: intPtr(4), Active: true},
			},
		},
		notifier: &stubNotificationGateway{},
		events:   &stubEventPublisher{},
		archiver: &stubArchiver{},
	}

	counter := 0
	svc, err := NewOrderService(OrderServiceDeps{
		Orders:        fixture.repo,
		Inventory:     fixture.inventory,
		Notifications: fixture.notifier,
		Events:        fixture.events,
		Archiver:      fixture.archiver,
		UnitOfWork:    uow,
		Clock:         testClock,
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("TEST%04d", counter)
		},
		Logger: func(_ context.Context, event string, _ map[string]any) {
			fixture.logged = append(fixture.logged, event)
		},
	})
	if err != nil {
		t.Fatalf("NewOrderService returned error: %v", err)
	}
	return fixture, svc
}

func (f *orderServiceFixture) stockOrder(status domain.OrderStatus) domain.Order {
	now := testClock().Add(-time.Hour)
	order := domain.NewOrder("ord_1", "user_1", "user@example.com", "USD", now)
	order.AddItem(domain.NewOrderItem("prod_widget", "SKU-W", "Widget", 3, 1000))
	order.AddItem(domain.NewOrderItem("prod_gadget", "SKU-G", "Gadget", 1, 500))
	order.SetStatus(status)
	return order
}

func (f *orderServiceFixture) serveOrder(order domain.Order) {
	f.repo.findFn = func(_ context.Context, orderID string) (domain.Order, error) {
		if orderID != order.ID {
			return domain.Order{}, notFoundRepositoryError{}
		}
		return order, nil
	}
}

type notFoundRepositoryError struct{}

func (notFoundRepositoryError) Error() string       { return "document not found" }
func (notFoundRepositoryError) IsNotFound() bool    { return true }
func (notFoundRepositoryError) IsConflict() bool    { return false }
func (notFoundRepositoryError) IsUnavailable() bool { return false }

type conflictRepositoryError struct{}

func (conflictRepositoryError) Error() string       { return "transaction contention" }
func (conflictRepositoryError) IsNotFound() bool    { return false }
func (conflictRepositoryError) IsConflict() bool    { return true }
func (conflictRepositoryError) IsUnavailable() bool { return false }

func TestCreateOrderComputesTotals(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)

	order, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1", Email: "user@example.com"},
		Items: []OrderItemRequest{
			{ProductID: "prod_widget", Quantity: 3},
			{ProductID: "prod_gadget", Quantity: 1},
		},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if order.Status != domain.OrderStatusCreated {
		t.Fatalf("status = %s, want created", order.Status)
	}
	if order.Total != 3500 {
		t.Fatalf("total = %d, want 3500", order.Total)
	}
	if len(order.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(order.Items))
	}
	if order.Items[0].Subtotal != 3000 || order.Items[1].Subtotal != 500 {
		t.Fatalf("unexpected subtotals: %d, %d", order.Items[0].Subtotal, order.Items[1].Subtotal)
	}
	if order.Items[0].SKU != "SKU-W" || order.Items[0].Name != "Widget" {
		t.Fatalf("expected catalog snapshot on item, got %+v", order.Items[0])
	}
	if !strings.HasPrefix(order.ID, "ord_") {
		t.Fatalf("unexpected order id %q", order.ID)
	}
	if order.UserEmail != "user@example.com" {
		t.Fatalf("unexpected user email %q", order.UserEmail)
	}

	if len(fixture.repo.inserted) != 1 {
		t.Fatalf("expected a single insert, got %d", len(fixture.repo.inserted))
	}
	if len(fixture.events.events) != 1 || fixture.events.events[0].Type != orderEventCreated {
		t.Fatalf("unexpected events: %+v", fixture.events.events)
	}
	if len(fixture.notifier.kinds) != 1 || fixture.notifier.kinds[0] != gateways.EventOrderCreated {
		t.Fatalf("unexpected notifications: %v", fixture.notifier.kinds)
	}
	if len(fixture.inventory.adjustCalls) != 0 {
		t.Fatalf("create must not touch stock, got %d calls", len(fixture.inventory.adjustCalls))
	}
}

func TestCreateOrderInsufficientStock(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_gadget", Quantity: 5}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("error = %v, want ErrInsufficientStock", err)
	}

	var detail *InsufficientStockError
	if !errors.As(err, &detail) {
		t.Fatalf("expected InsufficientStockError, got %T", err)
	}
	if detail.Requested != 5 || detail.Available != 4 {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if len(fixture.repo.inserted) != 0 {
		t.Fatal("failed create must not persist")
	}
}

func TestCreateOrderMissingStockCountsAsZero(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.inventory.products["prod_nostock"] = gateways.Product{
		ID: "prod_nostock", SKU: "SKU-N", Name: "Mystery", Price: int64Ptr(100), Stock: nil, Active: true,
	}

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_nostock", Quantity: 1}},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("error = %v, want ErrInsufficientStock", err)
	}
}

func TestCreateOrderMissingPriceDefaultsToZero(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.inventory.products["prod_noprice"] = gateways.Product{
		ID: "prod_noprice", SKU: "SKU-P", Name: "Sample", Price: nil, Stock: intPtr(2), Active: true,
	}

	order, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_noprice", Quantity: 2}},
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if order.Total != 0 {
		t.Fatalf("total = %d, want 0", order.Total)
	}

	var sawWarning bool
	for _, event := range fixture.logged {
		if event == "order.create.price_missing" {
			sawWarning = true
		}
	}
	if !sawWarning {
		t.Fatalf("expected price_missing log, got %v", fixture.logged)
	}
}

func TestCreateOrderProductNotFound(t *testing.T) {
	_, svc := newOrderServiceFixture(t)

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_missing", Quantity: 1}},
	})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("error = %v, want ErrOrderNotFound", err)
	}
}

func TestCreateOrderUpstreamUnavailable(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.inventory.fetchErr = fmt.Errorf("%w: boom", gateways.ErrUnavailable)

	_, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_widget", Quantity: 1}},
	})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("error = %v, want ErrUpstreamUnavailable", err)
	}
}

func TestCreateOrderValidatesInput(t *testing.T) {
	_, svc := newOrderServiceFixture(t)

	cases := []CreateOrderCommand{
		{Actor: Actor{ID: "user_1"}},
		{Actor: Actor{ID: ""}, Items: []OrderItemRequest{{ProductID: "prod_widget", Quantity: 1}}},
		{Actor: Actor{ID: "user_1"}, Items: []OrderItemRequest{{ProductID: "", Quantity: 1}}},
		{Actor: Actor{ID: "user_1"}, Items: []OrderItemRequest{{ProductID: "prod_widget", Quantity: 0}}},
		{Actor: Actor{ID: "user_1"}, Items: []OrderItemRequest{{ProductID: "prod_widget", Quantity: -2}}},
	}
	for i, cmd := range cases {
		if _, err := svc.Create(context.Background(), cmd); !errors.Is(err, ErrOrderInvalidInput) {
			t.Fatalf("case %d: error = %v, want ErrOrderInvalidInput", i, err)
		}
	}
}

func TestCreateOrderSanitizesNotes(t *testing.T) {
	_, svc := newOrderServiceFixture(t)

	order, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_widget", Quantity: 1}},
		Notes: "  leave at door <script>alert(1)</script> ",
	})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if order.Notes != "leave at door" {
		t.Fatalf("notes = %q", order.Notes)
	}
}

func TestCreateOrderNotificationFailureIsSwallowed(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.notifier.err = errors.New("smtp down")

	if _, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_widget", Quantity: 1}},
	}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	var sawFailure bool
	for _, event := range fixture.logged {
		if event == "order.notification.failed" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected notification failure log, got %v", fixture.logged)
	}
}

func TestGetOrderHidesForeignOrders(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	if _, err := svc.Get(context.Background(), GetOrderCommand{Actor: Actor{ID: "user_1"}, OrderID: "ord_1"}); err != nil {
		t.Fatalf("owner read failed: %v", err)
	}
	if _, err := svc.Get(context.Background(), GetOrderCommand{Actor: Actor{ID: "user_2"}, OrderID: "ord_1"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("foreign read error = %v, want ErrOrderNotFound", err)
	}
	if _, err := svc.Get(context.Background(), GetOrderCommand{Actor: Actor{ID: "admin_1", Admin: true}, OrderID: "ord_1"}); err != nil {
		t.Fatalf("admin read failed: %v", err)
	}
}

func TestListOrdersScopesToActor(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)

	var gotFilter repositories.OrderListFilter
	fixture.repo.listFn = func(_ context.Context, filter repositories.OrderListFilter) (pagination.Page[domain.Order], error) {
		gotFilter = filter
		return pagination.Page[domain.Order]{Total: 1}, nil
	}

	if _, err := svc.List(context.Background(), ListOrdersCommand{Actor: Actor{ID: "user_1"}}); err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if gotFilter.UserID != "user_1" {
		t.Fatalf("filter user = %q, want user_1", gotFilter.UserID)
	}

	if _, err := svc.List(context.Background(), ListOrdersCommand{Actor: Actor{ID: "user_1"}, AllOwners: true}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("non-admin AllOwners error = %v, want ErrOrderForbidden", err)
	}

	if _, err := svc.List(context.Background(), ListOrdersCommand{Actor: Actor{ID: "admin_1", Admin: true}, AllOwners: true}); err != nil {
		t.Fatalf("admin List returned error: %v", err)
	}
	if gotFilter.UserID != "" {
		t.Fatalf("admin filter user = %q, want empty", gotFilter.UserID)
	}
}

func TestTransitionStatusRequiresAdmin(t *testing.T) {
	_, svc := newOrderServiceFixture(t)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		Actor:        Actor{ID: "user_1"},
		OrderID:      "ord_1",
		TargetStatus: "paid",
	})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("error = %v, want ErrOrderForbidden", err)
	}
}

func TestTransitionStatusAppliesTimestamps(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusPaid))

	order, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		Actor:        Actor{ID: "admin_1", Admin: true},
		OrderID:      "ord_1",
		TargetStatus: "shipped",
	})
	if err != nil {
		t.Fatalf("TransitionStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusShipped {
		t.Fatalf("status = %s, want shipped", order.Status)
	}
	if order.ShippedAt == nil || !order.ShippedAt.Equal(testClock()) {
		t.Fatalf("unexpected shippedAt: %v", order.ShippedAt)
	}
	if len(fixture.repo.updated) != 1 {
		t.Fatalf("expected a single update, got %d", len(fixture.repo.updated))
	}
	if len(fixture.notifier.kinds) != 1 || fixture.notifier.kinds[0] != gateways.EventOrderShipped {
		t.Fatalf("unexpected notifications: %v", fixture.notifier.kinds)
	}
}

func TestTransitionStatusRejectsIllegalMoves(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		Actor:        Actor{ID: "admin_1", Admin: true},
		OrderID:      "ord_1",
		TargetStatus: "delivered",
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("error = %v, want ErrOrderInvalidTransition", err)
	}

	var detail *InvalidTransitionError
	if !errors.As(err, &detail) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if detail.Current != domain.OrderStatusCreated || detail.Target != domain.OrderStatusDelivered {
		t.Fatalf("unexpected detail: %+v", detail)
	}
	if len(detail.Allowed) != 2 {
		t.Fatalf("allowed = %v", detail.Allowed)
	}
}

func TestTransitionStatusUnknownStatus(t *testing.T) {
	_, svc := newOrderServiceFixture(t)

	_, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		Actor:        Actor{ID: "admin_1", Admin: true},
		OrderID:      "ord_1",
		TargetStatus: "misplaced",
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("error = %v, want ErrOrderInvalidInput", err)
	}
}

func TestTransitionStatusIdentityIsQuiet(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusPaid))

	order, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		Actor:        Actor{ID: "admin_1", Admin: true},
		OrderID:      "ord_1",
		TargetStatus: "paid",
	})
	if err != nil {
		t.Fatalf("TransitionStatus returned error: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", order.Status)
	}
	if len(fixture.events.events) != 0 {
		t.Fatalf("identity transition must not publish events, got %+v", fixture.events.events)
	}
	if len(fixture.notifier.kinds) != 0 {
		t.Fatalf("identity transition must not notify, got %v", fixture.notifier.kinds)
	}
}

func TestTransitionStatusArchivesDelivered(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusShipped))

	if _, err := svc.TransitionStatus(context.Background(), OrderStatusTransitionCommand{
		Actor:        Actor{ID: "admin_1", Admin: true},
		OrderID:      "ord_1",
		TargetStatus: "delivered",
	}); err != nil {
		t.Fatalf("TransitionStatus returned error: %v", err)
	}
	if len(fixture.archiver.archived) != 1 {
		t.Fatalf("expected archive call, got %d", len(fixture.archiver.archived))
	}
	if fixture.archiver.archived[0].Status != domain.OrderStatusDelivered {
		t.Fatalf("archived status = %s", fixture.archiver.archived[0].Status)
	}
}

func TestConfirmPaymentDebitsStock(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	order, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
		OrderID:              "ord_1",
		PaymentID:            "pay_1",
		Status:               "COMPLETED",
		Amount:               3500,
		PaymentMethod:        "card",
		TransactionReference: "txn_1",
	})
	if err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", order.Status)
	}
	if order.PaymentID != "pay_1" || order.PaymentMethod != "card" || order.TransactionReference != "txn_1" {
		t.Fatalf("payment fields not recorded: %+v", order)
	}
	if order.PaidAt == nil || !order.PaidAt.Equal(testClock()) {
		t.Fatalf("unexpected paidAt: %v", order.PaidAt)
	}

	if len(fixture.inventory.adjustCalls) != 1 {
		t.Fatalf("expected one stock call, got %d", len(fixture.inventory.adjustCalls))
	}
	deltas := fixture.inventory.adjustCalls[0]
	if len(deltas) != 2 {
		t.Fatalf("expected 2 deltas, got %d", len(deltas))
	}
	if deltas[0].ProductID != "prod_widget" || deltas[0].Quantity != -3 {
		t.Fatalf("unexpected first delta: %+v", deltas[0])
	}
	if deltas[1].ProductID != "prod_gadget" || deltas[1].Quantity != -1 {
		t.Fatalf("unexpected second delta: %+v", deltas[1])
	}
	if len(fixture.notifier.kinds) != 1 || fixture.notifier.kinds[0] != gateways.EventOrderPaid {
		t.Fatalf("unexpected notifications: %v", fixture.notifier.kinds)
	}
}

func TestConfirmPaymentReplayIsNoOp(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	paid := fixture.stockOrder(domain.OrderStatusPaid)
	paid.PaymentID = "pay_1"
	fixture.serveOrder(paid)

	order, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
		OrderID:   "ord_1",
		PaymentID: "pay_1",
		Status:    "completed",
		Amount:    3500,
	})
	if err != nil {
		t.Fatalf("replayed callback returned error: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", order.Status)
	}
	if len(fixture.inventory.adjustCalls) != 0 {
		t.Fatal("replayed callback must not debit stock again")
	}
	if len(fixture.repo.updated) != 0 {
		t.Fatal("replayed callback must not rewrite the order")
	}
}

func TestConfirmPaymentRejectsIncompleteStatus(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	for _, status := range []string{"failed", "pending", ""} {
		_, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
			OrderID: "ord_1",
			Status:  status,
			Amount:  3500,
		})
		if !errors.Is(err, ErrInvalidPayment) {
			t.Fatalf("status %q: error = %v, want ErrInvalidPayment", status, err)
		}
	}
	if len(fixture.inventory.adjustCalls) != 0 {
		t.Fatal("rejected callback must not touch stock")
	}
}

func TestConfirmPaymentRejectsAmountMismatch(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	_, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
		OrderID: "ord_1",
		Status:  "completed",
		Amount:  3499,
	})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("error = %v, want ErrAmountMismatch", err)
	}
	if len(fixture.inventory.adjustCalls) != 0 {
		t.Fatal("mismatched callback must not touch stock")
	}
}

func TestConfirmPaymentStockDebitFailureLeavesOrderUntouched(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))
	fixture.inventory.adjustFn = func(context.Context, []gateways.StockDelta, string) error {
		return fmt.Errorf("%w: conflict", gateways.ErrUnavailable)
	}

	_, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
		OrderID: "ord_1",
		Status:  "completed",
		Amount:  3500,
	})
	if !errors.Is(err, ErrStockReductionFailed) {
		t.Fatalf("error = %v, want ErrStockReductionFailed", err)
	}
	if len(fixture.repo.updated) != 0 {
		t.Fatal("order must stay unchanged when the debit fails")
	}
	if len(fixture.notifier.kinds) != 0 {
		t.Fatal("failed payment must not notify")
	}
}

func TestConfirmPaymentRejectsIllegalTransition(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusShipped))

	_, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
		OrderID: "ord_1",
		Status:  "completed",
		Amount:  3500,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("error = %v, want ErrOrderInvalidTransition", err)
	}
}

func TestConfirmPaymentRechecksStatusInTransaction(t *testing.T) {
	var fixture *orderServiceFixture
	uow := &stubUnitOfWork{
		runFn: func(ctx context.Context, fn func(context.Context) error) error {
			// A concurrent cancel commits just before this attempt reads the
			// order, so the in-transaction load must see the cancelled state.
			fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCancelled))
			return fn(ctx)
		},
	}
	fixture, svc := newOrderServiceFixtureWithTx(t, uow)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	_, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
		OrderID: "ord_1",
		Status:  "completed",
		Amount:  3500,
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("error = %v, want ErrOrderInvalidTransition", err)
	}
	if len(fixture.inventory.adjustCalls) != 0 {
		t.Fatal("losing callback must not debit stock")
	}
	if len(fixture.repo.updated) != 0 {
		t.Fatal("losing callback must not rewrite the order")
	}
}

func TestConfirmPaymentRetryAfterLostRaceRestoresDebit(t *testing.T) {
	var fixture *orderServiceFixture
	uow := &stubUnitOfWork{
		runFn: func(ctx context.Context, fn func(context.Context) error) error {
			err := fn(ctx)
			if !errors.Is(err, ErrOrderConflict) {
				return err
			}
			// Contention replays the callback the way the datastore client
			// retries a contended transaction. The rival callback has
			// committed the paid order in the meantime.
			paid := fixture.stockOrder(domain.OrderStatusPaid)
			paid.PaymentID = "pay_rival"
			fixture.serveOrder(paid)
			return fn(ctx)
		},
	}
	fixture, svc := newOrderServiceFixtureWithTx(t, uow)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))
	failedOnce := false
	fixture.repo.updateFn = func(context.Context, domain.Order) error {
		if !failedOnce {
			failedOnce = true
			return conflictRepositoryError{}
		}
		return nil
	}

	order, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{
		OrderID:   "ord_1",
		PaymentID: "pay_1",
		Status:    "completed",
		Amount:    3500,
	})
	if err != nil {
		t.Fatalf("ConfirmPayment returned error: %v", err)
	}
	if order.Status != domain.OrderStatusPaid {
		t.Fatalf("status = %s, want paid", order.Status)
	}

	// The losing attempt debited stock once and must hand it back once.
	if len(fixture.inventory.adjustCalls) != 2 {
		t.Fatalf("expected debit plus restore, got %d calls", len(fixture.inventory.adjustCalls))
	}
	if fixture.inventory.adjustCalls[0][0].Quantity != -3 {
		t.Fatalf("unexpected debit delta: %+v", fixture.inventory.adjustCalls[0][0])
	}
	if fixture.inventory.adjustCalls[1][0].Quantity != 3 {
		t.Fatalf("unexpected restore delta: %+v", fixture.inventory.adjustCalls[1][0])
	}
}

func TestCancelRechecksStatusInTransaction(t *testing.T) {
	var fixture *orderServiceFixture
	uow := &stubUnitOfWork{
		runFn: func(ctx context.Context, fn func(context.Context) error) error {
			fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCancelled))
			return fn(ctx)
		},
	}
	fixture, svc := newOrderServiceFixtureWithTx(t, uow)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusPaid))

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "user_1"},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrOrderAlreadyCancelled) {
		t.Fatalf("error = %v, want ErrOrderAlreadyCancelled", err)
	}
	if len(fixture.inventory.adjustCalls) != 0 {
		t.Fatal("losing cancel must not restore stock")
	}
	if len(fixture.repo.updated) != 0 {
		t.Fatal("losing cancel must not rewrite the order")
	}
}

func TestCancelCreatedOrderSkipsStockRestore(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "user_1"},
		OrderID: "ord_1",
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", order.Status)
	}
	if order.CancelledAt == nil {
		t.Fatal("expected cancelledAt to be set")
	}
	if len(fixture.inventory.adjustCalls) != 0 {
		t.Fatal("cancelling an unpaid order must not touch stock")
	}
	if len(fixture.archiver.archived) != 1 {
		t.Fatalf("expected archive call, got %d", len(fixture.archiver.archived))
	}
}

func TestCancelPaidOrderRestoresStock(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusPaid))

	if _, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "user_1"},
		OrderID: "ord_1",
	}); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	if len(fixture.inventory.adjustCalls) != 1 {
		t.Fatalf("expected one restore call, got %d", len(fixture.inventory.adjustCalls))
	}
	deltas := fixture.inventory.adjustCalls[0]
	if deltas[0].ProductID != "prod_widget" || deltas[0].Quantity != 3 {
		t.Fatalf("unexpected first delta: %+v", deltas[0])
	}
	if deltas[1].ProductID != "prod_gadget" || deltas[1].Quantity != 1 {
		t.Fatalf("unexpected second delta: %+v", deltas[1])
	}
}

func TestCancelProceedsWhenStockRestoreFails(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusPaid))
	fixture.inventory.adjustFn = func(context.Context, []gateways.StockDelta, string) error {
		return fmt.Errorf("%w: boom", gateways.ErrUnavailable)
	}

	order, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "user_1"},
		OrderID: "ord_1",
	})
	if err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}
	if order.Status != domain.OrderStatusCancelled {
		t.Fatalf("status = %s, want cancelled", order.Status)
	}

	var sawFailure bool
	for _, event := range fixture.logged {
		if event == "order.cancel.stock_restore_failed" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected stock restore failure log, got %v", fixture.logged)
	}
}

func TestCancelAlreadyCancelled(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCancelled))

	_, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "user_1"},
		OrderID: "ord_1",
	})
	if !errors.Is(err, ErrOrderAlreadyCancelled) {
		t.Fatalf("error = %v, want ErrOrderAlreadyCancelled", err)
	}
}

func TestCancelRequiresOwnerOrAdmin(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	if _, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "user_2"},
		OrderID: "ord_1",
	}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("foreign cancel error = %v, want ErrOrderForbidden", err)
	}

	if _, err := svc.Cancel(context.Background(), CancelOrderCommand{
		Actor:   Actor{ID: "admin_1", Admin: true},
		OrderID: "ord_1",
	}); err != nil {
		t.Fatalf("admin cancel returned error: %v", err)
	}
}

func TestOrderOperationsMapMissingOrders(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.serveOrder(fixture.stockOrder(domain.OrderStatusCreated))

	if _, err := svc.Get(context.Background(), GetOrderCommand{Actor: Actor{ID: "user_1"}, OrderID: "ord_other"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("Get error = %v, want ErrOrderNotFound", err)
	}
	if _, err := svc.Cancel(context.Background(), CancelOrderCommand{Actor: Actor{ID: "user_1"}, OrderID: "ord_other"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("Cancel error = %v, want ErrOrderNotFound", err)
	}
	if _, err := svc.ConfirmPayment(context.Background(), PaymentCallbackCommand{OrderID: "ord_other", Status: "completed"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("ConfirmPayment error = %v, want ErrOrderNotFound", err)
	}
}

func TestEventPublishFailureIsSwallowed(t *testing.T) {
	fixture, svc := newOrderServiceFixture(t)
	fixture.events.err = errors.New("topic gone")

	if _, err := svc.Create(context.Background(), CreateOrderCommand{
		Actor: Actor{ID: "user_1"},
		Items: []OrderItemRequest{{ProductID: "prod_widget", Quantity: 1}},
	}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	var sawFailure bool
	for _, event := range fixture.logged {
		if event == "order.event.publish.failed" {
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Fatalf("expected publish failure log, got %v", fixture.logged)
	}
}

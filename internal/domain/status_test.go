package domain

import (
	"testing"
	"time"
)

func TestCanTransitionMatrix(t *testing.T) {
	statuses := []OrderStatus{
		OrderStatusCreated,
		OrderStatusPaid,
		OrderStatusShipped,
		OrderStatusDelivered,
		OrderStatusCancelled,
	}

	forward := map[OrderStatus]map[OrderStatus]bool{
		OrderStatusCreated:   {OrderStatusPaid: true, OrderStatusCancelled: true},
		OrderStatusPaid:      {OrderStatusShipped: true, OrderStatusCancelled: true},
		OrderStatusShipped:   {OrderStatusDelivered: true},
		OrderStatusDelivered: {},
		OrderStatusCancelled: {},
	}

	for _, current := range statuses {
		for _, target := range statuses {
			want := current == target || forward[current][target]
			if got := CanTransition(current, target); got != want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", current, target, got, want)
			}
		}
	}
}

func TestCanTransitionUnknownStatus(t *testing.T) {
	if CanTransition("unknown", OrderStatusPaid) {
		t.Fatal("expected unknown current status to be denied")
	}
	if CanTransition(OrderStatusCreated, "unknown") {
		t.Fatal("expected unknown target status to be denied")
	}
	if CanTransition("unknown", "unknown") {
		t.Fatal("expected unknown identity pairing to be denied")
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[OrderStatus]bool{
		OrderStatusCreated:   false,
		OrderStatusPaid:      false,
		OrderStatusShipped:   false,
		OrderStatusDelivered: true,
		OrderStatusCancelled: true,
	}
	for status, want := range cases {
		if got := IsTerminal(status); got != want {
			t.Fatalf("IsTerminal(%s) = %v, want %v", status, got, want)
		}
	}
	if IsTerminal("unknown") {
		t.Fatal("unknown status must not be terminal")
	}
}

func TestAllowedTransitionsCopies(t *testing.T) {
	allowed := AllowedTransitions(OrderStatusCreated)
	if len(allowed) != 2 {
		t.Fatalf("expected 2 transitions from created, got %d", len(allowed))
	}
	allowed[0] = OrderStatusDelivered
	if CanTransition(OrderStatusCreated, OrderStatusDelivered) {
		t.Fatal("mutating the returned slice must not affect the table")
	}
	if AllowedTransitions("unknown") != nil {
		t.Fatal("unknown status should yield nil transitions")
	}
}

func TestParseOrderStatus(t *testing.T) {
	status, ok := ParseOrderStatus("  Shipped ")
	if !ok || status != OrderStatusShipped {
		t.Fatalf("ParseOrderStatus = %q, %v", status, ok)
	}
	if _, ok := ParseOrderStatus("refunded"); ok {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestOrderTotalFollowsItems(t *testing.T) {
	now := time.Date(2025, time.March, 10, 9, 0, 0, 0, time.UTC)
	order := NewOrder("ord_1", "user_1", "user@example.com", "USD", now)
	if order.Status != OrderStatusCreated || order.Total != 0 || len(order.Items) != 0 {
		t.Fatalf("unexpected new order state: %+v", order)
	}

	order.AddItem(NewOrderItem("prod_1", "SKU-1", "Widget", 3, 1000))
	if order.Total != 3000 {
		t.Fatalf("total after first item = %d, want 3000", order.Total)
	}

	order.AddItem(NewOrderItem("prod_2", "SKU-2", "Gadget", 1, 500))
	if order.Total != 3500 {
		t.Fatalf("total after second item = %d, want 3500", order.Total)
	}

	var sum int64
	for _, item := range order.Items {
		if item.Subtotal != item.UnitPrice*int64(item.Quantity) {
			t.Fatalf("subtotal drifted for %s: %d", item.ProductID, item.Subtotal)
		}
		sum += item.Subtotal
	}
	if sum != order.Total {
		t.Fatalf("total %d does not match item sum %d", order.Total, sum)
	}
}

func TestOrderItemRecomputesSubtotal(t *testing.T) {
	item := NewOrderItem("prod_1", "SKU-1", "Widget", 2, 250)
	if item.Subtotal != 500 {
		t.Fatalf("subtotal = %d, want 500", item.Subtotal)
	}
	item.SetQuantity(5)
	if item.Subtotal != 1250 {
		t.Fatalf("subtotal after SetQuantity = %d, want 1250", item.Subtotal)
	}
	item.SetUnitPrice(100)
	if item.Subtotal != 500 {
		t.Fatalf("subtotal after SetUnitPrice = %d, want 500", item.Subtotal)
	}
}

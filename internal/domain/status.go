package domain

import "strings"

// OrderStatus enumerates the lifecycle states of an order.
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "created"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// orderStatusTransitions is the forward-transition table. It is initialised once
// and never mutated; the identity transition is handled in CanTransition and is
// deliberately absent from the table itself.
var orderStatusTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:   {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:      {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:   {OrderStatusDelivered},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

// ParseOrderStatus normalises raw input into a known status value.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := orderStatusTransitions[status]; !ok {
		return "", false
	}
	return status, true
}

// Valid reports whether the status is a member of the closed status set.
func (s OrderStatus) Valid() bool {
	_, ok := orderStatusTransitions[s]
	return ok
}

// CanTransition reports whether moving from current to target is legal.
// The identity transition is always permitted; any pairing involving an
// unknown status is denied.
func CanTransition(current, target OrderStatus) bool {
	allowed, ok := orderStatusTransitions[current]
	if !ok || !target.Valid() {
		return false
	}
	if current == target {
		return true
	}
	for _, candidate := range allowed {
		if candidate == target {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the forward transitions available from current.
// The returned slice is a copy; unknown statuses yield nil.
func AllowedTransitions(current OrderStatus) []OrderStatus {
	allowed, ok := orderStatusTransitions[current]
	if !ok {
		return nil
	}
	out := make([]OrderStatus, len(allowed))
	copy(out, allowed)
	return out
}

// IsTerminal reports whether the status has no forward transitions.
func IsTerminal(status OrderStatus) bool {
	allowed, ok := orderStatusTransitions[status]
	return ok && len(allowed) == 0
}

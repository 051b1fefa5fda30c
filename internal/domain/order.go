package domain

import "time"

// OrderItem is one purchased line. SKU, name, and unit price are snapshots
// taken at order-creation time and never follow later catalog changes.
// Amounts are minor currency units.
type OrderItem struct {
	ProductID string
	SKU       string
	Name      string
	Quantity  int
	UnitPrice int64
	Subtotal  int64
}

// NewOrderItem builds a line item with the subtotal derived from price and quantity.
func NewOrderItem(productID, sku, name string, quantity int, unitPrice int64) OrderItem {
	item := OrderItem{
		ProductID: productID,
		SKU:       sku,
		Name:      name,
		Quantity:  quantity,
		UnitPrice: unitPrice,
	}
	item.recompute()
	return item
}

// SetQuantity updates the quantity and re-derives the subtotal.
func (i *OrderItem) SetQuantity(quantity int) {
	i.Quantity = quantity
	i.recompute()
}

// SetUnitPrice updates the unit price and re-derives the subtotal.
func (i *OrderItem) SetUnitPrice(unitPrice int64) {
	i.UnitPrice = unitPrice
	i.recompute()
}

func (i *OrderItem) recompute() {
	i.Subtotal = i.UnitPrice * int64(i.Quantity)
}

// Order is the aggregate root for a customer purchase. The total always equals
// the sum of the item subtotals; AddItem keeps that derivation current.
type Order struct {
	ID        string
	UserID    string
	UserEmail string
	Currency  string
	Items     []OrderItem
	Total     int64
	Status    OrderStatus
	Notes     string

	PaymentID            string
	PaymentMethod        string
	TransactionReference string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	PaidAt      *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
}

// NewOrder starts an empty order in the created status.
func NewOrder(id, userID, userEmail, currency string, now time.Time) Order {
	return Order{
		ID:        id,
		UserID:    userID,
		UserEmail: userEmail,
		Currency:  currency,
		Status:    OrderStatusCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AddItem appends the line and recomputes the order total. Input validation is
// the caller's responsibility; this mutation never fails.
func (o *Order) AddItem(item OrderItem) {
	o.Items = append(o.Items, item)
	o.recomputeTotal()
}

// SetStatus writes the status field without validating the transition.
// Callers validate via CanTransition first.
func (o *Order) SetStatus(status OrderStatus) {
	o.Status = status
}

func (o *Order) recomputeTotal() {
	var total int64
	for _, item := range o.Items {
		total += item.Subtotal
	}
	o.Total = total
}

package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"cloud.google.com/go/firestore/apiv1/firestorepb"

	"github.com/namoruso/orders-api/internal/domain"
	pfirestore "github.com/namoruso/orders-api/internal/platform/firestore"
	"github.com/namoruso/orders-api/internal/platform/pagination"
	"github.com/namoruso/orders-api/internal/repositories"
)

const (
	orderCollection = "orders"
)

// OrderRepository persists order aggregates within Firestore. Items are stored
// embedded on the order document so a single read materialises the aggregate.
type OrderRepository struct {
	base     *pfirestore.BaseRepository[orderDocument]
	provider *pfirestore.Provider
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, orderCollection, nil, nil)
	return &OrderRepository{
		base:     base,
		provider: provider,
	}, nil
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	SKU       string `firestore:"sku"`
	Name      string `firestore:"name"`
	Quantity  int    `firestore:"quantity"`
	UnitPrice int64  `firestore:"unitPrice"`
	Subtotal  int64  `firestore:"subtotal"`
}

type orderDocument struct {
	UserID               string              `firestore:"userId"`
	UserEmail            string              `firestore:"userEmail"`
	Currency             string              `firestore:"currency"`
	Items                []orderItemDocument `firestore:"items"`
	TotalAmount          int64               `firestore:"totalAmount"`
	Status               string              `firestore:"status"`
	Notes                string              `firestore:"notes,omitempty"`
	PaymentID            string              `firestore:"paymentId,omitempty"`
	PaymentMethod        string              `firestore:"paymentMethod,omitempty"`
	TransactionReference string              `firestore:"transactionReference,omitempty"`
	CreatedAt            time.Time           `firestore:"createdAt"`
	UpdatedAt            time.Time           `firestore:"updatedAt"`
	PaidAt               *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt            *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt          *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt          *time.Time          `firestore:"cancelledAt,omitempty"`
}

// Insert stores a new order document keyed by the order ID.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Set(ctx, orderID, encodeOrder(order))
	return err
}

// Update overwrites the stored order document with the supplied aggregate.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order) error {
	if r == nil || r.base == nil {
		return errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return errors.New("order repository: order id is required")
	}
	_, err := r.base.Set(ctx, orderID, encodeOrder(order))
	return err
}

// FindByID loads the order aggregate with its items materialised.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return decodeOrder(doc.ID, doc.Data), nil
}

// List returns a window of orders matching the filter plus the total match count.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (pagination.Page[domain.Order], error) {
	if r == nil || r.base == nil {
		return pagination.Page[domain.Order]{}, errors.New("order repository not initialised")
	}

	page := pagination.Must(filter.Page)

	total, err := r.countMatches(ctx, filter)
	if err != nil {
		return pagination.Page[domain.Order]{}, err
	}

	docs, err := r.base.Query(ctx, func(query firestore.Query) firestore.Query {
		query = applyOrderFilter(query, filter)
		query = applyOrderSort(query, page)
		return query.Offset(page.Offset).Limit(page.Size)
	})
	if err != nil {
		return pagination.Page[domain.Order]{}, err
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, decodeOrder(doc.ID, doc.Data))
	}

	return pagination.Page[domain.Order]{
		Items:  orders,
		Total:  total,
		Offset: page.Offset,
		Size:   page.Size,
	}, nil
}

func (r *OrderRepository) countMatches(ctx context.Context, filter repositories.OrderListFilter) (int64, error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return 0, err
	}

	query := applyOrderFilter(client.Collection(orderCollection).Query, filter)
	results, err := query.NewAggregationQuery().WithCount("total").Get(ctx)
	if err != nil {
		return 0, pfirestore.WrapError("orders.count", err)
	}

	value, ok := results["total"].(*firestorepb.Value)
	if !ok {
		return 0, errors.New("order repository: unexpected count aggregation result")
	}
	return value.GetIntegerValue(), nil
}

func applyOrderFilter(query firestore.Query, filter repositories.OrderListFilter) firestore.Query {
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	switch len(filter.Status) {
	case 0:
	case 1:
		query = query.Where("status", "==", string(filter.Status[0]))
	default:
		statuses := make([]string, 0, len(filter.Status))
		for _, status := range filter.Status {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status", "in", statuses)
	}
	if !filter.DateRange.From.IsZero() {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if !filter.DateRange.To.IsZero() {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	return query
}

func applyOrderSort(query firestore.Query, page pagination.Params) firestore.Query {
	field := orderSortField(page.SortField)
	direction := firestore.Asc
	if page.Desc {
		direction = firestore.Desc
	}
	return query.OrderBy(field, direction)
}

func orderSortField(field string) string {
	switch field {
	case "updatedAt", "totalAmount", "status":
		return field
	default:
		return "createdAt"
	}
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		})
	}

	return orderDocument{
		UserID:               strings.TrimSpace(order.UserID),
		UserEmail:            strings.TrimSpace(order.UserEmail),
		Currency:             strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:                items,
		TotalAmount:          order.Total,
		Status:               string(order.Status),
		Notes:                order.Notes,
		PaymentID:            strings.TrimSpace(order.PaymentID),
		PaymentMethod:        strings.TrimSpace(order.PaymentMethod),
		TransactionReference: strings.TrimSpace(order.TransactionReference),
		CreatedAt:            order.CreatedAt.UTC(),
		UpdatedAt:            order.UpdatedAt.UTC(),
		PaidAt:               normalizeTimestamp(order.PaidAt),
		ShippedAt:            normalizeTimestamp(order.ShippedAt),
		DeliveredAt:          normalizeTimestamp(order.DeliveredAt),
		CancelledAt:          normalizeTimestamp(order.CancelledAt),
	}
}

func decodeOrder(id string, doc orderDocument) domain.Order {
	items := make([]domain.OrderItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, domain.OrderItem{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		})
	}

	return domain.Order{
		ID:                   id,
		UserID:               doc.UserID,
		UserEmail:            doc.UserEmail,
		Currency:             doc.Currency,
		Items:                items,
		Total:                doc.TotalAmount,
		Status:               domain.OrderStatus(doc.Status),
		Notes:                doc.Notes,
		PaymentID:            doc.PaymentID,
		PaymentMethod:        doc.PaymentMethod,
		TransactionReference: doc.TransactionReference,
		CreatedAt:            doc.CreatedAt,
		UpdatedAt:            doc.UpdatedAt,
		PaidAt:               doc.PaidAt,
		ShippedAt:            doc.ShippedAt,
		DeliveredAt:          doc.DeliveredAt,
		CancelledAt:          doc.CancelledAt,
	}
}

func normalizeTimestamp(ts *time.Time) *time.Time {
	if ts == nil || ts.IsZero() {
		return nil
	}
	utc := ts.UTC()
	return &utc
}

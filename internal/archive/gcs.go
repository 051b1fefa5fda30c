package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/namoruso/orders-api/internal/domain"
	"github.com/namoruso/orders-api/internal/services"
)

const archiveContentType = "application/json"

var (
	errNoClient = errors.New("archive: storage client is required")
	errNoBucket = errors.New("archive: bucket name is required")
)

// GCSOrderArchiver writes terminal order snapshots to a Cloud Storage bucket.
// Objects are keyed by status date so retention policies can expire them per
// month without scanning.
type GCSOrderArchiver struct {
	client *storage.Client
	bucket string
	now    func() time.Time
}

// ArchiverOption customises archiver behaviour.
type ArchiverOption func(*GCSOrderArchiver)

// WithArchiveClock injects a custom clock, used in tests.
func WithArchiveClock(clock func() time.Time) ArchiverOption {
	return func(a *GCSOrderArchiver) {
		if clock != nil {
			a.now = clock
		}
	}
}

// NewGCSOrderArchiver constructs an archiver targeting the given bucket.
func NewGCSOrderArchiver(client *storage.Client, bucket string, opts ...ArchiverOption) (*GCSOrderArchiver, error) {
	if client == nil {
		return nil, errNoClient
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errNoBucket
	}

	archiver := &GCSOrderArchiver{
		client: client,
		bucket: bucket,
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(archiver)
		}
	}
	return archiver, nil
}

type archivedOrderItem struct {
	ProductID string `json:"productId"`
	SKU       string `json:"sku,omitempty"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Subtotal  int64  `json:"subtotal"`
}

type archivedOrder struct {
	OrderID     string              `json:"orderId"`
	UserID      string              `json:"userId"`
	Status      string              `json:"status"`
	Items       []archivedOrderItem `json:"items"`
	TotalAmount int64               `json:"totalAmount"`
	Currency    string              `json:"currency"`
	Notes       string              `json:"notes,omitempty"`
	PaymentID   string              `json:"paymentId,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	UpdatedAt   time.Time           `json:"updatedAt"`
	ArchivedAt  time.Time           `json:"archivedAt"`
}

// ArchiveOrder serialises the order and uploads it beneath orders/<year>/<month>/.
func (a *GCSOrderArchiver) ArchiveOrder(ctx context.Context, order domain.Order) error {
	if a == nil || a.client == nil {
		return errNoClient
	}

	archivedAt := a.now().UTC()
	snapshot := archivedOrder{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Status:      string(order.Status),
		Items:       make([]archivedOrderItem, 0, len(order.Items)),
		TotalAmount: order.Total,
		Currency:    order.Currency,
		Notes:       order.Notes,
		PaymentID:   order.PaymentID,
		CreatedAt:   order.CreatedAt,
		UpdatedAt:   order.UpdatedAt,
		ArchivedAt:  archivedAt,
	}
	for _, item := range order.Items {
		snapshot.Items = append(snapshot.Items, archivedOrderItem{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		})
	}

	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("archive: marshal order %s: %w", order.ID, err)
	}

	object := objectName(order.ID, archivedAt)
	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = archiveContentType

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return fmt.Errorf("archive: write order %s: %w", order.ID, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("archive: finalise order %s: %w", order.ID, err)
	}
	return nil
}

func objectName(orderID string, archivedAt time.Time) string {
	return fmt.Sprintf("orders/%04d/%02d/%s.json", archivedAt.Year(), int(archivedAt.Month()), orderID)
}

var _ services.OrderArchiver = (*GCSOrderArchiver)(nil)

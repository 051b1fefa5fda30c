package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultInventoryTimeout = 10 * time.Second

	productPathFormat = "/api/v1/products/%s"
	stockAdjustPath   = "/api/v1/products/update-stock"
)

// InventoryClientConfig bundles the settings for the product service client.
type InventoryClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// InventoryClient calls the product service over HTTP.
type InventoryClient struct {
	baseURL string
	client  *http.Client
	logger  func(ctx context.Context, event string, fields map[string]any)
}

var _ InventoryGateway = (*InventoryClient)(nil)

// NewInventoryClient validates the configuration and constructs the client.
func NewInventoryClient(cfg InventoryClientConfig) (*InventoryClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("inventory client: base url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("inventory client: invalid base url: %w", err)
	}

	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultInventoryTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &InventoryClient{baseURL: baseURL, client: client, logger: logger}, nil
}

type productEnvelope struct {
	Data productPayload `json:"data"`
}

type productPayload struct {
	ID     string `json:"id"`
	SKU    string `json:"sku"`
	Name   string `json:"name"`
	Price  *int64 `json:"price"`
	Stock  *int   `json:"stock"`
	Active bool   `json:"active"`
}

type stockAdjustRequest struct {
	Updates []stockUpdatePayload `json:"updates"`
}

type stockUpdatePayload struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// FetchProduct retrieves the catalog snapshot for a product, forwarding the
// caller's bearer token when present.
func (c *InventoryClient) FetchProduct(ctx context.Context, productID string, bearerToken string) (Product, error) {
	trimmed := strings.TrimSpace(productID)
	if trimmed == "" {
		return Product{}, fmt.Errorf("%w: empty product id", ErrProductNotFound)
	}

	endpoint := c.baseURL + fmt.Sprintf(productPathFormat, url.PathEscape(trimmed))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Product{}, fmt.Errorf("inventory client: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token := strings.TrimSpace(bearerToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger(ctx, "inventory.fetch_product.transport_error", map[string]any{
			"productId": trimmed,
			"error":     err.Error(),
		})
		return Product{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Product{}, fmt.Errorf("%w: %s", ErrProductNotFound, trimmed)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		c.logger(ctx, "inventory.fetch_product.upstream_error", map[string]any{
			"productId": trimmed,
			"status":    resp.StatusCode,
		})
		return Product{}, fmt.Errorf("%w: product fetch returned %d", ErrUnavailable, resp.StatusCode)
	}

	var envelope productEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Product{}, fmt.Errorf("%w: decode product response: %v", ErrUnavailable, err)
	}

	payload := envelope.Data
	return Product{
		ID:     payload.ID,
		SKU:    payload.SKU,
		Name:   payload.Name,
		Price:  payload.Price,
		Stock:  payload.Stock,
		Active: payload.Active,
	}, nil
}

// AdjustStock applies the whole delta batch in a single call. The batch is
// atomic from the caller's point of view; there is no per-item retry.
func (c *InventoryClient) AdjustStock(ctx context.Context, deltas []StockDelta, bearerToken string) error {
	if len(deltas) == 0 {
		return nil
	}

	updates := make([]stockUpdatePayload, 0, len(deltas))
	for _, delta := range deltas {
		updates = append(updates, stockUpdatePayload{
			ProductID: delta.ProductID,
			Quantity:  delta.Quantity,
		})
	}

	body, err := json.Marshal(stockAdjustRequest{Updates: updates})
	if err != nil {
		return fmt.Errorf("inventory client: encode stock request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+stockAdjustPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("inventory client: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := strings.TrimSpace(bearerToken); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger(ctx, "inventory.adjust_stock.transport_error", map[string]any{
			"deltas": len(deltas),
			"error":  err.Error(),
		})
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger(ctx, "inventory.adjust_stock.upstream_error", map[string]any{
			"deltas": len(deltas),
			"status": resp.StatusCode,
		})
		return fmt.Errorf("%w: stock adjust returned %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func drainAndClose(body io.ReadCloser) {
	if body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

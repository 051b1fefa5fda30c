package gateways

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchProduct(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/products/prod_1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"prod_1","sku":"SKU-1","name":"Widget","price":1000,"stock":5,"active":true}}`))
	}))
	defer server.Close()

	client, err := NewInventoryClient(InventoryClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewInventoryClient returned error: %v", err)
	}

	product, err := client.FetchProduct(context.Background(), "prod_1", "token-123")
	if err != nil {
		t.Fatalf("FetchProduct returned error: %v", err)
	}
	if gotAuth != "Bearer token-123" {
		t.Fatalf("authorization header = %q", gotAuth)
	}
	if product.ID != "prod_1" || product.SKU != "SKU-1" || product.Name != "Widget" {
		t.Fatalf("unexpected product: %+v", product)
	}
	if product.Price == nil || *product.Price != 1000 {
		t.Fatalf("unexpected price: %v", product.Price)
	}
	if product.Stock == nil || *product.Stock != 5 {
		t.Fatalf("unexpected stock: %v", product.Stock)
	}
	if !product.Active {
		t.Fatal("expected product to be active")
	}
}

func TestFetchProductNullFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"prod_2","sku":"SKU-2","name":"Gadget","price":null,"stock":null,"active":true}}`))
	}))
	defer server.Close()

	client, err := NewInventoryClient(InventoryClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewInventoryClient returned error: %v", err)
	}

	product, err := client.FetchProduct(context.Background(), "prod_2", "")
	if err != nil {
		t.Fatalf("FetchProduct returned error: %v", err)
	}
	if product.Price != nil {
		t.Fatalf("expected nil price, got %v", *product.Price)
	}
	if product.Stock != nil {
		t.Fatalf("expected nil stock, got %v", *product.Stock)
	}
}

func TestFetchProductErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/products/missing":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	client, err := NewInventoryClient(InventoryClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewInventoryClient returned error: %v", err)
	}

	if _, err := client.FetchProduct(context.Background(), "missing", ""); !errors.Is(err, ErrProductNotFound) {
		t.Fatalf("error = %v, want ErrProductNotFound", err)
	}
	if _, err := client.FetchProduct(context.Background(), "broken", ""); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestAdjustStock(t *testing.T) {
	var got stockAdjustRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/products/update-stock" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewInventoryClient(InventoryClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewInventoryClient returned error: %v", err)
	}

	deltas := []StockDelta{
		{ProductID: "prod_1", Quantity: -3},
		{ProductID: "prod_2", Quantity: -1},
	}
	if err := client.AdjustStock(context.Background(), deltas, "token"); err != nil {
		t.Fatalf("AdjustStock returned error: %v", err)
	}
	if len(got.Updates) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(got.Updates))
	}
	if got.Updates[0].ProductID != "prod_1" || got.Updates[0].Quantity != -3 {
		t.Fatalf("unexpected first update: %+v", got.Updates[0])
	}
	if got.Updates[1].ProductID != "prod_2" || got.Updates[1].Quantity != -1 {
		t.Fatalf("unexpected second update: %+v", got.Updates[1])
	}
}

func TestAdjustStockFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	client, err := NewInventoryClient(InventoryClientConfig{BaseURL: server.URL})
	if err != nil {
		t.Fatalf("NewInventoryClient returned error: %v", err)
	}

	err = client.AdjustStock(context.Background(), []StockDelta{{ProductID: "prod_1", Quantity: -1}}, "")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("error = %v, want ErrUnavailable", err)
	}
}

func TestAdjustStockEmptyBatch(t *testing.T) {
	client, err := NewInventoryClient(InventoryClientConfig{BaseURL: "http://inventory.invalid"})
	if err != nil {
		t.Fatalf("NewInventoryClient returned error: %v", err)
	}
	if err := client.AdjustStock(context.Background(), nil, ""); err != nil {
		t.Fatalf("empty batch should be a no-op, got %v", err)
	}
}

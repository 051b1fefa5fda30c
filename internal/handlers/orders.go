package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/namoruso/orders-api/internal/platform/auth"
	"github.com/namoruso/orders-api/internal/platform/httpx"
	"github.com/namoruso/orders-api/internal/platform/pagination"
	"github.com/namoruso/orders-api/internal/services"
)

const (
	maxOrderBodySize = 64 * 1024

	paymentCallbackRateLimit  = 30
	paymentCallbackRateWindow = time.Minute
)

var orderSortOptions = pagination.Options{
	DefaultSortField: "createdAt",
	AllowedSorts:     []string{"createdAt", "updatedAt", "totalAmount", "status"},
}

type createOrderRequest struct {
	Items []createOrderItemRequest `json:"items"`
	Notes string                   `json:"notes"`
}

type createOrderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type paymentCallbackRequest struct {
	PaymentID            string `json:"paymentId"`
	Status               string `json:"status"`
	Amount               int64  `json:"amount"`
	PaymentMethod        string `json:"paymentMethod"`
	TransactionReference string `json:"transactionReference"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// OrderHandlers exposes the customer-facing order endpoints.
type OrderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	limiter rateLimiter
}

// OrderHandlersOption customises order handler behaviour.
type OrderHandlersOption func(*OrderHandlers)

// WithPaymentCallbackLimit overrides the per-order payment callback rate limit.
func WithPaymentCallbackLimit(limit int) OrderHandlersOption {
	return func(h *OrderHandlers) {
		if limit > 0 {
			h.limiter = newSimpleRateLimiter(limit, paymentCallbackRateWindow, nil)
		}
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:   authn,
		orders:  orders,
		limiter: newSimpleRateLimiter(paymentCallbackRateLimit, paymentCallbackRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints. The payment callback stays outside
// the bearer-auth group: the payments service calls it without a user identity
// and the trust boundary is the network policy around the payment system.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Group(func(g chi.Router) {
		if h.authn != nil {
			g.Use(h.authn.RequireFirebaseAuth())
		}
		g.Post("/", h.createOrder)
		g.Get("/", h.listOrders)
		g.Get("/{orderID}", h.getOrder)
		g.Post("/{orderID}/cancel", h.cancelOrder)
	})
	r.Post("/{orderID}/payment-callback", h.paymentCallback)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	var req createOrderRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	items := make([]services.OrderItemRequest, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.OrderItemRequest{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}

	order, err := h.orders.Create(ctx, services.CreateOrderCommand{
		Actor: actorFromRequest(r, identity),
		Items: items,
		Notes: req.Notes,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	statuses, valid := parseStatusFilters(r.URL.Query()["status"])
	if !valid {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be a known order status", http.StatusBadRequest))
		return
	}

	params, err := pagination.FromRequest(r, orderSortOptions)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.List(ctx, services.ListOrdersCommand{
		Actor:  actorFromRequest(r, identity),
		Status: statuses,
		Page:   params,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderListResponse(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Get(ctx, services.GetOrderCommand{
		Actor:   actorFromRequest(r, identity),
		OrderID: orderID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireService(ctx, w)
	if !ok {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if !decodeOptionalJSONBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		Actor:   actorFromRequest(r, identity),
		OrderID: orderID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.serviceReady(ctx, w) {
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(orderID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment callbacks for this order", http.StatusTooManyRequests))
		return
	}

	var req paymentCallbackRequest
	if !decodeJSONBody(ctx, w, r, &req) {
		return
	}

	order, err := h.orders.ConfirmPayment(ctx, services.PaymentCallbackCommand{
		OrderID:              orderID,
		PaymentID:            req.PaymentID,
		Status:               req.Status,
		Amount:               req.Amount,
		PaymentMethod:        req.PaymentMethod,
		TransactionReference: req.TransactionReference,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) serviceReady(ctx context.Context, w http.ResponseWriter) bool {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func (h *OrderHandlers) requireService(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if !h.serviceReady(ctx, w) {
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func decodeJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if len(body) == 0 {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
		return false
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func decodeOptionalJSONBody(ctx context.Context, w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON body", http.StatusBadRequest))
		return false
	}
	return true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
}

type orderListResponse struct {
	Items  []orderPayload `json:"items"`
	Total  int64          `json:"total"`
	Offset int            `json:"offset"`
	Size   int            `json:"size"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderPayload struct {
	ID                   string             `json:"id"`
	UserID               string             `json:"userId"`
	UserEmail            string             `json:"userEmail,omitempty"`
	Status               string             `json:"status"`
	Currency             string             `json:"currency"`
	Items                []orderItemPayload `json:"items"`
	TotalAmount          int64              `json:"totalAmount"`
	Notes                string             `json:"notes,omitempty"`
	PaymentID            string             `json:"paymentId,omitempty"`
	PaymentMethod        string             `json:"paymentMethod,omitempty"`
	TransactionReference string             `json:"transactionReference,omitempty"`
	CreatedAt            string             `json:"createdAt"`
	UpdatedAt            string             `json:"updatedAt,omitempty"`
	PaidAt               string             `json:"paidAt,omitempty"`
	ShippedAt            string             `json:"shippedAt,omitempty"`
	DeliveredAt          string             `json:"deliveredAt,omitempty"`
	CancelledAt          string             `json:"cancelledAt,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"productId"`
	SKU       string `json:"sku"`
	Name      string `json:"name,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Subtotal  int64  `json:"subtotal"`
}

func buildOrderListResponse(page pagination.Page[services.Order]) orderListResponse {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	return orderListResponse{
		Items:  items,
		Total:  page.Total,
		Offset: page.Offset,
		Size:   page.Size,
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	payload := orderPayload{
		ID:                   strings.TrimSpace(order.ID),
		UserID:               strings.TrimSpace(order.UserID),
		UserEmail:            strings.TrimSpace(order.UserEmail),
		Status:               string(order.Status),
		Currency:             strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:                make([]orderItemPayload, 0, len(order.Items)),
		TotalAmount:          order.Total,
		Notes:                order.Notes,
		PaymentID:            order.PaymentID,
		PaymentMethod:        order.PaymentMethod,
		TransactionReference: order.TransactionReference,
		CreatedAt:            formatTime(order.CreatedAt),
		UpdatedAt:            formatTime(order.UpdatedAt),
		PaidAt:               formatTimePtr(order.PaidAt),
		ShippedAt:            formatTimePtr(order.ShippedAt),
		DeliveredAt:          formatTimePtr(order.DeliveredAt),
		CancelledAt:          formatTimePtr(order.CancelledAt),
	}

	for _, item := range order.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Subtotal:  item.Subtotal,
		})
	}

	return payload
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidPayment):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payment", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "operation not allowed", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, insufficientStockError(err))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, invalidTransitionError(err))
	case errors.Is(err, services.ErrOrderAlreadyCancelled):
		httpx.WriteError(ctx, w, httpx.NewError("order_already_cancelled", "order is already cancelled", http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrStockReductionFailed):
		httpx.WriteError(ctx, w, httpx.NewError("stock_reduction_failed", "stock could not be reduced, payment not applied", http.StatusBadGateway))
	case errors.Is(err, services.ErrUpstreamUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "a dependent service is unavailable", http.StatusBadGateway))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func insufficientStockError(err error) httpx.Error {
	base := httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict)
	var detail *services.InsufficientStockError
	if errors.As(err, &detail) {
		base = base.WithDetails(map[string]any{
			"productId": detail.ProductID,
			"requested": detail.Requested,
			"available": detail.Available,
		})
	}
	return base
}

func invalidTransitionError(err error) httpx.Error {
	base := httpx.NewError("invalid_transition", err.Error(), http.StatusConflict)
	var detail *services.InvalidTransitionError
	if errors.As(err, &detail) {
		allowed := make([]string, 0, len(detail.Allowed))
		for _, status := range detail.Allowed {
			allowed = append(allowed, string(status))
		}
		base = base.WithDetails(map[string]any{
			"currentStatus": string(detail.Current),
			"targetStatus":  string(detail.Target),
			"allowed":       allowed,
		})
	}
	return base
}

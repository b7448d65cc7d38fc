package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/platform/httpx"
	"github.com/retailcore/orders/internal/platform/pagination"
	"github.com/retailcore/orders/internal/services"
)

const idempotencyHeader = "Idempotency-Key"

type createOrderRequest struct {
	OrderItems      []orderItemRequest      `json:"orderItems"`
	ShippingAddress *shippingAddressRequest `json:"shippingAddress"`
	PaymentMethod   string                  `json:"paymentMethod"`
	Currency        string                  `json:"currency"`
	TaxPrice        int64                   `json:"taxPrice"`
	ShippingPrice   int64                   `json:"shippingPrice"`
	Notes           string                  `json:"notes"`
	// Client supplied totals are accepted for compatibility and ignored.
	ItemsPrice *int64 `json:"itemsPrice,omitempty"`
	TotalPrice *int64 `json:"totalPrice,omitempty"`
}

type orderItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	// Name, image and price are snapshotted from the catalog; client values are ignored.
	Name  string `json:"name,omitempty"`
	Image string `json:"image,omitempty"`
	Price *int64 `json:"price,omitempty"`
}

type shippingAddressRequest struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

func (req createOrderRequest) toCommand() services.CreateOrderCommand {
	items := make([]services.OrderItemInput, 0, len(req.OrderItems))
	for _, item := range req.OrderItems {
		items = append(items, services.OrderItemInput{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	cmd := services.CreateOrderCommand{
		Items:         items,
		PaymentMethod: req.PaymentMethod,
		Currency:      req.Currency,
		Tax:           req.TaxPrice,
		Shipping:      req.ShippingPrice,
		Notes:         req.Notes,
	}
	if addr := req.ShippingAddress; addr != nil {
		cmd.ShippingAddress = services.ShippingAddress{
			Address:    addr.Address,
			City:       addr.City,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
		}
	}
	return cmd
}

// OrderHandlers serves the customer-facing /orders endpoints.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	payments    services.PaymentService
	idempotency func(http.Handler) http.Handler
}

// OrderHandlersOption customises OrderHandlers.
type OrderHandlersOption func(*OrderHandlers)

// WithIdempotency guards order and payment intent creation with the supplied middleware.
func WithIdempotency(mw func(http.Handler) http.Handler) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.idempotency = mw
	}
}

func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, payments services.PaymentService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:    authn,
		orders:   orders,
		payments: payments,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	guarded := r
	if h.idempotency != nil {
		guarded = r.With(h.idempotency)
	}

	guarded.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	guarded.Post("/{orderID}/payment-intent", h.createPaymentIntent)
	r.Post("/{orderID}/payment-confirmation", h.confirmPayment)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	var req createOrderRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.CreateOrder(ctx, identity, req.toCommand())
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.Header().Set("Location", r.URL.Path+"/"+order.ID)
	httpx.WriteData(w, http.StatusCreated, buildOrderPayload(order))
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	page, ok := parsePageRequest(w, r)
	if !ok {
		return
	}
	result, err := h.orders.ListOwnOrders(ctx, identity, page)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderList(result))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(ctx, identity, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) createPaymentIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	intent, err := h.payments.CreatePaymentIntent(ctx, identity, services.PaymentIntentCommand{
		OrderID:        orderID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotencyHeader)),
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusCreated, paymentIntentPayload{
		OrderID:      intent.OrderID,
		IntentID:     intent.IntentID,
		ClientSecret: intent.ClientSecret,
		Amount:       intent.Amount,
		Currency:     intent.Currency,
		Status:       string(intent.Status),
	})
}

func (h *OrderHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, _ := auth.IdentityFromContext(ctx)

	orderID, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := h.payments.ConfirmPayment(ctx, identity, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order))
}

func orderIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

func parsePageRequest(w http.ResponseWriter, r *http.Request) (services.PageRequest, bool) {
	params, err := pagination.ParseRequest(r)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "pageSize or pageToken is invalid", http.StatusBadRequest))
		return services.PageRequest{}, false
	}
	return services.PageRequest{PageSize: params.PageSize, PageToken: params.PageToken}, true
}

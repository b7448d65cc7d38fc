package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/retailcore/orders/internal/platform/auth"
	"github.com/retailcore/orders/internal/platform/httpx"
	"github.com/retailcore/orders/internal/services"
)

type updateStatusRequest struct {
	Status         string `json:"status"`
	TrackingNumber string `json:"trackingNumber"`
}

// AdminOrderHandlers serves the staff endpoints under /admin.
type AdminOrderHandlers struct {
	authn  *auth.Authenticator
	orders services.OrderService
}

func NewAdminOrderHandlers(authn *auth.Authenticator, orders services.OrderService) *AdminOrderHandlers {
	return &AdminOrderHandlers{authn: authn, orders: orders}
}

// Routes registers /admin/orders endpoints.
func (h *AdminOrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin))
	}
	r.Get("/orders", h.listOrders)
	r.Put("/orders/{orderID}/status", h.updateStatus)
}

func (h *AdminOrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
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
	query := r.URL.Query()
	filter := services.AdminOrderFilter{
		Statuses: parseFilterValues(query["status"]),
		UserID:   strings.TrimSpace(query.Get("userId")),
		Page:     page,
	}

	result, err := h.orders.AdminListOrders(ctx, identity, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderList(result))
}

func (h *AdminOrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
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
	var req updateStatusRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.AdminUpdateStatus(ctx, identity, services.AdminStatusCommand{
		OrderID:        orderID,
		Status:         req.Status,
		TrackingNumber: req.TrackingNumber,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteData(w, http.StatusOK, buildOrderPayload(order))
}

// parseFilterValues accepts both repeated and comma separated query values.
func parseFilterValues(values []string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if _, ok := seen[part]; ok {
				continue
			}
			seen[part] = struct{}{}
			out = append(out, part)
		}
	}
	return out
}

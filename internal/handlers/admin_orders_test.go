package handlers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminUpdateStatusFollowsStateMachine(t *testing.T) {
	h := newAPIHarness(t)
	order := h.createOrder(t, "alice")
	path := "/api/v1/admin/orders/" + order.ID + "/status"
	staff := bearer(t, "carol", "admin")

	rr := h.do(t, http.MethodPut, path, staff, map[string]any{"status": "shipped"})
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid_status_transition", decodeEnvelope(t, rr).Code)

	rr = h.do(t, http.MethodPut, path, staff, map[string]any{"status": "processing"})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "processing", decodeOrder(t, rr).Status)

	rr = h.do(t, http.MethodPut, path, staff, map[string]any{"status": "shipped", "trackingNumber": "1Z999"})
	require.Equal(t, http.StatusOK, rr.Code)
	shipped := decodeOrder(t, rr)
	assert.Equal(t, "1Z999", shipped.TrackingNumber)

	rr = h.do(t, http.MethodPut, path, staff, map[string]any{"status": "Delivered"})
	require.Equal(t, http.StatusOK, rr.Code)
	delivered := decodeOrder(t, rr)
	assert.Equal(t, "delivered", delivered.Status)
	assert.True(t, delivered.IsDelivered)
	assert.NotEmpty(t, delivered.DeliveredAt)

	rr = h.do(t, http.MethodPut, path, staff, map[string]any{"status": "cancelled"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAdminRoutesRequireAdminRole(t *testing.T) {
	h := newAPIHarness(t)
	order := h.createOrder(t, "alice")

	rr := h.do(t, http.MethodPut, "/api/v1/admin/orders/"+order.ID+"/status", bearer(t, "alice"), map[string]any{"status": "cancelled"})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/v1/admin/orders", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminUpdateStatusValidatesBody(t *testing.T) {
	h := newAPIHarness(t)
	order := h.createOrder(t, "alice")
	path := "/api/v1/admin/orders/" + order.ID + "/status"
	staff := bearer(t, "carol", "admin")

	rr := h.do(t, http.MethodPut, path, staff, map[string]any{"status": ""})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPut, path, staff, map[string]any{"status": "teleported"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = h.do(t, http.MethodPut, "/api/v1/admin/orders/ord_missing/status", staff, map[string]any{"status": "cancelled"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAdminListOrdersFilters(t *testing.T) {
	h := newAPIHarness(t)
	first := h.createOrder(t, "alice")
	h.createOrder(t, "alice")
	h.createOrder(t, "bob")
	staff := bearer(t, "carol", "admin")

	rr := h.do(t, http.MethodPut, "/api/v1/admin/orders/"+first.ID+"/status", staff, map[string]any{"status": "cancelled"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = h.do(t, http.MethodGet, "/api/v1/admin/orders", staff, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var all orderListPayload
	require.NoError(t, jsonData(t, rr, &all))
	assert.Len(t, all.Items, 3)

	rr = h.do(t, http.MethodGet, "/api/v1/admin/orders?userId=alice&status=cancelled,pending", staff, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var alice orderListPayload
	require.NoError(t, jsonData(t, rr, &alice))
	assert.Len(t, alice.Items, 2)

	rr = h.do(t, http.MethodGet, "/api/v1/admin/orders?status=cancelled", staff, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var cancelled orderListPayload
	require.NoError(t, jsonData(t, rr, &cancelled))
	require.Len(t, cancelled.Items, 1)
	assert.Equal(t, first.ID, cancelled.Items[0].ID)

	rr = h.do(t, http.MethodGet, "/api/v1/admin/orders?status=bogus", staff, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestParseFilterValues(t *testing.T) {
	got := parseFilterValues([]string{"pending, shipped", "pending", "", "delivered"})
	assert.Equal(t, []string{"pending", "shipped", "delivered"}, got)
	assert.Nil(t, parseFilterValues(nil))
}

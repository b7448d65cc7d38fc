package handlers

import (
	"time"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/services"
)

type orderItemPayload struct {
	ProductID string `json:"productId"`
	Name      string `json:"name"`
	Image     string `json:"image,omitempty"`
	Price     int64  `json:"price"`
	Quantity  int    `json:"quantity"`
}

type shippingAddressPayload struct {
	Address    string `json:"address"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type paymentResultPayload struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	UpdateTime   string `json:"updateTime"`
	EmailAddress string `json:"emailAddress,omitempty"`
}

type orderPayload struct {
	ID              string                 `json:"id"`
	UserID          string                 `json:"userId"`
	Items           []orderItemPayload     `json:"orderItems"`
	ShippingAddress shippingAddressPayload `json:"shippingAddress"`
	PaymentMethod   string                 `json:"paymentMethod"`
	Currency        string                 `json:"currency"`
	ItemsPrice      int64                  `json:"itemsPrice"`
	TaxPrice        int64                  `json:"taxPrice"`
	ShippingPrice   int64                  `json:"shippingPrice"`
	TotalPrice      int64                  `json:"totalPrice"`
	Status          string                 `json:"status"`
	IsPaid          bool                   `json:"isPaid"`
	PaidAt          string                 `json:"paidAt,omitempty"`
	IsDelivered     bool                   `json:"isDelivered"`
	DeliveredAt     string                 `json:"deliveredAt,omitempty"`
	PaymentResult   *paymentResultPayload  `json:"paymentResult,omitempty"`
	PaymentIntentID string                 `json:"paymentIntentId,omitempty"`
	TrackingNumber  string                 `json:"trackingNumber,omitempty"`
	Notes           string                 `json:"notes,omitempty"`
	CreatedAt       string                 `json:"createdAt"`
	UpdatedAt       string                 `json:"updatedAt"`
}

type orderListPayload struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type paymentIntentPayload struct {
	OrderID      string `json:"orderId"`
	IntentID     string `json:"paymentIntentId"`
	ClientSecret string `json:"clientSecret"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Status       string `json:"status"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Image:     item.Image,
			Price:     item.Price,
			Quantity:  item.Quantity,
		})
	}
	payload := orderPayload{
		ID:     order.ID,
		UserID: order.UserID,
		Items:  items,
		ShippingAddress: shippingAddressPayload{
			Address:    order.ShippingAddress.Address,
			City:       order.ShippingAddress.City,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
		},
		PaymentMethod:   order.PaymentMethod,
		Currency:        order.Currency,
		ItemsPrice:      order.ItemsSubtotal,
		TaxPrice:        order.Tax,
		ShippingPrice:   order.Shipping,
		TotalPrice:      order.Total,
		Status:          string(order.Status),
		IsPaid:          order.IsPaid,
		PaidAt:          formatTimePtr(order.PaidAt),
		IsDelivered:     order.IsDelivered,
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		PaymentIntentID: order.PaymentIntentID,
		TrackingNumber:  order.TrackingNumber,
		Notes:           order.Notes,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
	}
	if result := order.PaymentResult; result != nil {
		payload.PaymentResult = &paymentResultPayload{
			ID:           result.ID,
			Status:       result.Status,
			UpdateTime:   formatTime(result.UpdateTime),
			EmailAddress: result.EmailAddress,
		}
	}
	return payload
}

func buildOrderList(page domain.CursorPage[domain.Order]) orderListPayload {
	items := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, buildOrderPayload(order))
	}
	return orderListPayload{Items: items, NextPageToken: page.NextPageToken}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

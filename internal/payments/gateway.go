package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/currency"
)

// Status enumerates the normalised payment states shared across gateways.
type Status string

const (
	// StatusPending indicates the intent awaits customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway collected the funds.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the last attempt failed; the customer may retry with another method.
	StatusFailed Status = "failed"
	// StatusCanceled indicates the intent can no longer be used.
	StatusCanceled Status = "canceled"
)

var (
	// ErrGateway wraps every failure returned by the remote gateway.
	ErrGateway = errors.New("payments: gateway request failed")
	// ErrInvalidRequest is returned when a request is rejected locally before reaching the gateway.
	ErrInvalidRequest = errors.New("payments: invalid request")
)

// MetadataOrderID is the intent metadata key carrying the order id.
const MetadataOrderID = "order_id"

// IntentRequest captures what is needed to open a payment intent for an order.
type IntentRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	ReceiptEmail   string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the gateway-side handle for collecting an order's payment.
type Intent struct {
	ID            string
	ClientSecret  string
	Status        Status
	GatewayStatus string
	Amount        int64
	Currency      string
	PayerEmail    string
	Metadata      map[string]string
}

// Reusable reports whether the customer can still complete payment on this intent.
func (i Intent) Reusable() bool {
	return i.Status == StatusPending || i.Status == StatusFailed
}

// Gateway creates and retrieves payment intents.
type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (Intent, error)
}

// NormalizeCurrency validates an ISO 4217 code and returns it in the lower-case form gateways expect.
func NormalizeCurrency(code string) (string, error) {
	code = strings.TrimSpace(code)
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return "", fmt.Errorf("%w: unsupported currency %q", ErrInvalidRequest, code)
	}
	return strings.ToLower(unit.String()), nil
}

func (r IntentRequest) validate() (IntentRequest, error) {
	r.OrderID = strings.TrimSpace(r.OrderID)
	if r.OrderID == "" {
		return r, fmt.Errorf("%w: order id is required", ErrInvalidRequest)
	}
	if r.Amount <= 0 {
		return r, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	normalized, err := NormalizeCurrency(r.Currency)
	if err != nil {
		return r, err
	}
	r.Currency = normalized
	return r, nil
}

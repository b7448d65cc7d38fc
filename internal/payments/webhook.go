package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/retailcore/orders/internal/platform/textutil"
)

// Event types the reconciler acts on. Everything else is acknowledged and ignored.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

var (
	// ErrInvalidSignature indicates the payload was not signed with the configured secret.
	ErrInvalidSignature = errors.New("payments: webhook signature verification failed")
	// ErrMalformedEvent indicates a verified payload that could not be decoded.
	ErrMalformedEvent = errors.New("payments: malformed webhook event")
)

// Event is a verified gateway notification reduced to the fields reconciliation needs.
type Event struct {
	ID             string
	Type           string
	IntentID       string
	GatewayStatus  string
	PayerEmail     string
	FailureMessage string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// OrderID returns the order id carried in the intent metadata, if any.
func (e Event) OrderID() string {
	return strings.TrimSpace(e.Metadata[MetadataOrderID])
}

// WebhookVerifier authenticates a raw webhook payload and decodes it.
type WebhookVerifier interface {
	Verify(payload []byte, signatureHeader string) (Event, error)
}

// StripeWebhookVerifier checks the Stripe-Signature header against the exact request bytes.
type StripeWebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

// StripeSignatureHeader is the header Stripe signs webhook deliveries with.
const StripeSignatureHeader = "Stripe-Signature"

// NewStripeWebhookVerifier constructs a verifier for the given endpoint secret.
func NewStripeWebhookVerifier(secret string, tolerance time.Duration) (*StripeWebhookVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeWebhookVerifier{secret: secret, tolerance: tolerance}, nil
}

var _ WebhookVerifier = (*StripeWebhookVerifier)(nil)

// Verify validates the signature and decodes payment intent events.
func (v *StripeWebhookVerifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	raw, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	event := Event{
		ID:        raw.ID,
		Type:      string(raw.Type),
		CreatedAt: time.Unix(raw.Created, 0).UTC(),
	}
	if !strings.HasPrefix(event.Type, "payment_intent.") {
		return event, nil
	}
	if raw.Data == nil || len(raw.Data.Raw) == 0 {
		return Event{}, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, raw.ID)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(raw.Data.Raw, &intent); err != nil {
		return Event{}, fmt.Errorf("%w: decode payment intent: %v", ErrMalformedEvent, err)
	}
	if strings.TrimSpace(intent.ID) == "" {
		return Event{}, fmt.Errorf("%w: event %s carries no intent id", ErrMalformedEvent, raw.ID)
	}

	event.IntentID = intent.ID
	event.GatewayStatus = string(intent.Status)
	event.PayerEmail = stripePayerEmail(&intent)
	event.Metadata = textutil.NormalizeMetadata(intent.Metadata, nil)
	if intent.LastPaymentError != nil {
		event.FailureMessage = intent.LastPaymentError.Msg
	}
	return event, nil
}

func isSignatureError(err error) bool {
	switch {
	case errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrTooOld):
		return true
	}
	return false
}

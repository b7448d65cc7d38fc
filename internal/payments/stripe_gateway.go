package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/retailcore/orders/internal/platform/textutil"
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger

	intents stripePaymentIntentAPI
}

// StripeGateway implements Gateway on top of Stripe PaymentIntents.
type StripeGateway struct {
	intents stripePaymentIntentAPI
	account string
	logger  StripeLogger
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway constructs a Stripe-backed gateway client.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	intents := cfg.intents
	if intents == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}
		intents = client.New(apiKey, cfg.Backends).PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeGateway{
		intents: intents,
		account: strings.TrimSpace(cfg.AccountID),
		logger:  logger,
	}, nil
}

// CreateIntent opens a PaymentIntent tagged with the order id so webhooks can be matched
// even before the intent id is stored on the order.
func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	req, err := req.validate()
	if err != nil {
		return Intent{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if email := strings.TrimSpace(req.ReceiptEmail); email != "" {
		params.ReceiptEmail = stripe.String(email)
	}
	params.Metadata = textutil.NormalizeMetadata(req.Metadata, map[string]string{MetadataOrderID: req.OrderID})

	intent, err := g.intents.New(params)
	if err != nil {
		g.logger(ctx, "payments.stripe.intent.create_failed", map[string]any{
			"orderId": req.OrderID,
			"error":   err.Error(),
		})
		return Intent{}, fmt.Errorf("%w: create payment intent: %v", ErrGateway, err)
	}
	g.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"orderId":       req.OrderID,
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})
	return stripeIntent(intent), nil
}

// RetrieveIntent fetches the current state of an intent.
func (g *StripeGateway) RetrieveIntent(ctx context.Context, intentID string) (Intent, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return Intent{}, fmt.Errorf("%w: intent id is required", ErrInvalidRequest)
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	params.AddExpand("latest_charge")

	intent, err := g.intents.Get(intentID, params)
	if err != nil {
		return Intent{}, fmt.Errorf("%w: retrieve payment intent: %v", ErrGateway, err)
	}
	return stripeIntent(intent), nil
}

func stripeIntent(intent *stripe.PaymentIntent) Intent {
	if intent == nil {
		return Intent{}
	}
	return Intent{
		ID:            intent.ID,
		ClientSecret:  intent.ClientSecret,
		Status:        stripeStatus(intent),
		GatewayStatus: string(intent.Status),
		Amount:        intent.Amount,
		Currency:      strings.ToLower(string(intent.Currency)),
		PayerEmail:    stripePayerEmail(intent),
		Metadata:      textutil.NormalizeMetadata(intent.Metadata, nil),
	}
}

func stripeStatus(intent *stripe.PaymentIntent) Status {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusCanceled
	case stripe.PaymentIntentStatusRequiresPaymentMethod:
		// A fresh intent also sits here; only a recorded error means an attempt failed.
		if intent.LastPaymentError != nil {
			return StatusFailed
		}
	}
	return StatusPending
}

func stripePayerEmail(intent *stripe.PaymentIntent) string {
	if charge := intent.LatestCharge; charge != nil && charge.BillingDetails != nil && charge.BillingDetails.Email != "" {
		return charge.BillingDetails.Email
	}
	return intent.ReceiptEmail
}

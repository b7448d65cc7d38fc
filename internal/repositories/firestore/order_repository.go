package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/retailcore/orders/internal/domain"
	pfirestore "github.com/retailcore/orders/internal/platform/firestore"
	"github.com/retailcore/orders/internal/platform/pagination"
	"github.com/retailcore/orders/internal/repositories"
)

const (
	defaultOrdersCollection  = "orders"
	defaultIntentsCollection = "order_intents"

	orderTxTimeout = 10 * time.Second
)

// ErrIntentTaken is wrapped in the conflict returned when an intent id already belongs to another order.
var ErrIntentTaken = errors.New("payment intent already linked to another order")

type orderDocument struct {
	UserID          string                  `firestore:"userId"`
	Items           []orderItemDocument     `firestore:"orderItems"`
	ShippingAddress shippingAddressDocument `firestore:"shippingAddress"`
	PaymentMethod   string                  `firestore:"paymentMethod"`
	Currency        string                  `firestore:"currency"`
	ItemsSubtotal   int64                   `firestore:"itemsSubtotal"`
	Tax             int64                   `firestore:"tax"`
	Shipping        int64                   `firestore:"shipping"`
	Total           int64                   `firestore:"total"`
	Status          string                  `firestore:"status"`
	IsPaid          bool                    `firestore:"isPaid"`
	PaidAt          *time.Time              `firestore:"paidAt,omitempty"`
	IsDelivered     bool                    `firestore:"isDelivered"`
	DeliveredAt     *time.Time              `firestore:"deliveredAt,omitempty"`
	PaymentResult   *paymentResultDocument  `firestore:"paymentResult,omitempty"`
	PaymentIntentID string                  `firestore:"paymentIntentId,omitempty"`
	TrackingNumber  string                  `firestore:"trackingNumber,omitempty"`
	Notes           string                  `firestore:"notes,omitempty"`
	CreatedAt       time.Time               `firestore:"createdAt"`
	UpdatedAt       time.Time               `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Image     string `firestore:"image,omitempty"`
	Price     int64  `firestore:"price"`
	Quantity  int    `firestore:"quantity"`
}

type shippingAddressDocument struct {
	Address    string `firestore:"address"`
	City       string `firestore:"city"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
}

type paymentResultDocument struct {
	ID           string    `firestore:"id"`
	Status       string    `firestore:"status"`
	UpdateTime   time.Time `firestore:"updateTime"`
	EmailAddress string    `firestore:"emailAddress,omitempty"`
}

type intentIndexDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// OrderRepository persists orders in Firestore. The intents collection is a unique index keyed by
// gateway intent id so webhook lookups are a single document read.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   string
	intents  string
	now      func() time.Time
}

// OrderRepositoryOption customises the repository.
type OrderRepositoryOption func(*OrderRepository)

// WithOrderCollections overrides the collection names.
func WithOrderCollections(orders, intents string) OrderRepositoryOption {
	return func(r *OrderRepository) {
		if trimmed := strings.TrimSpace(orders); trimmed != "" {
			r.orders = trimmed
		}
		if trimmed := strings.TrimSpace(intents); trimmed != "" {
			r.intents = trimmed
		}
	}
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider, opts ...OrderRepositoryOption) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	repo := &OrderRepository{
		provider: provider,
		orders:   defaultOrdersCollection,
		intents:  defaultIntentsCollection,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}
	return repo, nil
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// Insert creates the order document and, when present, claims its intent index entry in the same transaction.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order repository: order id is required")
	}
	order.ApplyTotals()

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		if intentID := strings.TrimSpace(order.PaymentIntentID); intentID != "" {
			if err := tx.Create(client.Collection(r.intents).Doc(intentID), intentIndexDocument{
				OrderID:   order.ID,
				CreatedAt: r.now(),
			}); err != nil {
				return err
			}
		}
		return tx.Create(client.Collection(r.orders).Doc(order.ID), encodeOrder(order))
	}, pfirestore.WithTxTimeout(orderTxTimeout))
	return pfirestore.WrapError("orders.insert", err)
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, pfirestore.NotFound("orders.find", errors.New("order id is empty"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := client.Collection(r.orders).Doc(orderID).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	return decodeOrder(snap)
}

// FindByPaymentIntent resolves the order through the intent index.
func (r *OrderRepository) FindByPaymentIntent(ctx context.Context, intentID string) (domain.Order, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Order{}, pfirestore.NotFound("orders.find_by_intent", errors.New("intent id is empty"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, err
	}
	snap, err := client.Collection(r.intents).Doc(intentID).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find_by_intent", err)
	}
	var index intentIndexDocument
	if err := snap.DataTo(&index); err != nil {
		return domain.Order{}, fmt.Errorf("orders.find_by_intent: decode %s: %w", intentID, err)
	}
	return r.FindByID(ctx, index.OrderID)
}

// List returns orders newest first, optionally scoped to an owner and statuses.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}
	pageSize := pagination.Clamp(filter.PageSize)

	query := client.Collection(r.orders).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			statuses = append(statuses, string(status))
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
	if !cursor.IsZero() {
		query = query.StartAfter(cursor.CreatedAt, cursor.ID)
	}

	orders, err := pfirestore.Collect("orders.list", query.Limit(pageSize+1).Documents(ctx), decodeOrder)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[pageSize-1]
		token, err := pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		page.NextPageToken = token
	}
	return page, nil
}

// Mutate runs fn against the current stored order inside a transaction and writes the result when fn
// reports a change. fn may be invoked more than once when Firestore retries on contention.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	if fn == nil {
		return domain.Order{}, errors.New("order repository: mutation is required")
	}
	orderID = strings.TrimSpace(orderID)

	var result domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		client, err := r.provider.Client(ctx)
		if err != nil {
			return err
		}
		ref := client.Collection(r.orders).Doc(orderID)
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := decodeOrder(snap)
		if err != nil {
			return err
		}

		next := cloneOrder(current)
		changed, err := fn(&next)
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}
		next.ID = current.ID
		next.ApplyTotals()

		if intentID := strings.TrimSpace(next.PaymentIntentID); intentID != "" && intentID != current.PaymentIntentID {
			intentRef := client.Collection(r.intents).Doc(intentID)
			indexSnap, err := tx.Get(intentRef)
			switch {
			case pfirestore.IsNotFoundStatus(err):
				if err := tx.Create(intentRef, intentIndexDocument{OrderID: current.ID, CreatedAt: r.now()}); err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				var index intentIndexDocument
				if err := indexSnap.DataTo(&index); err != nil {
					return err
				}
				if index.OrderID != current.ID {
					return pfirestore.Conflict("", fmt.Errorf("%w: %s", ErrIntentTaken, intentID))
				}
			}
		}

		if err := tx.Set(ref, encodeOrder(next)); err != nil {
			return err
		}
		result = next
		return nil
	}, pfirestore.WithTxTimeout(orderTxTimeout))
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.mutate", err)
	}
	return result, nil
}

func encodeOrder(order domain.Order) orderDocument {
	doc := orderDocument{
		UserID:          order.UserID,
		Items:           make([]orderItemDocument, 0, len(order.Items)),
		ShippingAddress: shippingAddressDocument(order.ShippingAddress),
		PaymentMethod:   order.PaymentMethod,
		Currency:        order.Currency,
		ItemsSubtotal:   order.ItemsSubtotal,
		Tax:             order.Tax,
		Shipping:        order.Shipping,
		Total:           order.Total,
		Status:          string(order.Status),
		IsPaid:          order.IsPaid,
		PaidAt:          order.PaidAt,
		IsDelivered:     order.IsDelivered,
		DeliveredAt:     order.DeliveredAt,
		PaymentIntentID: order.PaymentIntentID,
		TrackingNumber:  order.TrackingNumber,
		Notes:           order.Notes,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
	}
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument(item))
	}
	if order.PaymentResult != nil {
		result := paymentResultDocument(*order.PaymentResult)
		doc.PaymentResult = &result
	}
	return doc
}

func decodeOrder(snap *firestore.DocumentSnapshot) (domain.Order, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Order{}, fmt.Errorf("orders: decode %s: %w", snap.Ref.ID, err)
	}
	order := domain.Order{
		ID:              snap.Ref.ID,
		UserID:          doc.UserID,
		Items:           make([]domain.OrderItem, 0, len(doc.Items)),
		ShippingAddress: domain.ShippingAddress(doc.ShippingAddress),
		PaymentMethod:   doc.PaymentMethod,
		Currency:        doc.Currency,
		ItemsSubtotal:   doc.ItemsSubtotal,
		Tax:             doc.Tax,
		Shipping:        doc.Shipping,
		Total:           doc.Total,
		Status:          domain.OrderStatus(doc.Status),
		IsPaid:          doc.IsPaid,
		PaidAt:          doc.PaidAt,
		IsDelivered:     doc.IsDelivered,
		DeliveredAt:     doc.DeliveredAt,
		PaymentIntentID: doc.PaymentIntentID,
		TrackingNumber:  doc.TrackingNumber,
		Notes:           doc.Notes,
		CreatedAt:       doc.CreatedAt,
		UpdatedAt:       doc.UpdatedAt,
	}
	for _, item := range doc.Items {
		order.Items = append(order.Items, domain.OrderItem(item))
	}
	if doc.PaymentResult != nil {
		result := domain.PaymentResult(*doc.PaymentResult)
		order.PaymentResult = &result
	}
	return order, nil
}

func cloneOrder(order domain.Order) domain.Order {
	clone := order
	clone.Items = append([]domain.OrderItem(nil), order.Items...)
	if order.PaidAt != nil {
		paidAt := *order.PaidAt
		clone.PaidAt = &paidAt
	}
	if order.DeliveredAt != nil {
		deliveredAt := *order.DeliveredAt
		clone.DeliveredAt = &deliveredAt
	}
	if order.PaymentResult != nil {
		result := *order.PaymentResult
		clone.PaymentResult = &result
	}
	return clone
}

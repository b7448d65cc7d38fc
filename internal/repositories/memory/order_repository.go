package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/platform/pagination"
	"github.com/retailcore/orders/internal/repositories"
)

// OrderRepository keeps orders in process memory. Mutations hold the lock for the whole
// read-modify-write, matching the transactional guarantees of the Firestore implementation.
type OrderRepository struct {
	mu      sync.Mutex
	orders  map[string]domain.Order
	intents map[string]string

	// FailWith, when set, is returned by every call. Tests use it to simulate outages.
	FailWith error
}

// NewOrderRepository constructs an empty in-memory order store.
func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:  make(map[string]domain.Order),
		intents: make(map[string]string),
	}
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func (r *OrderRepository) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return r.FailWith
	}
	if _, exists := r.orders[order.ID]; exists {
		return conflict("orders.insert", "order "+order.ID+" already exists")
	}
	if intentID := order.PaymentIntentID; intentID != "" {
		if _, taken := r.intents[intentID]; taken {
			return conflict("orders.insert", "intent "+intentID+" already linked")
		}
		r.intents[intentID] = order.ID
	}
	order.ApplyTotals()
	r.orders[order.ID] = clone(order)
	return nil
}

func (r *OrderRepository) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return domain.Order{}, r.FailWith
	}
	order, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.find", "order "+orderID+" not found")
	}
	return clone(order), nil
}

func (r *OrderRepository) FindByPaymentIntent(_ context.Context, intentID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return domain.Order{}, r.FailWith
	}
	orderID, ok := r.intents[strings.TrimSpace(intentID)]
	if !ok {
		return domain.Order{}, notFound("orders.find_by_intent", "intent "+intentID+" not indexed")
	}
	return clone(r.orders[orderID]), nil
}

func (r *OrderRepository) List(_ context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return domain.CursorPage[domain.Order]{}, r.FailWith
	}
	cursor, err := pagination.DecodeToken(filter.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, err
	}

	statuses := make(map[domain.OrderStatus]struct{}, len(filter.Statuses))
	for _, status := range filter.Statuses {
		statuses[status] = struct{}{}
	}

	matched := make([]domain.Order, 0)
	for _, order := range r.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		if len(statuses) > 0 {
			if _, ok := statuses[order.Status]; !ok {
				continue
			}
		}
		matched = append(matched, order)
	}
	sort.Slice(matched, func(i, j int) bool { return newer(matched[i], matched[j]) })

	start := 0
	if !cursor.IsZero() {
		marker := domain.Order{ID: cursor.ID, CreatedAt: cursor.CreatedAt}
		for start < len(matched) && !newer(marker, matched[start]) {
			start++
		}
	}
	pageSize := pagination.Clamp(filter.PageSize)
	end := min(start+pageSize, len(matched))

	page := domain.CursorPage[domain.Order]{Items: make([]domain.Order, 0, end-start)}
	for _, order := range matched[start:end] {
		page.Items = append(page.Items, clone(order))
	}
	if end < len(matched) && end > start {
		last := matched[end-1]
		page.NextPageToken, _ = pagination.EncodeToken(pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (r *OrderRepository) Mutate(_ context.Context, orderID string, fn repositories.OrderMutation) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return domain.Order{}, r.FailWith
	}
	current, ok := r.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.mutate", "order "+orderID+" not found")
	}

	next := clone(current)
	changed, err := fn(&next)
	if err != nil {
		return domain.Order{}, err
	}
	if !changed {
		return clone(current), nil
	}
	next.ID = current.ID
	next.ApplyTotals()

	if intentID := next.PaymentIntentID; intentID != "" && intentID != current.PaymentIntentID {
		if owner, taken := r.intents[intentID]; taken && owner != current.ID {
			return domain.Order{}, conflict("orders.mutate", "intent "+intentID+" already linked")
		}
		r.intents[intentID] = current.ID
	}
	r.orders[current.ID] = clone(next)
	return next, nil
}

func newer(a, b domain.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func clone(order domain.Order) domain.Order {
	out := order
	out.Items = append([]domain.OrderItem(nil), order.Items...)
	if order.PaidAt != nil {
		paidAt := *order.PaidAt
		out.PaidAt = &paidAt
	}
	if order.DeliveredAt != nil {
		deliveredAt := *order.DeliveredAt
		out.DeliveredAt = &deliveredAt
	}
	if order.PaymentResult != nil {
		result := *order.PaymentResult
		out.PaymentResult = &result
	}
	return out
}

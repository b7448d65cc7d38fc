package services

import (
	"errors"
	"fmt"

	"github.com/retailcore/orders/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the principal may not access the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderUnauthenticated indicates no principal was supplied.
	ErrOrderUnauthenticated = errors.New("order: unauthenticated")
	// ErrOrderConflict indicates a duplicate or a write that contradicts the current order state.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInvalidTransition indicates the state machine rejected the requested status.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderAlreadyPaid is returned when a payment is requested for a paid order.
	ErrOrderAlreadyPaid = fmt.Errorf("%w: already paid", ErrOrderConflict)
	// ErrPaymentGateway wraps failures reported by the payment gateway.
	ErrPaymentGateway = errors.New("order: payment gateway error")
	// ErrOrderUnavailable indicates the order store could not serve the request.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

const (
	reasonNoItems          = "No order items"
	reasonProductsNotFound = "One or more products not found"
	reasonAlreadyPaid      = "AlreadyPaid"
)

type reasonError struct {
	kind   error
	reason string
}

func (e *reasonError) Error() string { return e.kind.Error() + ": " + e.reason }
func (e *reasonError) Unwrap() error { return e.kind }

func withReason(kind error, reason string) error {
	return &reasonError{kind: kind, reason: reason}
}

func withReasonf(kind error, format string, args ...any) error {
	return withReason(kind, fmt.Sprintf(format, args...))
}

// Reason extracts the caller-facing explanation attached to a service error.
func Reason(err error) string {
	var re *reasonError
	if errors.As(err, &re) {
		return re.reason
	}
	return ""
}

func mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

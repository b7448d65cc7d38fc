package services

import (
	"strings"

	domain "github.com/retailcore/orders/internal/domain"
	"github.com/retailcore/orders/internal/platform/auth"
)

// Capability lists what a principal may do with an order.
type Capability struct {
	CanView         bool
	CanMutateStatus bool
}

// CapabilityFor decides access for principal against order. A nil principal gets nothing.
func CapabilityFor(principal *auth.Identity, order domain.Order) Capability {
	admin := isAdmin(principal)
	owner := principal != nil && order.IsOwnedBy(principal.UID)
	return Capability{
		CanView:         owner || admin,
		CanMutateStatus: admin,
	}
}

func isAdmin(principal *auth.Identity) bool {
	return principal != nil && principal.HasRole(auth.RoleAdmin)
}

func requirePrincipal(principal *auth.Identity) error {
	if principal == nil || strings.TrimSpace(principal.UID) == "" {
		return ErrOrderUnauthenticated
	}
	return nil
}

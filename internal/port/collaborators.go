package port

import "context"

const (
	RoleAdminBodega    = "ADMIN_BODEGA"
	RoleProjectManager = "PROJECT_MANAGER"
)

// SecurityContext identifies the caller of a use case. It is passed
// explicitly; nothing reads it from ambient state.
type SecurityContext interface {
	CurrentUserID() string
	HasRole(role string) bool
}

// Resource is a catalog entry resolved from an external identifier.
type Resource struct {
	ID   string
	Name string
	Unit string
}

type Catalog interface {
	// ResolveResource returns KindAggregateNotFound for unknown resources.
	ResolveResource(ctx context.Context, resourceID string) (Resource, error)
}

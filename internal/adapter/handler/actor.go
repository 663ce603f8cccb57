package handler

import (
	"net/http"
	"strings"

	"github.com/rl1809/site-ledger/internal/port"
)

const (
	headerUserID    = "X-User-ID"
	headerUserRoles = "X-User-Roles"
)

// Actor is the caller as asserted by the fronting gateway. Headers are
// trusted; nothing here authenticates.
type Actor struct {
	UserID string
	Roles  []string
}

var _ port.SecurityContext = Actor{}

func (a Actor) CurrentUserID() string { return a.UserID }

func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// actorFrom returns nil when the request carries no user, which the use
// cases reject as forbidden.
func actorFrom(r *http.Request) port.SecurityContext {
	id := strings.TrimSpace(r.Header.Get(headerUserID))
	if id == "" {
		return nil
	}
	var roles []string
	for _, role := range strings.Split(r.Header.Get(headerUserRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}
	return Actor{UserID: id, Roles: roles}
}

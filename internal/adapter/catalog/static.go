package catalog

import (
	"context"
	"strings"

	"github.com/rl1809/site-ledger/internal/config"
	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/port"
)

// Static resolves resources from the configured list. Ids and aliases match
// case-insensitively and always resolve to the canonical id.
type Static struct {
	byKey map[string]port.Resource
}

var _ port.Catalog = (*Static)(nil)

func NewStatic(entries []config.CatalogResource) *Static {
	c := &Static{byKey: make(map[string]port.Resource, len(entries))}
	for _, e := range entries {
		r := port.Resource{ID: e.ID, Name: e.Name, Unit: e.Unit}
		c.byKey[key(e.ID)] = r
		for _, a := range e.Aliases {
			c.byKey[key(a)] = r
		}
	}
	return c
}

func (c *Static) ResolveResource(_ context.Context, resourceID string) (port.Resource, error) {
	r, ok := c.byKey[key(resourceID)]
	if !ok {
		return port.Resource{}, domain.Errorf(domain.KindAggregateNotFound, "Catalog.ResolveResource", "unknown resource %q", resourceID)
	}
	return r, nil
}

func key(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

package catalog

import (
	"context"

	"github.com/JonMunkholm/trexsync/internal/locale"
)

// Catalog is the part of the client the engines use. *Client implements it.
type Catalog interface {
	Ping(ctx context.Context) error
	FetchLocales(ctx context.Context) ([]locale.Locale, error)
	FetchEntities(ctx context.Context, entityType string, pageSize int) *Iterator
	FetchObjectDefinitions(ctx context.Context, objects, locales []string) ([]Entity, error)
	PushTranslation(ctx context.Context, entityType, externalID, loc, text string) error
}

var _ Catalog = (*Client)(nil)

// Option is an explicitly optional catalog connection. Running without a
// catalog is a supported mode, so engines take an Option rather than a
// possibly nil client.
type Option struct {
	c Catalog
}

// Some wraps a connected catalog.
func Some(c Catalog) Option {
	return Option{c: c}
}

// None is the absent catalog.
func None() Option {
	return Option{}
}

// Get returns the catalog and whether one is present.
func (o Option) Get() (Catalog, bool) {
	return o.c, o.c != nil
}

// Present reports whether a catalog is configured.
func (o Option) Present() bool {
	return o.c != nil
}

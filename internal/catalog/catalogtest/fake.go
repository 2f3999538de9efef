// Package catalogtest provides an in-memory catalog for engine and service
// tests.
package catalogtest

import (
	"context"
	"sync"

	"github.com/JonMunkholm/trexsync/internal/catalog"
	"github.com/JonMunkholm/trexsync/internal/locale"
)

// Push is one recorded PushTranslation call.
type Push struct {
	EntityType string
	ExternalID string
	Locale     string
	Text       string
}

// Fake implements catalog.Catalog from fixed data. Set the fields before
// use; the methods are safe for concurrent use.
type Fake struct {
	PingErr    error
	Locales    []locale.Locale
	LocalesErr error

	Entities map[string][]catalog.Entity // entity type -> records
	FetchErr map[string]error            // entity type -> error after the records

	Objects    []catalog.Entity
	ObjectsErr error

	// PushErr decides the outcome of each push. Nil accepts everything.
	PushErr func(p Push) error

	mu       sync.Mutex
	fetches  map[string]int
	attempts []Push
	pushed   []Push
}

var _ catalog.Catalog = (*Fake)(nil)

func (f *Fake) Ping(ctx context.Context) error {
	return f.PingErr
}

func (f *Fake) FetchLocales(ctx context.Context) ([]locale.Locale, error) {
	if f.LocalesErr != nil {
		return nil, f.LocalesErr
	}
	return append([]locale.Locale(nil), f.Locales...), nil
}

func (f *Fake) FetchEntities(ctx context.Context, entityType string, pageSize int) *catalog.Iterator {
	f.mu.Lock()
	if f.fetches == nil {
		f.fetches = make(map[string]int)
	}
	f.fetches[entityType]++
	f.mu.Unlock()

	var err error
	if f.FetchErr != nil {
		err = f.FetchErr[entityType]
	}
	return catalog.StaticIterator(f.Entities[entityType], err)
}

func (f *Fake) FetchObjectDefinitions(ctx context.Context, objects, locales []string) ([]catalog.Entity, error) {
	if f.ObjectsErr != nil {
		return nil, f.ObjectsErr
	}
	return append([]catalog.Entity(nil), f.Objects...), nil
}

func (f *Fake) PushTranslation(ctx context.Context, entityType, externalID, loc, text string) error {
	p := Push{EntityType: entityType, ExternalID: externalID, Locale: loc, Text: text}
	var err error
	if f.PushErr != nil {
		err = f.PushErr(p)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, p)
	if err == nil {
		f.pushed = append(f.pushed, p)
	}
	return err
}

// Fetches returns how often an entity type was fetched.
func (f *Fake) Fetches(entityType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[entityType]
}

// Attempts returns every push call, successful or not, in call order.
func (f *Fake) Attempts() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Push(nil), f.attempts...)
}

// Pushed returns the accepted pushes in call order.
func (f *Fake) Pushed() []Push {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Push(nil), f.pushed...)
}

// ActiveLocales builds an all-active locale list.
func ActiveLocales(codes ...string) []locale.Locale {
	out := make([]locale.Locale, len(codes))
	for i, c := range codes {
		out[i] = locale.Locale{Code: c, Active: true}
	}
	return out
}

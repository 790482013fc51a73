package book

import (
	"github.com/tradeforge/exchange-api/internal/types"
)

// Registry holds one Book per supported market. It is built once at process
// start from configuration and injected into everything that touches a book,
// so tests can run against a fresh registry instead of shared global state.
type Registry struct {
	books map[string]*Book
}

// NewRegistry creates a registry with one empty book per market code.
func NewRegistry(markets []string) *Registry {
	books := make(map[string]*Book, len(markets))
	for _, code := range markets {
		books[code] = New(code)
	}
	return &Registry{books: books}
}

// ForMarket returns the book for a market code. An unknown code is a
// configuration error: markets are fixed at startup, never created on demand.
func (r *Registry) ForMarket(code string) (*Book, error) {
	b, ok := r.books[code]
	if !ok {
		return nil, types.Validationf("unsupported market: %s", code)
	}
	return b, nil
}

// Markets lists the registered market codes.
func (r *Registry) Markets() []string {
	codes := make([]string, 0, len(r.books))
	for code := range r.books {
		codes = append(codes, code)
	}
	return codes
}

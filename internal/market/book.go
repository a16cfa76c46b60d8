package market

import (
	"sync"
	"time"

	"coinbase-trader/pkg/types"
)

// Book caches the latest ticker per product. The engine feeds it from the
// WebSocket stream; the position monitor and order manager read from it.
// Readers decide staleness themselves via the update timestamp.
type Book struct {
	mu      sync.RWMutex
	tickers map[string]types.TickerUpdate
}

// NewBook creates an empty price book.
func NewBook() *Book {
	return &Book{tickers: make(map[string]types.TickerUpdate)}
}

// Update stores the latest ticker for its product. Out-of-order updates
// (older than what is already cached) are dropped.
func (b *Book) Update(t types.TickerUpdate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if prev, ok := b.tickers[t.ProductID]; ok && t.Time.Before(prev.Time) {
		return
	}
	b.tickers[t.ProductID] = t
}

// Get returns the cached ticker for a product.
func (b *Book) Get(productID string) (types.TickerUpdate, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t, ok := b.tickers[productID]
	return t, ok
}

// Fresh returns the cached ticker only if it is younger than maxAge.
func (b *Book) Fresh(productID string, maxAge time.Duration) (types.TickerUpdate, bool) {
	t, ok := b.Get(productID)
	if !ok || time.Since(t.Time) > maxAge {
		return types.TickerUpdate{}, false
	}
	return t, true
}

// Len returns the number of products with a cached ticker.
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tickers)
}

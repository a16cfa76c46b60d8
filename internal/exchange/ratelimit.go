// ratelimit.go implements per-endpoint-class rate limiting for the exchange
// REST API.
//
// The exchange enforces separate request budgets for public market-data
// endpoints and private (signed) endpoints, with order placement counted
// against a tighter budget still. Each class gets its own token bucket;
// every REST method calls the matching bucket's Wait before sending, so the
// budgets are shared correctly across the analysis workers, the reconciler,
// and the position monitor.
package exchange

import (
	"golang.org/x/time/rate"
)

// RateLimiter groups token buckets by REST endpoint class.
type RateLimiter struct {
	Public  *rate.Limiter // candles, products, bid/ask, trades
	Private *rate.Limiter // accounts, fills, order status, summary
	Order   *rate.Limiter // place, cancel, preview, convert
}

// NewRateLimiter creates buckets tuned to the exchange's published limits,
// held slightly under the hard caps to absorb clock skew.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Public:  rate.NewLimiter(rate.Limit(8), 16), // 10/s hard cap
		Private: rate.NewLimiter(rate.Limit(12), 24),
		Order:   rate.NewLimiter(rate.Limit(5), 10),
	}
}

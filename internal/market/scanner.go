// Package market selects which products the bot trades and caches live
// prices for them.
//
// The scanner ranks the spot universe by trailing 24h quote volume and
// returns the top candidates each cycle; products the bot already holds are
// always included so open positions keep getting monitored even when they
// fall out of the ranking. The book caches WebSocket ticker updates so hot
// paths never need a REST round trip for a price.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"coinbase-trader/internal/config"
	"coinbase-trader/pkg/types"
)

// ProductLister is the slice of the exchange gateway the scanner needs.
type ProductLister interface {
	ListProducts(ctx context.Context) ([]types.Product, error)
}

// Scanner picks the candidate products for each trading cycle.
type Scanner struct {
	client  ProductLister
	cfg     config.TradingConfig
	riskCfg config.RiskConfig
	logger  *slog.Logger
}

// NewScanner creates a product scanner.
func NewScanner(client ProductLister, cfg config.TradingConfig, riskCfg config.RiskConfig, logger *slog.Logger) *Scanner {
	return &Scanner{
		client:  client,
		cfg:     cfg,
		riskCfg: riskCfg,
		logger:  logger.With("component", "scanner"),
	}
}

// Candidates returns the products to analyze this cycle: the top MaxProducts
// tradable products in the configured quote currency ranked by 24h volume,
// plus any held products that fell outside the ranking. Held products are
// appended beyond the cap — an open position is always monitored.
func (s *Scanner) Candidates(ctx context.Context, held []string) ([]types.Product, error) {
	ranked, err := s.universe(ctx)
	if err != nil {
		return nil, err
	}

	if len(ranked) > s.cfg.MaxProducts {
		ranked = ranked[:s.cfg.MaxProducts]
	}

	selected := make(map[string]bool, len(ranked))
	for _, p := range ranked {
		selected[p.ID] = true
	}

	heldSet := make(map[string]bool, len(held))
	for _, id := range held {
		heldSet[id] = true
	}

	if missing := missingHeld(heldSet, selected); len(missing) > 0 {
		all, err := s.client.ListProducts(ctx)
		if err != nil {
			return nil, fmt.Errorf("list products for held positions: %w", err)
		}
		byID := make(map[string]types.Product, len(all))
		for _, p := range all {
			byID[p.ID] = p
		}
		for _, id := range missing {
			p, ok := byID[id]
			if !ok {
				s.logger.Warn("held product no longer listed", "product", id)
				continue
			}
			ranked = append(ranked, p)
		}
	}

	s.logger.Debug("candidates selected",
		"count", len(ranked),
		"held", len(held))
	return ranked, nil
}

// ScanAll returns the full tradable universe ranked by 24h volume. Used by
// the scan subcommand to print opportunities without trading.
func (s *Scanner) ScanAll(ctx context.Context) ([]types.Product, error) {
	return s.universe(ctx)
}

// universe fetches the product list and applies the hard filters: correct
// quote currency, not view-only or disabled, minimum order value within our
// floor. Result is sorted by 24h volume, highest first.
func (s *Scanner) universe(ctx context.Context) ([]types.Product, error) {
	all, err := s.client.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}

	minQuoteFloor := decimal.NewFromFloat(s.riskCfg.MinQuoteTrade)

	var filtered []types.Product
	for _, p := range all {
		if !strings.EqualFold(p.Quote, s.cfg.QuoteCurrency) {
			continue
		}
		if !p.Tradable(minQuoteFloor) {
			continue
		}
		filtered = append(filtered, p)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Volume24h.GreaterThan(filtered[j].Volume24h)
	})

	s.logger.Debug("universe scanned",
		"total", len(all),
		"tradable", len(filtered))
	return filtered, nil
}

func missingHeld(held, selected map[string]bool) []string {
	var missing []string
	for id := range held {
		if !selected[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}

package strategy

import (
	"fmt"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/indicator"
	"coinbase-trader/pkg/types"
)

// Hybrid runs all three base evaluators and emits a directional signal only
// when at least K of them agree. Confidence is the confidence-weighted
// average of the concurring signals, so two half-hearted agreements do not
// look like conviction.
type Hybrid struct {
	k          int
	evaluators []Strategy
}

// NewHybrid creates the K-of-N agreement evaluator.
func NewHybrid(cfg config.StrategiesConfig) *Hybrid {
	return &Hybrid{
		k: cfg.Hybrid.K,
		evaluators: []Strategy{
			NewMomentum(cfg.Momentum),
			NewMeanReversion(cfg.MeanReversion),
			NewBreakout(cfg.Breakout),
		},
	}
}

func (h *Hybrid) Name() string { return "hybrid" }

func (h *Hybrid) Analyze(s *indicator.Series, productID string) types.Signal {
	at := seriesTime(s)
	signals := make([]types.Signal, 0, len(h.evaluators))
	for _, ev := range h.evaluators {
		signals = append(signals, ev.Analyze(s, productID))
	}

	for _, action := range []types.Action{types.ActionBuy, types.ActionSell} {
		var agreeing []types.Signal
		for _, sig := range signals {
			if sig.Action == action {
				agreeing = append(agreeing, sig)
			}
		}
		if len(agreeing) < h.k {
			continue
		}

		var weighted, total float64
		reasons := []string{fmt.Sprintf("%d/%d evaluators agree on %s", len(agreeing), len(h.evaluators), action)}
		for _, sig := range agreeing {
			weighted += sig.Confidence * sig.Confidence
			total += sig.Confidence
			for _, r := range sig.Reasons {
				reasons = append(reasons, sig.Strategy+": "+r)
			}
		}
		confidence := 0.0
		if total > 0 {
			confidence = weighted / total
		}
		return types.Signal{
			Action:     action,
			Confidence: confidence,
			Reasons:    reasons,
			Strategy:   h.Name(),
			ProducedAt: at,
		}
	}

	return hold(h.Name(), 0.5, at, fmt.Sprintf("fewer than %d evaluators agree", h.k))
}

// Package strategy implements the signal evaluators.
//
// Every evaluator implements the same contract: Analyze takes an enriched
// candle series and returns a Signal. Evaluators are pure — byte-equal
// inputs produce byte-equal signals — so ProducedAt is derived from the
// last candle, never from the wall clock.
//
// All evaluators share a scoring pattern: weighted rules accumulate a buy
// score and a sell score, a trend-regime precondition gates the whole
// evaluation, and confidence maps to winning_score / max_score. A HOLD is
// produced when neither score reaches the strategy's minimum.
package strategy

import (
	"fmt"
	"time"

	"coinbase-trader/internal/config"
	"coinbase-trader/internal/indicator"
	"coinbase-trader/pkg/types"
)

// Strategy is a pluggable signal evaluator.
type Strategy interface {
	Name() string
	Analyze(s *indicator.Series, productID string) types.Signal
}

// New builds the active strategy from config.
func New(cfg config.StrategiesConfig) (Strategy, error) {
	switch cfg.Active {
	case "momentum":
		return NewMomentum(cfg.Momentum), nil
	case "meanreversion":
		return NewMeanReversion(cfg.MeanReversion), nil
	case "breakout":
		return NewBreakout(cfg.Breakout), nil
	case "hybrid":
		return NewHybrid(cfg), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Active)
	}
}

// scorer accumulates weighted rule hits and their reasons.
type scorer struct {
	score   float64
	reasons []string
}

func (sc *scorer) add(points float64, format string, args ...any) {
	sc.score += points
	sc.reasons = append(sc.reasons, fmt.Sprintf(format, args...))
}

// hold builds a HOLD signal. A zero-confidence hold means the series could
// not be evaluated; 0.5 means it was evaluated and nothing fired.
func hold(name string, confidence float64, at time.Time, reasons ...string) types.Signal {
	if len(reasons) == 0 {
		reasons = []string{"no rule fired"}
	}
	return types.Signal{
		Action:     types.ActionHold,
		Confidence: confidence,
		Reasons:    reasons,
		Strategy:   name,
		ProducedAt: at,
	}
}

// verdict maps the two scores to a signal given the strategy's minimum
// score and maximum achievable scores per side.
func verdict(name string, buy, sell scorer, minScore, buyMax, sellMax float64, at time.Time) types.Signal {
	buyConf := min(buy.score/buyMax, 1.0)
	sellConf := min(sell.score/sellMax, 1.0)

	if buy.score >= minScore && buy.score > sell.score {
		return types.Signal{
			Action:     types.ActionBuy,
			Confidence: buyConf,
			Reasons:    buy.reasons,
			Strategy:   name,
			ProducedAt: at,
		}
	}
	if sell.score >= minScore && sell.score > buy.score {
		return types.Signal{
			Action:     types.ActionSell,
			Confidence: sellConf,
			Reasons:    sell.reasons,
			Strategy:   name,
			ProducedAt: at,
		}
	}
	return hold(name, 0.5, at, "neither side reached minimum score")
}

// seriesTime returns the deterministic timestamp for signals built from s.
func seriesTime(s *indicator.Series) time.Time {
	if s.Len() == 0 {
		return time.Time{}
	}
	return s.Candles[s.Len()-1].Start
}

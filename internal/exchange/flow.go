package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

// Buy-pressure bucket boundaries over the buy share of traded volume.
var (
	strongBuyFloor    = decimal.NewFromFloat(0.60)
	moderateBuyFloor  = decimal.NewFromFloat(0.52)
	moderateSellCeil  = decimal.NewFromFloat(0.48)
	strongSellCeil    = decimal.NewFromFloat(0.40)
)

// AnalyzeVolumeFlow summarizes aggressor-side volume over the last lookback
// public trades. The order manager uses the buy-pressure share as a
// confirmation filter before entries: a product being sold into is not
// bought, however good the chart looks.
func (c *Client) AnalyzeVolumeFlow(ctx context.Context, productID string, lookback int) (types.VolumeFlow, error) {
	trades, err := c.GetRecentTrades(ctx, productID, lookback)
	if err != nil {
		return types.VolumeFlow{}, err
	}

	flow := types.VolumeFlow{ProductID: productID}
	for _, t := range trades {
		if t.Side == types.BUY {
			flow.BuyVolume = flow.BuyVolume.Add(t.Size)
		} else {
			flow.SellVolume = flow.SellVolume.Add(t.Size)
		}
	}

	total := flow.BuyVolume.Add(flow.SellVolume)
	if total.IsZero() {
		flow.BuyPressure = decimal.NewFromFloat(0.5)
		flow.NetPressure = types.PressureNeutral
		return flow, nil
	}
	flow.BuyPressure = flow.BuyVolume.Div(total)
	flow.NetPressure = classifyPressure(flow.BuyPressure)
	return flow, nil
}

func classifyPressure(buyShare decimal.Decimal) types.Pressure {
	switch {
	case buyShare.GreaterThanOrEqual(strongBuyFloor):
		return types.PressureStrongBuy
	case buyShare.GreaterThanOrEqual(moderateBuyFloor):
		return types.PressureModerateBuy
	case buyShare.LessThanOrEqual(strongSellCeil):
		return types.PressureStrongSell
	case buyShare.LessThanOrEqual(moderateSellCeil):
		return types.PressureModerateSell
	default:
		return types.PressureNeutral
	}
}

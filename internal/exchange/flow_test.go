package exchange

import (
	"testing"

	"github.com/shopspring/decimal"

	"coinbase-trader/pkg/types"
)

func TestClassifyPressure(t *testing.T) {
	t.Parallel()
	cases := []struct {
		buyShare string
		want     types.Pressure
	}{
		{"0.75", types.PressureStrongBuy},
		{"0.60", types.PressureStrongBuy}, // boundary is inclusive
		{"0.55", types.PressureModerateBuy},
		{"0.52", types.PressureModerateBuy},
		{"0.50", types.PressureNeutral},
		{"0.48", types.PressureModerateSell},
		{"0.45", types.PressureModerateSell},
		{"0.40", types.PressureStrongSell},
		{"0.25", types.PressureStrongSell},
	}
	for _, tc := range cases {
		got := classifyPressure(decimal.RequireFromString(tc.buyShare))
		if got != tc.want {
			t.Errorf("classifyPressure(%s) = %s, want %s", tc.buyShare, got, tc.want)
		}
	}
}

func TestMapStatus(t *testing.T) {
	t.Parallel()
	cases := map[string]types.OrderStatus{
		"OPEN":      types.StatusOpen,
		"PENDING":   types.StatusOpen,
		"QUEUED":    types.StatusOpen,
		"FILLED":    types.StatusFilled,
		"CANCELLED": types.StatusCancelled,
		"EXPIRED":   types.StatusExpired,
		"FAILED":    types.StatusRejected,
		"REJECTED":  types.StatusRejected,
		"SOMETHING": types.StatusOpen, // unknown states stay non-terminal
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}

package fee

import (
	"testing"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/settings"
	"github.com/shopspring/decimal"
)

type staticSettings struct {
	snap settings.Snapshot
}

func (s staticSettings) Snapshot() settings.Snapshot { return s.snap }

func TestCalculate(t *testing.T) {
	snap := settings.Defaults(decimal.RequireFromString("0.05"), 0, []string{"POINTS"})
	snap.AssetFeeRates["DIAMONDS"] = decimal.Zero

	withMin := settings.Defaults(decimal.RequireFromString("0.05"), 2, []string{"POINTS"})

	cases := []struct {
		name  string
		snap  settings.Snapshot
		gross int64
		asset string
		fee   int64
	}{
		{"five percent", snap, 100, "POINTS", 5},
		{"rounds half up", snap, 10, "POINTS", 1},
		{"rounds down", snap, 9, "POINTS", 0},
		{"zero rate asset", snap, 100, "DIAMONDS", 0},
		{"minimum fee", withMin, 10, "POINTS", 2},
		{"fee capped at gross", withMin, 1, "POINTS", 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calc := NewCalculator(staticSettings{snap: tc.snap})
			q, err := calc.Calculate(tc.gross, tc.asset)
			if err != nil {
				t.Fatalf("Calculate: %v", err)
			}
			if q.Fee != tc.fee {
				t.Fatalf("expected fee %d, got %d", tc.fee, q.Fee)
			}
			if q.Gross != q.Fee+q.Net {
				t.Fatalf("quote does not reconcile: %+v", q)
			}
		})
	}
}

func TestCalculateRejectsNonPositive(t *testing.T) {
	calc := NewCalculator(staticSettings{snap: settings.Defaults(decimal.Zero, 0, nil)})
	if _, err := calc.Calculate(0, "POINTS"); err == nil {
		t.Fatalf("expected error for zero gross")
	}
}

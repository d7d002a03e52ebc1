package fee

import (
	"fmt"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/settings"
	"github.com/shopspring/decimal"
)

type SnapshotProvider interface {
	Snapshot() settings.Snapshot
}

type Quote struct {
	Gross int64
	Fee   int64
	Net   int64
	Rate  decimal.Decimal
}

// Calculator splits a gross amount into fee and net using the current
// settings snapshot. Fees round half-up to whole minor units, are at least
// the configured minimum and never exceed the gross amount.
type Calculator struct {
	settings SnapshotProvider
}

func NewCalculator(settings SnapshotProvider) *Calculator {
	return &Calculator{settings: settings}
}

func (c *Calculator) Calculate(gross int64, asset string) (Quote, error) {
	if gross <= 0 {
		return Quote{}, fmt.Errorf("gross amount must be positive")
	}
	snap := c.settings.Snapshot()
	rate := snap.FeeRateFor(asset)

	fee := decimal.NewFromInt(gross).Mul(rate).Round(0).IntPart()
	if rate.IsPositive() && fee < snap.MinFee {
		fee = snap.MinFee
	}
	if fee > gross {
		fee = gross
	}

	return Quote{Gross: gross, Fee: fee, Net: gross - fee, Rate: rate}, nil
}

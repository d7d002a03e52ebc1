// Package reconcile audits stored ledger state against its invariants.
// Violations are reported, logged and exported; nothing is ever repaired.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
)

const (
	CheckOrderAmounts     = "order_amounts"
	CheckNegativeBalances = "negative_balances"
	CheckBalanceDrift     = "balance_drift"
	CheckOrphanLocks      = "orphan_locks"
)

var Checks = []string{CheckOrderAmounts, CheckNegativeBalances, CheckBalanceDrift, CheckOrphanLocks}

type Metrics interface {
	SetViolations(check string, n int)
	ObserveReconcile(duration time.Duration)
}

type Violation struct {
	Check   string `json:"check"`
	Subject string `json:"subject"`
	Detail  string `json:"detail"`
}

type Report struct {
	StartedAt  time.Time      `json:"started_at"`
	Duration   time.Duration  `json:"duration"`
	Counts     map[string]int `json:"counts"`
	Violations []Violation    `json:"violations"`
}

func (r Report) Clean() bool { return len(r.Violations) == 0 }

type Auditor struct {
	store   storage.Auditor
	metrics Metrics
	logger  *slog.Logger
}

func NewAuditor(store storage.Auditor, metrics Metrics, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{store: store, metrics: metrics, logger: logger}
}

func (a *Auditor) Run(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC(), Counts: map[string]int{}}

	orders, err := a.store.ListOrderMismatches(ctx)
	if err != nil {
		return report, fmt.Errorf("%s: %w", CheckOrderAmounts, err)
	}
	for _, o := range orders {
		report.add(CheckOrderAmounts, o.ID.String(),
			fmt.Sprintf("gross %d != fee %d + net %d", o.GrossAmount, o.FeeAmount, o.NetAmount))
	}

	negatives, err := a.store.ListNegativeBalances(ctx)
	if err != nil {
		return report, fmt.Errorf("%s: %w", CheckNegativeBalances, err)
	}
	for _, b := range negatives {
		report.add(CheckNegativeBalances, balanceSubject(b.AccountID.String(), b.AssetCode),
			fmt.Sprintf("available %d frozen %d", b.Available, b.Frozen))
	}

	drifts, err := a.store.ListBalanceDrifts(ctx)
	if err != nil {
		return report, fmt.Errorf("%s: %w", CheckBalanceDrift, err)
	}
	for _, d := range drifts {
		report.add(CheckBalanceDrift, balanceSubject(d.AccountID.String(), d.AssetCode),
			fmt.Sprintf("stored %d/%d ledger %d/%d", d.StoredAvailable, d.StoredFrozen, d.DerivedAvailable, d.DerivedFrozen))
	}

	orphans, err := a.store.ListOrphanLocks(ctx)
	if err != nil {
		return report, fmt.Errorf("%s: %w", CheckOrphanLocks, err)
	}
	for _, l := range orphans {
		owner := "none"
		if l.LockedByOrderID != nil {
			owner = l.LockedByOrderID.String()
		}
		report.add(CheckOrphanLocks, l.ID.String(), "locked by "+owner)
	}

	report.Duration = time.Since(report.StartedAt)
	for _, check := range Checks {
		if a.metrics != nil {
			a.metrics.SetViolations(check, report.Counts[check])
		}
	}
	if a.metrics != nil {
		a.metrics.ObserveReconcile(report.Duration)
	}

	for _, v := range report.Violations {
		a.logger.Error("ledger invariant violated", "check", v.Check, "subject", v.Subject, "detail", v.Detail)
	}
	a.logger.Info("reconciliation finished", "violations", len(report.Violations), "duration", report.Duration)
	return report, nil
}

func (r *Report) add(check, subject, detail string) {
	r.Counts[check]++
	r.Violations = append(r.Violations, Violation{Check: check, Subject: subject, Detail: detail})
}

func balanceSubject(account, asset string) string {
	return account + "/" + asset
}

package main

import (
	"encoding/json"
	"fmt"

	"github.com/AfshinJalili/rewardledger/services/ledger/internal/reconcile"
	"github.com/AfshinJalili/rewardledger/services/ledger/internal/storage"
	"github.com/spf13/cobra"
)

var reconcileJSON bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run the ledger audit once; exits non-zero when violations are found.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		pool, err := connect(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer pool.Close()

		auditor := reconcile.NewAuditor(storage.NewPostgres(pool, logger, nil), nil, logger)
		report, err := auditor.Run(cmd.Context())
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if reconcileJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(out, "audit finished in %s\n", report.Duration)
			for check, n := range report.Counts {
				fmt.Fprintf(out, "  %-20s %d\n", check, n)
			}
			for _, v := range report.Violations {
				fmt.Fprintf(out, "  ! %s %s: %s\n", v.Check, v.Subject, v.Detail)
			}
		}
		if !report.Clean() {
			return fmt.Errorf("%d violations found", len(report.Violations))
		}
		return nil
	},
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileJSON, "json", false, "print the report as JSON")
}

package main

import (
	"fmt"
	"time"

	"github.com/AfshinJalili/rewardledger/libs/apikey"
	"github.com/AfshinJalili/rewardledger/libs/auth"
	"github.com/spf13/cobra"
)

var (
	keyEnv      string
	keyOperator string
	tokenTTL    time.Duration
)

var apikeyCmd = &cobra.Command{
	Use:   "apikey",
	Short: "Generate an operator key for the internal endpoints.",
	Long: `Generate prints a new operator key once, together with the
LEDGER_AUTH_ADMIN_KEYS entry that admits it. Only the hash belongs in config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyOperator == "" {
			return fmt.Errorf("--operator required")
		}
		key, _, hash, err := apikey.Generate(keyEnv)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key:    %s\n", key)
		fmt.Fprintf(out, "config: %s:%s\n", keyOperator, hash)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-ref>",
	Short: "Mint a user access token signed with the configured secret (dev and test only).",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := requireNonProd(cfg.App.Env); err != nil {
			return err
		}
		token, err := auth.Sign(args[0], []string{"ledger"}, cfg.Auth.JWTSecret, tokenTTL, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	apikeyCmd.Flags().StringVar(&keyEnv, "env", "live", "environment tag embedded in the key")
	apikeyCmd.Flags().StringVar(&keyOperator, "operator", "", "operator name recorded on adjustments")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", time.Hour, "token lifetime")
}

func requireNonProd(env string) error {
	if env != "dev" && env != "test" {
		return fmt.Errorf("refusing to run: env must be 'dev' or 'test' (got %q)", env)
	}
	return nil
}

package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ineyio/creditgate"
)

func newSeedCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Create or update an account and optionally grant it a subscription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID := v.GetString("user")
			if userID == "" {
				return errors.New("--user is required")
			}

			a, err := newApp(cmd.Context(), v)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := cmd.Context()

			acct := creditgate.UserAccount{ID: userID, FreeCredit: v.GetInt64("free")}
			if err := acct.Validate(); err != nil {
				return err
			}
			if err := a.ledger.PutAccount(ctx, acct); err != nil {
				return err
			}

			if credit := v.GetInt64("grant-credit"); credit > 0 {
				now := time.Now().UTC().Truncate(time.Second)
				expires := now.Add(v.GetDuration("grant-length"))
				period := now.Add(a.cfg.Ledger.RenewalPeriod)
				if expires.Before(period) {
					period = expires
				}
				g := creditgate.SubscriptionGrant{
					ID:              uuid.NewString(),
					UserID:          userID,
					PlanCode:        v.GetInt("plan-code"),
					CreditPerPeriod: credit,
					CreditRemaining: credit,
					ExpiresAt:       expires,
					PeriodExpiresAt: period,
					Status:          creditgate.GrantActive,
				}
				if err := g.Validate(); err != nil {
					return err
				}
				if err := a.ledger.PutGrant(ctx, g); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "granted %s: %d credit per period until %s\n",
					g.ID, credit, expires.Format(time.RFC3339))
			}

			balance, err := creditgate.NewLedger(a.ledger, a.options()...).Balance(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance: %d\n", userID, balance)
			return nil
		},
	}
	f := cmd.Flags()
	f.String("user", "", "account ID")
	f.Int64("free", 0, "free credit")
	f.Int64("grant-credit", 0, "credit per period of a new subscription grant; 0 skips the grant")
	f.Duration("grant-length", 365*24*time.Hour, "lifetime of the grant")
	f.Int("plan-code", 1, "plan code; codes below the recurring limit renew")
	return cmd
}

package main

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/everliv/everliv-api/internal/scheduler"
)

func newSubscriptionsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "Maintain user subscriptions",
	}

	expire := &cobra.Command{
		Use:   "expire",
		Short: "Expire subscriptions past their period end",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := e.access()
			if err != nil {
				return err
			}
			n, err := svc.ExpireDue(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			e.out.Success("%d subscription(s) expired", n)
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show <user-id>",
		Short: "Show the effective plan of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := e.access()
			if err != nil {
				return err
			}
			cur, err := svc.CurrentSubscription(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			row := []string{args[0], cur.Plan.ID, "-", "-"}
			if s := cur.Subscription; s != nil {
				row[2] = s.Status
				row[3] = s.CurrentPeriodEnd.Format(time.DateOnly)
			}
			return e.out.Table([]string{"user", "plan", "status", "period end"}, [][]string{row})
		},
	}

	cmd.AddCommand(expire, show)
	return cmd
}

func newPaymentsCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Maintain payments",
	}

	var ttl time.Duration
	expire := &cobra.Command{
		Use:   "expire",
		Short: "Expire invoices left pending for longer than --ttl",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := e.payments()
			if err != nil {
				return err
			}
			n, err := svc.ExpirePending(cmd.Context(), time.Now().UTC().Add(-ttl))
			if err != nil {
				return err
			}
			e.out.Success("%d pending payment(s) expired", n)
			return nil
		},
	}
	expire.Flags().DurationVar(&ttl, "ttl", scheduler.DefaultPendingPaymentTTL, "age after which a pending invoice expires")

	cmd.AddCommand(expire)
	return cmd
}

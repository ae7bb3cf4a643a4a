package main

import (
	"github.com/spf13/cobra"
)

func newAdminCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Back-office actions without the HTTP API",
	}

	var months int
	grant := &cobra.Command{
		Use:   "grant <user-id> <plan-id>",
		Short: "Activate a plan for a user without a payment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := e.access()
			if err != nil {
				return err
			}
			sub, err := svc.Activate(cmd.Context(), args[0], args[1], months, "")
			if err != nil {
				return err
			}
			e.out.Success("%s is on %s until %s", sub.UserID, sub.PlanID, sub.CurrentPeriodEnd.Format("2006-01-02"))
			return nil
		},
	}
	grant.Flags().IntVar(&months, "months", 0, "period length; 0 uses the plan default")

	revoke := &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "End the active subscription of a user now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := e.access()
			if err != nil {
				return err
			}
			if _, err := svc.Revoke(cmd.Context(), args[0]); err != nil {
				return err
			}
			e.out.Success("subscription of %s revoked", args[0])
			return nil
		},
	}

	promote := &cobra.Command{
		Use:   "promote <user-id>",
		Short: "Give a user the admin role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := e.repository()
			if err != nil {
				return err
			}
			if err := repo.GrantRole(cmd.Context(), args[0], "admin"); err != nil {
				return err
			}
			e.out.Success("%s is now an admin", args[0])
			return nil
		},
	}

	cmd.AddCommand(grant, revoke, promote)
	return cmd
}

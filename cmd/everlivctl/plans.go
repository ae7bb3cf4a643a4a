package main

import (
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/everliv/everliv-api/internal/config"
)

func newPlansCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Inspect the subscription plan catalog",
	}

	var file string
	load := func() (*config.Plans, error) {
		if file != "" {
			return config.LoadPlans(file)
		}
		cfg, err := e.config()
		if err != nil {
			return nil, err
		}
		return config.LoadPlans(cfg.PlansConfigPath)
	}
	cmd.PersistentFlags().StringVar(&file, "file", "", "plan catalog YAML (defaults to PLANS_CONFIG_PATH or the built-in catalog)")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Check the catalog for unknown features and a missing default plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := load()
			if err != nil {
				return err
			}
			e.out.Success("%d plans, %d features, default %q", len(plans.Plans), len(plans.Features), plans.DefaultPlan)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Print the plans and their monthly limits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := load()
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(plans.Plans))
			for _, p := range plans.Plans {
				rows = append(rows, []string{p.ID, strconv.Itoa(p.Price) + " " + plans.Currency, strconv.Itoa(p.PeriodMonths), formatLimits(p.Limits)})
			}
			return e.out.Table([]string{"id", "price", "months", "limits"}, rows)
		},
	}

	cmd.AddCommand(validate, list)
	return cmd
}

func formatLimits(limits map[string]int) string {
	keys := make([]string, 0, len(limits))
	for k := range limits {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		v := strconv.Itoa(limits[k])
		if limits[k] == config.Unlimited {
			v = "unlimited"
		}
		parts[i] = k + "=" + v
	}
	return strings.Join(parts, ",")
}

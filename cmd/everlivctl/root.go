package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/everliv/everliv-api/internal/cli"
	"github.com/everliv/everliv-api/internal/config"
	"github.com/everliv/everliv-api/internal/database"
	"github.com/everliv/everliv-api/internal/logging"
	"github.com/everliv/everliv-api/services/access"
	"github.com/everliv/everliv-api/services/payments"
	"github.com/everliv/everliv-api/supabase/client"
)

// env holds what subcommands share: flags, output and lazily built dependencies.
type env struct {
	envFile  string
	logLevel string
	out      *cli.Printer

	cfg *config.Config
}

func newRootCmd(w io.Writer) *cobra.Command {
	e := &env{out: cli.NewPrinter(w)}

	root := &cobra.Command{
		Use:           "everlivctl",
		Short:         "Operate the EVERLIV API: migrations, plans and subscriptions",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(w)
	root.SetErr(w)
	root.PersistentFlags().StringVar(&e.envFile, "env", ".env", "optional dotenv file")
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	root.AddCommand(
		newMigrateCmd(e),
		newPlansCmd(e),
		newSubscriptionsCmd(e),
		newPaymentsCmd(e),
		newAdminCmd(e),
	)

	// cobra prints nothing when errors are silenced
	for _, c := range root.Commands() {
		wrapErrors(e, c)
	}
	return root
}

func wrapErrors(e *env, c *cobra.Command) {
	if run := c.RunE; run != nil {
		c.RunE = func(cmd *cobra.Command, args []string) error {
			err := run(cmd, args)
			if err != nil {
				e.out.Error("%v", err)
			}
			return err
		}
	}
	for _, sub := range c.Commands() {
		wrapErrors(e, sub)
	}
}

func (e *env) config() (*config.Config, error) {
	if e.cfg != nil {
		return e.cfg, nil
	}
	cfg, err := config.Load(e.envFile)
	if err != nil {
		return nil, err
	}
	e.cfg = cfg
	return cfg, nil
}

func (e *env) logger() *logging.Logger {
	return logging.New("everlivctl", e.logLevel, "text")
}

func (e *env) databaseURL() (string, error) {
	cfg, err := e.config()
	if err != nil {
		return "", err
	}
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	return cfg.DatabaseURL, nil
}

func (e *env) repository() (*database.Repository, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if cfg.Supabase.URL == "" || cfg.Supabase.ServiceRoleKey == "" {
		return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_ROLE_KEY are required")
	}
	retry := client.DefaultRetryConfig()
	c, err := client.New(client.Config{URL: cfg.Supabase.URL, APIKey: cfg.Supabase.ServiceRoleKey, Retry: &retry})
	if err != nil {
		return nil, err
	}
	return database.NewRepository(c), nil
}

func (e *env) access() (*access.Service, *database.Repository, error) {
	repo, err := e.repository()
	if err != nil {
		return nil, nil, err
	}
	plans, err := config.LoadPlans(e.cfg.PlansConfigPath)
	if err != nil {
		return nil, nil, err
	}
	svc, err := access.New(access.Config{
		Store:         repo,
		Plans:         plans,
		TrialDuration: e.cfg.TrialDuration,
		Logger:        e.logger(),
	})
	return svc, repo, err
}

func (e *env) payments() (*payments.Service, error) {
	acc, repo, err := e.access()
	if err != nil {
		return nil, err
	}
	plans, err := config.LoadPlans(e.cfg.PlansConfigPath)
	if err != nil {
		return nil, err
	}
	return payments.New(payments.Config{
		Store:     repo,
		Activator: acc,
		Plans:     plans,
		Secret:    e.cfg.PayKeeper.Secret,
		Logger:    e.logger(),
	})
}

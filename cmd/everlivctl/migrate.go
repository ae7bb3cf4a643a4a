package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/everliv/everliv-api/internal/platform/migrations"
)

func newMigrateCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := e.databaseURL()
			if err != nil {
				return err
			}
			if err := migrations.Up(dsn); err != nil {
				return err
			}
			version, _, err := migrations.Status(dsn)
			if err != nil {
				return err
			}
			e.out.Success("schema at version %d", version)
			return nil
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := e.databaseURL()
			if err != nil {
				return err
			}
			if err := migrations.Down(dsn, steps); err != nil {
				return err
			}
			e.out.Success("rolled back %d migration(s)", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn, err := e.databaseURL()
			if err != nil {
				return err
			}
			version, dirty, err := migrations.Status(dsn)
			if err != nil {
				return err
			}
			if dirty {
				e.out.Warning("schema version %d is dirty; fix it and force the version", version)
				return nil
			}
			e.out.Info("schema version %d", version)
			return nil
		},
	}

	versions := &cobra.Command{
		Use:   "versions",
		Short: "List the embedded migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			vs, err := migrations.Versions()
			if err != nil {
				return err
			}
			rows := make([][]string, len(vs))
			for i, v := range vs {
				rows[i] = []string{strconv.FormatUint(uint64(v), 10)}
			}
			return e.out.Table([]string{"version"}, rows)
		},
	}

	cmd.AddCommand(up, down, status, versions)
	return cmd
}

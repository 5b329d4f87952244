package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/banshee-data/basestation/internal/db"
)

var errNotSQLite = errors.New("migrations apply to the sqlite backend only")

// openSQL opens the configured SQLite database without migrating it.
func openSQL() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend != "sqlite" {
		return nil, errNotSQLite
	}
	return db.OpenDB(cfg.Storage.Path)
}

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the SQLite schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openSQL()
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.MigrateUp(); err != nil {
				return err
			}
			return printVersion(cmd, d)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openSQL()
			if err != nil {
				return err
			}
			defer d.Close()
			return d.MigrateDown()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the current and latest schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openSQL()
			if err != nil {
				return err
			}
			defer d.Close()
			return printVersion(cmd, d)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force VERSION",
		Short: "Set the schema version without running migrations, clearing the dirty flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid version %q", args[0])
			}
			d, err := openSQL()
			if err != nil {
				return err
			}
			defer d.Close()
			if err := d.MigrateForce(v); err != nil {
				return err
			}
			return printVersion(cmd, d)
		},
	})
	return cmd
}

func printVersion(cmd *cobra.Command, d *db.DB) error {
	v, dirty, err := d.MigrateVersion()
	if err != nil {
		return err
	}
	latest, err := db.LatestMigrationVersion()
	if err != nil {
		return err
	}
	state := "clean"
	if dirty {
		state = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d of %d (%s)\n", v, latest, state)
	return nil
}

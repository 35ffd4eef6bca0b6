package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/relay/internal/config"
	"github.com/haasonsaas/relay/internal/observability"
	"github.com/haasonsaas/relay/internal/storage"
)

func buildMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			applied, err := migrator.Up()
			if err != nil {
				return err
			}
			if applied == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No pending migrations.")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", applied)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildMigrateStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate-status",
		Short: "Show the applied/pending state of every migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			statuses, err := migrator.Status()
			if err != nil {
				return err
			}
			for _, st := range statuses {
				state := "pending"
				if st.Applied {
					state = fmt.Sprintf("applied %s", st.AppliedAt.Format("2006-01-02 15:04:05"))
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%03d %-24s %s\n", st.Version, st.Name, state)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	return cmd
}

func buildMigrateRollbackCmd() *cobra.Command {
	var (
		configPath string
		toVersion  int
	)

	cmd := &cobra.Command{
		Use:   "migrate-rollback",
		Short: "Roll back migrations above a target version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if toVersion < 0 {
				return &configError{err: fmt.Errorf("--to-version must be >= 0")}
			}
			migrator, err := openMigrator(configPath)
			if err != nil {
				return err
			}
			if err := migrator.RollbackTo(toVersion); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Database is at version %d or below.\n", toVersion)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	cmd.Flags().IntVar(&toVersion, "to-version", 0, "Highest migration version to keep applied")
	_ = cmd.MarkFlagRequired("to-version")
	return cmd
}

func openMigrator(configPath string) (*storage.Migrator, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, &configError{err: err}
	}
	logger, _, err := observability.NewLogger(cfg.Logging.Level, "stderr")
	if err != nil {
		return nil, &configError{err: err}
	}
	return storage.NewMigrator(cfg.Database.Path, logger), nil
}

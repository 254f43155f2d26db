package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cobra "github.com/spf13/cobra"

	"lorawan-node/internal/config"
	"lorawan-node/internal/db"
	"lorawan-node/internal/migrate"
	"lorawan-node/internal/session"
	"lorawan-node/internal/utils"
)

func openDB(cmd *cobra.Command) (*sql.DB, error) {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if path, _ := cmd.Flags().GetString("db"); path != "" {
		cfg.SQLiteDSN = ""
		cfg.SQLitePath = path
	}
	return db.Open(cfg, slog.Default())
}

func newMigrateCommand() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending schema migrations to the session database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := migrate.Run(cmd.Context(), conn, slog.Default()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	migrateCmd.PersistentFlags().String("db", "", "Path to the session database (overrides SQLITE_PATH/SQLITE_DSN).")

	migrateCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Lists embedded migrations and whether they have been applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			all, err := migrate.Status(cmd.Context(), conn)
			if err != nil {
				return fmt.Errorf("migrate status: %w", err)
			}
			for _, m := range all {
				state := "pending"
				if m.Applied {
					state = "applied " + m.AppliedAt
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s_%s\t%s\n", m.Version, m.Name, state)
			}
			return nil
		},
	})
	return migrateCmd
}

func newSessionCommand() *cobra.Command {
	sessionCmd := &cobra.Command{
		Use:   "session",
		Short: "Shows the stored session and the most recent uplinks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := openDB(cmd)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := migrate.Run(cmd.Context(), conn, slog.Default()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			store := session.NewStore(conn, session.DefaultHistory)

			out := cmd.OutOrStdout()
			st, err := store.Load(cmd.Context())
			switch {
			case err == nil:
				fmt.Fprintf(out, "dev_addr:       %s\n", utils.Hex8(st.DevAddr))
				fmt.Fprintf(out, "join_mode:      %s\n", st.JoinMode)
				fmt.Fprintf(out, "uplink_counter: %d\n", st.UplinkCounter)
				if !st.JoinedAt.IsZero() {
					fmt.Fprintf(out, "joined_at:      %s\n", st.JoinedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(out, "updated_at:     %s\n", st.UpdatedAt.Format(time.RFC3339))
			case errors.Is(err, session.ErrNotFound):
				fmt.Fprintln(out, "no session stored")
			default:
				return err
			}

			limit, _ := cmd.Flags().GetInt("limit")
			uplinks, err := store.RecentUplinks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, u := range uplinks {
				fmt.Fprintf(out, "%s f_cnt=%d f_port=%d payload=%s\n",
					u.SentAt.Format(time.RFC3339), u.FCnt, u.FPort, utils.BytesToHex(u.Payload))
			}
			return nil
		},
	}
	sessionCmd.Flags().String("db", "", "Path to the session database (overrides SQLITE_PATH/SQLITE_DSN).")
	sessionCmd.Flags().Int("limit", 10, "Number of recent uplinks to show.")
	return sessionCmd
}

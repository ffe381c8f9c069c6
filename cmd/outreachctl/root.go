package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"outreach-platform/internal/audit"
	"outreach-platform/internal/config"
	"outreach-platform/internal/jobs"
	"outreach-platform/internal/outbox"
	"outreach-platform/pkg/logger"
	"outreach-platform/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

var (
	cfg     config.Config
	actorID string
)

var rootCmd = &cobra.Command{
	Use:           "outreachctl",
	Short:         "Operator tooling for the outreach dispatcher.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return err
		}
		cfg = c
		return nil
	},
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&actorID, "actor", os.Getenv("USER"), "Operator id recorded in the audit trail")
}

// openOutbox connects to Postgres; the in-memory store has nothing to repair
// from outside the process.
func openOutbox(ctx context.Context) (*outbox.Service, *sql.DB, error) {
	if cfg.App.Store != "postgres" {
		return nil, nil, fmt.Errorf("outbox commands need APP_STORE=postgres, got %q", cfg.App.Store)
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, nil, err
	}
	store := jobs.NewPostgresStore(db)
	svc := outbox.NewService(store, audit.NewService(audit.NewPostgresRepo(db)), nil, logger.Discard())
	return svc, db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rxtrust/rxtrust/internal/config"
	"github.com/rxtrust/rxtrust/internal/domain/prescription"
	"github.com/rxtrust/rxtrust/internal/platform/db"
	"github.com/rxtrust/rxtrust/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rxtrust-server",
		Short: "Prescription integrity and access-control API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(anchorCmd())
	rootCmd.AddCommand(verifyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the prescription API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	worker := prescription.NewAnchorWorker(a.svc, cfg.AnchorRetryInterval, logger)
	go func() {
		_ = worker.Run(ctx)
	}()

	if consumer := a.accessConsumer(); consumer != nil {
		defer consumer.Close()
		go func() {
			if err := consumer.Consume(ctx, a.accessHandler()); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("access event consumer stopped")
			}
		}()
	}

	e := a.newEcho()

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreBackend).Str("ledger", cfg.LedgerBackend).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return e.Shutdown(shutdownCtx)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(schema, func(ctx context.Context, m *db.Migrator) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(schema, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(schema string, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.StoreBackend == "memory" {
		return errors.New("migrations need STORE_BACKEND=postgres")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	m, err := db.NewMigrator(pool, migrations.FS, schema)
	if err != nil {
		return err
	}
	return fn(ctx, m)
}

func printMigrationStatus(schema string, statuses []db.MigrationStatus) {
	fmt.Printf("Migration status for schema: %s\n", schema)
	fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Println("---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func anchorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "anchor",
		Short: "Manage ledger anchoring",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "drain",
		Short: "Make one anchoring attempt for every due prescription",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				worker := prescription.NewAnchorWorker(a.svc, a.cfg.AnchorRetryInterval, a.log)
				res, err := worker.Drain(ctx)
				if err != nil {
					return fmt.Errorf("drain: %w", err)
				}
				return printJSON(res)
			})
		},
	})
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>",
		Short: "Recompute a prescription digest and check it against the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid prescription id %q", args[0])
			}
			return withApp(func(ctx context.Context, a *app) error {
				view, err := a.svc.FetchAndVerify(ctx, id)
				if err != nil {
					return err
				}
				return printJSON(view.Verification)
			})
		},
	}
}

// withApp runs fn against a fully wired app, logging to stderr so stdout
// carries only the command's result.
func withApp(fn func(context.Context, *app) error) error {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// gristctl is the operator CLI: it seeds the column catalog, attaches the
// default column set to a configuration, and triggers population, refresh
// and consistency checks against the remote Grist document.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/mecconnect/grist-connect/internal/config"
	"github.com/mecconnect/grist-connect/internal/db"
	"github.com/mecconnect/grist-connect/internal/grist"
	"github.com/mecconnect/grist-connect/internal/models"
	"github.com/mecconnect/grist-connect/internal/recoco"
	"github.com/mecconnect/grist-connect/internal/registry"
	"github.com/mecconnect/grist-connect/internal/service"
	"github.com/mecconnect/grist-connect/pkg/infra"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg := config.Load()
	logger := infra.SetupLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	postgres, err := db.NewPostgresRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("FATAL: Failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer postgres.Close()

	clients := func(config *models.GristConfig) service.TableClient {
		return grist.FromConfig(config)
	}
	source := recoco.NewClient(cfg.RecocoAPIBaseURL, cfg.RecocoAPIToken)
	syncer := service.NewSyncer(clients, source, logger)

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "create-columns":
		err = createColumns(ctx, postgres, logger)
	case "init-config":
		err = initConfig(ctx, postgres, logger, mustConfigID(args))
	case "populate":
		err = withConfig(ctx, postgres, mustConfigID(args), syncer.PopulateTable)
	case "refresh":
		err = withConfig(ctx, postgres, mustConfigID(args), syncer.RefreshTable)
	case "check":
		err = checkConfig(ctx, postgres, syncer, mustConfigID(args))
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		logger.Error("Command failed", "command", command, "error", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gristctl <create-columns|init-config|populate|refresh|check> [--config <uuid>]")
}

// mustConfigID parses the --config flag shared by all per-config commands
func mustConfigID(args []string) uuid.UUID {
	fs := flag.NewFlagSet("gristctl", flag.ExitOnError)
	raw := fs.String("config", "", "UUID of the grist configuration to process")
	_ = fs.Parse(args)

	id, err := uuid.Parse(*raw)
	if err != nil {
		fmt.Fprintln(os.Stderr, "a valid --config UUID is required")
		os.Exit(2)
	}
	return id
}

// createColumns seeds or refreshes the default column catalog
func createColumns(ctx context.Context, repo *db.PostgresRepository, logger *slog.Logger) error {
	for _, column := range registry.DefaultColumns {
		logger.Info("Creating column", "col_id", column.ColID)
		if err := repo.UpsertColumn(ctx, column); err != nil {
			return fmt.Errorf("failed to create column %s: %w", column.ColID, err)
		}
	}
	return nil
}

// initConfig attaches the full default column set to a configuration.
// Positions are spaced by 10 so columns can be inserted later without a
// full renumbering.
func initConfig(ctx context.Context, repo *db.PostgresRepository, logger *slog.Logger, configID uuid.UUID) error {
	if _, err := repo.GetConfig(ctx, configID); err != nil {
		return fmt.Errorf("configuration %s: %w", configID, err)
	}

	position := 0
	for _, column := range registry.DefaultColumns {
		logger.Info("Attaching column", "col_id", column.ColID, "position", position)
		if err := repo.UpsertColumnConfig(ctx, configID, column.ColID, position); err != nil {
			return fmt.Errorf("failed to attach column %s: %w", column.ColID, err)
		}
		position += 10
	}
	return nil
}

func withConfig(ctx context.Context, repo *db.PostgresRepository, configID uuid.UUID, run func(context.Context, *models.GristConfig) error) error {
	config, err := repo.GetConfig(ctx, configID)
	if err != nil {
		return fmt.Errorf("configuration %s: %w", configID, err)
	}
	return run(ctx, config)
}

func checkConfig(ctx context.Context, repo *db.PostgresRepository, syncer *service.Syncer, configID uuid.UUID) error {
	config, err := repo.GetConfig(ctx, configID)
	if err != nil {
		return fmt.Errorf("configuration %s: %w", configID, err)
	}

	consistent, err := syncer.CheckColumnsConsistency(ctx, config)
	if err != nil {
		return err
	}
	if !consistent {
		return fmt.Errorf("table %s columns diverge from the configuration", config.TableID)
	}

	fmt.Printf("table %s is consistent with configuration %s\n", config.TableID, configID)
	return nil
}

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "github.com/chainsink/indexer/configs"
	"github.com/chainsink/indexer/internal/checkpoint"
	"github.com/chainsink/indexer/internal/manifest"
	"github.com/chainsink/indexer/internal/orchestrator"
	"github.com/chainsink/indexer/internal/rpc"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	indexerMode string

	indexerCmd = &cobra.Command{
		Use:   "indexer",
		Short: "Run the indexing core",
		Long:  "Builds one pipeline per (network, contract, event) from the manifest and runs them to completion.",
		Run: func(cmd *cobra.Command, args []string) {
			RunIndexer(cmd, args)
		},
	}
)

func init() {
	indexerCmd.Flags().StringVar(&indexerMode, "mode", "historical-then-live", "Indexing mode: historical-only, historical-then-live or live-only")
}

func RunIndexer(cmd *cobra.Command, args []string) {
	m, err := manifest.Load(config.Cfg.ManifestPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load manifest")
	}

	pool, err := rpc.NewPool(m.Networks)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize provider pool")
	}
	defer pool.Close()

	checkpoints, err := buildCheckpointStore(m)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize checkpoint store")
	}
	defer checkpoints.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler, err := orchestrator.NewScheduler(ctx, m, pool, checkpoints)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create scheduler")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal %v, initiating graceful shutdown", sig)
		cancel()
	}()

	indexErr := scheduler.StartIndexing(ctx, parseMode(indexerMode))

	shutdownTimeout := time.Duration(config.Cfg.Scheduler.ShutdownTimeout) * time.Second
	remaining := scheduler.Shutdown(shutdownTimeout)

	if indexErr != nil {
		log.Error().Err(indexErr).Msg("Indexing finished with halted pipelines")
		os.Exit(1)
	}
	if len(remaining) > 0 {
		// Forced completion is clean but still worth a nonzero exit so
		// operators notice the hung tasks.
		os.Exit(1)
	}
	log.Info().Msg("Indexing finished")
}

func parseMode(mode string) orchestrator.Mode {
	switch mode {
	case "historical-only":
		return orchestrator.HistoricalOnly
	case "live-only":
		return orchestrator.LiveOnly
	default:
		return orchestrator.HistoricalThenLive
	}
}

// buildCheckpointStore picks the durable backend matching the sink
// configuration: a postgres table when the relational sink is on, a sidecar
// file in CSV-only mode, in-memory otherwise.
func buildCheckpointStore(m *manifest.Manifest) (checkpoint.Store, error) {
	if m.Storage.PostgresEnabled() {
		return checkpoint.NewPostgresStoreFromConfig(&config.Cfg.Database)
	}
	if m.Storage.CsvEnabled() {
		path := "./checkpoints.json"
		if m.Storage.Csv.Path != "" {
			path = m.Storage.Csv.Path + "/checkpoints.json"
		}
		return checkpoint.NewFileStore(path)
	}
	return checkpoint.NewMemoryStore(), nil
}

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/preauthagent/internal/adapters/search"
	"github.com/zatekoja/preauthagent/internal/application/services"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/preauthagent/internal/infrastructure/observability"
	"github.com/zatekoja/preauthagent/pkg/config"
	"github.com/zatekoja/preauthagent/pkg/secrets"
)

func main() {
	var (
		reset        bool
		intervalFlag string
		policiesDir  string
		recordsDir   string
	)
	flag.BoolVar(&reset, "reset", false, "drop both knowledge base collections before indexing")
	flag.StringVar(&intervalFlag, "interval", "", "repeat interval for reindexing (e.g. 6h, 30m)")
	flag.StringVar(&policiesDir, "policies", "", "directory of insurer policy documents")
	flag.StringVar(&recordsDir, "records", "", "directory of patient records with metadata sidecars (defaults to STORAGE_ROOT)")
	flag.Parse()

	if err := config.LoadEnvFile(); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env file")
	}
	if _, err := secrets.ApplyVaultSecrets(context.Background(), secrets.LoadVaultConfigFromEnv("")); err != nil {
		log.Fatal().Err(err).Msg("failed to load secrets from vault")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	observability.InitLogger("preauth-indexer", cfg.Env, cfg.LogLevel)

	if missing := cfg.MissingKnowledgeBases(); len(missing) > 0 {
		log.Fatal().Strs("missing", missing).Msg("knowledge base ids are not configured")
	}
	if recordsDir == "" {
		recordsDir = cfg.Storage.RootDir
	}

	intervalValue := strings.TrimSpace(intervalFlag)
	if intervalValue == "" {
		intervalValue = strings.TrimSpace(os.Getenv("REINDEX_INTERVAL"))
	}

	var interval time.Duration
	if intervalValue != "" {
		interval, err = time.ParseDuration(intervalValue)
		if err != nil {
			log.Fatal().Err(err).Str("interval", intervalValue).Msg("invalid interval")
		}
		if interval <= 0 {
			log.Fatal().Msg("interval must be greater than zero")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		if err := indexOnce(ctx, cfg, reset, policiesDir, recordsDir); err != nil {
			log.Error().Err(err).Msg("reindex failed")
		}

		if interval <= 0 {
			break
		}

		reset = false
		log.Info().Dur("next_run_in", interval).Msg("reindex complete")

		select {
		case <-ctx.Done():
			log.Info().Msg("indexer shutting down")
			return
		case <-time.After(interval):
		}
	}
}

func indexOnce(ctx context.Context, cfg *config.Config, reset bool, policiesDir, recordsDir string) error {
	tsClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		return err
	}

	if reset || os.Getenv("RESET_TYPESENSE") == "true" {
		for _, name := range []string{cfg.KnowledgeBase.InsurerID, cfg.KnowledgeBase.ProviderID} {
			log.Info().Str("collection", name).Msg("dropping knowledge base collection")
			if err := tsClient.DropCollection(ctx, name); err != nil {
				log.Warn().Err(err).Str("collection", name).Msg("failed to drop collection")
			}
		}
	}

	indexer := services.NewKnowledgeIndexer(search.NewKnowledgeBaseAdapter(tsClient, cfg.KnowledgeBase.TopK))

	if policiesDir != "" {
		stats, err := indexer.IndexTree(ctx, os.DirFS(policiesDir), cfg.KnowledgeBase.InsurerID, false)
		if err != nil {
			return err
		}
		log.Info().
			Str("knowledge_base", cfg.KnowledgeBase.InsurerID).
			Int("files", stats.Files).
			Int("skipped", stats.Skipped).
			Int("chunks", stats.Chunks).
			Msg("indexed policy documents")
	}

	if _, err := os.Stat(recordsDir); err != nil {
		log.Warn().Err(err).Str("dir", recordsDir).Msg("records directory unavailable, skipping clinical notes")
		return nil
	}
	stats, err := indexer.IndexTree(ctx, os.DirFS(recordsDir), cfg.KnowledgeBase.ProviderID, true)
	if err != nil {
		return err
	}
	log.Info().
		Str("knowledge_base", cfg.KnowledgeBase.ProviderID).
		Int("files", stats.Files).
		Int("skipped", stats.Skipped).
		Int("chunks", stats.Chunks).
		Msg("indexed clinical notes")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/preauthagent/internal/adapters/analysis"
	"github.com/zatekoja/preauthagent/internal/adapters/cache"
	"github.com/zatekoja/preauthagent/internal/adapters/database"
	"github.com/zatekoja/preauthagent/internal/adapters/events"
	"github.com/zatekoja/preauthagent/internal/adapters/search"
	"github.com/zatekoja/preauthagent/internal/adapters/storage"
	"github.com/zatekoja/preauthagent/internal/api/handlers"
	"github.com/zatekoja/preauthagent/internal/api/middleware"
	"github.com/zatekoja/preauthagent/internal/api/routes"
	"github.com/zatekoja/preauthagent/internal/application/services"
	"github.com/zatekoja/preauthagent/internal/domain/providers"
	"github.com/zatekoja/preauthagent/internal/domain/repositories"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/openai"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/postgres"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/redis"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/typesense"
	"github.com/zatekoja/preauthagent/internal/infrastructure/observability"
	"github.com/zatekoja/preauthagent/internal/realtime"
	"github.com/zatekoja/preauthagent/pkg/config"
	"github.com/zatekoja/preauthagent/pkg/secrets"
)

func main() {
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

	observability.InitLogger(cfg.OTEL.ServiceName, cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName, cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("error shutting down OpenTelemetry")
				}
			}()
			log.Info().Str("endpoint", cfg.OTEL.Endpoint).Msg("OpenTelemetry initialized")
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize metrics")
	}

	if missing := cfg.MissingKnowledgeBases(); len(missing) > 0 {
		log.Error().Strs("missing", missing).Msg("knowledge base ids are not configured; case creation and queries will return 404")
	}

	// Case store
	var caseRepo repositories.CaseRepository
	switch cfg.Storage.CaseBackend {
	case config.CaseBackendMemory:
		caseRepo = database.NewMemoryCaseAdapter()
		log.Warn().Msg("using in-memory case store; cases are lost on restart")
	default:
		pgClient, err := postgres.NewClient(&cfg.Database)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize PostgreSQL client")
		}
		defer pgClient.Close()

		caseAdapter := database.NewCaseAdapter(pgClient)
		if err := caseAdapter.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure case schema")
		}
		caseRepo = caseAdapter
	}

	registry := realtime.NewRegistry()
	var notifier services.CaseNotifier = services.NewRegistryNotifier(registry)

	// Redis caches case reads and relays updates between instances
	var eventBus providers.EventBus
	if cfg.Redis.Enabled {
		redisClient, err := redis.NewClient(&cfg.Redis)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable; running without case cache and cross-instance relay")
		} else {
			defer redisClient.Close()

			caseRepo = database.NewCachedCaseAdapter(caseRepo, cache.NewRedisAdapter(redisClient, "preauth:"))
			eventBus = events.NewRedisEventBus(redisClient, providers.EventChannelCaseUpdates)
			notifier = services.NewBusNotifier(eventBus)

			relay := services.NewCaseEventRelay(eventBus, registry)
			go func() {
				if err := relay.Run(ctx); err != nil {
					log.Error().Err(err).Msg("case event relay failed")
				}
			}()
		}
	}

	// Knowledge bases
	typesenseClient, err := typesense.NewClient(&cfg.Typesense)
	if err != nil {
		log.Error().Err(err).Msg("Typesense unavailable; retrievals will fail until it is reachable")
		typesenseClient = typesense.NewUncheckedClient(&cfg.Typesense)
	}
	knowledgeBase := search.NewKnowledgeBaseAdapter(typesenseClient, cfg.KnowledgeBase.TopK)

	// Analysis model
	var generator providers.TextGenerator
	openaiClient, err := openai.NewClient(&cfg.OpenAI)
	if err != nil {
		log.Error().Err(err).Msg("language model client not configured; analyses will end in AGENT_ERROR")
	} else {
		generator = openaiClient
		log.Info().Str("model", openaiClient.Model()).Msg("language model client initialized")
	}
	analyzer := analysis.NewAnalyzer(generator)

	recordStore, err := storage.NewFilesystemStore(cfg.Storage.RootDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize record storage")
	}

	caseService := services.NewCaseService(caseRepo, knowledgeBase, analyzer, notifier, services.CaseServiceConfig{
		ProviderKnowledgeBaseID: cfg.KnowledgeBase.ProviderID,
		InsurerKnowledgeBaseID:  cfg.KnowledgeBase.InsurerID,
		RetrievalTimeout:        cfg.Pipeline.RetrievalTimeout,
		AnalysisTimeout:         cfg.Pipeline.AnalysisTimeout,
	})
	caseService.SetMetrics(metrics)
	uploadService := services.NewRecordUploadService(recordStore, knowledgeBase, cfg.KnowledgeBase.ProviderID)

	router := routes.NewRouter(
		handlers.NewCaseHandler(caseService),
		handlers.NewUploadHandler(uploadService),
		handlers.NewWebSocketHandler(registry),
		middleware.ParseOrigins(cfg.Server.AllowedOrigins),
		metrics,
	)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router.SetupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// A create request waits for both retrievals and the model call
		WriteTimeout: cfg.Pipeline.RetrievalTimeout + cfg.Pipeline.AnalysisTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", serverAddr).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("server shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}

	drained := make(chan struct{})
	go func() {
		caseService.Drain()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		log.Warn().Msg("gave up waiting for pending case notifications")
	}

	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Error().Err(err).Msg("error closing event bus")
		}
	}

	log.Info().Msg("server stopped")
}

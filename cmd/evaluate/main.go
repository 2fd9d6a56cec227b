package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/preauthagent/internal/adapters/analysis"
	"github.com/zatekoja/preauthagent/internal/evaluation"
	"github.com/zatekoja/preauthagent/internal/infrastructure/clients/openai"
	"github.com/zatekoja/preauthagent/internal/infrastructure/observability"
	"github.com/zatekoja/preauthagent/pkg/config"
	"github.com/zatekoja/preauthagent/pkg/secrets"
)

func main() {
	goldenPath := flag.String("golden", "config/golden_cases.json", "golden case set to replay")
	flag.Parse()

	if err := config.LoadEnvFile(); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env file")
	}
	observability.InitLogger("preauth-evaluate", os.Getenv("APP_ENV"), os.Getenv("LOG_LEVEL"))
	if _, err := secrets.ApplyVaultSecrets(context.Background(), secrets.LoadVaultConfigFromEnv("")); err != nil {
		log.Fatal().Err(err).Msg("failed to load secrets from vault")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	cases, err := evaluation.LoadGoldenCases(*goldenPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load golden cases")
	}
	if err := evaluation.ValidateGoldenCases(cases); err != nil {
		log.Fatal().Err(err).Msg("invalid golden cases")
	}

	client, err := openai.NewClient(&cfg.OpenAI)
	if err != nil {
		log.Fatal().Err(err).Msg("language model client not configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := evaluation.NewRunner(analysis.NewAnalyzer(client), cfg.Pipeline.AnalysisTimeout)
	summary, err := runner.Run(ctx, cases)
	if err != nil {
		log.Fatal().Err(err).Msg("evaluation failed")
	}

	out, _ := json.MarshalIndent(summary, "", "  ")
	fmt.Println(string(out))
}

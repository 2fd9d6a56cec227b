package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Env           string
	LogLevel      string
	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Typesense     TypesenseConfig
	KnowledgeBase KnowledgeBaseConfig
	OpenAI        OpenAIConfig
	Pipeline      PipelineConfig
	Storage       StorageConfig
	OTEL          OTELConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins string
	ShutdownGrace  time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

// TypesenseConfig holds Typesense configuration
type TypesenseConfig struct {
	URL    string
	APIKey string
}

// KnowledgeBaseConfig names the two retrieval sources.
// ProviderID holds clinical notes, InsurerID holds policy documents.
type KnowledgeBaseConfig struct {
	ProviderID string
	InsurerID  string
	TopK       int
}

// OpenAIConfig holds language model configuration
type OpenAIConfig struct {
	APIKey         string
	Model          string
	BaseURL        string
	MaxTokens      int
	RateLimitRPM   int
	RateLimitBurst int
}

// PipelineConfig bounds the external calls made while analyzing a case
type PipelineConfig struct {
	RetrievalTimeout time.Duration
	AnalysisTimeout  time.Duration
}

// StorageConfig holds object storage configuration for uploaded records
type StorageConfig struct {
	RootDir     string
	CaseBackend string
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// Case store backends.
const (
	CaseBackendPostgres = "postgres"
	CaseBackendMemory   = "memory"
)

// LoadEnvFile applies a .env file from the working directory, if present.
// Variables already set win.
func LoadEnvFile() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

// Load loads configuration from environment variables after LoadEnvFile.
func Load() (*Config, error) {
	if err := LoadEnvFile(); err != nil {
		return nil, err
	}

	cfg := &Config{
		Env:      getEnv("APP_ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsInt("SERVER_PORT", 8080),
			AllowedOrigins: getEnv("ALLOWED_ORIGINS", ""),
			ShutdownGrace:  getEnvAsDuration("SHUTDOWN_GRACE", 15*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "preauth"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_ENABLED", true),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Typesense: TypesenseConfig{
			URL:    getEnv("TYPESENSE_URL", "http://localhost:8108"),
			APIKey: getEnv("TYPESENSE_API_KEY", "xyz"),
		},
		KnowledgeBase: KnowledgeBaseConfig{
			ProviderID: getEnv("PROVIDER_KB_ID", ""),
			InsurerID:  getEnv("INSURER_KB_ID", ""),
			TopK:       getEnvAsInt("KB_TOP_K", 5),
		},
		OpenAI: OpenAIConfig{
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			MaxTokens:      getEnvAsInt("OPENAI_MAX_TOKENS", 4096),
			RateLimitRPM:   getEnvAsInt("OPENAI_RATE_LIMIT_RPM", 60),
			RateLimitBurst: getEnvAsInt("OPENAI_RATE_LIMIT_BURST", 5),
		},
		Pipeline: PipelineConfig{
			RetrievalTimeout: getEnvAsDuration("RETRIEVAL_TIMEOUT", 15*time.Second),
			AnalysisTimeout:  getEnvAsDuration("ANALYSIS_TIMEOUT", 90*time.Second),
		},
		Storage: StorageConfig{
			RootDir:     getEnv("STORAGE_ROOT", "./data/records"),
			CaseBackend: getEnv("CASE_STORE", CaseBackendPostgres),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "preauth-agent"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
	}

	if cfg.KnowledgeBase.TopK <= 0 {
		cfg.KnowledgeBase.TopK = 5
	}

	switch cfg.Storage.CaseBackend {
	case CaseBackendPostgres, CaseBackendMemory:
	default:
		return nil, fmt.Errorf("unsupported CASE_STORE %q", cfg.Storage.CaseBackend)
	}

	return cfg, nil
}

// MissingKnowledgeBases lists the knowledge base variables that are unset.
func (c *Config) MissingKnowledgeBases() []string {
	var missing []string
	if c.KnowledgeBase.ProviderID == "" {
		missing = append(missing, "PROVIDER_KB_ID")
	}
	if c.KnowledgeBase.InsurerID == "" {
		missing = append(missing, "INSURER_KB_ID")
	}
	return missing
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

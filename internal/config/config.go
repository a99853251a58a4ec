package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment variables
type Config struct {
	Env         string
	Port        string
	Mode        string // server, worker or all
	DatabaseURL string
	RedisURL    string
	CORSOrigin  string

	LogLevel  string
	LogFormat string

	WorkerConcurrency      int
	JobMaxRetry            int
	DeadlineScanSchedule   string
	DeadlineReminderWindow time.Duration
	Timezone               string

	WorkflowConfigPath string
	BotManifestDir     string
	BotTokenSecret     string
	BotTokenTTL        time.Duration
	BotConfigKey       string
	JWTSecret          string

	AssetPublisherURL    string
	AssetPublisherSecret string
	StubMode             bool

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SMTPFromName string

	// PublicCanSeeAcceptedFiles exposes files of ACCEPTED (not yet PUBLISHED)
	// manuscripts to unauthenticated viewers.
	PublicCanSeeAcceptedFiles bool
}

// Load reads configuration from a .env file (if present) and environment variables
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := &Config{
		Env:         getEnvWithDefault("ENV", "development"),
		Port:        getEnvWithDefault("PORT", "8080"),
		Mode:        getEnvWithDefault("MODE", "all"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    getEnvWithDefault("REDIS_URL", "redis://localhost:6379/0"),
		CORSOrigin:  getEnvWithDefault("CORS_ORIGIN", "*"),

		LogLevel:  getEnvWithDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvWithDefault("LOG_FORMAT", "text"),

		WorkerConcurrency:      getEnvInt("WORKER_CONCURRENCY", 3),
		JobMaxRetry:            getEnvInt("JOB_MAX_RETRY", 3),
		DeadlineScanSchedule:   getEnvWithDefault("DEADLINE_SCAN_SCHEDULE", "@hourly"),
		DeadlineReminderWindow: getEnvDuration("DEADLINE_REMINDER_WINDOW", 72*time.Hour),
		Timezone:               getEnvWithDefault("TIMEZONE", "UTC"),

		WorkflowConfigPath: os.Getenv("WORKFLOW_CONFIG_PATH"),
		BotManifestDir:     getEnvWithDefault("BOT_MANIFEST_DIR", "./bots"),
		BotTokenSecret:     os.Getenv("BOT_TOKEN_SECRET"),
		BotTokenTTL:        getEnvDuration("BOT_TOKEN_TTL", 5*time.Minute),
		BotConfigKey:       os.Getenv("BOT_CONFIG_KEY"),
		JWTSecret:          os.Getenv("JWT_SECRET"),

		AssetPublisherURL:    os.Getenv("ASSET_PUBLISHER_URL"),
		AssetPublisherSecret: os.Getenv("ASSET_PUBLISHER_SECRET"),
		StubMode:             getEnvBool("STUB_MODE", true),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getEnvWithDefault("SMTP_PORT", "587"),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:     os.Getenv("SMTP_FROM"),
		SMTPFromName: getEnvWithDefault("SMTP_FROM_NAME", "Colloquium"),

		PublicCanSeeAcceptedFiles: getEnvBool("PUBLIC_CAN_SEE_ACCEPTED_FILES", false),
	}

	if cfg.BotTokenSecret == "" {
		cfg.BotTokenSecret = "dev-bot-secret-change-in-production"
		log.Println("WARNING: Using default BOT_TOKEN_SECRET. Generate a secure secret with: openssl rand -hex 32")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-jwt-secret-change-in-production"
		log.Println("WARNING: Using default JWT_SECRET")
	}

	return cfg
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		log.Printf("WARNING: invalid %s=%q, using %d", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		log.Printf("WARNING: invalid %s=%q, using %s", key, value, defaultValue)
		return defaultValue
	}
	return parsed
}

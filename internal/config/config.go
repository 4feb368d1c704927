package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, loaded from the environment.
type Config struct {
	AppEnv     string
	AppName    string
	AppPort    string
	WSPort     string
	LogLevel   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	DBMaxOpenConns           int
	DBMaxIdleConns           int
	DBConnMaxLifetimeMinutes int

	RedisHost         string
	RedisPort         string
	RedisPassword     string
	RedisDB           int
	RedisPoolSize     int
	RedisMinIdleConns int
	RedisMaxRetries   int

	AnalysisWorkers      int
	AnalysisRulesPath    string
	ExpertReviewDeadline time.Duration
	ScoreFormula         string
}

// Validate checks the loaded configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.AppEnv, validation.Required, validation.In("development", "staging", "production")),
		validation.Field(&c.AppName, validation.Required),
		validation.Field(&c.AppPort, validation.Required),
		validation.Field(&c.DBHost, validation.Required),
		validation.Field(&c.DBPort, validation.Required),
		validation.Field(&c.DBUser, validation.Required),
		validation.Field(&c.DBName, validation.Required),
		validation.Field(&c.DBSSLMode, validation.In("disable", "require", "verify-ca", "verify-full")),
		validation.Field(&c.AnalysisWorkers, validation.Min(1)),
	)
}

// Load reads configuration from the environment. In development a local .env
// file is honoured if present.
func Load() (*Config, error) {
	if os.Getenv("APP_ENV") != "production" {
		_ = godotenv.Load()
	}

	cfg := &Config{
		AppEnv:            os.Getenv("APP_ENV"),
		AppName:           os.Getenv("APP_NAME"),
		AppPort:           os.Getenv("APP_PORT"),
		WSPort:            os.Getenv("WS_PORT"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		DBHost:            os.Getenv("DB_HOST"),
		DBPort:            os.Getenv("DB_PORT"),
		DBUser:            os.Getenv("DB_USER"),
		DBPassword:        os.Getenv("DB_PASSWORD"),
		DBName:            os.Getenv("DB_NAME"),
		DBSSLMode:         os.Getenv("DB_SSL_MODE"),
		RedisHost:         os.Getenv("REDIS_HOST"),
		RedisPort:         os.Getenv("REDIS_PORT"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		AnalysisRulesPath: os.Getenv("ANALYSIS_RULES_PATH"),
		ScoreFormula:      os.Getenv("SCORE_FORMULA"),
	}
	if cfg.AppEnv == "" {
		cfg.AppEnv = "development"
	}
	if cfg.AppName == "" {
		cfg.AppName = "katiba"
	}
	if cfg.AppPort == "" {
		cfg.AppPort = "8080"
	}
	if cfg.WSPort == "" {
		cfg.WSPort = cfg.AppPort
	}
	if cfg.DBSSLMode == "" {
		cfg.DBSSLMode = "disable"
	}
	if cfg.AnalysisRulesPath == "" {
		cfg.AnalysisRulesPath = "config/analysis_rules.yaml"
	}

	var err error
	if cfg.DBMaxOpenConns, err = intEnv("DB_MAX_OPEN_CONNS", 20); err != nil {
		return nil, err
	}
	if cfg.DBMaxIdleConns, err = intEnv("DB_MAX_IDLE_CONNS", 10); err != nil {
		return nil, err
	}
	if cfg.DBConnMaxLifetimeMinutes, err = intEnv("DB_CONN_MAX_LIFETIME_MINUTES", 30); err != nil {
		return nil, err
	}
	if cfg.RedisDB, err = intEnv("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RedisPoolSize, err = intEnv("REDIS_POOL_SIZE", 10); err != nil {
		return nil, err
	}
	if cfg.RedisMinIdleConns, err = intEnv("REDIS_MIN_IDLE_CONNS", 2); err != nil {
		return nil, err
	}
	if cfg.RedisMaxRetries, err = intEnv("REDIS_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if cfg.AnalysisWorkers, err = intEnv("ANALYSIS_WORKERS", 4); err != nil {
		return nil, err
	}

	deadline := os.Getenv("EXPERT_REVIEW_DEADLINE")
	if deadline == "" {
		deadline = "72h"
	}
	cfg.ExpertReviewDeadline, err = time.ParseDuration(deadline)
	if err != nil {
		return nil, fmt.Errorf("invalid EXPERT_REVIEW_DEADLINE: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

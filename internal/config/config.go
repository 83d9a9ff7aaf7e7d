package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Port        string
	VerifyToken string

	WhatsAppAPIURL string
	WhatsAppToken  string

	DBDriver   string
	DBPath     string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	LogLevel  string
	LogFormat string

	RabbitMQURL   string
	RabbitMQQueue string

	Timezone *time.Location

	KeywordDedupWindow  time.Duration
	EventDedupWindow    time.Duration
	ScheduleDedupWindow time.Duration

	DefaultRateLimitPerMinute int
	DefaultDelay              time.Duration
	IdleSweepTime             string
	ExecutionLogLimit         int
	SchedulerConcurrency      int
	ProcessingGuardTTL        time.Duration
}

func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("Error loading .env file, relying on environment variables")
	}

	return &Config{
		Port:        getEnv("PORT", "8080"),
		VerifyToken: getEnv("VERIFY_TOKEN", ""),

		WhatsAppAPIURL: getEnv("WHATSAPP_API_URL", "https://graph.facebook.com/v19.0"),
		WhatsAppToken:  getEnv("WHATSAPP_TOKEN", ""),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBPath:     getEnv("DB_PATH", "./automation.db"),
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", ""),
		DBName:     getEnv("DB_NAME", "automation"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		RabbitMQURL:   getEnv("RABBITMQ_URL", ""),
		RabbitMQQueue: getEnv("RABBITMQ_QUEUE", "automation_events"),

		Timezone: getLocation("TIMEZONE", time.Local),

		KeywordDedupWindow:  getDuration("KEYWORD_DEDUP_WINDOW", 5*time.Minute),
		EventDedupWindow:    getDuration("EVENT_DEDUP_WINDOW", 24*time.Hour),
		ScheduleDedupWindow: getDuration("SCHEDULE_DEDUP_WINDOW", time.Hour),

		DefaultRateLimitPerMinute: getInt("DEFAULT_RATE_LIMIT_PER_MINUTE", 30),
		DefaultDelay:              getDuration("DEFAULT_DELAY", time.Second),
		IdleSweepTime:             getEnv("IDLE_SWEEP_TIME", "00:00"),
		ExecutionLogLimit:         getInt("EXECUTION_LOG_LIMIT", 100),
		SchedulerConcurrency:      getInt("SCHEDULER_CONCURRENCY", 10),
		ProcessingGuardTTL:        getDuration("PROCESSING_GUARD_TTL", 10*time.Minute),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		log.Warn().Str("key", key).Str("value", value).Dur("default", fallback).Msg("Invalid duration, using default")
		return fallback
	}
	return d
}

func getInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		log.Warn().Str("key", key).Str("value", value).Int("default", fallback).Msg("Invalid integer, using default")
		return fallback
	}
	return n
}

func getLocation(key string, fallback *time.Location) *time.Location {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return fallback
	}
	loc, err := time.LoadLocation(value)
	if err != nil {
		log.Warn().Str("key", key).Str("value", value).Msg("Unknown timezone, using local time")
		return fallback
	}
	return loc
}

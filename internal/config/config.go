package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	UsagePolicyAbort = "abort"
	UsagePolicyDrop  = "drop"
)

type Config struct {
	Port                    string
	AllowedOrigin           string
	DatabaseURL             string
	RedisAddr               string
	RedisPassword           string
	RedisDB                 int
	DefaultBranchID         string
	AuthSecret              string
	AccessTokenTTLMinutes   int
	LogLevel                string
	UsageLimitPolicy        string
	ReservationTTL          time.Duration
	ReceiptCacheTTL         time.Duration
	CompensationMaxAttempts int
	NotifyBackend           string
	NotifyChannel           string
	PubSubProjectID         string
	PubSubCredentialsJSON   string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	policy := strings.ToLower(getEnv("USAGE_LIMIT_POLICY", UsagePolicyAbort))
	if policy != UsagePolicyAbort && policy != UsagePolicyDrop {
		policy = UsagePolicyAbort
	}

	cfg := Config{
		Port:                    getEnv("PORT", "8080"),
		AllowedOrigin:           getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisAddr:               os.Getenv("REDIS_ADDR"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisDB:                 getInt("REDIS_DB", 0, 0),
		DefaultBranchID:         getEnv("DEFAULT_BRANCH_ID", "main-branch"),
		AuthSecret:              strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:   getInt("ACCESS_TOKEN_TTL_MINUTES", 480, 1),
		LogLevel:                getEnv("LOG_LEVEL", "info"),
		UsageLimitPolicy:        policy,
		ReservationTTL:          time.Duration(getInt("RESERVATION_TTL_MINUTES", 30, 1)) * time.Minute,
		ReceiptCacheTTL:         time.Duration(getInt("RECEIPT_CACHE_TTL_MINUTES", 60, 1)) * time.Minute,
		CompensationMaxAttempts: getInt("COMPENSATION_MAX_ATTEMPTS", 5, 1),
		NotifyBackend:           strings.ToLower(getEnv("NOTIFY_BACKEND", "none")),
		NotifyChannel:           getEnv("NOTIFY_CHANNEL", "pos.sale.completed"),
		PubSubProjectID:         os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubCredentialsJSON:   os.Getenv("PUBSUB_CREDENTIALS_JSON"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

// getInt falls back when the value is missing, malformed or below min.
func getInt(key string, fallback int, min int) int {
	parsed, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || parsed < min {
		return fallback
	}
	return parsed
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

// Limits is the accepted stake range for one currency.
type Limits struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Config holds the game and service settings read from the environment.
type Config struct {
	AppEnv    string
	Port      int
	TableName string
	// Tables lists every table this process serves; TableName is the default.
	Tables    []string
	RateLimit int

	// StoreDriver selects the persistence backend: "postgres" or "memory".
	StoreDriver string

	HouseEdge    decimal.Decimal
	GrowthPerMs  decimal.Decimal
	TickInterval time.Duration
	BettingTime  time.Duration
	PauseTime    time.Duration

	LimitsTON   Limits
	LimitsStars Limits

	KafkaBrokers []string
	KafkaTopic   string

	AdminToken string
}

func Load() Config {
	cfg := Config{
		AppEnv:      GetEnv("APP_ENV", "local"),
		Port:        GetEnvAsInt("PORT", 8080),
		TableName:   GetEnv("TABLE_NAME", "main"),
		Tables:      GetEnvAsList("TABLES"),
		RateLimit:   GetEnvAsInt("RATE_LIMIT", 100),
		StoreDriver: GetEnv("STORE_DRIVER", "postgres"),

		HouseEdge:    GetEnvAsDecimal("HOUSE_EDGE", decimal.RequireFromString("0.01")),
		GrowthPerMs:  GetEnvAsDecimal("GROWTH_PER_MS", decimal.RequireFromString("0.0001")),
		TickInterval: GetEnvAsDuration("TICK_INTERVAL", 100*time.Millisecond),
		BettingTime:  GetEnvAsDuration("BETTING_TIME", 5*time.Second),
		PauseTime:    GetEnvAsDuration("PAUSE_TIME", 3*time.Second),

		LimitsTON: Limits{
			Min: GetEnvAsDecimal("MIN_BET_TON", decimal.RequireFromString("0.01")),
			Max: GetEnvAsDecimal("MAX_BET_TON", decimal.RequireFromString("100")),
		},
		LimitsStars: Limits{
			Min: GetEnvAsDecimal("MIN_BET_STARS", decimal.RequireFromString("1")),
			Max: GetEnvAsDecimal("MAX_BET_STARS", decimal.RequireFromString("10000")),
		},

		KafkaBrokers: GetEnvAsList("KAFKA_BROKERS"),
		KafkaTopic:   GetEnv("KAFKA_TOPIC", "crash.rounds"),

		AdminToken: GetEnv("ADMIN_TOKEN", ""),
	}
	if !contains(cfg.Tables, cfg.TableName) {
		cfg.Tables = append([]string{cfg.TableName}, cfg.Tables...)
	}
	return cfg
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func GetEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func GetEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func GetEnvAsDecimal(key string, defaultVal decimal.Decimal) decimal.Decimal {
	if val := os.Getenv(key); val != "" {
		if d, err := decimal.NewFromString(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// GetEnvAsList splits a comma separated variable, dropping empty items.
func GetEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

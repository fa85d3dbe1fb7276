package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	DefaultWarehouseID    string
	SnapshotTTLSeconds    int
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	LogFormat             string
	LogLevel              string
}

// Load reads configuration from the environment and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := Config{
		Port:                  valueOrDefault(k.String("PORT"), "8080"),
		AllowedOrigin:         valueOrDefault(k.String("ALLOWED_ORIGIN"), "http://127.0.0.1:3000"),
		DatabaseURL:           strings.TrimSpace(k.String("DATABASE_URL")),
		RedisAddr:             strings.TrimSpace(k.String("REDIS_ADDR")),
		RedisPassword:         k.String("REDIS_PASSWORD"),
		RedisDB:               positiveInt(k.String("REDIS_DB"), 0),
		DefaultWarehouseID:    valueOrDefault(k.String("DEFAULT_WAREHOUSE_ID"), "main-warehouse"),
		SnapshotTTLSeconds:    positiveInt(k.String("SNAPSHOT_TTL_SECONDS"), 30),
		AuthSecret:            strings.TrimSpace(k.String("AUTH_SECRET")),
		AccessTokenTTLMinutes: positiveInt(k.String("ACCESS_TOKEN_TTL_MINUTES"), 480),
		ManagerPIN:            strings.TrimSpace(k.String("MANAGER_PIN")),
		LogFormat:             valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:              valueOrDefault(k.String("LOG_LEVEL"), "info"),
	}

	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func valueOrDefault(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return strings.TrimSpace(val)
}

// positiveInt falls back when the value is missing, malformed or negative.
// Zero is accepted only when it is also the fallback.
func positiveInt(val string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(val))
	if err != nil || n < 0 || (n == 0 && fallback != 0) {
		return fallback
	}
	return n
}

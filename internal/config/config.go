// Package config loads runtime settings from the environment (optionally
// seeded from a .env file) and holds the tuning constants of the chat
// transport.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the process configuration.
type Config struct {
	Env      string
	HTTPAddr string
	LogLevel string

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret        string
	JWTIssuer        string
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	RefreshRetention time.Duration

	RegistryShards int
	SendBuffer     int

	PageDefaultLimit int
	PageMaxLimit     int
}

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		Env:              "dev",
		HTTPAddr:         ":8080",
		LogLevel:         "info",
		DatabaseDSN:      "host=localhost user=user password=password dbname=teamchat port=5432 sslmode=disable",
		RedisAddr:        "localhost:6379",
		JWTIssuer:        "teamchat",
		AccessTokenTTL:   15 * time.Minute,
		RefreshTokenTTL:  7 * 24 * time.Hour,
		RefreshRetention: 24 * time.Hour,
		RegistryShards:   32,
		SendBuffer:       256,
		PageDefaultLimit: 50,
		PageMaxLimit:     200,
	}
}

// Load reads .env (if present) and the process environment on top of
// Default. A missing JWT secret is an error outside of dev.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	cfg.Env = getString("APP_ENV", cfg.Env)
	cfg.HTTPAddr = getString("HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = getString("LOG_LEVEL", cfg.LogLevel)
	cfg.DatabaseDSN = getString("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.RedisAddr = getString("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = getString("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.JWTSecret = getString("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTIssuer = getString("JWT_ISSUER", cfg.JWTIssuer)

	var err error
	if cfg.RedisDB, err = getInt("REDIS_DB", cfg.RedisDB); err != nil {
		return Config{}, err
	}
	if cfg.RegistryShards, err = getInt("REGISTRY_SHARDS", cfg.RegistryShards); err != nil {
		return Config{}, err
	}
	if cfg.SendBuffer, err = getInt("SEND_BUFFER", cfg.SendBuffer); err != nil {
		return Config{}, err
	}
	if cfg.PageDefaultLimit, err = getInt("PAGE_DEFAULT_LIMIT", cfg.PageDefaultLimit); err != nil {
		return Config{}, err
	}
	if cfg.PageMaxLimit, err = getInt("PAGE_MAX_LIMIT", cfg.PageMaxLimit); err != nil {
		return Config{}, err
	}
	if cfg.AccessTokenTTL, err = getDuration("ACCESS_TOKEN_TTL", cfg.AccessTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshTokenTTL, err = getDuration("REFRESH_TOKEN_TTL", cfg.RefreshTokenTTL); err != nil {
		return Config{}, err
	}
	if cfg.RefreshRetention, err = getDuration("REFRESH_RETENTION", cfg.RefreshRetention); err != nil {
		return Config{}, err
	}

	if cfg.JWTSecret == "" {
		if cfg.Env != "dev" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set when APP_ENV=%s", cfg.Env)
		}
		cfg.JWTSecret = "dev-only-secret-change-me"
	}
	if cfg.RegistryShards <= 0 {
		return Config{}, fmt.Errorf("REGISTRY_SHARDS must be positive, got %d", cfg.RegistryShards)
	}
	if cfg.PageDefaultLimit <= 0 || cfg.PageDefaultLimit > cfg.PageMaxLimit {
		return Config{}, fmt.Errorf("PAGE_DEFAULT_LIMIT must be in 1..%d", cfg.PageMaxLimit)
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Package config loads the process-wide typed configuration from
// environment variables exactly once at startup.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full set of tunables xpertd reads at boot. Nothing here is
// reloaded at runtime; a changed environment requires a restart.
type Config struct {
	AppName string
	Version string
	Host    string
	Port    int
	Domain  string

	DatabaseDSN string
	RedisURL    string

	DataDir string

	UpdateIntervalSeconds int
	AggregationTimeout    time.Duration

	MaxPingMS     int
	PingTimeoutMS int
	MaxConfigs    int

	TargetCheckIPs []string

	TrafficRetentionDays int

	TelegramEnabled bool
	TelegramChatID  string
	TelegramToken   string

	MarzbanBaseURL            string
	MarzbanUsername           string
	MarzbanPassword           string
	MarzbanFallbackInboundTag string

	JWTSigningKey string

	AdminBearerToken string
}

// Load builds a Config from the current environment, filling defaults
// for anything unset.
func Load() *Config {
	return &Config{
		AppName: envOr("APP_NAME", "Xpert Panel"),
		Version: envOr("VERSION", "1.0.0"),
		Host:    envOr("HOST", "0.0.0.0"),
		Port:    envOrInt("PORT", 8000),
		Domain:  envOr("DOMAIN", ""),

		DatabaseDSN: envOr("DATABASE_DSN", "host=localhost user=xpert password=xpert dbname=xpert sslmode=disable"),
		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379"),

		DataDir: envOr("DATA_DIR", "./data"),

		UpdateIntervalSeconds: envOrInt("UPDATE_INTERVAL_SECONDS", 3600),
		AggregationTimeout:    time.Duration(envOrInt("AGGREGATION_TIMEOUT_SECONDS", 300)) * time.Second,

		MaxPingMS:     envOrInt("MAX_PING_MS", 300),
		PingTimeoutMS: envOrInt("PING_TIMEOUT_MS", 3000),
		MaxConfigs:    envOrInt("MAX_CONFIGS", 100),

		TargetCheckIPs: envOrList("TARGET_CHECK_IPS", []string{"93.171.220.198", "185.69.186.175"}),

		TrafficRetentionDays: envOrInt("TRAFFIC_RETENTION_DAYS", 90),

		TelegramEnabled: envOrBool("TG_BOT_ENABLE", false),
		TelegramChatID:  envOr("TG_BOT_CHAT_ID", ""),
		TelegramToken:   envOr("TG_BOT_TOKEN", ""),

		MarzbanBaseURL:            envOr("MARZBAN_BASE_URL", ""),
		MarzbanUsername:           envOr("MARZBAN_USERNAME", ""),
		MarzbanPassword:           envOr("MARZBAN_PASSWORD", ""),
		MarzbanFallbackInboundTag: envOr("MARZBAN_FALLBACK_INBOUND_TAG", ""),

		JWTSigningKey: envOr("JWT_SIGNING_KEY", ""),

		AdminBearerToken: envOr("ADMIN_BEARER_TOKEN", ""),
	}
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envOrList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Package config holds quota limit configuration. Stores stay free of
// business rules; limits are injected into services from here.
package config

import (
	"os"
	"strconv"
	"time"
)

// Defaults chosen to keep a free-tier user well under provider billing caps.
const (
	DefaultDailyRequests  = 20
	DefaultDailyTokens    = 10000
	DefaultMaxInputTokens = 300
	DefaultMaxOutput      = 500
	DefaultBurstPerMinute = 10
)

// Config captures every tunable of the admission control subsystem.
type Config struct {
	// DailyRequests and DailyTokens cap one user's UTC-day consumption.
	DailyRequests int
	DailyTokens   int

	// MaxInputTokens bounds validated input; oversized input is truncated.
	MaxInputTokens int

	// MaxOutputTokens is the hard output ceiling handed to the generation
	// engine and enforced again by the streaming accountant.
	MaxOutputTokens int

	// BurstPerMinute caps requests per sliding minute ahead of the daily
	// ledger. Zero disables the burst check.
	BurstPerMinute int
	BurstWindow    time.Duration
}

// Default returns the built-in limits.
func Default() Config {
	return Config{
		DailyRequests:   DefaultDailyRequests,
		DailyTokens:     DefaultDailyTokens,
		MaxInputTokens:  DefaultMaxInputTokens,
		MaxOutputTokens: DefaultMaxOutput,
		BurstPerMinute:  DefaultBurstPerMinute,
		BurstWindow:     time.Minute,
	}
}

// FromEnv builds limits from environment variables, falling back to defaults.
func FromEnv() Config {
	cfg := Default()
	cfg.DailyRequests = envInt("QUOTA_DAILY_REQUESTS", cfg.DailyRequests)
	cfg.DailyTokens = envInt("QUOTA_DAILY_TOKENS", cfg.DailyTokens)
	cfg.MaxInputTokens = envInt("QUOTA_MAX_INPUT_TOKENS", cfg.MaxInputTokens)
	cfg.MaxOutputTokens = envInt("QUOTA_MAX_OUTPUT_TOKENS", cfg.MaxOutputTokens)
	cfg.BurstPerMinute = envInt("QUOTA_BURST_PER_MINUTE", cfg.BurstPerMinute)
	return cfg
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// Package config loads server settings from the environment.
// A .env file in the working directory is honored when present.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every tunable the server reads at startup.
type Config struct {
	DBPath             string
	Port               int
	TickInterval       time.Duration
	SnapshotEveryTicks int
	MapSize            int
	ObsRadius          int

	EntryPriceAsset  string
	EntryPriceAmount string
	EntryDemoSecret  string

	// Chain collaborators. Entry verification switches to chain mode when
	// both ChainRPCURL and EntryFeeContract are set; state anchoring
	// additionally needs the anchor contract and an oracle key.
	ChainRPCURL         string
	EntryFeeContract    string
	StateAnchorContract string
	OracleKey           string

	LogLevel slog.Level
}

// Load reads the configuration from the environment, applying defaults.
func Load() *Config {
	// Missing .env is fine; env vars alone are a complete configuration.
	_ = godotenv.Load()

	return &Config{
		DBPath:              envStr("DB_PATH", "last_oasis.db"),
		Port:                envInt("PORT", 8000),
		TickInterval:        time.Duration(envInt("TICK_INTERVAL_MS", 1200)) * time.Millisecond,
		SnapshotEveryTicks:  envInt("SNAPSHOT_EVERY_TICKS", 10),
		MapSize:             envInt("MAP_SIZE", 20),
		ObsRadius:           envInt("OBS_RADIUS", 3),
		EntryPriceAsset:     envStr("ENTRY_PRICE_ASSET", "USDC"),
		EntryPriceAmount:    envStr("ENTRY_PRICE_AMOUNT", "1.0"),
		EntryDemoSecret:     envStr("ENTRY_DEMO_SECRET", "demo"),
		ChainRPCURL:         envStr("CHAIN_RPC_URL", ""),
		EntryFeeContract:    envStr("ENTRY_FEE_CONTRACT_ADDRESS", ""),
		StateAnchorContract: envStr("STATE_ANCHOR_CONTRACT_ADDRESS", ""),
		OracleKey:           envStr("ORACLE_PRIVATE_KEY", ""),
		LogLevel:            envLevel("LOG_LEVEL", slog.LevelInfo),
	}
}

// ChainEntryMode reports whether entry fees are verified on-chain instead
// of the demo tx_ref prefix check.
func (c *Config) ChainEntryMode() bool {
	return c.ChainRPCURL != "" && c.EntryFeeContract != ""
}

// AnchorEnabled reports whether state hashes are submitted on-chain.
func (c *Config) AnchorEnabled() bool {
	return c.ChainRPCURL != "" && c.StateAnchorContract != "" && c.OracleKey != ""
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed env var", "key", key, "value", v)
		return fallback
	}
	return n
}

func envLevel(key string, fallback slog.Level) slog.Level {
	switch envStr(key, "") {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

// Config holds runtime configuration for the validators-monitor service.
type Config struct {
	// consensus layer
	ConsensusURL         string
	ConsensusFallbackURL string
	SlotsPerEpoch        uint64
	SlotDuration         time.Duration
	StartSlot            domain.Slot

	// chain client policy
	RetryCount      int
	RetryDelay      time.Duration
	MaxSearchDepth  uint64
	DutiesChunkSize int

	// duty resolution
	MaxInclusionDelay uint64

	// analytical store
	DatabaseURL          string
	DBMaxConns           int32
	StorageChunkSize     int
	StorageRetryAttempts uint64

	// key registry
	KeysAPIURL          string
	KeysRefreshInterval time.Duration

	// alerting
	AlertmanagerURL         string
	AlertBadFractionRatio   float64
	AlertMinValidators      uint64
	AlertDefaultInterval    time.Duration
	AlertEscalationInterval time.Duration
	AlertDataStaleAfter     time.Duration

	// observability
	MetricsPort int
	LogLevel    string
	LogPretty   bool
}

// Load reads configuration from the environment, with an optional .env file
// for local runs. Missing .env is not an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ConsensusURL:         strings.TrimSpace(os.Getenv("CONSENSUS_URL")),
		ConsensusFallbackURL: strings.TrimSpace(os.Getenv("CONSENSUS_FALLBACK_URL")),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		KeysAPIURL:           strings.TrimSpace(os.Getenv("KEYS_API_URL")),
		AlertmanagerURL:      strings.TrimSpace(os.Getenv("ALERTMANAGER_URL")),
		LogLevel:             envStr("LOG_LEVEL", "info"),
	}
	if cfg.ConsensusURL == "" {
		return nil, fmt.Errorf("CONSENSUS_URL is required")
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.KeysAPIURL == "" {
		return nil, fmt.Errorf("KEYS_API_URL is required")
	}

	var err error
	if cfg.SlotsPerEpoch, err = envUint("SLOTS_PER_EPOCH", 32); err != nil {
		return nil, err
	}
	slotSec, err := envUint("SECONDS_PER_SLOT", 12)
	if err != nil {
		return nil, err
	}
	cfg.SlotDuration = time.Duration(slotSec) * time.Second

	startSlot, err := envUint("START_SLOT", 0)
	if err != nil {
		return nil, err
	}
	cfg.StartSlot = domain.Slot(startSlot)

	retries, err := envUint("CL_API_RETRIES", 3)
	if err != nil {
		return nil, err
	}
	cfg.RetryCount = int(retries)
	retryDelaySec, err := envUint("CL_API_RETRY_DELAY_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	cfg.RetryDelay = time.Duration(retryDelaySec) * time.Second
	if cfg.MaxSearchDepth, err = envUint("CL_API_MAX_SEARCH_DEPTH", 32); err != nil {
		return nil, err
	}
	chunk, err := envUint("CL_API_DUTIES_CHUNK_SIZE", 500)
	if err != nil {
		return nil, err
	}
	cfg.DutiesChunkSize = int(chunk)

	if cfg.MaxInclusionDelay, err = envUint("MAX_INCLUSION_DELAY", 2); err != nil {
		return nil, err
	}

	maxConns, err := envUint("DB_MAX_CONNECTIONS", 10)
	if err != nil {
		return nil, err
	}
	cfg.DBMaxConns = int32(maxConns)
	storageChunk, err := envUint("DB_INSERT_CHUNK_SIZE", 200)
	if err != nil {
		return nil, err
	}
	cfg.StorageChunkSize = int(storageChunk)
	if cfg.StorageRetryAttempts, err = envUint("DB_INSERT_RETRIES", 5); err != nil {
		return nil, err
	}

	keysRefreshMin, err := envUint("KEYS_REFRESH_INTERVAL_MINUTES", 10)
	if err != nil {
		return nil, err
	}
	cfg.KeysRefreshInterval = time.Duration(keysRefreshMin) * time.Minute

	if cfg.AlertBadFractionRatio, err = envFloat("ALERT_BAD_FRACTION_RATIO", 1.0/3.0); err != nil {
		return nil, err
	}
	if cfg.AlertMinValidators, err = envUint("ALERT_MIN_VALIDATORS", 100); err != nil {
		return nil, err
	}
	defIntervalH, err := envUint("ALERT_DEFAULT_INTERVAL_HOURS", 6)
	if err != nil {
		return nil, err
	}
	cfg.AlertDefaultInterval = time.Duration(defIntervalH) * time.Hour
	escIntervalH, err := envUint("ALERT_ESCALATION_INTERVAL_HOURS", 1)
	if err != nil {
		return nil, err
	}
	cfg.AlertEscalationInterval = time.Duration(escIntervalH) * time.Hour
	staleMin, err := envUint("ALERT_DATA_STALE_AFTER_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	cfg.AlertDataStaleAfter = time.Duration(staleMin) * time.Minute

	metricsPort, err := envUint("METRICS_PORT", 8080)
	if err != nil {
		return nil, err
	}
	cfg.MetricsPort = int(metricsPort)
	cfg.LogPretty = envStr("LOG_FORMAT", "json") == "pretty"

	return cfg, nil
}

func envStr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envUint(key string, def uint64) (uint64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func envFloat(key string, def float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 1 {
		return 0, fmt.Errorf("invalid %s: %q (want a ratio in (0,1])", key, v)
	}
	return f, nil
}

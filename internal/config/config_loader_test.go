package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stakewatch/validators-monitor/internal/application/domain"
)

func setRequired(t *testing.T) {
	t.Setenv("CONSENSUS_URL", "http://localhost:5052")
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/monitor")
	t.Setenv("KEYS_API_URL", "http://localhost:9000")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, uint64(32), cfg.SlotsPerEpoch)
	require.Equal(t, 12*time.Second, cfg.SlotDuration)
	require.Equal(t, domain.Slot(0), cfg.StartSlot)
	require.Equal(t, 3, cfg.RetryCount)
	require.Equal(t, uint64(2), cfg.MaxInclusionDelay)
	require.Equal(t, 500, cfg.DutiesChunkSize)
	require.InDelta(t, 1.0/3.0, cfg.AlertBadFractionRatio, 1e-9)
	require.Equal(t, 6*time.Hour, cfg.AlertDefaultInterval)
	require.Equal(t, time.Hour, cfg.AlertEscalationInterval)
	require.Equal(t, 8080, cfg.MetricsPort)
	require.False(t, cfg.LogPretty)
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("START_SLOT", "123456")
	t.Setenv("MAX_INCLUSION_DELAY", "1")
	t.Setenv("CONSENSUS_FALLBACK_URL", "http://backup:5052")
	t.Setenv("LOG_FORMAT", "pretty")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, domain.Slot(123456), cfg.StartSlot)
	require.Equal(t, uint64(1), cfg.MaxInclusionDelay)
	require.Equal(t, "http://backup:5052", cfg.ConsensusFallbackURL)
	require.True(t, cfg.LogPretty)
}

func TestLoadMissingRequired(t *testing.T) {
	t.Setenv("CONSENSUS_URL", "http://localhost:5052")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("KEYS_API_URL", "http://localhost:9000")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadRejectsMalformedNumbers(t *testing.T) {
	setRequired(t)
	t.Setenv("SLOTS_PER_EPOCH", "thirty-two")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsRatioOutOfRange(t *testing.T) {
	setRequired(t)
	t.Setenv("ALERT_BAD_FRACTION_RATIO", "1.5")

	_, err := Load()
	require.Error(t, err)
}

package main

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCommandConfig_FlagsOverrideEnvironment(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DEVICE", "/dev/ttyUSB1")
	t.Setenv("UPDATE_INTERVAL", "20")
	t.Setenv("METRICS_ADDR", ":9100")
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, rootCmd.ParseFlags([]string{"--device", "/dev/ttyS9", "--interval", "3", "--strict-checksum", "--log-level", "debug"}))

	cfg, err := loadCommandConfig(rootCmd)
	require.NoError(t, err)

	assert.Equal(t, "/dev/ttyS9", cfg.Device)
	assert.Equal(t, 3*time.Second, cfg.UpdateInterval)
	assert.True(t, cfg.StrictChecksum)
	assert.Equal(t, ":9100", cfg.MetricsAddr) // untouched flag keeps the environment value
	assert.Equal(t, log.DebugLevel, log.GetLevel())
}

func TestSetupLogging_RejectsUnknownLevel(t *testing.T) {
	assert.Error(t, setupLogging("chatty"))
}

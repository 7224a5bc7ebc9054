package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waterco/billing-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, time.Hour, cfg.Scheduler.Interval)

	tariff, err := cfg.Billing.Tariff()
	require.NoError(t, err)
	assert.Equal(t, "5", tariff.UnitRate.String())
	assert.True(t, tariff.Penalty.IsZero())
	assert.Equal(t, 14, tariff.Schedule.DueAfterDays)
	assert.Equal(t, 5, tariff.Schedule.DisconnectAfterDays)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// GIVEN: A YAML file and an environment override
	// WHEN: Config is loaded
	// THEN: File values apply and env wins over the file

	dir := t.TempDir()
	t.Chdir(dir)
	path := filepath.Join(dir, "billing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
billing:
  unit_rate: "6.5"
  penalty: "25"
scheduler:
  interval: 30m
`), 0o600))
	t.Setenv("BILLING_SERVER__PORT", "9100")
	t.Setenv("BILLING_LOG__LEVEL", "debug")

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Interval)

	tariff, err := cfg.Billing.Tariff()
	require.NoError(t, err)
	assert.Equal(t, "6.5", tariff.UnitRate.String())
	assert.Equal(t, "25.00", tariff.Penalty.String())
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("BILLING_BILLING__DUE_AFTER_DAYS=21\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("BILLING_BILLING__DUE_AFTER_DAYS") })

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, 21, cfg.Billing.DueAfterDays)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown driver", "BILLING_DATABASE__DRIVER", "mysql"},
		{"postgres without url", "BILLING_DATABASE__DRIVER", "postgres"},
		{"bad unit rate", "BILLING_BILLING__UNIT_RATE", "five"},
		{"zero unit rate", "BILLING_BILLING__UNIT_RATE", "0"},
		{"negative penalty", "BILLING_BILLING__PENALTY", "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tt.key, tt.val)

			_, err := config.Load("")

			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := config.Load("does-not-exist.yaml")

	assert.Error(t, err)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/shopspring/decimal"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	assert.NoError(t, err)

	check.Equal(t, "bidledger", cfg.App.Name)
	check.Equal(t, "", cfg.Database.DSN)
	check.Equal(t, 3, cfg.Database.MaxRetries)
	check.Equal(t, time.Minute, cfg.Scheduler.Interval)
	check.True(t, decimal.RequireFromString("0.029").Equal(cfg.Settlement.FeeRate))
	check.Equal(t, int64(30), cfg.Settlement.FixedFeeMinor)
	check.Equal(t, "none", cfg.Events.Driver)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BIDLEDGER_SETTLEMENT_FEE_RATE", "0.05")
	t.Setenv("BIDLEDGER_NOTIFY_RETRY_BACKOFF", "90s")
	t.Setenv("BIDLEDGER_HTTP_ADMIN_TOKEN", "s3cret")

	cfg, err := Load("")
	assert.NoError(t, err)

	check.True(t, decimal.RequireFromString("0.05").Equal(cfg.Settlement.FeeRate))
	check.Equal(t, 90*time.Second, cfg.Notify.RetryBackoff)
	check.Equal(t, "s3cret", cfg.HTTP.AdminToken)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("database:\n  max_retries: 7\nevents:\n  driver: nats\n")
	assert.NoError(t, os.WriteFile(path, body, 0o600))

	cfg, err := Load(path)
	assert.NoError(t, err)
	check.Equal(t, 7, cfg.Database.MaxRetries)
	check.Equal(t, "nats", cfg.Events.Driver)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		assert.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Settlement.FeeRate = decimal.NewFromInt(1)
	check.Error(t, cfg.Validate())

	cfg = base()
	cfg.Mailer.Enabled = true
	check.Error(t, cfg.Validate())

	cfg = base()
	cfg.Events.Driver = "kafka"
	check.Error(t, cfg.Validate())

	cfg = base()
	check.NoError(t, cfg.Validate())
}

func TestResolveMaxItems(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxItems: 100}}
	check.Equal(t, 100, cfg.ResolveMaxItems(0))
	check.Equal(t, 5, cfg.ResolveMaxItems(5))
}

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "0 2 * * *", cfg.Automation.DailyJob.Cron)
	assert.Equal(t, 3, cfg.Automation.OrchestrationJob.IntervalMinutes)
	assert.Equal(t, "sqlite", cfg.Automation.DB.Type)
	assert.Equal(t, "UTC", cfg.Automation.Timezone)
	assert.False(t, cfg.Email.EnableEmail)
	assert.Equal(t, "drive", cfg.StatsExport.ExportTarget)
}

func TestLoadMergesUserDocumentOverDefaults(t *testing.T) {
	path := writeTemp(t, "ipa.toml", `
[automation]
timezone = "America/Santiago"

[automation.daily_job]
cron = "30 3 * * *"

[stats_export]
storage_bucket = "ipa-stats"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "America/Santiago", cfg.Automation.Timezone)
	assert.Equal(t, "30 3 * * *", cfg.Automation.DailyJob.Cron)
	// Untouched keys keep their packaged defaults.
	assert.Equal(t, 3, cfg.Automation.OrchestrationJob.IntervalMinutes)
	assert.Equal(t, "ipa-stats", cfg.StatsExport.StorageBucket)
}

func TestLoadResolvesFileIndirection(t *testing.T) {
	passFile := writeTemp(t, "smtp-pass", "s3cret\n")
	path := writeTemp(t, "ipa.toml", `
[email]
enable_email = true
host = "smtp.example.com"
user = "pipeline@example.com"
password_file = "`+passFile+`"
from_address = "pipeline@example.com"
to_address = ["ops@example.com"]

[stats_export]
storage_bucket = "ipa-stats"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", cfg.Email.Password)
}

func TestLoadEmailInvariant(t *testing.T) {
	path := writeTemp(t, "ipa.toml", `
[email]
enable_email = true
host = "smtp.example.com"
user = "pipeline@example.com"
from_address = "pipeline@example.com"
to_address = ["ops@example.com"]

[stats_export]
storage_bucket = "ipa-stats"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email.password")
}

func TestLoadRejectsBadCron(t *testing.T) {
	path := writeTemp(t, "ipa.toml", `
[automation.daily_job]
cron = "not a cron"

[stats_export]
storage_bucket = "ipa-stats"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daily_job.cron")
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	path := writeTemp(t, "ipa.toml", `
[automation]
timezone = "Mars/Olympus"

[stats_export]
storage_bucket = "ipa-stats"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timezone")
}

func TestLoadRejectsBadDBTarget(t *testing.T) {
	path := writeTemp(t, "ipa.toml", `
[automation.db]
type = "oracle"

[stats_export]
storage_bucket = "ipa-stats"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "automation.db.type")
}

func TestCrossCopySharedPaths(t *testing.T) {
	path := writeTemp(t, "ipa.toml", `
[image_export]
monthly_collection_path = "projects/ipa/assets/monthly"

[stats_export]
storage_bucket = "ipa-stats"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "projects/ipa/assets/monthly", cfg.StatsExport.MonthlyCollectionPath)
}

func TestLoadRejectsBadMonth(t *testing.T) {
	path := writeTemp(t, "ipa.toml", `
[image_export]
months_list = ["2024-13"]

[stats_export]
storage_bucket = "ipa-stats"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "months_list")
}

package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	assert.Equal(t, "crmpulse.db", cfg.Database.Path)
	assert.Equal(t, 1, cfg.Scheduler.MaxJobsPerOwner)
	assert.Equal(t, 60*time.Second, cfg.Scheduler.PollInterval())
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.StopTimeout())
	assert.Equal(t, TransportLocal, cfg.Queue.Transport)
	assert.Equal(t, "crmpulse.jobs", cfg.Queue.Exchange)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
	assert.Equal(t, 60, cfg.Mail.MaxPerMinute)
	assert.Equal(t, 30, cfg.Housekeeping.RetentionDays)
	assert.Equal(t, "@daily", cfg.Housekeeping.Schedule)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "/var/lib/crm.db"

[scheduler]
max_jobs_per_owner = 3
workers = 8
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/crm.db", cfg.Database.Path)
	assert.Equal(t, 3, cfg.Scheduler.MaxJobsPerOwner)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	// untouched keys keep their defaults
	assert.Equal(t, 60, cfg.Scheduler.PollIntervalSeconds)
	assert.Equal(t, TransportLocal, cfg.Queue.Transport)
}

func TestLoadFromFileRejectsInvalid(t *testing.T) {
	path := writeConfig(t, `
[scheduler]
max_jobs_per_owner = 0
`)
	_, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_jobs_per_owner")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.Scheduler.Workers = 0 }, "scheduler.workers"},
		{"zero poll", func(c *Config) { c.Scheduler.PollIntervalSeconds = 0 }, "poll_interval_seconds"},
		{"unknown transport", func(c *Config) { c.Queue.Transport = "kafka" }, "queue.transport"},
		{"amqp without url", func(c *Config) {
			c.Queue.Transport = TransportAMQP
			c.Queue.AMQPURL = ""
		}, "queue.amqp_url"},
		{"amqp with url", func(c *Config) { c.Queue.Transport = TransportAMQP }, ""},
		{"bad cron", func(c *Config) { c.Housekeeping.Schedule = "every tuesday" }, "housekeeping.schedule"},
		{"negative mail rate", func(c *Config) { c.Mail.MaxPerMinute = -1 }, "mail.max_per_minute"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestUpdateMaxJobsPerOwnerKeepsOtherSettings(t *testing.T) {
	path := writeConfig(t, `
[database]
path = "keep.db"
`)

	require.NoError(t, UpdateMaxJobsPerOwner(path, 5))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Scheduler.MaxJobsPerOwner)
	assert.Equal(t, "keep.db", cfg.Database.Path)

	// previous content rotated to .back1
	backup, err := os.ReadFile(path + ".back1")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "keep.db")
	assert.NotContains(t, string(backup), "max_jobs_per_owner")

	assert.Error(t, UpdateMaxJobsPerOwner(path, 0))
}

func TestBackupRotation(t *testing.T) {
	path := writeConfig(t, "")

	for i := 1; i <= 5; i++ {
		require.NoError(t, UpdateMaxJobsPerOwner(path, i))
	}

	for n := 1; n <= maxBackups; n++ {
		assert.FileExists(t, backupPath(path, n))
	}
	assert.NoFileExists(t, backupPath(path, maxBackups+1))
}

func TestInitConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")

	require.NoError(t, InitConfigFile(path, Defaults(), false))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)

	err = InitConfigFile(path, Defaults(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, InitConfigFile(path, Defaults(), true))
	assert.FileExists(t, path+".back1")
}

func TestIsBackupFile(t *testing.T) {
	assert.True(t, isBackupFile("/etc/crmpulse/am.toml.back1"))
	assert.True(t, isBackupFile("am.toml.back3"))
	assert.False(t, isBackupFile("/etc/crmpulse/am.toml"))
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "[scheduler]\nmax_jobs_per_owner = 1\n")

	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.debouncePeriod = 10 * time.Millisecond
	t.Cleanup(func() { w.Stop() })

	reloaded := make(chan int, 4)
	w.OnReload(func(cfg *Config) error {
		reloaded <- cfg.Scheduler.MaxJobsPerOwner
		return nil
	})
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("[scheduler]\nmax_jobs_per_owner = 4\n"), DefaultFilePermissions))

	select {
	case n := <-reloaded:
		assert.Equal(t, 4, n)
	case <-time.After(5 * time.Second):
		t.Fatal("config watcher did not reload")
	}
}

func TestWatcherIgnoresOwnWrite(t *testing.T) {
	path := writeConfig(t, "[scheduler]\nmax_jobs_per_owner = 1\n")

	w, err := NewConfigWatcher(path)
	require.NoError(t, err)
	w.MarkOwnWrite()
	assert.True(t, w.checkOwnWrite())
	assert.False(t, w.checkOwnWrite())
	require.NoError(t, w.Stop())
}

package am

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/logger"
)

// maxBackups is how many rotated copies of am.toml are kept (.back1 newest)
const maxBackups = 3

// rotateBackups shifts am.toml.backN up by one and copies the current file to .back1
func rotateBackups(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	oldest := backupPath(configPath, maxBackups)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		// Don't fail the save over a stale backup
		logger.Warnw("Failed to delete old config backup", "path", oldest, "error", err)
	}

	for n := maxBackups - 1; n >= 1; n-- {
		from := backupPath(configPath, n)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, backupPath(configPath, n+1)); err != nil {
			return errors.Wrapf(err, "failed to rotate %s", from)
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(backupPath(configPath, 1), content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

func backupPath(configPath string, n int) string {
	return configPath + ".back" + strconv.Itoa(n)
}

// loadRawConfig reads configPath into a generic TOML tree, or returns an empty one
func loadRawConfig(configPath string) (map[string]interface{}, error) {
	config := make(map[string]interface{})
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return config, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %s", configPath)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %s", configPath)
	}
	return config, nil
}

// saveRawConfig backs up and writes the TOML tree to configPath
func saveRawConfig(config map[string]interface{}, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := rotateBackups(configPath); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Mark this as our own write to prevent reload loops
	if w := GetGlobalWatcher(); w != nil {
		w.MarkOwnWrite()
	}

	if err := os.WriteFile(configPath, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", configPath)
	}
	return nil
}

// UpdateSetting sets section.key = value in the TOML file at configPath,
// keeping every other setting in the file untouched.
func UpdateSetting(configPath, section, key string, value interface{}) error {
	config, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}

	sect, ok := config[section].(map[string]interface{})
	if !ok {
		sect = make(map[string]interface{})
	}
	sect[key] = value
	config[section] = sect

	return saveRawConfig(config, configPath)
}

// UpdateMaxJobsPerOwner writes scheduler.max_jobs_per_owner. A running
// scheduler watching the same file applies it on its next tick.
func UpdateMaxJobsPerOwner(configPath string, n int) error {
	if n < 1 {
		return errors.Newf("max_jobs_per_owner must be >= 1, got %d", n)
	}
	return UpdateSetting(configPath, "scheduler", "max_jobs_per_owner", n)
}

// defaultFile is the TOML layout written by InitConfigFile
type defaultFile struct {
	Database struct {
		Path string `toml:"path"`
	} `toml:"database"`
	Scheduler struct {
		MaxJobsPerOwner     int `toml:"max_jobs_per_owner"`
		PollIntervalSeconds int `toml:"poll_interval_seconds"`
		Workers             int `toml:"workers"`
		StopTimeoutSeconds  int `toml:"stop_timeout_seconds"`
	} `toml:"scheduler"`
	Queue struct {
		Transport string `toml:"transport"`
		Exchange  string `toml:"exchange"`
		QueueName string `toml:"queue_name"`
	} `toml:"queue"`
	Metrics struct {
		Addr string `toml:"addr"`
	} `toml:"metrics"`
	Mail struct {
		Sender       string `toml:"sender"`
		MaxPerMinute int    `toml:"max_per_minute"`
		SMTPAddr     string `toml:"smtp_addr"`
	} `toml:"mail"`
	Housekeeping struct {
		RetentionDays int    `toml:"retention_days"`
		Schedule      string `toml:"schedule"`
	} `toml:"housekeeping"`
}

// InitConfigFile writes cfg as a fresh am.toml. Credentials are never written;
// they come from CRMPULSE_* environment variables.
func InitConfigFile(configPath string, cfg *Config, overwrite bool) error {
	if _, err := os.Stat(configPath); err == nil && !overwrite {
		return errors.WithHint(
			errors.Newf("%s already exists", configPath),
			"pass --force to overwrite it (the old file is kept as .back1)")
	}

	var f defaultFile
	f.Database.Path = cfg.Database.Path
	f.Scheduler.MaxJobsPerOwner = cfg.Scheduler.MaxJobsPerOwner
	f.Scheduler.PollIntervalSeconds = cfg.Scheduler.PollIntervalSeconds
	f.Scheduler.Workers = cfg.Scheduler.Workers
	f.Scheduler.StopTimeoutSeconds = cfg.Scheduler.StopTimeoutSeconds
	f.Queue.Transport = cfg.Queue.Transport
	f.Queue.Exchange = cfg.Queue.Exchange
	f.Queue.QueueName = cfg.Queue.QueueName
	f.Metrics.Addr = cfg.Metrics.Addr
	f.Mail.Sender = cfg.Mail.Sender
	f.Mail.MaxPerMinute = cfg.Mail.MaxPerMinute
	f.Mail.SMTPAddr = cfg.Mail.SMTPAddr
	f.Housekeeping.RetentionDays = cfg.Housekeeping.RetentionDays
	f.Housekeeping.Schedule = cfg.Housekeeping.Schedule

	data, err := toml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "failed to marshal default config")
	}

	var tree map[string]interface{}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return errors.Wrap(err, "failed to re-read default config")
	}
	return saveRawConfig(tree, configPath)
}

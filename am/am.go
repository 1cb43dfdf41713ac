// Package am holds the crmpulse configuration ("I am").
package am

import "time"

// Config represents the crmpulse configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Mail         MailConfig         `mapstructure:"mail"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the job scheduler loop and its execution slots
type SchedulerConfig struct {
	MaxJobsPerOwner     int `mapstructure:"max_jobs_per_owner"`    // Concurrent jobs one owner may run (MAX_JOBS_PER_OWNER)
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"` // Fallback full-table sweep interval
	Workers             int `mapstructure:"workers"`               // Execution slots shared by all owners
	StopTimeoutSeconds  int `mapstructure:"stop_timeout_seconds"`  // How long Stop() waits for running jobs
}

// PollInterval returns the fallback sweep interval as a duration
func (c SchedulerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StopTimeout returns the graceful stop timeout as a duration
func (c SchedulerConfig) StopTimeout() time.Duration {
	return time.Duration(c.StopTimeoutSeconds) * time.Second
}

// Queue transports
const (
	TransportLocal = "local" // in-process signals (CLI and scheduler share a process)
	TransportAMQP  = "amqp"  // RabbitMQ between job-creating processes and the scheduler daemon
)

// QueueConfig configures the signaling channel between job creators and the scheduler
type QueueConfig struct {
	Transport string `mapstructure:"transport"`
	AMQPURL   string `mapstructure:"amqp_url"`
	Exchange  string `mapstructure:"exchange"`
	QueueName string `mapstructure:"queue_name"`
}

// MetricsConfig configures the Prometheus endpoint of the daemon
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // "" disables the endpoint
}

// MailConfig configures the send-pending job kind
type MailConfig struct {
	Sender       string `mapstructure:"sender"`
	MaxPerMinute int    `mapstructure:"max_per_minute"`
	SMTPAddr     string `mapstructure:"smtp_addr"` // "" logs messages instead of sending them
	SMTPUser     string `mapstructure:"smtp_user"`
	SMTPPassword string `mapstructure:"smtp_password"`
}

// HousekeepingConfig configures the jobs-cleanup job kind
type HousekeepingConfig struct {
	RetentionDays int    `mapstructure:"retention_days"`
	Schedule      string `mapstructure:"schedule"` // cron spec, e.g. "@daily" or "0 3 * * *"
}

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)

package am

import (
	"github.com/robfig/cron/v3"

	"github.com/teranos/crmpulse/errors"
)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Admission: at least one job per owner must be able to run
	if c.Scheduler.MaxJobsPerOwner < 1 {
		return errors.Newf("scheduler.max_jobs_per_owner must be >= 1, got %d", c.Scheduler.MaxJobsPerOwner)
	}
	// The sweep is the correctness fallback, so it cannot be disabled
	if c.Scheduler.PollIntervalSeconds < 1 {
		return errors.Newf("scheduler.poll_interval_seconds must be >= 1, got %d", c.Scheduler.PollIntervalSeconds)
	}
	if c.Scheduler.Workers < 1 {
		return errors.Newf("scheduler.workers must be >= 1, got %d", c.Scheduler.Workers)
	}
	if c.Scheduler.StopTimeoutSeconds < 0 {
		return errors.Newf("scheduler.stop_timeout_seconds must be >= 0, got %d", c.Scheduler.StopTimeoutSeconds)
	}

	switch c.Queue.Transport {
	case TransportLocal:
	case TransportAMQP:
		if c.Queue.AMQPURL == "" {
			return errors.New("queue.amqp_url cannot be empty when queue.transport = \"amqp\"")
		}
		if c.Queue.Exchange == "" {
			return errors.New("queue.exchange cannot be empty when queue.transport = \"amqp\"")
		}
	default:
		return errors.Newf("queue.transport must be %q or %q, got %q", TransportLocal, TransportAMQP, c.Queue.Transport)
	}

	if c.Mail.MaxPerMinute < 0 {
		return errors.Newf("mail.max_per_minute must be >= 0, got %d", c.Mail.MaxPerMinute)
	}

	if c.Housekeeping.RetentionDays < 1 {
		return errors.Newf("housekeeping.retention_days must be >= 1, got %d", c.Housekeeping.RetentionDays)
	}
	if _, err := cron.ParseStandard(c.Housekeeping.Schedule); err != nil {
		return errors.Wrapf(err, "housekeeping.schedule %q is not a valid cron spec", c.Housekeeping.Schedule)
	}

	return nil
}

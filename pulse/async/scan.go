package async

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/teranos/crmpulse/errors"
)

// timeLayout is the fixed-width UTC text format of every timestamp column.
// Fixed width keeps lexical order equal to time order in SQL comparisons.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid timestamp %q", s)
	}
	return t, nil
}

// FormatTime renders t in the column format shared by every pulse and CRM table
func FormatTime(t time.Time) string { return formatTime(t) }

// ParseTime reads a timestamp column written by FormatTime
func ParseTime(s string) (time.Time, error) { return parseTime(s) }

// nullableTime converts an optional timestamp to a column value
func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// JobScanArgs holds the raw column values of a job row before conversion
type JobScanArgs struct {
	Data         string
	ReferenceRun string
	LastRun      sql.NullString
	Stats        string
	CreatedAt    string
	UpdatedAt    string
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan targets in StandardJobSelectColumns order
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.TypeID,
		&job.Owner,
		&args.Data,
		&job.Status,
		&job.Error,
		&args.ReferenceRun,
		&args.LastRun,
		&args.Stats,
		&args.CreatedAt,
		&args.UpdatedAt,
	}
}

// ProcessJobScanArgs converts the scanned columns into the job
func ProcessJobScanArgs(job *Job, args *JobScanArgs) error {
	var err error

	job.Data = json.RawMessage(args.Data)

	if job.ReferenceRun, err = parseTime(args.ReferenceRun); err != nil {
		return errors.WithDetail(err, "Job ID: "+job.ID)
	}
	if job.CreatedAt, err = parseTime(args.CreatedAt); err != nil {
		return errors.WithDetail(err, "Job ID: "+job.ID)
	}
	if job.UpdatedAt, err = parseTime(args.UpdatedAt); err != nil {
		return errors.WithDetail(err, "Job ID: "+job.ID)
	}

	job.LastRun = nil
	if args.LastRun.Valid {
		lastRun, err := parseTime(args.LastRun.String)
		if err != nil {
			return errors.WithDetail(err, "Job ID: "+job.ID)
		}
		job.LastRun = &lastRun
	}

	job.Stats = nil
	if args.Stats != "" {
		if err := json.Unmarshal([]byte(args.Stats), &job.Stats); err != nil {
			err = errors.Wrap(err, "failed to unmarshal job stats")
			return errors.WithDetail(err, "Job ID: "+job.ID)
		}
	}

	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanJob scans one job from a row in StandardJobSelectColumns order
func scanJob(row rowScanner) (*Job, error) {
	var job Job
	args := GetJobScanArgs()
	if err := row.Scan(GetJobScanTargets(&job, args)...); err != nil {
		return nil, err
	}
	if err := ProcessJobScanArgs(&job, args); err != nil {
		return nil, err
	}
	return &job, nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, type_id, owner, data, status, error,
		reference_run, last_run, stats,
		created_at, updated_at`
}

// marshalStats encodes stats as a JSON array, never null
func marshalStats(stats []string) (string, error) {
	if stats == nil {
		stats = []string{}
	}
	data, err := json.Marshal(stats)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal job stats")
	}
	return string(data), nil
}

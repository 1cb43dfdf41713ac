package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/crmpulse/errors"
)

// IsDatabaseClosed reports whether err comes from using the database after
// Close. The daemon closes it while the last ticks and runs wind down, and
// those callers log such errors at debug level instead of warning.
//
// database/sql does not export its closed-database error, so the message is
// matched after the sentinel check.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}

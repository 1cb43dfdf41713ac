package db

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/teranos/crmpulse/errors"
	"github.com/teranos/crmpulse/sym"
)

func TestOpenAppliesPragmas(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crm.db")
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))

	database, err := Open(path, nil)
	require.NoError(t, err)
	defer database.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err, "the file is created on open")

	pragmas := map[string]interface{}{
		"journal_mode": "wal",
		"foreign_keys": int64(1),
		"busy_timeout": int64(SQLiteBusyTimeoutMS),
	}
	for name, want := range pragmas {
		var got interface{}
		require.NoError(t, database.QueryRow("PRAGMA "+name).Scan(&got), name)
		if b, ok := got.([]byte); ok {
			got = string(b)
		}
		assert.Equal(t, want, got, name)
	}
}

func TestOpenUnreachablePath(t *testing.T) {
	database, err := Open("/no/such/dir/crm.db", nil)
	if err == nil {
		// Some drivers connect lazily; the first statement fails instead
		err = database.Ping()
		database.Close()
	}
	require.Error(t, err)
	assert.NotNil(t, errors.GetReportableStackTrace(err), "wrapped with a stack")
}

func TestOpenLogsWithStorageGlyph(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	database, err := OpenWithMigrations(filepath.Join(t.TempDir(), "crm.db"), zap.New(core).Sugar())
	require.NoError(t, err)
	defer database.Close()

	require.NotZero(t, logs.Len())
	for _, entry := range logs.All() {
		assert.Equal(t, sym.DB, entry.ContextMap()["symbol"], entry.Message)
	}
	assert.Equal(t, 1, logs.FilterMessage("Migrations complete").Len())
}

func TestIsDatabaseClosed(t *testing.T) {
	database, err := Open(filepath.Join(t.TempDir(), "crm.db"), nil)
	require.NoError(t, err)
	require.NoError(t, database.Close())

	_, err = database.Exec("SELECT 1")
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))
	assert.True(t, IsDatabaseClosed(errors.Wrap(err, "failed to list waiting jobs")), "wrapping keeps it recognisable")
	assert.True(t, IsDatabaseClosed(sql.ErrConnDone))

	assert.False(t, IsDatabaseClosed(nil))
	assert.False(t, IsDatabaseClosed(sql.ErrNoRows))
}

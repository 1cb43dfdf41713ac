package async

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	crmtest "github.com/teranos/crmpulse/internal/testing"
)

// ============================================================================
// TAS Bot (Tool-Assisted Speedrun) & Kirby Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: Frame-perfect coordinator who schedules jobs with precision timing
//   - Kirby: The worker who copies and executes jobs ('Poyo!')
//   - Cronos: Greek god of time, appears for timing-sensitive tests
// ============================================================================

// testType is a configurable JobType
type testType struct {
	id   string
	kind PeriodicKind
	exec func(ctx context.Context, job *Job) error
	next func(job *Job, now time.Time) *time.Time

	mu    sync.Mutex
	calls int
}

func newTestType(id string, exec func(ctx context.Context, job *Job) error) *testType {
	return &testType{id: id, kind: NotPeriodic, exec: exec}
}

func (tt *testType) ID() string             { return tt.id }
func (tt *testType) Periodic() PeriodicKind { return tt.kind }

func (tt *testType) Execute(ctx context.Context, job *Job) error {
	tt.mu.Lock()
	tt.calls++
	tt.mu.Unlock()
	if tt.exec == nil {
		return nil
	}
	return tt.exec(ctx, job)
}

func (tt *testType) NextWakeup(job *Job, now time.Time) *time.Time {
	if tt.next == nil {
		return nil
	}
	return tt.next(job, now)
}

func (tt *testType) Calls() int {
	tt.mu.Lock()
	defer tt.mu.Unlock()
	return tt.calls
}

// gate blocks Execute until released, and reports which jobs entered it
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 64), release: make(chan struct{})}
}

func (g *gate) exec(ctx context.Context, job *Job) error {
	g.entered <- job.ID
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gate) waitEntered(t *testing.T) string {
	t.Helper()
	select {
	case id := <-g.entered:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("job never started executing")
		return ""
	}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func newTestStore(t *testing.T) (*sql.DB, *Store) {
	t.Helper()
	db := crmtest.CreateTestDB(t)
	return db, NewStore(db)
}

// createJob persists a WAIT job for typeID
func createJob(t *testing.T, store *Store, typeID, owner string) *Job {
	t.Helper()
	job, err := NewJob(typeID, owner, nil)
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(context.Background(), job))
	return job
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

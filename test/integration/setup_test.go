package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/medcab/realtime/internal/platform/changefeed"
	"github.com/medcab/realtime/internal/platform/db"
	"github.com/medcab/realtime/migrations"
)

// globalPool is the migrated database shared by every test, set in TestMain.
var globalPool *pgxpool.Pool

// TestMain uses TEST_DATABASE_URL when set, otherwise starts a throwaway
// Postgres container. Without either the suite is skipped.
func TestMain(m *testing.M) {
	ctx := context.Background()

	connStr := os.Getenv("TEST_DATABASE_URL")
	cleanup := func() {}
	if connStr == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			fmt.Fprintln(os.Stderr, "skipping integration tests: set TEST_DATABASE_URL or install docker")
			os.Exit(0)
		}
		var err error
		connStr, cleanup, err = startPostgres(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
			os.Exit(1)
		}
	}

	pool, err := connect(ctx, connStr, 30*time.Second)
	if err != nil {
		cleanup()
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	if _, err := db.NewMigrator(pool, migrations.FS).Up(ctx); err != nil {
		pool.Close()
		cleanup()
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	globalPool = pool
	code := m.Run()
	pool.Close()
	cleanup()
	os.Exit(code)
}

// fixture is one structure with a member, isolated from other tests.
type fixture struct {
	StructureID uuid.UUID
	UserID      uuid.UUID
}

func newFixture(t *testing.T, ctx context.Context) fixture {
	t.Helper()
	f := fixture{StructureID: uuid.New(), UserID: uuid.New()}
	mustExec(t, ctx, `INSERT INTO structures (id, name) VALUES ($1, $2)`, f.StructureID, "Cabinet "+f.StructureID.String()[:8])
	mustExec(t, ctx, `INSERT INTO profiles (id, full_name) VALUES ($1, 'Dr Martin')`, f.UserID)
	mustExec(t, ctx, `INSERT INTO structure_members (structure_id, user_id) VALUES ($1, $2)`, f.StructureID, f.UserID)
	t.Cleanup(func() {
		_, _ = globalPool.Exec(context.Background(), `DELETE FROM structures WHERE id = $1`, f.StructureID)
		_, _ = globalPool.Exec(context.Background(), `DELETE FROM profiles WHERE id = $1`, f.UserID)
	})
	return f
}

func (f fixture) addPatient(t *testing.T, ctx context.Context, first, last string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	mustExec(t, ctx, `INSERT INTO patients (id, structure_id, first_name, last_name) VALUES ($1, $2, $3, $4)`,
		id, f.StructureID, first, last)
	return id
}

func (f fixture) addQueueEntry(t *testing.T, ctx context.Context, patientID uuid.UUID, position int) uuid.UUID {
	t.Helper()
	id := uuid.New()
	mustExec(t, ctx, `INSERT INTO queue_entries (id, structure_id, patient_id, position) VALUES ($1, $2, $3, $4)`,
		id, f.StructureID, patientID, position)
	return id
}

func mustExec(t *testing.T, ctx context.Context, sql string, args ...interface{}) {
	t.Helper()
	if _, err := globalPool.Exec(ctx, sql, args...); err != nil {
		t.Fatalf("exec %q: %v", sql, err)
	}
}

// startFeed runs a Listener into a fresh Router until the test ends and
// waits for the LISTEN connection.
func startFeed(t *testing.T) *changefeed.Router {
	t.Helper()
	router := changefeed.NewRouter(zerolog.Nop(), 32)
	listener := changefeed.NewListener(globalPool, "row_changes", router, zerolog.Nop(), clock.WallClock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = listener.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		router.Close()
	})

	deadline := time.Now().Add(5 * time.Second)
	for !listener.Listening() {
		if time.Now().After(deadline) {
			t.Fatal("listener did not start")
		}
		time.Sleep(20 * time.Millisecond)
	}
	return router
}

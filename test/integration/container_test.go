package integration

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medcab/realtime/internal/platform/db"
)

const (
	pgImage    = "postgres:16-alpine"
	pgUser     = "realtime"
	pgPassword = "realtime"
	pgDatabase = "realtime_test"
)

// startPostgres runs a throwaway Postgres container published on a port
// chosen by Docker and returns its connection string and a cleanup function.
func startPostgres(ctx context.Context) (string, func(), error) {
	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--label", "medcab.realtime.integration=1",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER="+pgUser,
		"-e", "POSTGRES_PASSWORD="+pgPassword,
		"-e", "POSTGRES_DB="+pgDatabase,
		pgImage,
	).CombinedOutput()
	if err != nil {
		return "", nil, fmt.Errorf("docker run: %w: %s", err, out)
	}
	id := strings.TrimSpace(string(out))
	cleanup := func() { _ = exec.Command("docker", "rm", "-f", id).Run() }

	hostPort, err := publishedPort(ctx, id)
	if err != nil {
		cleanup()
		return "", nil, err
	}
	connStr := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgPassword, hostPort, pgDatabase)
	return connStr, cleanup, nil
}

// publishedPort returns the host address Docker bound to the container's
// 5432/tcp, e.g. "127.0.0.1:49153".
func publishedPort(ctx context.Context, id string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	if line == "" {
		return "", fmt.Errorf("docker port: no binding for 5432/tcp")
	}
	return line, nil
}

// connect opens the test pool, retrying until the server accepts queries.
// A fresh container refuses connections for a few seconds after start.
func connect(ctx context.Context, connStr string, timeout time.Duration) (*pgxpool.Pool, error) {
	deadline := time.Now().Add(timeout)
	for {
		pool, err := db.NewPool(ctx, connStr, "realtime-integration", 8, 1)
		if err == nil {
			return pool, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("postgres not ready after %v: %w", timeout, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
}

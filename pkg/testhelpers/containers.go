// Package testhelpers starts the Postgres the integration tests share.
package testhelpers

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ontask-engine/pkg/database"
	"github.com/ekaya-inc/ontask-engine/pkg/retry"
)

// PostgresImage is the image the integration tests run against.
const PostgresImage = "postgres:16-alpine"

const (
	testDatabase = "ontask_engine_test"
	testUser     = "ontask"
	testPassword = "test_password"
)

// EngineDB is a migrated engine database in a container started once per
// test binary.
type EngineDB struct {
	DB        *database.DB
	ConnStr   string
	Container testcontainers.Container
}

var (
	engineOnce sync.Once
	engineDB   *EngineDB
	engineErr  error
)

// GetEngineDB returns the shared engine database, starting the container on
// first use. It skips the test in short mode because Docker is required.
func GetEngineDB(t *testing.T) *EngineDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}
	engineOnce.Do(func() {
		engineDB, engineErr = startEngineDB(context.Background())
	})
	if engineErr != nil {
		t.Fatalf("Failed to set up engine database: %v", engineErr)
	}
	return engineDB
}

func startEngineDB(ctx context.Context) (*EngineDB, error) {
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        PostgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_DB":       testDatabase,
				"POSTGRES_USER":     testUser,
				"POSTGRES_PASSWORD": testPassword,
			},
			// initdb restarts the server once, so the message appears twice.
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}

	connStr, err := containerURL(ctx, container)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, err
	}

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 5,
		Retry: &retry.Config{
			MaxRetries:   10,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     500 * time.Millisecond,
			Multiplier:   1,
		},
	}, zap.NewNop())
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to connect to engine database: %w", err)
	}
	if err := database.RunMigrations(connStr, MigrationsPath(), zap.NewNop()); err != nil {
		db.Close()
		_ = container.Terminate(ctx)
		return nil, err
	}

	return &EngineDB{DB: db, ConnStr: connStr, Container: container}, nil
}

func containerURL(ctx context.Context, container testcontainers.Container) (string, error) {
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("failed to get container port: %w", err)
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(testUser, testPassword),
		Host:     fmt.Sprintf("%s:%s", host, port.Port()),
		Path:     testDatabase,
		RawQuery: "sslmode=disable",
	}
	return u.String(), nil
}

// MigrationsPath returns the absolute path of the repository migrations.
func MigrationsPath() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "..", "..", "migrations")
}

// Scope returns a context carrying a pooled connection of the engine
// database. The connection is released when the test ends.
func (e *EngineDB) Scope(t *testing.T) context.Context {
	t.Helper()

	ctx := context.Background()
	scope, err := e.DB.Acquire(ctx)
	if err != nil {
		t.Fatalf("Failed to acquire database scope: %v", err)
	}
	t.Cleanup(scope.Close)
	return database.SetScope(ctx, scope)
}

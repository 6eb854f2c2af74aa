// Package testhelpers starts the shared PostgreSQL container used by
// integration tests and loads the demo scenario into it.
package testhelpers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-combine/pkg/database"
)

// PostgresImage is the stock image the fixtures are migrated into.
const PostgresImage = "postgres:16-alpine"

const (
	testUser     = "combine"
	testPassword = "test_password"
	testDatabase = "cdr"
)

// TestDB holds a shared test database container and connection pool.
// The ehr, rdr and combined schemas exist with the demo scenario loaded.
type TestDB struct {
	Container testcontainers.Container
	DB        *database.DB
	ConnStr   string
	Host      string
	Port      int
	User      string
	Password  string
	Database  string
}

var (
	sharedTestDB     *TestDB
	sharedTestDBOnce sync.Once
	sharedTestDBErr  error
)

// GetTestDB returns a shared PostgreSQL container for integration tests.
// The container is created once and reused across all tests in the run.
func GetTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode (requires Docker)")
	}

	sharedTestDBOnce.Do(func() {
		sharedTestDB, sharedTestDBErr = setupTestDB()
	})

	if sharedTestDBErr != nil {
		t.Fatalf("Failed to setup test database: %v", sharedTestDBErr)
	}

	return sharedTestDB
}

func setupTestDB() (*TestDB, error) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        PostgresImage,
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       testDatabase,
			"POSTGRES_USER":     testUser,
			"POSTGRES_PASSWORD": testPassword,
		},
		// The server restarts once after initdb, so wait for the second line.
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start test container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get container host: %w", err)
	}

	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return nil, fmt.Errorf("failed to get container port: %w", err)
	}

	connStr := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		testUser, testPassword, host, port.Port(), testDatabase)

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            connStr,
		MaxConnections: 10,
	}, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to test database: %w", err)
	}

	// Run migrations using database/sql (required by golang-migrate)
	sqlDB, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sql connection: %w", err)
	}
	defer sqlDB.Close()

	if err := database.RunMigrations(sqlDB, zap.NewNop()); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &TestDB{
		Container: container,
		DB:        db,
		ConnStr:   connStr,
		Host:      host,
		Port:      port.Int(),
		User:      testUser,
		Password:  testPassword,
		Database:  testDatabase,
	}, nil
}

// AdapterConfig returns the datasource config map for the container.
func (db *TestDB) AdapterConfig() map[string]any {
	return map[string]any{
		"host":     db.Host,
		"port":     db.Port,
		"user":     db.User,
		"password": db.Password,
		"database": db.Database,
		"ssl_mode": "disable",
	}
}

// CreateSchema creates an empty schema with a unique name and drops it when
// the test ends, so tests can write combined output without sharing tables.
func (db *TestDB) CreateSchema(t *testing.T, prefix string) string {
	t.Helper()

	name := prefix + "_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	quoted := pgx.Identifier{name}.Sanitize()

	ctx := context.Background()
	if _, err := db.DB.Exec(ctx, "CREATE SCHEMA "+quoted); err != nil {
		t.Fatalf("failed to create schema %s: %v", name, err)
	}
	t.Cleanup(func() {
		if _, err := db.DB.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+quoted+" CASCADE"); err != nil {
			t.Logf("failed to drop schema %s: %v", name, err)
		}
	})
	return name
}

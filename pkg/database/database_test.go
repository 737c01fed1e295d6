package database

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getTestConfig returns a PostgreSQL Config for testing
func getTestConfig() Config {
	host := os.Getenv("TEST_DB_HOST")
	if host == "" {
		host = "localhost"
	}

	return Config{
		Driver:          DriverPostgres,
		Host:            host,
		Port:            5432,
		User:            "release_gate",
		Password:        "test_password",
		DBName:          "release_gate_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

type widget struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

func TestNewSQLite(t *testing.T) {
	db, err := New(Config{Driver: DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)
	defer Close(db)

	assert.NoError(t, HealthCheck(db))

	missing, err := MissingTables(db, &widget{})
	require.NoError(t, err)
	assert.Equal(t, []string{"widgets"}, missing)

	require.NoError(t, Migrate(db, &widget{}))
	missing, err = MissingTables(db, &widget{})
	require.NoError(t, err)
	assert.Empty(t, missing)

	// a second run is a no-op
	assert.NoError(t, Migrate(db, &widget{}))
}

func TestNewUnsupportedDriver(t *testing.T) {
	_, err := New(Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5432, User: "u", Password: "p", DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", cfg.DSN())
}

// TestNewPostgres tests database connection creation
func TestNewPostgres(t *testing.T) {
	config := getTestConfig()

	db, err := New(config)
	if err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
	}
	defer Close(db)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, config.MaxOpenConns, sqlDB.Stats().MaxOpenConnections)
}

func TestClose(t *testing.T) {
	db, err := New(Config{Driver: DriverSQLite, Path: ":memory:"})
	require.NoError(t, err)

	assert.NoError(t, Close(db))
	assert.Error(t, HealthCheck(db))
}

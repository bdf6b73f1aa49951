package testutil

import (
	"fmt"
	"testing"

	"github.com/Baaaki/chatcore/internal/database"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TestDatabase holds test database connection (in-memory SQLite)
type TestDatabase struct {
	DB  *gorm.DB
	DSN string
}

// TestRedis holds test Redis mock (miniredis)
type TestRedis struct {
	Server *miniredis.Miniredis
	Client *redis.Client
	URL    string
}

// SetupTestDatabase creates an isolated in-memory SQLite database with the
// production schema. No Docker required.
func SetupTestDatabase(t testing.TB) *TestDatabase {
	t.Helper()

	// named shared-cache DB: one per call, visible to every pooled connection
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_busy_timeout=5000", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}

	// SQLite allows one writer; a single connection keeps tests deterministic
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("Failed to get underlying DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := database.Migrate(db); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	td := &TestDatabase{DB: db, DSN: dsn}
	t.Cleanup(func() { td.Teardown(t) })
	return td
}

// Teardown closes the connection; the in-memory database goes with it.
func (td *TestDatabase) Teardown(t testing.TB) {
	sqlDB, err := td.DB.DB()
	if err != nil {
		t.Logf("Warning: Failed to get underlying DB: %v", err)
		return
	}
	if err := sqlDB.Close(); err != nil {
		t.Logf("Warning: Failed to close database: %v", err)
	}
}

// CleanDatabase deletes all records from tables (for test isolation)
func CleanDatabase(t testing.TB, db *gorm.DB) {
	t.Helper()
	tables := []string{"mentions", "reactions", "message_edit_history", "messages"}
	for _, table := range tables {
		if err := db.Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
			t.Logf("Warning: Failed to clean table %s: %v", table, err)
		}
	}
}

// SetupTestRedis starts miniredis and a client pointed at it.
func SetupTestRedis(t testing.TB) *TestRedis {
	t.Helper()

	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})

	tr := &TestRedis{
		Server: server,
		Client: client,
		URL:    fmt.Sprintf("redis://%s", server.Addr()),
	}
	t.Cleanup(func() { tr.Teardown() })
	return tr
}

// Teardown cleans up the test Redis mock
func (tr *TestRedis) Teardown() {
	_ = tr.Client.Close()
	tr.Server.Close()
}

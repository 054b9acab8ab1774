// Package dbtest opens the integration test database. Tests using it are
// skipped when TEST_DATABASE_URL is unset or unreachable.
package dbtest

import (
	"context"
	"os"
	"testing"

	"go-chat-core/internal/db"

	"github.com/google/uuid"
)

func Open(t *testing.T) *db.Database {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("Skipping test: TEST_DATABASE_URL not set")
	}

	database, err := db.NewDatabase(url)
	if err != nil {
		t.Skipf("Skipping test: database not available: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.AutoMigrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

// User inserts a throwaway user and returns its id.
func User(t *testing.T, database *db.Database) int64 {
	t.Helper()

	var id int64
	err := database.Conn.QueryRowContext(context.Background(),
		`INSERT INTO users (username, password) VALUES ($1, 'x') RETURNING id`,
		"test-"+uuid.NewString()[:8],
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	return id
}

// Room inserts a room of the given kind with the listed members.
func Room(t *testing.T, database *db.Database, kind string, members ...int64) int64 {
	t.Helper()

	ctx := context.Background()
	var id int64
	err := database.Conn.QueryRowContext(ctx,
		`INSERT INTO rooms (name, kind) VALUES ('test', $1) RETURNING id`, kind,
	).Scan(&id)
	if err != nil {
		t.Fatalf("insert room: %v", err)
	}
	for _, m := range members {
		if _, err := database.Conn.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`, id, m); err != nil {
			t.Fatalf("insert member: %v", err)
		}
	}
	return id
}

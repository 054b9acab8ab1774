package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	uniqueViolation = "23505"
	searchLimit     = 10
)

// likeEscaper neutralises LIKE wildcards in user-supplied search text.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Repository persists users in Postgres. Usernames are unique.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// CreateUser inserts u and fills in its id. A taken username is
// ErrUsernameTaken.
func (r *Repository) CreateUser(ctx context.Context, u *User) (*User, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (username, password) VALUES ($1, $2) RETURNING id`,
		u.Username, u.Password,
	).Scan(&u.ID)

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return nil, ErrUsernameTaken
	case err != nil:
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var u User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, password FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.Password)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return &u, nil
}

// SearchUsers matches usernames containing query, case-insensitively.
// An empty query matches nobody.
func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	users := []User{}
	query = strings.TrimSpace(query)
	if query == "" {
		return users, nil
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, username FROM users
		WHERE username ILIKE $1
		ORDER BY username
		LIMIT $2`,
		"%"+likeEscaper.Replace(query)+"%", searchLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("search users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

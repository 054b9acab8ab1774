package room

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-chat-core/internal/chat"

	"github.com/jackc/pgx/v5/pgconn"
)

const foreignKeyViolation = "23503"

// Repository is the Postgres authorization collaborator of the chat core.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// RoomMembership reports the user's involvement in a room. A membership
// row wins; open rooms admit everyone else at full involvement.
func (r *Repository) RoomMembership(ctx context.Context, userID chat.UserID, roomID chat.RoomID) (chat.Involvement, bool, error) {
	query := `
		SELECT r.kind, m.involvement
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.id AND m.user_id = $2
		WHERE r.id = $1`

	var (
		kind        string
		involvement sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, roomID, userID).Scan(&kind, &involvement)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("membership of user %d in room %d: %w", userID, roomID, err)
	}

	if involvement.Valid {
		return chat.Involvement(involvement.String), true, nil
	}
	if chat.RoomKind(kind) == chat.RoomOpen {
		return chat.InvolvementEverything, true, nil
	}
	return "", false, nil
}

// RoomsOf lists every open room plus the rooms the user is a member of.
func (r *Repository) RoomsOf(ctx context.Context, userID chat.UserID) ([]chat.RoomID, error) {
	query := `
		SELECT id FROM rooms WHERE kind = 'open'
		UNION
		SELECT room_id FROM room_members WHERE user_id = $1
		ORDER BY 1`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("rooms of user %d: %w", userID, err)
	}
	defer rows.Close()

	var ids []chat.RoomID
	for rows.Next() {
		var id chat.RoomID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Create inserts the room and its members, the creator included, in one
// transaction.
func (r *Repository) Create(ctx context.Context, creator chat.UserID, req *CreateRoomRequest) (*chat.Room, error) {
	if err := req.validate(creator); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	room := &chat.Room{Name: req.Name, Kind: req.Kind}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO rooms (name, kind) VALUES ($1, $2) RETURNING id, created_at, last_activity_at`,
		req.Name, string(req.Kind),
	).Scan(&room.ID, &room.CreatedAt, &room.LastActivityAt)
	if err != nil {
		return nil, fmt.Errorf("insert room: %w", err)
	}

	members := append([]chat.UserID{creator}, req.members(creator)...)
	for _, member := range members {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO room_members (room_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			room.ID, member,
		)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return nil, fmt.Errorf("%w: %d", ErrUnknownMember, member)
		}
		if err != nil {
			return nil, fmt.Errorf("insert member %d: %w", member, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return room, nil
}

// ListForUser returns the user's rooms, most recently active first.
func (r *Repository) ListForUser(ctx context.Context, userID chat.UserID) ([]chat.Room, error) {
	query := `
		SELECT id, name, kind, created_at, last_activity_at
		FROM rooms
		WHERE kind = 'open'
		   OR id IN (SELECT room_id FROM room_members WHERE user_id = $1)
		ORDER BY last_activity_at DESC, id DESC`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rooms := []chat.Room{}
	for rows.Next() {
		var room chat.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Kind, &room.CreatedAt, &room.LastActivityAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5/pgconn"
)

// messageSequenceLock is the advisory lock key held while a message row is
// inserted, so that id order and commit order agree.
const messageSequenceLock int64 = 0x63686174

const (
	foreignKeyViolation = "23503"
	roomForeignKey      = "messages_room_id_fkey"
	creatorForeignKey   = "messages_creator_id_fkey"
)

// Repository is the Postgres MessageStore. Uniqueness of the dedup key is
// enforced by the messages_dedup_key constraint.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

const messageColumns = `id, room_id, creator_id, content, client_message_id::text, created_at`

func (r *Repository) CreateOrGet(ctx context.Context, roomID RoomID, creatorID UserID, content, clientMessageID string) (*Message, bool, error) {
	key, err := NormalizeClientMessageID(clientMessageID)
	if err != nil {
		return nil, false, err
	}
	content, err = SanitizeContent(content)
	if err != nil {
		return nil, false, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, dbError("begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, messageSequenceLock); err != nil {
		return nil, false, dbError("lock sequence", err)
	}

	msg := &Message{RoomID: roomID, CreatorID: creatorID, Content: content, ClientMessageID: key}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (room_id, creator_id, content, client_message_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ON CONSTRAINT messages_dedup_key DO NOTHING
		RETURNING id, created_at`,
		roomID, creatorID, content, key,
	).Scan(&msg.ID, &msg.CreatedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Lost the race (or a retry): the winner's row is the answer.
		existing, err := scanMessage(tx.QueryRowContext(ctx,
			`SELECT `+messageColumns+` FROM messages WHERE room_id = $1 AND client_message_id = $2`,
			roomID, key))
		if err != nil {
			return nil, false, dbError("read existing message", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, false, dbError("commit", err)
		}
		return existing, false, nil
	case err != nil:
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			switch pgErr.ConstraintName {
			case roomForeignKey:
				return nil, false, fmt.Errorf("%w: %d", ErrUnknownRoom, roomID)
			case creatorForeignKey:
				return nil, false, fmt.Errorf("%w: %d", ErrUnknownUser, creatorID)
			}
		}
		return nil, false, dbError("insert message", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE rooms SET last_activity_at = $2 WHERE id = $1`, roomID, msg.CreatedAt); err != nil {
		return nil, false, dbError("touch room", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, dbError("commit", err)
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, true, nil
}

func (r *Repository) RecentMessages(ctx context.Context, roomID RoomID, limit int) ([]*Message, error) {
	return r.MessagesBefore(ctx, roomID, 0, limit)
}

func (r *Repository) MessagesBefore(ctx context.Context, roomID RoomID, beforeID MessageID, limit int) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE room_id = $1 AND ($2::bigint = 0 OR id < $2::bigint)
		ORDER BY id DESC
		LIMIT $3`
	return r.queryNewestFirst(ctx, query, roomID, beforeID, limitArg(limit))
}

func (r *Repository) MessagesAfter(ctx context.Context, roomIDs []RoomID, afterID MessageID, limit int) ([]*Message, error) {
	if len(roomIDs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(roomIDs))
	for i, id := range roomIDs {
		ids[i] = int64(id)
	}
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE room_id = ANY($1::bigint[]) AND id > $2
		ORDER BY id DESC
		LIMIT $3`
	return r.queryNewestFirst(ctx, query, ids, afterID, limitArg(limit))
}

// queryNewestFirst runs a DESC-ordered query and returns rows ascending.
func (r *Repository) queryNewestFirst(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError("list messages", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, dbError("scan message", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("list messages", err)
	}
	slices.Reverse(messages)
	return messages, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	msg := &Message{}
	if err := row.Scan(&msg.ID, &msg.RoomID, &msg.CreatorID, &msg.Content, &msg.ClientMessageID, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// limitArg turns a non-positive limit into SQL NULL, which Postgres reads
// as "no limit".
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"kracken-chat/internal/db"
)

// Store is what the hub and router need from persistence. The SQL
// repository below is the production implementation; tests substitute an
// in-memory fake.
type Store interface {
	SaveMessage(ctx context.Context, roomID int, author Identity, content string) (*Message, error)
	RecentMessages(ctx context.Context, roomID, limit int) ([]*Message, error)
	FindOrCreatePrivateRoom(ctx context.Context, ref RoomRef, createdBy int) (int, error)
	EnsureParticipant(ctx context.Context, roomID, userID int) error
	IsParticipant(ctx context.Context, roomID, userID int) (bool, error)
	TouchLastSeen(ctx context.Context, userID int) error
}

type Repository struct {
	db *db.Database
}

func NewRepository(database *db.Database) *Repository {
	return &Repository{db: database}
}

var _ Store = (*Repository)(nil)

func (r *Repository) SaveMessage(ctx context.Context, roomID int, author Identity, content string) (*Message, error) {
	msg := &Message{RoomID: roomID, UserID: author.ID, Username: author.Username, Content: content}
	query := r.db.Rebind(`INSERT INTO messages (room_id, user_id, content) VALUES (?, ?, ?) RETURNING id, created_at`)

	err := r.db.Conn.QueryRowContext(ctx, query, roomID, author.ID, content).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}
	return msg, nil
}

// RecentMessages returns up to limit messages, oldest first. Ordering is by
// creation time with ids breaking ties, so two messages in the same clock
// tick still come back in insert order.
func (r *Repository) RecentMessages(ctx context.Context, roomID, limit int) ([]*Message, error) {
	query := r.db.Rebind(`
        SELECT m.id, m.room_id, m.user_id, u.username, m.content, m.created_at
        FROM messages m
        JOIN users u ON m.user_id = u.id
        WHERE m.room_id = ?
        ORDER BY m.created_at DESC, m.id DESC
        LIMIT ?`)

	rows, err := r.db.Conn.QueryContext(ctx, query, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg := &Message{}
		if err := rows.Scan(&msg.ID, &msg.RoomID, &msg.UserID, &msg.Username, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// reverse newest-first into display order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// FindOrCreatePrivateRoom resolves the canonical pair key to a room id,
// creating the room and both memberships on first use. The UNIQUE(pair_key)
// constraint makes the insert race-safe across processes: whoever loses the
// race falls through to the select and gets the winner's row.
func (r *Repository) FindOrCreatePrivateRoom(ctx context.Context, ref RoomRef, createdBy int) (int, error) {
	if !ref.Private {
		return GeneralRoomID, nil
	}

	insert := r.db.Rebind(`INSERT INTO chat_rooms (name, room_type, pair_key, created_by)
        VALUES ('Private Chat', 'private', ?, ?) ON CONFLICT (pair_key) DO NOTHING`)
	if _, err := r.db.Conn.ExecContext(ctx, insert, ref.PairKey(), createdBy); err != nil {
		return 0, fmt.Errorf("creating private room: %w", err)
	}

	var roomID int
	query := r.db.Rebind(`SELECT id FROM chat_rooms WHERE pair_key = ?`)
	if err := r.db.Conn.QueryRowContext(ctx, query, ref.PairKey()).Scan(&roomID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("private room vanished after insert for %s", ref.PairKey())
		}
		return 0, err
	}

	for _, userID := range []int{ref.UserA, ref.UserB} {
		if err := r.EnsureParticipant(ctx, roomID, userID); err != nil {
			return 0, err
		}
	}
	return roomID, nil
}

func (r *Repository) EnsureParticipant(ctx context.Context, roomID, userID int) error {
	query := r.db.Rebind(`INSERT INTO chat_room_participants (room_id, user_id) VALUES (?, ?) ON CONFLICT (room_id, user_id) DO NOTHING`)
	_, err := r.db.Conn.ExecContext(ctx, query, roomID, userID)
	return err
}

func (r *Repository) IsParticipant(ctx context.Context, roomID, userID int) (bool, error) {
	var one int
	query := r.db.Rebind(`SELECT 1 FROM chat_room_participants WHERE room_id = ? AND user_id = ?`)
	err := r.db.Conn.QueryRowContext(ctx, query, roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *Repository) TouchLastSeen(ctx context.Context, userID int) error {
	query := r.db.Rebind(`UPDATE users SET last_seen = CURRENT_TIMESTAMP WHERE id = ?`)
	_, err := r.db.Conn.ExecContext(ctx, query, userID)
	return err
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"
)

const messageColumns = "id, chat_room_id, sender_id, virtual_user_id, content, created_at"

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var m Message
	var sender, virtual sql.NullString
	if err := row.Scan(&m.ID, &m.ChatRoomID, &sender, &virtual, &m.Content, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.SenderID = stringPtr(sender)
	m.VirtualUserID = stringPtr(virtual)
	return &m, nil
}

// CreateMessage appends a message. Exactly one of SenderID and VirtualUserID
// must be set, otherwise ErrInvalidSender is returned and nothing is written.
func (q *Queries) CreateMessage(ctx context.Context, msg *Message) error {
	if !msg.ValidSender() {
		return ErrInvalidSender
	}
	if msg.SenderID != nil && *msg.SenderID == "" {
		msg.SenderID = nil
	}
	if msg.VirtualUserID != nil && *msg.VirtualUserID == "" {
		msg.VirtualUserID = nil
	}
	msg.CreatedAt = time.Now().UTC()

	res, err := q.db.ExecContext(ctx,
		"INSERT INTO messages (chat_room_id, sender_id, virtual_user_id, content, created_at) VALUES (?, ?, ?, ?, ?)",
		msg.ChatRoomID, nullString(msg.SenderID), nullString(msg.VirtualUserID), msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	if msg.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	return nil
}

func (q *Queries) GetMessage(ctx context.Context, id int64) (*Message, error) {
	m, err := scanMessage(q.db.QueryRowContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query message: %w", err)
	}
	return m, nil
}

// ListMessagesByChatRoom returns up to limit most recent messages of a room in
// chronological order. A non-positive limit returns the whole history.
func (q *Queries) ListMessagesByChatRoom(ctx context.Context, chatRoomID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.db.QueryContext(ctx,
		"SELECT "+messageColumns+" FROM messages WHERE chat_room_id = ? ORDER BY id DESC LIMIT ?", chatRoomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(messages)
	return messages, nil
}

func (q *Queries) UpdateMessageContent(ctx context.Context, id int64, content string) error {
	res, err := q.db.ExecContext(ctx, "UPDATE messages SET content = ? WHERE id = ?", content, id)
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	return requireAffected(res)
}

func (q *Queries) DeleteMessage(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return requireAffected(res)
}

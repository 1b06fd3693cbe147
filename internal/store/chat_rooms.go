package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func (q *Queries) CreateChatRoom(ctx context.Context, chatType ChatType) (*ChatRoom, error) {
	if !chatType.Valid() {
		return nil, fmt.Errorf("invalid chat type %q", chatType)
	}
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, "INSERT INTO chat_rooms (type, created_at) VALUES (?, ?)", string(chatType), now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert chat room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read chat room id: %w", err)
	}
	return &ChatRoom{ID: id, Type: chatType, CreatedAt: now}, nil
}

func (q *Queries) GetChatRoom(ctx context.Context, id int64) (*ChatRoom, error) {
	var room ChatRoom
	var chatType string
	err := q.db.QueryRowContext(ctx, "SELECT id, type, created_at FROM chat_rooms WHERE id = ?", id).
		Scan(&room.ID, &chatType, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query chat room: %w", err)
	}
	room.Type = ChatType(chatType)
	return &room, nil
}

// ListChatRoomsByUser returns rooms the human participates in, newest first.
func (q *Queries) ListChatRoomsByUser(ctx context.Context, userID string) ([]ChatRoom, error) {
	rows, err := q.db.QueryContext(ctx, `
        SELECT r.id, r.type, r.created_at
        FROM chat_rooms r
        JOIN user_chats uc ON uc.chat_room_id = r.id
        WHERE uc.user_id = ?
        ORDER BY r.created_at DESC, r.id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chat rooms: %w", err)
	}
	defer rows.Close()

	var rooms []ChatRoom
	for rows.Next() {
		var room ChatRoom
		var chatType string
		if err := rows.Scan(&room.ID, &chatType, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat room row: %w", err)
		}
		room.Type = ChatType(chatType)
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (q *Queries) UpdateChatRoomType(ctx context.Context, id int64, chatType ChatType) error {
	if !chatType.Valid() {
		return fmt.Errorf("invalid chat type %q", chatType)
	}
	res, err := q.db.ExecContext(ctx, "UPDATE chat_rooms SET type = ? WHERE id = ?", string(chatType), id)
	if err != nil {
		return fmt.Errorf("failed to update chat room: %w", err)
	}
	return requireAffected(res)
}

// DeleteChatRoom removes a room together with its links and messages. Callers
// should run it inside WithTx.
func (q *Queries) DeleteChatRoom(ctx context.Context, id int64) error {
	for _, table := range []string{"messages", "user_chats", "virtual_user_chats"} {
		if _, err := q.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE chat_room_id = ?", id); err != nil {
			return fmt.Errorf("failed to delete %s of chat room %d: %w", table, id, err)
		}
	}
	res, err := q.db.ExecContext(ctx, "DELETE FROM chat_rooms WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete chat room: %w", err)
	}
	return requireAffected(res)
}

// GetOrCreateUserChat links a human to a room. Linking twice returns the
// existing row.
func (q *Queries) GetOrCreateUserChat(ctx context.Context, userID string, chatRoomID int64) (*UserChat, error) {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO user_chats (user_id, chat_room_id) VALUES (?, ?) ON CONFLICT (user_id, chat_room_id) DO NOTHING",
		userID, chatRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user chat: %w", err)
	}
	var link UserChat
	err = q.db.QueryRowContext(ctx,
		"SELECT id, user_id, chat_room_id FROM user_chats WHERE user_id = ? AND chat_room_id = ?", userID, chatRoomID).
		Scan(&link.ID, &link.UserID, &link.ChatRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query user chat: %w", err)
	}
	return &link, nil
}

// GetOrCreateVirtualUserChat links a persona to a room. Linking twice returns
// the existing row.
func (q *Queries) GetOrCreateVirtualUserChat(ctx context.Context, virtualUserID string, chatRoomID int64) (*VirtualUserChat, error) {
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO virtual_user_chats (virtual_user_id, chat_room_id) VALUES (?, ?) ON CONFLICT (virtual_user_id, chat_room_id) DO NOTHING",
		virtualUserID, chatRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert virtual user chat: %w", err)
	}
	var link VirtualUserChat
	err = q.db.QueryRowContext(ctx,
		"SELECT id, virtual_user_id, chat_room_id FROM virtual_user_chats WHERE virtual_user_id = ? AND chat_room_id = ?", virtualUserID, chatRoomID).
		Scan(&link.ID, &link.VirtualUserID, &link.ChatRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query virtual user chat: %w", err)
	}
	return &link, nil
}

func (q *Queries) ListVirtualUserChats(ctx context.Context, chatRoomID int64) ([]VirtualUserChat, error) {
	rows, err := q.db.QueryContext(ctx,
		"SELECT id, virtual_user_id, chat_room_id FROM virtual_user_chats WHERE chat_room_id = ? ORDER BY id", chatRoomID)
	if err != nil {
		return nil, fmt.Errorf("failed to query virtual user chats: %w", err)
	}
	defer rows.Close()

	var links []VirtualUserChat
	for rows.Next() {
		var link VirtualUserChat
		if err := rows.Scan(&link.ID, &link.VirtualUserID, &link.ChatRoomID); err != nil {
			return nil, fmt.Errorf("failed to scan virtual user chat row: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// IsUserInChatRoom reports whether the human is linked to the room.
func (q *Queries) IsUserInChatRoom(ctx context.Context, userID string, chatRoomID int64) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM user_chats WHERE user_id = ? AND chat_room_id = ?", userID, chatRoomID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query user chat: %w", err)
	}
	return n > 0, nil
}

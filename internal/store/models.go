package store

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidSender is returned when a message does not carry exactly one of
	// SenderID and VirtualUserID.
	ErrInvalidSender = errors.New("message must have exactly one of sender_id or virtual_user_id")
)

// SystemUserID owns rooms opened without a human participant.
const SystemUserID = "system"

type ChatType string

const (
	ChatTypePrivate ChatType = "PRIVATE"
	ChatTypeGroup   ChatType = "GROUP"
)

func (t ChatType) Valid() bool {
	return t == ChatTypePrivate || t == ChatTypeGroup
}

type GeneralUser struct {
	ID          string    `json:"id"` // Identity from the auth provider
	DisplayName string    `json:"display_name"`
	AccountName string    `json:"account_name"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type UserProfile struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Phone     *string   `json:"phone"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type VirtualUser struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type VirtualUserProfile struct {
	ID            int64     `json:"id"`
	VirtualUserID string    `json:"virtual_user_id"`
	Personality   string    `json:"personality"`
	Tone          string    `json:"tone"`
	KnowledgeArea []string  `json:"knowledge_area"`
	Backstory     string    `json:"backstory"`
	Quirks        *string   `json:"quirks"`
	Knowledge     *string   `json:"knowledge"` // Raw JSON blob
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type ChatRoom struct {
	ID        int64     `json:"id"`
	Type      ChatType  `json:"type"`
	CreatedAt time.Time `json:"created_at"`
}

type UserChat struct {
	ID         int64  `json:"id"`
	UserID     string `json:"user_id"`
	ChatRoomID int64  `json:"chat_room_id"`
}

type VirtualUserChat struct {
	ID            int64  `json:"id"`
	VirtualUserID string `json:"virtual_user_id"`
	ChatRoomID    int64  `json:"chat_room_id"`
}

type Message struct {
	ID            int64     `json:"id"`
	ChatRoomID    int64     `json:"chat_room_id"`
	SenderID      *string   `json:"sender_id"`
	VirtualUserID *string   `json:"virtual_user_id"`
	Content       string    `json:"content"`
	CreatedAt     time.Time `json:"created_at"`
}

// ValidSender reports whether exactly one author column is set.
func (m *Message) ValidSender() bool {
	human := m.SenderID != nil && *m.SenderID != ""
	persona := m.VirtualUserID != nil && *m.VirtualUserID != ""
	return human != persona
}

type Embedding struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Vector    []float32         `json:"-"`
	Metadata  map[string]string `json:"metadata"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// OwnerID returns the user the embedding was ingested for, if any.
func (e *Embedding) OwnerID() string {
	return e.Metadata["user_id"]
}

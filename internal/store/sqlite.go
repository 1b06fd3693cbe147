package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DBTX is satisfied by both *sql.DB and *sql.Tx so the same queries can run
// inside or outside a transaction.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queries holds every gateway operation. It is bound either to the pool or to
// a single transaction.
type Queries struct {
	db DBTX
}

func NewQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

type SQLiteStore struct {
	*Queries
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := NewSQLiteStoreFromDB(db)
	if err = store.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLiteStoreFromDB wraps an already opened handle without touching the schema.
func NewSQLiteStoreFromDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{Queries: NewQueries(db), db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn inside a transaction. The transaction commits when fn returns
// nil and rolls back on error or panic.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(q *Queries) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(NewQueries(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
    CREATE TABLE IF NOT EXISTS general_users (
        id TEXT PRIMARY KEY,
        display_name TEXT NOT NULL DEFAULT '',
        account_name TEXT UNIQUE NOT NULL,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS user_profiles (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT UNIQUE NOT NULL REFERENCES general_users (id) ON DELETE CASCADE,
        first_name TEXT NOT NULL DEFAULT '',
        last_name TEXT NOT NULL DEFAULT '',
        email TEXT NOT NULL,
        phone TEXT,
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS virtual_users (
        id TEXT PRIMARY KEY, -- UUID
        name TEXT NOT NULL,
        owner_id TEXT NOT NULL REFERENCES general_users (id),
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_virtual_users_owner ON virtual_users (owner_id);

    CREATE TABLE IF NOT EXISTS virtual_user_profiles (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        virtual_user_id TEXT UNIQUE NOT NULL REFERENCES virtual_users (id) ON DELETE CASCADE,
        personality TEXT NOT NULL DEFAULT '',
        tone TEXT NOT NULL DEFAULT '',
        knowledge_area TEXT NOT NULL DEFAULT '[]', -- JSON array of tags
        backstory TEXT NOT NULL DEFAULT '',
        quirks TEXT,
        knowledge TEXT, -- free-form JSON
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS chat_rooms (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        type TEXT NOT NULL CHECK (type IN ('PRIVATE', 'GROUP')),
        created_at DATETIME NOT NULL
    );

    CREATE TABLE IF NOT EXISTS user_chats (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT NOT NULL REFERENCES general_users (id),
        chat_room_id INTEGER NOT NULL REFERENCES chat_rooms (id),
        UNIQUE (user_id, chat_room_id)
    );

    CREATE TABLE IF NOT EXISTS virtual_user_chats (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        virtual_user_id TEXT NOT NULL REFERENCES virtual_users (id),
        chat_room_id INTEGER NOT NULL REFERENCES chat_rooms (id),
        UNIQUE (virtual_user_id, chat_room_id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        chat_room_id INTEGER NOT NULL REFERENCES chat_rooms (id),
        sender_id TEXT REFERENCES general_users (id),
        virtual_user_id TEXT REFERENCES virtual_users (id),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        CHECK ((sender_id IS NULL) <> (virtual_user_id IS NULL))
    );
    CREATE INDEX IF NOT EXISTS idx_messages_room ON messages (chat_room_id, created_at);

    CREATE TABLE IF NOT EXISTS embeddings (
        id TEXT PRIMARY KEY,
        content TEXT NOT NULL,
        embedding_json TEXT NOT NULL, -- JSON array of float32
        metadata TEXT NOT NULL DEFAULT '{}',
        created_at DATETIME NOT NULL,
        updated_at DATETIME NOT NULL
    );
    `
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO general_users (id, display_name, account_name, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT (id) DO NOTHING",
		SystemUserID, "System", SystemUserID, now, now)
	if err != nil {
		return fmt.Errorf("failed to seed system user: %w", err)
	}
	return nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

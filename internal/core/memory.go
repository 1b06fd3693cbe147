package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gwi.com/persona-chat/internal/cache"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one utterance in a conversation buffer.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ConversationMemory stores short-term history per session id.
type ConversationMemory interface {
	History(ctx context.Context, sessionID string) ([]Turn, error)
	Append(ctx context.Context, sessionID string, turns ...Turn) error
	Clear(ctx context.Context, sessionID string) error
}

// SessionID names the conversation buffer shared by a room and a persona.
func SessionID(chatRoomID int64, virtualUserID string) string {
	return fmt.Sprintf("room:%d:persona:%s", chatRoomID, virtualUserID)
}

// InMemoryMemory keeps buffers in process. Sessions expire ttl after their
// last write and the least recently written session is evicted when
// maxSessions is reached. maxTurns bounds each buffer; 0 means unbounded.
type InMemoryMemory struct {
	sessions *cache.Cache[[]Turn]
	maxTurns int
}

func NewInMemoryMemory(ttl time.Duration, maxSessions, maxTurns int) *InMemoryMemory {
	return &InMemoryMemory{
		sessions: cache.New[[]Turn](ttl, maxSessions),
		maxTurns: maxTurns,
	}
}

func (m *InMemoryMemory) History(_ context.Context, sessionID string) ([]Turn, error) {
	turns, ok := m.sessions.Get(sessionID)
	if !ok {
		return nil, nil
	}
	out := make([]Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *InMemoryMemory) Append(_ context.Context, sessionID string, turns ...Turn) error {
	m.sessions.Update(sessionID, func(current []Turn, _ bool) []Turn {
		next := make([]Turn, 0, len(current)+len(turns))
		next = append(next, current...)
		next = append(next, turns...)
		if m.maxTurns > 0 && len(next) > m.maxTurns {
			next = next[len(next)-m.maxTurns:]
		}
		return next
	})
	return nil
}

func (m *InMemoryMemory) Clear(_ context.Context, sessionID string) error {
	m.sessions.Delete(sessionID)
	return nil
}

func (m *InMemoryMemory) Close() {
	m.sessions.Close()
}

const redisMemoryPrefix = "persona-chat:memory:"

// RedisMemory keeps buffers in Redis lists so several replicas share them.
type RedisMemory struct {
	client   *redis.Client
	ttl      time.Duration
	maxTurns int
}

func NewRedisMemory(client *redis.Client, ttl time.Duration, maxTurns int) *RedisMemory {
	return &RedisMemory{client: client, ttl: ttl, maxTurns: maxTurns}
}

func (m *RedisMemory) key(sessionID string) string {
	return redisMemoryPrefix + sessionID
}

func (m *RedisMemory) History(ctx context.Context, sessionID string) ([]Turn, error) {
	raw, err := m.client.LRange(ctx, m.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation memory: %w", err)
	}
	turns := make([]Turn, 0, len(raw))
	for _, item := range raw {
		var t Turn
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			return nil, fmt.Errorf("failed to decode conversation turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (m *RedisMemory) Append(ctx context.Context, sessionID string, turns ...Turn) error {
	if len(turns) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(turns))
	for _, t := range turns {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to encode conversation turn: %w", err)
		}
		values = append(values, string(data))
	}

	key := m.key(sessionID)
	pipe := m.client.TxPipeline()
	pipe.RPush(ctx, key, values...)
	if m.maxTurns > 0 {
		pipe.LTrim(ctx, key, int64(-m.maxTurns), -1)
	}
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write conversation memory: %w", err)
	}
	return nil
}

func (m *RedisMemory) Clear(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear conversation memory: %w", err)
	}
	return nil
}

// sessionLocks serializes work per session id. Entries are dropped when the
// last holder releases them.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session is free and returns its release function.
func (s *sessionLocks) Lock(sessionID string) func() {
	s.mu.Lock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		s.locks[sessionID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sessionID)
		}
		s.mu.Unlock()
	}
}

func (s *sessionLocks) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

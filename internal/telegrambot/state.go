package telegrambot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Step is the position of a chat in a multi-message dialogue.
type Step string

const (
	StepIdle            Step = ""
	StepReportPhoto     Step = "report_photo"
	StepReportType      Step = "report_type"
	StepReportDesc      Step = "report_description"
	StepReportLocation  Step = "report_location"
	StepReportPhone     Step = "report_phone"
	StepLinkLogin       Step = "link_login"
	StepLinkPassword    Step = "link_password"
	StepAdminMessage    Step = "admin_message"
	StepCompletionPhoto Step = "completion_photo"
)

// Session is the dialogue state of one chat.
type Session struct {
	Step        Step    `json:"step"`
	PhotoFileID string  `json:"photo_file_id,omitempty"`
	Category    string  `json:"category,omitempty"`
	Description string  `json:"description,omitempty"`
	Latitude    float64 `json:"latitude,omitempty"`
	Longitude   float64 `json:"longitude,omitempty"`
	Login       string  `json:"login,omitempty"`
	ReportID    int64   `json:"report_id,omitempty"`
}

// StateStore keeps sessions keyed by chat id. Get returns an idle session
// for unknown chats.
type StateStore interface {
	Get(ctx context.Context, chatID int64) (*Session, error)
	Put(ctx context.Context, chatID int64, s *Session) error
	Clear(ctx context.Context, chatID int64) error
	Close() error
}

// MemoryState keeps sessions in process memory; they are lost on restart.
type MemoryState struct {
	mu       sync.RWMutex
	sessions map[int64]Session
}

// NewMemoryState creates an empty in-memory store.
func NewMemoryState() *MemoryState {
	return &MemoryState{sessions: make(map[int64]Session)}
}

func (m *MemoryState) Get(_ context.Context, chatID int64) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := m.sessions[chatID]
	return &s, nil
}

func (m *MemoryState) Put(_ context.Context, chatID int64, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[chatID] = *s
	return nil
}

func (m *MemoryState) Clear(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, chatID)
	return nil
}

func (m *MemoryState) Close() error { return nil }

// RedisState keeps sessions in Redis so several bot replicas share them
// and they survive restarts. Idle sessions expire after the TTL.
type RedisState struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisState connects to addr and verifies the connection.
func NewRedisState(ctx context.Context, addr string, ttl time.Duration) (*RedisState, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", addr, err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisState{client: client, prefix: "caspianwatch:bot:session:", ttl: ttl}, nil
}

func (r *RedisState) key(chatID int64) string {
	return r.prefix + strconv.FormatInt(chatID, 10)
}

func (r *RedisState) Get(ctx context.Context, chatID int64) (*Session, error) {
	data, err := r.client.Get(ctx, r.key(chatID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return &Session{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session %d: %w", chatID, err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		// A session we cannot read is as good as none.
		return &Session{}, nil
	}
	return &s, nil
}

func (r *RedisState) Put(ctx context.Context, chatID int64, s *Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := r.client.Set(ctx, r.key(chatID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("save session %d: %w", chatID, err)
	}
	return nil
}

func (r *RedisState) Clear(ctx context.Context, chatID int64) error {
	if err := r.client.Del(ctx, r.key(chatID)).Err(); err != nil {
		return fmt.Errorf("clear session %d: %w", chatID, err)
	}
	return nil
}

func (r *RedisState) Close() error {
	return r.client.Close()
}

// NewStateStore returns the backend named by kind ("memory" or "redis").
func NewStateStore(ctx context.Context, kind, redisAddr string, ttl time.Duration) (StateStore, error) {
	switch kind {
	case "", "memory":
		return NewMemoryState(), nil
	case "redis":
		rs, err := NewRedisState(ctx, redisAddr, ttl)
		if err != nil {
			return nil, err
		}
		return rs, nil
	default:
		return nil, fmt.Errorf("unknown bot state backend %q (valid: memory, redis)", kind)
	}
}

// Package preview keeps the original bytes of every accepted image so the
// page can show it and the worker can read it back for extraction.
package preview

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ocrdrop/internal/config"
	"ocrdrop/internal/redis"
)

// ErrNotFound is returned when no blob is stored under an id.
var ErrNotFound = errors.New("preview not found")

// Blob is one stored image.
type Blob struct {
	Data     []byte
	MIMEType string
}

// Store persists blobs keyed by record id.
type Store interface {
	Put(ctx context.Context, id string, blob Blob) error
	Get(ctx context.Context, id string) (Blob, error)
	Delete(ctx context.Context, id string) error
}

// New builds the backend named in cfg.Preview.Backend. The returned closer
// releases backend resources.
func New(ctx context.Context, cfg *config.Config) (Store, func() error, error) {
	switch cfg.Preview.Backend {
	case "", "memory":
		return NewMemory(), func() error { return nil }, nil
	case "redis":
		client, err := redis.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("preview backend: %w", err)
		}
		return NewRedis(client, cfg.Server.SessionTTL), client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown preview backend %q", cfg.Preview.Backend)
	}
}

// Memory is the in-process backend.
type Memory struct {
	mu    sync.RWMutex
	blobs map[string]Blob
}

func NewMemory() *Memory {
	return &Memory{blobs: make(map[string]Blob)}
}

func (m *Memory) Put(_ context.Context, id string, blob Blob) error {
	data := make([]byte, len(blob.Data))
	copy(data, blob.Data)
	m.mu.Lock()
	m.blobs[id] = Blob{Data: data, MIMEType: blob.MIMEType}
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (Blob, error) {
	m.mu.RLock()
	blob, ok := m.blobs[id]
	m.mu.RUnlock()
	if !ok {
		return Blob{}, ErrNotFound
	}
	return blob, nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.blobs, id)
	m.mu.Unlock()
	return nil
}

// Len reports how many blobs are held.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}

const (
	redisKeyPrefix = "ocrdrop:preview:"
	fieldData      = "data"
	fieldMIME      = "mime"
)

// Redis stores each blob as a hash that expires with the session. Every
// read slides the expiry, matching the session's sliding window.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (r *Redis) Put(ctx context.Context, id string, blob Blob) error {
	err := r.client.HSet(ctx, redisKey(id), r.ttl, map[string]interface{}{
		fieldData: blob.Data,
		fieldMIME: blob.MIMEType,
	})
	if err != nil {
		return fmt.Errorf("store preview %s: %w", id, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (Blob, error) {
	fields, err := r.client.HGetAll(ctx, redisKey(id), r.ttl)
	if errors.Is(err, redis.ErrCacheMiss) {
		return Blob{}, ErrNotFound
	}
	if err != nil {
		return Blob{}, fmt.Errorf("load preview %s: %w", id, err)
	}
	return Blob{Data: []byte(fields[fieldData]), MIMEType: fields[fieldMIME]}, nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisKey(id)); err != nil {
		return fmt.Errorf("delete preview %s: %w", id, err)
	}
	return nil
}

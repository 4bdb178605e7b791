package remap

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the durable key-value storage the remapper persists into.
// Get reports a missing key with ok=false and a nil error.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
	Remove(key string) error
}

// MemoryKV is a process-local KV. The zero value is ready to use.
type MemoryKV struct {
	mu   sync.Mutex
	data map[string]string
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{data: make(map[string]string)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func (m *MemoryKV) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// ErrUnavailable is returned by Disabled for every operation.
var ErrUnavailable = errors.New("mapping storage unavailable")

// Disabled stands in for storage that cannot be reached at all.
type Disabled struct{}

func (Disabled) Get(string) (string, bool, error) { return "", false, ErrUnavailable }
func (Disabled) Set(string, string) error         { return ErrUnavailable }
func (Disabled) Remove(string) error              { return ErrUnavailable }

// RedisKV stores values as plain redis strings.
type RedisKV struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedisKV(client *redis.Client, timeout time.Duration) *RedisKV {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &RedisKV{client: client, timeout: timeout}
}

func (r *RedisKV) Get(key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *RedisKV) Set(key, value string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	return r.client.Del(ctx, key).Err()
}

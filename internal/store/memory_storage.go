package store

import (
	"context"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"
)

type memoryEntry struct {
	fields    map[string]any
	deadlines map[string]time.Time // per-field expiry, zero value means none
	expiresAt time.Time            // whole-key expiry, zero value means none
}

// MemoryStorage is an in-process Storage backend with the same hash and
// TTL semantics as RedisStorage. Expired keys and fields are purged
// lazily on access.
type MemoryStorage struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entries: make(map[string]*memoryEntry),
	}
}

// get returns the live entry for key, purging it if expired.
func (s *MemoryStorage) get(key string, now time.Time) *memoryEntry {
	entry, ok := s.entries[key]
	if !ok {
		return nil
	}
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		delete(s.entries, key)
		return nil
	}
	for field, deadline := range entry.deadlines {
		if now.After(deadline) {
			delete(entry.fields, field)
			delete(entry.deadlines, field)
		}
	}
	if len(entry.fields) == 0 {
		delete(s.entries, key)
		return nil
	}
	return entry
}

func (s *MemoryStorage) getOrCreate(key string, now time.Time) *memoryEntry {
	if entry := s.get(key, now); entry != nil {
		return entry
	}
	entry := &memoryEntry{
		fields:    make(map[string]any),
		deadlines: make(map[string]time.Time),
	}
	s.entries[key] = entry
	return entry
}

func (s *MemoryStorage) Get(ctx context.Context, key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, time.Now())
	if entry == nil {
		return ErrNotFound
	}
	return mapstructure.Decode(entry.fields, val)
}

func (s *MemoryStorage) Set(ctx context.Context, key string, val any, expiresIn time.Duration) error {
	fields := make(map[string]any)
	if err := mapstructure.Decode(val, &fields); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	entry := s.getOrCreate(key, now)
	for field, v := range fields {
		entry.fields[field] = v
	}
	if expiresIn > 0 {
		entry.expiresAt = now.Add(expiresIn)
	}
	return nil
}

func (s *MemoryStorage) Save(ctx context.Context, key string, val any) error {
	return s.Set(ctx, key, val, -1)
}

func (s *MemoryStorage) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.get(key, time.Now()) == nil {
		return ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

func (s *MemoryStorage) Expire(ctx context.Context, key string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry := s.get(key, time.Now()); entry != nil {
		entry.expiresAt = expiresAt
	}
	return nil
}

func (s *MemoryStorage) SetAttr(ctx context.Context, key string, field string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.getOrCreate(key, time.Now())
	entry.fields[field] = val
	delete(entry.deadlines, field)
	return nil
}

func (s *MemoryStorage) SetAttrEx(ctx context.Context, key string, field string, val any, expiresIn time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	entry := s.getOrCreate(key, now)
	entry.fields[field] = val
	entry.deadlines[field] = now.Add(expiresIn)
	return nil
}

func (s *MemoryStorage) GetAttr(ctx context.Context, key, field string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, time.Now())
	if entry == nil {
		return ErrNotFound
	}
	v, ok := entry.fields[field]
	if !ok {
		return ErrNotFound
	}
	return mapstructure.Decode(v, val)
}

func (s *MemoryStorage) DelAttr(ctx context.Context, key string, field string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry := s.get(key, time.Now()); entry != nil {
		delete(entry.fields, field)
		delete(entry.deadlines, field)
	}
	return nil
}

func (s *MemoryStorage) IncrAttr(ctx context.Context, key, field string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.getOrCreate(key, time.Now())
	current, err := cast.ToInt64E(entry.fields[field])
	if err != nil {
		current = 0
	}
	current += delta
	entry.fields[field] = current
	return current, nil
}

func (s *MemoryStorage) AttrCount(ctx context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, time.Now())
	if entry == nil {
		return 0, nil
	}
	return int64(len(entry.fields)), nil
}

func (s *MemoryStorage) ExpireAttr(ctx context.Context, key string, expiresAt time.Time, fields ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.get(key, time.Now())
	if entry == nil {
		return nil
	}
	for _, field := range fields {
		if _, ok := entry.fields[field]; ok {
			entry.deadlines[field] = expiresAt
		}
	}
	return nil
}

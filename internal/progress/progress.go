// Package progress stores live run progress in an external key-value cache.
// The running chef writes it; the dashboard reads it. Writes are
// last-write-wins per field with no locking.
package progress

import (
	"context"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Record is the live progress entry for one run. Progress is fractional
// completion in [0,1].
type Record struct {
	Progress float64 `json:"progress"`
}

// Store reads and writes progress records keyed by run id.
type Store interface {
	Get(ctx context.Context, runID string) (Record, bool, error)
	Set(ctx context.Context, runID string, rec Record) error
}

// RedisStore keeps one hash per run id. The client handle is constructed by
// the caller and passed down, never held as package state.
type RedisStore struct {
	Client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) Get(ctx context.Context, runID string) (Record, bool, error) {
	fields, err := s.Client.HGetAll(ctx, runID).Result()
	if err != nil {
		return Record{}, false, err
	}
	if len(fields) == 0 {
		return Record{}, false, nil
	}
	var rec Record
	if raw, ok := fields["progress"]; ok {
		rec.Progress, _ = strconv.ParseFloat(raw, 64)
	}
	return rec, true, nil
}

func (s *RedisStore) Set(ctx context.Context, runID string, rec Record) error {
	return s.Client.HSet(ctx, runID, "progress", strconv.FormatFloat(rec.Progress, 'f', -1, 64)).Err()
}

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: map[string]Record{}}
}

func (s *MemoryStore) Get(_ context.Context, runID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[runID]
	return rec, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, runID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[runID] = rec
	return nil
}

// Percent renders a progress record for the dashboard: failed runs pin to
// 100, a missing record reads as 0.
func Percent(rec Record, found, failed bool) int {
	if failed {
		return 100
	}
	if !found {
		return 0
	}
	return int(rec.Progress * 100)
}

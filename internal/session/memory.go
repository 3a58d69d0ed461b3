package session

import (
	"context"

	"github.com/patrickmn/go-cache"

	"campaign-pipeline/internal/models"
)

// MemoryStore keeps encoded snapshots in process memory. It does not survive a
// restart; use it for tests and throwaway runs.
type MemoryStore struct {
	cache *cache.Cache
	key   string
}

func NewMemoryStore(profile string) *MemoryStore {
	if profile == "" {
		profile = "default"
	}
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, 0),
		key:   profile,
	}
}

func (s *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	x, found := s.cache.Get(s.key)
	if !found {
		return nil, nil
	}
	return decode(x.([]byte))
}

func (s *MemoryStore) Save(_ context.Context, sessionID string, c models.Campaign) error {
	raw, err := encode(sessionID, c)
	if err != nil {
		return err
	}
	s.cache.Set(s.key, raw, cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.cache.Delete(s.key)
	return nil
}

func (s *MemoryStore) Close() error { return nil }

package snapshot

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore holds the serialized snapshot in process memory. It backs
// tests and the degraded mode when redis is unavailable.
type MemoryStore struct {
	mu  sync.Mutex
	raw []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.raw == nil {
		return nil, nil
	}
	var snap Snapshot
	if err := json.Unmarshal(s.raw, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemoryStore) Save(ctx context.Context, snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.raw = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.raw = nil
	s.mu.Unlock()
	return nil
}

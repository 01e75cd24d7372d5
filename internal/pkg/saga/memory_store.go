package saga

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore is a map-backed Store for tests and single-node setups.
// Instances are deep-copied through JSON on the way in and out so callers
// never share memory with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{instances: make(map[string][]byte)}
}

func (s *MemoryStore) Insert(ctx context.Context, instance *Instance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[instance.SagaID]; exists {
		return ErrDuplicateSaga
	}
	s.instances[instance.SagaID] = data
	return nil
}

func (s *MemoryStore) FindByID(ctx context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	data, ok := s.instances[sagaID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSagaNotFound
	}
	var instance Instance
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, err
	}
	return &instance, nil
}

func (s *MemoryStore) Save(ctx context.Context, instance *Instance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[instance.SagaID]; !exists {
		return ErrSagaNotFound
	}
	s.instances[instance.SagaID] = data
	return nil
}

package store

import (
	"context"
	"sync"
	"time"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/models"
)

type memoryEntry struct {
	mu sync.Mutex
	a  *models.Appointment
}

// MemoryStore держит заявки в памяти процесса. Каждая заявка защищена
// собственным мьютексом, общей блокировки на переходы нет.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(ctx context.Context, a *models.Appointment) error {
	if a.ID == "" {
		return apperr.Invalid("не задан идентификатор заявки")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[a.ID]; exists {
		return apperr.Conflict("заявка %s уже существует", a.ID)
	}

	c := a.Clone()
	now := s.now()
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	s.entries[a.ID] = &memoryEntry{a: c}

	a.Version = c.Version
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func (s *MemoryStore) entry(id string) (*memoryEntry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("заявка %s не найдена", id)
	}
	return e, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Appointment, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.a.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn MutateFunc) (*models.Appointment, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	working := e.a.Clone()
	if err := fn(working); err != nil {
		return nil, err
	}
	working.Version = e.a.Version + 1
	working.UpdatedAt = s.now()
	e.a = working

	return working.Clone(), nil
}

func (s *MemoryStore) ListPending(ctx context.Context, filter PendingFilter) ([]*models.Appointment, error) {
	s.mu.RLock()
	entries := make([]*memoryEntry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	result := make([]*models.Appointment, 0)
	for _, e := range entries {
		e.mu.Lock()
		if filter.match(e.a) {
			result = append(result, e.a.Clone())
		}
		e.mu.Unlock()
	}

	sortNewestFirst(result)
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Package presence хранит доступность врачей: флаг "на связи" и последнюю
// известную координату. Обе части обновляются независимо по принципу
// last-write-wins: запись со временем не новее сохраненного отбрасывается.
package presence

import (
	"context"
	"sync"
	"time"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/geo"
)

// Status - текущее состояние врача
type Status struct {
	DoctorID   string          `json:"doctor_id"`
	Online     bool            `json:"online"`
	OnlineAt   time.Time       `json:"online_at,omitempty"`
	Location   *geo.Coordinate `json:"location,omitempty"`
	LocationAt time.Time       `json:"location_at,omitempty"`
}

type Service interface {
	// SetOnline возвращает false, если запись устарела
	SetOnline(ctx context.Context, doctorID string, online bool, at time.Time) (bool, error)
	UpdateLocation(ctx context.Context, doctorID string, c geo.Coordinate, at time.Time) (bool, error)
	Get(ctx context.Context, doctorID string) (Status, error)
	GetMany(ctx context.Context, doctorIDs []string) (map[string]Status, error)
}

func validate(doctorID string, at time.Time) error {
	if doctorID == "" {
		return apperr.Invalid("не указан врач")
	}
	if at.IsZero() {
		return apperr.Invalid("не указано время")
	}
	return nil
}

// MemoryService - реализация в памяти процесса
type MemoryService struct {
	mu      sync.RWMutex
	doctors map[string]Status
}

func NewMemoryService() *MemoryService {
	return &MemoryService{doctors: make(map[string]Status)}
}

func (s *MemoryService) SetOnline(ctx context.Context, doctorID string, online bool, at time.Time) (bool, error) {
	if err := validate(doctorID, at); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.doctors[doctorID]
	if !st.OnlineAt.IsZero() && !at.After(st.OnlineAt) {
		return false, nil
	}
	st.DoctorID = doctorID
	st.Online = online
	st.OnlineAt = at
	s.doctors[doctorID] = st
	return true, nil
}

func (s *MemoryService) UpdateLocation(ctx context.Context, doctorID string, c geo.Coordinate, at time.Time) (bool, error) {
	if err := validate(doctorID, at); err != nil {
		return false, err
	}
	if !c.Valid() {
		return false, apperr.Invalid("некорректные координаты")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.doctors[doctorID]
	if !st.LocationAt.IsZero() && !at.After(st.LocationAt) {
		return false, nil
	}
	loc := c
	st.DoctorID = doctorID
	st.Location = &loc
	st.LocationAt = at
	s.doctors[doctorID] = st
	return true, nil
}

// Get для неизвестного врача возвращает пустой статус (не на связи)
func (s *MemoryService) Get(ctx context.Context, doctorID string) (Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.doctors[doctorID]
	if !ok {
		return Status{DoctorID: doctorID}, nil
	}
	return copyStatus(st), nil
}

func (s *MemoryService) GetMany(ctx context.Context, doctorIDs []string) (map[string]Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]Status, len(doctorIDs))
	for _, id := range doctorIDs {
		if st, ok := s.doctors[id]; ok {
			result[id] = copyStatus(st)
		} else {
			result[id] = Status{DoctorID: id}
		}
	}
	return result, nil
}

func copyStatus(st Status) Status {
	if st.Location != nil {
		loc := *st.Location
		st.Location = &loc
	}
	return st
}

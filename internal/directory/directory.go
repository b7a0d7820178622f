// Package directory - чтение профилей врачей для подбора кандидатов.
// Профили ведет отдельный сервис, здесь они только читаются.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/models"
)

// DefaultLimit ограничивает выборку кандидатов до ранжирования
const DefaultLimit = 200

type Filter struct {
	Specialty string
	City      string
	Limit     int
}

type Directory interface {
	Candidates(ctx context.Context, filter Filter) ([]models.Doctor, error)
	Get(ctx context.Context, doctorID string) (*models.Doctor, error)
}

type GormDirectory struct {
	db *gorm.DB
}

func NewGormDirectory(db *gorm.DB) *GormDirectory {
	return &GormDirectory{db: db}
}

func (d *GormDirectory) Candidates(ctx context.Context, filter Filter) ([]models.Doctor, error) {
	q := d.db.WithContext(ctx).Model(&models.Doctor{})
	if filter.Specialty != "" {
		q = q.Where("LOWER(specialty) = LOWER(?)", filter.Specialty)
	}
	if filter.City != "" {
		q = q.Where("LOWER(city) = LOWER(?)", filter.City)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	var doctors []models.Doctor
	if err := q.Order("id ASC").Limit(limit).Find(&doctors).Error; err != nil {
		return nil, fmt.Errorf("ошибка при получении списка врачей: %w", err)
	}
	return doctors, nil
}

func (d *GormDirectory) Get(ctx context.Context, doctorID string) (*models.Doctor, error) {
	var doctor models.Doctor
	if err := d.db.WithContext(ctx).First(&doctor, "id = ?", doctorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("врач %s не найден", doctorID)
		}
		return nil, fmt.Errorf("ошибка при получении врача: %w", err)
	}
	return &doctor, nil
}

// MemoryDirectory - справочник в памяти, для локального запуска и тестов
type MemoryDirectory struct {
	mu      sync.RWMutex
	doctors map[string]models.Doctor
}

func NewMemoryDirectory(doctors ...models.Doctor) *MemoryDirectory {
	d := &MemoryDirectory{doctors: make(map[string]models.Doctor)}
	for _, doc := range doctors {
		d.doctors[doc.ID] = doc
	}
	return d
}

func (d *MemoryDirectory) Put(doc models.Doctor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.doctors[doc.ID] = doc
}

func (d *MemoryDirectory) Candidates(ctx context.Context, filter Filter) ([]models.Doctor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]models.Doctor, 0)
	for _, doc := range d.doctors {
		if filter.Specialty != "" && !strings.EqualFold(doc.Specialty, filter.Specialty) {
			continue
		}
		if filter.City != "" && !strings.EqualFold(doc.City, filter.City) {
			continue
		}
		result = append(result, doc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (d *MemoryDirectory) Get(ctx context.Context, doctorID string) (*models.Doctor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	doc, ok := d.doctors[doctorID]
	if !ok {
		return nil, apperr.NotFound("врач %s не найден", doctorID)
	}
	return &doc, nil
}

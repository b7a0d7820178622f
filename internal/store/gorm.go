package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/models"
)

// GormStore хранит заявки в PostgreSQL. Update блокирует строку
// (SELECT ... FOR UPDATE) и дополнительно проверяет версию при записи.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Create(ctx context.Context, a *models.Appointment) error {
	a.Version = 1
	if err := s.db.WithContext(ctx).Create(a).Error; err != nil {
		return fmt.Errorf("ошибка при создании заявки: %w", err)
	}
	return nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.Appointment, error) {
	var a models.Appointment
	if err := s.db.WithContext(ctx).First(&a, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("заявка %s не найдена", id)
		}
		return nil, fmt.Errorf("ошибка при получении заявки: %w", err)
	}
	return &a, nil
}

func (s *GormStore) Update(ctx context.Context, id string, fn MutateFunc) (*models.Appointment, error) {
	var updated models.Appointment

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Appointment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return apperr.NotFound("заявка %s не найдена", id)
			}
			return fmt.Errorf("ошибка при блокировке заявки: %w", err)
		}

		prevVersion := current.Version
		working := current.Clone()
		if err := fn(working); err != nil {
			return err
		}
		working.ID = current.ID
		working.Version = prevVersion + 1

		result := tx.Model(&models.Appointment{}).
			Where("id = ? AND version = ?", id, prevVersion).
			Select("*").
			Omit("id", "created_at").
			Updates(working)
		if result.Error != nil {
			return fmt.Errorf("ошибка при обновлении заявки: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return apperr.Conflict("заявка %s изменена параллельно", id)
		}

		updated = *working
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &updated, nil
}

func (s *GormStore) ListPending(ctx context.Context, filter PendingFilter) ([]*models.Appointment, error) {
	q := s.db.WithContext(ctx).Where("status = ?", models.StatusPending)
	if filter.Specialty != "" {
		q = q.Where("LOWER(specialty) = LOWER(?)", filter.Specialty)
	}
	if filter.City != "" {
		q = q.Where("LOWER(city) = LOWER(?)", filter.City)
	}
	if filter.Urgency != "" {
		q = q.Where("urgency = ?", filter.Urgency)
	}
	q = q.Order("requested_at DESC").Order("id ASC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var list []*models.Appointment
	if err := q.Find(&list).Error; err != nil {
		return nil, fmt.Errorf("ошибка при получении списка заявок: %w", err)
	}
	return list, nil
}

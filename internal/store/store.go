// Package store хранит заявки на визит.
//
// Все изменения заявки идут через Update: функция получает копию текущей
// записи под блокировкой, и если она вернула nil, запись сохраняется
// с увеличенной версией. Так реализуется compare-and-set для принятия заявки.
package store

import (
	"context"
	"sort"
	"strings"

	"homecare-backend/internal/models"
)

// MutateFunc меняет заявку. Ошибка отменяет запись и возвращается из Update как есть.
type MutateFunc func(a *models.Appointment) error

type AppointmentStore interface {
	Create(ctx context.Context, a *models.Appointment) error
	Get(ctx context.Context, id string) (*models.Appointment, error)
	Update(ctx context.Context, id string, fn MutateFunc) (*models.Appointment, error)
	ListPending(ctx context.Context, filter PendingFilter) ([]*models.Appointment, error)
}

// PendingFilter - фильтры списка ожидающих заявок. Пустые поля не фильтруют.
type PendingFilter struct {
	Specialty string
	City      string
	Urgency   models.Urgency
	Limit     int
}

func (f PendingFilter) match(a *models.Appointment) bool {
	if a.Status != models.StatusPending {
		return false
	}
	if f.Specialty != "" && !strings.EqualFold(a.Specialty, f.Specialty) {
		return false
	}
	if f.City != "" && !strings.EqualFold(a.City, f.City) {
		return false
	}
	if f.Urgency != "" && a.Urgency != f.Urgency {
		return false
	}
	return true
}

// sortNewestFirst упорядочивает по RequestedAt по убыванию, при равенстве по ID
func sortNewestFirst(list []*models.Appointment) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].RequestedAt.Equal(list[j].RequestedAt) {
			return list[i].RequestedAt.After(list[j].RequestedAt)
		}
		return list[i].ID < list[j].ID
	})
}

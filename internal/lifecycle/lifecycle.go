// Package lifecycle - конечный автомат заявки на визит.
//
// Apply сначала проверяет все предусловия и только потом меняет заявку,
// поэтому при ошибке заявка остается нетронутой.
package lifecycle

import (
	"time"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/geo"
	"homecare-backend/internal/models"
)

type Event string

const (
	EventAccept     Event = "accept"
	EventCancel     Event = "cancel"
	EventStartRoute Event = "start_route"
	EventArrive     Event = "arrive"
	EventComplete   Event = "complete"
)

// Actor - пользователь, инициирующий переход
type Actor struct {
	ID   string
	Role models.Role
}

func (a Actor) IsDoctor() bool  { return a.Role == models.RoleDoctor }
func (a Actor) IsPatient() bool { return a.Role == models.RolePatient }

// Input - параметры перехода
type Input struct {
	Actor    Actor
	Position *geo.Coordinate
	Reason   string
	At       time.Time
}

type transition struct {
	from models.AppointmentStatus
	to   models.AppointmentStatus
}

var table = map[Event][]transition{
	EventAccept:     {{models.StatusPending, models.StatusAccepted}},
	EventCancel:     {{models.StatusPending, models.StatusCancelled}, {models.StatusAccepted, models.StatusCancelled}},
	EventStartRoute: {{models.StatusAccepted, models.StatusEnRoute}},
	EventArrive:     {{models.StatusEnRoute, models.StatusEnRoute}},
	EventComplete:   {{models.StatusEnRoute, models.StatusCompleted}},
}

// CanTransition сообщает, допустимо ли событие из статуса, и целевой статус
func CanTransition(from models.AppointmentStatus, ev Event) (models.AppointmentStatus, bool) {
	for _, t := range table[ev] {
		if t.from == from {
			return t.to, true
		}
	}
	return "", false
}

// Apply применяет событие к заявке
func Apply(a *models.Appointment, ev Event, in Input) error {
	if _, known := table[ev]; !known {
		return apperr.Invalid("неизвестное событие %q", ev)
	}
	if a.Status.Terminal() {
		return apperr.Conflict("заявка уже в конечном статусе %s", a.Status)
	}
	to, ok := CanTransition(a.Status, ev)
	if !ok {
		return apperr.Conflict("событие %s недопустимо в статусе %s", ev, a.Status)
	}

	if err := check(a, ev, in); err != nil {
		return err
	}

	at := clamp(a, in.At)

	switch ev {
	case EventAccept:
		doctorID := in.Actor.ID
		a.DoctorID = &doctorID
		a.AcceptedAt = &at
	case EventCancel:
		a.CancelledAt = &at
		a.CancellationReason = in.Reason
	case EventStartRoute:
		a.EnRouteAt = &at
		a.Status = to
		a.SetDoctorLocation(*in.Position, at)
	case EventArrive:
		a.ArrivedAt = &at
	case EventComplete:
		a.CompletedAt = &at
		a.ClearTracking()
	}
	a.Status = to

	return nil
}

func check(a *models.Appointment, ev Event, in Input) error {
	switch ev {
	case EventAccept:
		if !in.Actor.IsDoctor() || in.Actor.ID == "" {
			return apperr.Conflict("принять заявку может только врач")
		}
		if a.DoctorID != nil {
			return apperr.Conflict("заявка уже принята другим врачом")
		}
	case EventCancel:
		if !in.Actor.IsPatient() || a.PatientID != in.Actor.ID {
			return apperr.Conflict("отменить заявку может только ее автор")
		}
	case EventStartRoute:
		if !a.AssignedTo(in.Actor.ID) || !in.Actor.IsDoctor() {
			return apperr.Conflict("заявка назначена другому врачу")
		}
		if in.Position == nil {
			return apperr.Conflict("местоположение врача неизвестно")
		}
		if !in.Position.Valid() {
			return apperr.Invalid("некорректные координаты")
		}
	case EventArrive:
		if !a.AssignedTo(in.Actor.ID) || !in.Actor.IsDoctor() {
			return apperr.Conflict("заявка назначена другому врачу")
		}
		if a.ArrivedAt != nil {
			return apperr.Conflict("прибытие уже отмечено")
		}
	case EventComplete:
		if !a.AssignedTo(in.Actor.ID) || !in.Actor.IsDoctor() {
			return apperr.Conflict("заявка назначена другому врачу")
		}
	}
	return nil
}

// clamp не дает временным меткам идти назад, если часы сервера сдвинулись
func clamp(a *models.Appointment, at time.Time) time.Time {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	latest := a.RequestedAt
	for _, ts := range []*time.Time{a.AcceptedAt, a.EnRouteAt, a.ArrivedAt, a.CompletedAt, a.CancelledAt} {
		if ts != nil && ts.After(latest) {
			latest = *ts
		}
	}
	if at.Before(latest) {
		return latest
	}
	return at
}

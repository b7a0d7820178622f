package lifecycle

import (
	"errors"
	"testing"
	"time"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/geo"
	"homecare-backend/internal/models"
)

var (
	patient = Actor{ID: "patient-1", Role: models.RolePatient}
	doctor  = Actor{ID: "doctor-1", Role: models.RoleDoctor}
	other   = Actor{ID: "doctor-2", Role: models.RoleDoctor}
	t0      = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
)

func newPending() *models.Appointment {
	return &models.Appointment{
		ID:          "a1",
		PatientID:   patient.ID,
		Status:      models.StatusPending,
		Description: "fever",
		Address:     "Calle 1",
		Urgency:     models.UrgencyMedium,
		RequestedAt: t0,
	}
}

func pos(lat, lng float64) *geo.Coordinate {
	return &geo.Coordinate{Lat: lat, Lng: lng}
}

func mustApply(t *testing.T, a *models.Appointment, ev Event, in Input) {
	t.Helper()
	if err := Apply(a, ev, in); err != nil {
		t.Fatalf("%s: unexpected error: %v", ev, err)
	}
}

func TestApply_HappyPath(t *testing.T) {
	a := newPending()

	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0.Add(time.Minute)})
	if a.Status != models.StatusAccepted || !a.AssignedTo(doctor.ID) || a.AcceptedAt == nil {
		t.Fatalf("unexpected state after accept: %+v", a)
	}

	mustApply(t, a, EventStartRoute, Input{Actor: doctor, Position: pos(4.7, -74.1), At: t0.Add(2 * time.Minute)})
	if a.Status != models.StatusEnRoute || a.EnRouteAt == nil {
		t.Fatalf("unexpected state after start_route: %+v", a)
	}
	tr, ok := a.Tracking()
	if !ok || tr.DoctorLocation.Lat != 4.7 {
		t.Fatalf("expected tracking with doctor location, got %+v ok=%v", tr, ok)
	}

	mustApply(t, a, EventArrive, Input{Actor: doctor, At: t0.Add(20 * time.Minute)})
	if a.Status != models.StatusEnRoute || a.ArrivedAt == nil {
		t.Fatalf("arrive must keep en-route and set arrivedAt: %+v", a)
	}

	mustApply(t, a, EventComplete, Input{Actor: doctor, At: t0.Add(time.Hour)})
	if a.Status != models.StatusCompleted || a.CompletedAt == nil {
		t.Fatalf("unexpected state after complete: %+v", a)
	}
	if _, ok := a.Tracking(); ok {
		t.Error("tracking must not be available after completion")
	}
	if a.DoctorLat != nil || a.EtaMinutes != nil {
		t.Error("tracking fields must be wiped on completion")
	}
}

func TestApply_AcceptAlreadyAssigned(t *testing.T) {
	a := newPending()
	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0})

	err := Apply(a, EventAccept, Input{Actor: other, At: t0})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !a.AssignedTo(doctor.ID) {
		t.Error("doctorId must not change")
	}
}

func TestApply_AcceptByPatientRejected(t *testing.T) {
	a := newPending()
	err := Apply(a, EventAccept, Input{Actor: patient, At: t0})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if a.Status != models.StatusPending || a.DoctorID != nil {
		t.Error("failed transition must not mutate the appointment")
	}
}

func TestApply_WrongActor(t *testing.T) {
	a := newPending()
	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0})

	for _, ev := range []Event{EventStartRoute} {
		err := Apply(a, ev, Input{Actor: other, Position: pos(1, 1), At: t0})
		if !errors.Is(err, apperr.ErrConflict) {
			t.Errorf("%s by other doctor: expected conflict, got %v", ev, err)
		}
	}

	err := Apply(a, EventCancel, Input{Actor: Actor{ID: "patient-2", Role: models.RolePatient}, At: t0})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("cancel by other patient: expected conflict, got %v", err)
	}
}

func TestApply_StartRouteNeedsPosition(t *testing.T) {
	a := newPending()
	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0})

	if err := Apply(a, EventStartRoute, Input{Actor: doctor, At: t0}); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("missing position: expected conflict, got %v", err)
	}
	if err := Apply(a, EventStartRoute, Input{Actor: doctor, Position: pos(95, 0), At: t0}); !errors.Is(err, apperr.ErrInvalid) {
		t.Errorf("bad position: expected invalid, got %v", err)
	}
	if a.Status != models.StatusAccepted || a.EnRouteAt != nil {
		t.Error("failed start_route must not mutate the appointment")
	}
}

func TestApply_ArriveTwice(t *testing.T) {
	a := newPending()
	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0})
	mustApply(t, a, EventStartRoute, Input{Actor: doctor, Position: pos(1, 1), At: t0})
	mustApply(t, a, EventArrive, Input{Actor: doctor, At: t0.Add(time.Minute)})
	first := *a.ArrivedAt

	err := Apply(a, EventArrive, Input{Actor: doctor, At: t0.Add(time.Hour)})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if !a.ArrivedAt.Equal(first) {
		t.Error("arrivedAt must not change")
	}
}

func TestApply_CancelEnRouteRejected(t *testing.T) {
	a := newPending()
	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0})
	mustApply(t, a, EventStartRoute, Input{Actor: doctor, Position: pos(1, 1), At: t0})

	if err := Apply(a, EventCancel, Input{Actor: patient, At: t0}); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestApply_CancelKeepsDoctor(t *testing.T) {
	a := newPending()
	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0})
	mustApply(t, a, EventCancel, Input{Actor: patient, Reason: "feeling better", At: t0.Add(time.Minute)})

	if a.Status != models.StatusCancelled || a.CancelledAt == nil || a.CancellationReason != "feeling better" {
		t.Fatalf("unexpected state after cancel: %+v", a)
	}
	if !a.AssignedTo(doctor.ID) {
		t.Error("doctorId must survive cancellation from accepted")
	}
}

func TestApply_TerminalStatesRejectEverything(t *testing.T) {
	completed := newPending()
	mustApply(t, completed, EventAccept, Input{Actor: doctor, At: t0})
	mustApply(t, completed, EventStartRoute, Input{Actor: doctor, Position: pos(1, 1), At: t0})
	mustApply(t, completed, EventComplete, Input{Actor: doctor, At: t0})

	cancelled := newPending()
	mustApply(t, cancelled, EventCancel, Input{Actor: patient, At: t0})

	events := []Event{EventAccept, EventCancel, EventStartRoute, EventArrive, EventComplete}
	for _, a := range []*models.Appointment{completed, cancelled} {
		before := *a.Clone()
		for _, ev := range events {
			actor := doctor
			if ev == EventCancel {
				actor = patient
			}
			err := Apply(a, ev, Input{Actor: actor, Position: pos(1, 1), At: t0.Add(time.Hour)})
			if !errors.Is(err, apperr.ErrConflict) {
				t.Errorf("%s from %s: expected conflict, got %v", ev, a.Status, err)
			}
		}
		if a.Status != before.Status || !equalTimes(a.CompletedAt, before.CompletedAt) || !equalTimes(a.CancelledAt, before.CancelledAt) {
			t.Errorf("terminal appointment mutated: %+v", a)
		}
	}
}

func TestApply_TimestampsClamped(t *testing.T) {
	a := newPending()
	// часы ушли назад относительно момента создания
	mustApply(t, a, EventAccept, Input{Actor: doctor, At: t0.Add(-time.Hour)})
	if a.AcceptedAt.Before(a.RequestedAt) {
		t.Fatalf("acceptedAt %v before requestedAt %v", a.AcceptedAt, a.RequestedAt)
	}
	mustApply(t, a, EventStartRoute, Input{Actor: doctor, Position: pos(1, 1), At: t0.Add(10 * time.Minute)})
	mustApply(t, a, EventComplete, Input{Actor: doctor, At: t0.Add(5 * time.Minute)})
	if a.CompletedAt.Before(*a.EnRouteAt) {
		t.Fatalf("completedAt %v before enRouteAt %v", a.CompletedAt, a.EnRouteAt)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from models.AppointmentStatus
		ev   Event
		to   models.AppointmentStatus
		ok   bool
	}{
		{models.StatusPending, EventAccept, models.StatusAccepted, true},
		{models.StatusPending, EventStartRoute, "", false},
		{models.StatusAccepted, EventCancel, models.StatusCancelled, true},
		{models.StatusEnRoute, EventCancel, "", false},
		{models.StatusEnRoute, EventArrive, models.StatusEnRoute, true},
		{models.StatusCompleted, EventComplete, "", false},
	}
	for _, c := range cases {
		to, ok := CanTransition(c.from, c.ev)
		if ok != c.ok || to != c.to {
			t.Errorf("CanTransition(%s, %s) = (%s, %v), want (%s, %v)", c.from, c.ev, to, ok, c.to, c.ok)
		}
	}
}

func TestApply_UnknownEvent(t *testing.T) {
	if err := Apply(newPending(), Event("teleport"), Input{Actor: doctor}); !errors.Is(err, apperr.ErrInvalid) {
		t.Fatalf("expected invalid, got %v", err)
	}
}

func equalTimes(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

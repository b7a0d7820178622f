package models

import (
	"time"

	"homecare-backend/internal/geo"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"   // Ожидает врача
	StatusAccepted  AppointmentStatus = "accepted"  // Врач принял заявку
	StatusEnRoute   AppointmentStatus = "en-route"  // Врач в пути
	StatusCompleted AppointmentStatus = "completed" // Визит завершен
	StatusCancelled AppointmentStatus = "cancelled" // Заявка отменена
)

// Terminal сообщает, что из статуса больше нет переходов
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s AppointmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusAccepted, StatusEnRoute, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyEmergency Urgency = "emergency"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyEmergency:
		return true
	}
	return false
}

type EtaSource string

const (
	EtaSourceRoute        EtaSource = "route"         // Маршрут от провайдера
	EtaSourceStraightLine EtaSource = "straight_line" // Запасной расчет по прямой
)

// Appointment представляет заявку пациента на визит врача на дом.
// Поля отслеживания (DoctorLat и далее) имеют смысл только в статусе en-route,
// читать их нужно через Tracking().
type Appointment struct {
	ID                 string            `gorm:"primaryKey;type:varchar(36)"`
	PatientID          string            `gorm:"not null;index;type:varchar(64)"`
	DoctorID           *string           `gorm:"index;type:varchar(64);default:null"`
	Status             AppointmentStatus `gorm:"type:varchar(20);default:'pending';index"`
	Description        string            `gorm:"not null"`
	Address            string            `gorm:"not null"`
	City               string            `gorm:"index;default:''"`
	Latitude           *float64          `gorm:"default:null"`
	Longitude          *float64          `gorm:"default:null"`
	Specialty          string            `gorm:"index;default:''"`
	Urgency            Urgency           `gorm:"type:varchar(20);default:'medium'"`
	ContactPhone       string            `gorm:"type:varchar(20);default:''"`
	Notes              string            `gorm:"default:''"`
	RequestedAt        time.Time         `gorm:"not null;index"`
	AcceptedAt         *time.Time        `gorm:"default:null"`
	EnRouteAt          *time.Time        `gorm:"default:null"`
	ArrivedAt          *time.Time        `gorm:"default:null"`
	CompletedAt        *time.Time        `gorm:"default:null"`
	CancelledAt        *time.Time        `gorm:"default:null"`
	CancellationReason string            `gorm:"default:''"`
	DoctorLat          *float64          `gorm:"default:null"`
	DoctorLng          *float64          `gorm:"default:null"`
	DoctorLocationAt   *time.Time        `gorm:"default:null"`
	RouteDistanceKm    *float64          `gorm:"default:null"`
	EtaMinutes         *int              `gorm:"default:null"`
	EtaSource          EtaSource         `gorm:"type:varchar(20);default:''"`
	Version            int64             `gorm:"not null;default:0"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (a *Appointment) TableName() string {
	return "appointments"
}

// TrackingInfo - данные отслеживания врача в пути
type TrackingInfo struct {
	DoctorLocation  geo.Coordinate `json:"doctor_location"`
	UpdatedAt       time.Time      `json:"updated_at"`
	RouteDistanceKm *float64       `json:"route_distance_km,omitempty"`
	EtaMinutes      *int           `json:"eta_minutes,omitempty"`
	EtaSource       EtaSource      `json:"eta_source,omitempty"`
}

// Destination возвращает адрес визита в координатах, если он известен
func (a *Appointment) Destination() *geo.Coordinate {
	if a.Latitude == nil || a.Longitude == nil {
		return nil
	}
	return &geo.Coordinate{Lat: *a.Latitude, Lng: *a.Longitude}
}

func (a *Appointment) SetDestination(c geo.Coordinate) {
	lat, lng := c.Lat, c.Lng
	a.Latitude = &lat
	a.Longitude = &lng
}

// AssignedTo проверяет, что заявка назначена указанному врачу
func (a *Appointment) AssignedTo(doctorID string) bool {
	return a.DoctorID != nil && *a.DoctorID == doctorID
}

// Tracking доступен только пока врач в пути
func (a *Appointment) Tracking() (TrackingInfo, bool) {
	if a.Status != StatusEnRoute || a.DoctorLat == nil || a.DoctorLng == nil || a.DoctorLocationAt == nil {
		return TrackingInfo{}, false
	}
	return TrackingInfo{
		DoctorLocation:  geo.Coordinate{Lat: *a.DoctorLat, Lng: *a.DoctorLng},
		UpdatedAt:       *a.DoctorLocationAt,
		RouteDistanceKm: a.RouteDistanceKm,
		EtaMinutes:      a.EtaMinutes,
		EtaSource:       a.EtaSource,
	}, true
}

// SetDoctorLocation записывает координату врача. Вне статуса en-route ничего не делает.
func (a *Appointment) SetDoctorLocation(c geo.Coordinate, at time.Time) bool {
	if a.Status != StatusEnRoute {
		return false
	}
	lat, lng, ts := c.Lat, c.Lng, at
	a.DoctorLat = &lat
	a.DoctorLng = &lng
	a.DoctorLocationAt = &ts
	return true
}

// SetEstimate записывает производные расстояние и время прибытия
func (a *Appointment) SetEstimate(distanceKm float64, etaMinutes int, source EtaSource) bool {
	if a.Status != StatusEnRoute {
		return false
	}
	d, m := distanceKm, etaMinutes
	a.RouteDistanceKm = &d
	a.EtaMinutes = &m
	a.EtaSource = source
	return true
}

// ClearTracking стирает поля отслеживания при выходе из en-route
func (a *Appointment) ClearTracking() {
	a.DoctorLat = nil
	a.DoctorLng = nil
	a.DoctorLocationAt = nil
	a.RouteDistanceKm = nil
	a.EtaMinutes = nil
	a.EtaSource = ""
}

// Clone делает глубокую копию, чтобы хранилище не делило указатели с вызывающим кодом
func (a *Appointment) Clone() *Appointment {
	c := *a
	c.DoctorID = cloneString(a.DoctorID)
	c.Latitude = cloneFloat(a.Latitude)
	c.Longitude = cloneFloat(a.Longitude)
	c.AcceptedAt = cloneTime(a.AcceptedAt)
	c.EnRouteAt = cloneTime(a.EnRouteAt)
	c.ArrivedAt = cloneTime(a.ArrivedAt)
	c.CompletedAt = cloneTime(a.CompletedAt)
	c.CancelledAt = cloneTime(a.CancelledAt)
	c.DoctorLat = cloneFloat(a.DoctorLat)
	c.DoctorLng = cloneFloat(a.DoctorLng)
	c.DoctorLocationAt = cloneTime(a.DoctorLocationAt)
	c.RouteDistanceKm = cloneFloat(a.RouteDistanceKm)
	if a.EtaMinutes != nil {
		m := *a.EtaMinutes
		c.EtaMinutes = &m
	}
	return &c
}

// AppointmentResponse представляет ответ API с информацией о заявке
type AppointmentResponse struct {
	ID                 string            `json:"id"`
	PatientID          string            `json:"patient_id"`
	DoctorID           *string           `json:"doctor_id"`
	Status             AppointmentStatus `json:"status"`
	Description        string            `json:"description"`
	Address            string            `json:"address"`
	City               string            `json:"city,omitempty"`
	Location           *geo.Coordinate   `json:"location,omitempty"`
	Specialty          string            `json:"specialty,omitempty"`
	Urgency            Urgency           `json:"urgency"`
	ContactPhone       string            `json:"contact_phone,omitempty"`
	Notes              string            `json:"notes,omitempty"`
	RequestedAt        time.Time         `json:"requested_at"`
	AcceptedAt         *time.Time        `json:"accepted_at,omitempty"`
	EnRouteAt          *time.Time        `json:"en_route_at,omitempty"`
	ArrivedAt          *time.Time        `json:"arrived_at,omitempty"`
	CompletedAt        *time.Time        `json:"completed_at,omitempty"`
	CancelledAt        *time.Time        `json:"cancelled_at,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	Tracking           *TrackingInfo     `json:"tracking,omitempty"`
	Version            int64             `json:"version"`
}

func (a *Appointment) ToResponse() AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		DoctorID:           a.DoctorID,
		Status:             a.Status,
		Description:        a.Description,
		Address:            a.Address,
		City:               a.City,
		Location:           a.Destination(),
		Specialty:          a.Specialty,
		Urgency:            a.Urgency,
		ContactPhone:       a.ContactPhone,
		Notes:              a.Notes,
		RequestedAt:        a.RequestedAt,
		AcceptedAt:         a.AcceptedAt,
		EnRouteAt:          a.EnRouteAt,
		ArrivedAt:          a.ArrivedAt,
		CompletedAt:        a.CompletedAt,
		CancelledAt:        a.CancelledAt,
		CancellationReason: a.CancellationReason,
		Version:            a.Version,
	}
	if t, ok := a.Tracking(); ok {
		resp.Tracking = &t
	}
	return resp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

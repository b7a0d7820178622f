package models

import (
	"time"

	"homecare-backend/internal/geo"
)

// Route представляет маршрут врача до пациента, полученный от провайдера.
// В базе не хранится, живет в кэше сессии отслеживания.
type Route struct {
	From            geo.Coordinate   `json:"from"`
	To              geo.Coordinate   `json:"to"`
	Geometry        []geo.Coordinate `json:"geometry"`
	DistanceKm      float64          `json:"distance_km"`
	DurationMinutes int              `json:"duration_minutes"` // Расчетное время в пути
	FetchedAt       time.Time        `json:"fetched_at"`
}

// GeocodeResult - координата, найденная по адресу
type GeocodeResult struct {
	Location  geo.Coordinate `json:"location"`
	PlaceName string         `json:"place_name"`
	Relevance float64        `json:"relevance"`
}

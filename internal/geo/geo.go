// Package geo содержит чистые расчеты расстояний и времени в пути.
package geo

import "math"

const (
	// EarthRadiusKm - средний радиус Земли в километрах
	EarthRadiusKm = 6371.0
	// DefaultUrbanSpeedKmh - средняя скорость в городе, используется когда маршрут недоступен
	DefaultUrbanSpeedKmh = 30.0

	epsilon = 1e-9
)

// Coordinate - точка в градусах
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid проверяет диапазоны широты и долготы
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lng) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lng, 0) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lng >= -180 && c.Lng <= 180
}

// Equal сравнивает точки с точностью epsilon
func (c Coordinate) Equal(o Coordinate) bool {
	return math.Abs(c.Lat-o.Lat) < epsilon && math.Abs(c.Lng-o.Lng) < epsilon
}

// DistanceKm вычисляет расстояние по дуге большого круга (формула гаверсинуса)
func DistanceKm(a, b Coordinate) float64 {
	if a.Equal(b) {
		return 0
	}

	φ1 := toRad(a.Lat)
	φ2 := toRad(b.Lat)
	dφ := toRad(b.Lat - a.Lat)
	dλ := toRad(b.Lng - a.Lng)

	h := math.Sin(dφ/2)*math.Sin(dφ/2) +
		math.Cos(φ1)*math.Cos(φ2)*math.Sin(dλ/2)*math.Sin(dλ/2)
	// из-за погрешности округления h может чуть выйти за [0,1]
	h = math.Min(1, math.Max(0, h))
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusKm * c
}

// EstimateTravelMinutes оценивает время в пути при средней городской скорости
func EstimateTravelMinutes(distanceKm float64) int {
	return EstimateTravelMinutesAt(distanceKm, DefaultUrbanSpeedKmh)
}

// EstimateTravelMinutesAt оценивает время в пути при заданной скорости
func EstimateTravelMinutesAt(distanceKm, speedKmh float64) int {
	if distanceKm <= 0 || math.IsNaN(distanceKm) {
		return 0
	}
	if speedKmh <= 0 {
		speedKmh = DefaultUrbanSpeedKmh
	}
	return int(math.Round(distanceKm / speedKmh * 60))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

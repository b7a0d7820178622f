// Package scoring ранжирует врачей-кандидатов для заявки на визит.
//
// Итоговый балл складывается из четырех частей (в сумме 100):
// доступность 40, близость 30, опыт 20, верификация 10.
// Фильтрация по специальности и городу - забота вызывающего кода.
package scoring

import (
	"math"
	"sort"

	"homecare-backend/internal/geo"
)

const (
	OnlineWeight       = 40.0
	ProximityWeight    = 30.0
	ExperienceWeight   = 20.0
	VerificationWeight = 10.0

	// ProximityRangeKm - дальше этого расстояния близость не дает баллов
	ProximityRangeKm = 30.0
	// UnknownLocationScore - балл близости, когда местоположение неизвестно
	UnknownLocationScore = 15.0
	// ExperienceCapYears - опыт, при котором набирается максимум баллов
	ExperienceCapYears = 50.0
)

// Candidate - данные врача, влияющие на ранжирование
type Candidate struct {
	DoctorID          string          `json:"doctor_id"`
	Online            bool            `json:"online"`
	YearsOfExperience float64         `json:"years_of_experience"`
	Verified          bool            `json:"verified"`
	Location          *geo.Coordinate `json:"location,omitempty"`
	Specialty         string          `json:"specialty,omitempty"`
	City              string          `json:"city,omitempty"`
	ConsultationPrice float64         `json:"consultation_price,omitempty"`
}

// Request - то, что известно о заявке на момент ранжирования
type Request struct {
	Location *geo.Coordinate
}

// Breakdown - составляющие балла
type Breakdown struct {
	Online       float64 `json:"online"`
	Proximity    float64 `json:"proximity"`
	Experience   float64 `json:"experience"`
	Verification float64 `json:"verification"`
}

// Ranked - кандидат с рассчитанным баллом
type Ranked struct {
	Candidate  Candidate `json:"candidate"`
	Score      float64   `json:"score"`
	Breakdown  Breakdown `json:"breakdown"`
	DistanceKm *float64  `json:"distance_km,omitempty"`
}

// Score считает балл одного кандидата
func Score(req Request, c Candidate) Ranked {
	var b Breakdown
	var distance *float64

	if c.Online {
		b.Online = OnlineWeight
	}

	if req.Location != nil && c.Location != nil {
		d := geo.DistanceKm(*req.Location, *c.Location)
		distance = &d
		b.Proximity = ProximityWeight * math.Max(0, 1-d/ProximityRangeKm)
	} else {
		b.Proximity = UnknownLocationScore
	}

	if c.YearsOfExperience > 0 {
		b.Experience = math.Min(ExperienceWeight, c.YearsOfExperience/ExperienceCapYears*ExperienceWeight)
	}

	if c.Verified {
		b.Verification = VerificationWeight
	}

	return Ranked{
		Candidate:  c,
		Score:      b.Online + b.Proximity + b.Experience + b.Verification,
		Breakdown:  b,
		DistanceKm: distance,
	}
}

// Rank возвращает всех кандидатов по убыванию балла.
// При равных баллах сохраняется исходный порядок.
func Rank(req Request, candidates []Candidate) []Ranked {
	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		ranked = append(ranked, Score(req, c))
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})

	return ranked
}

// Top обрезает ранжированный список до n элементов
func Top(ranked []Ranked, n int) []Ranked {
	if n <= 0 || n >= len(ranked) {
		return ranked
	}
	return ranked[:n]
}

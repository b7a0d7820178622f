// Package tracking - сессии отслеживания врача в пути.
//
// Сессия принимает координаты врача, сразу пересчитывает оценку по прямой и
// асинхронно запрашивает маршрут у провайдера. Запросы маршрута идут не чаще
// одного за RouteDebounce, новый запрос отменяет выполняющийся. Прием
// координат никогда не ждет провайдера.
package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/geo"
	"homecare-backend/internal/models"
)

const (
	DefaultStaleAfter    = 60 * time.Second
	DefaultRouteDebounce = 2 * time.Second
	DefaultRouteTimeout  = 5 * time.Second
	DefaultSweepInterval = 10 * time.Second

	ReasonStale = "stale"
)

// Router - провайдер маршрутов
type Router interface {
	Route(ctx context.Context, from, to geo.Coordinate) (*models.Route, error)
}

type Config struct {
	StaleAfter    time.Duration
	RouteDebounce time.Duration
	RouteTimeout  time.Duration
	SweepInterval time.Duration
	SpeedKmh      float64
}

func (c Config) withDefaults() Config {
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.RouteDebounce < 0 {
		c.RouteDebounce = 0
	}
	if c.RouteTimeout <= 0 {
		c.RouteTimeout = DefaultRouteTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SpeedKmh <= 0 {
		c.SpeedKmh = geo.DefaultUrbanSpeedKmh
	}
	return c
}

// Estimate - текущая оценка расстояния и времени прибытия
type Estimate struct {
	Position   geo.Coordinate   `json:"position"`
	UpdatedAt  time.Time        `json:"updated_at"`
	DistanceKm float64          `json:"distance_km"`
	EtaMinutes int              `json:"eta_minutes"`
	Source     models.EtaSource `json:"source"`
	Geometry   []geo.Coordinate `json:"geometry,omitempty"`
	Stale      bool             `json:"stale"`
}

// IngestResult - итог приема координаты. Устаревшая координата не ошибка.
type IngestResult struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

type Session struct {
	appointmentID string
	cfg           Config
	router        Router
	clock         func() time.Time
	log           zerolog.Logger
	onRoute       func(Estimate)

	mu          sync.Mutex
	position    geo.Coordinate
	updatedAt   time.Time
	destination *geo.Coordinate
	route       *models.Route
	closed      bool

	lastFetchAt time.Time
	fetchSeq    uint64
	cancelFetch context.CancelFunc
	timer       *time.Timer
}

func newSession(appointmentID string, pos geo.Coordinate, ts time.Time, dest *geo.Coordinate, cfg Config, router Router, clock func() time.Time, log zerolog.Logger) *Session {
	s := &Session{
		appointmentID: appointmentID,
		cfg:           cfg,
		router:        router,
		clock:         clock,
		log:           log.With().Str("appointment_id", appointmentID).Logger(),
		position:      pos,
		updatedAt:     ts,
	}
	if dest != nil {
		d := *dest
		s.destination = &d
	}
	return s
}

func (s *Session) AppointmentID() string {
	return s.appointmentID
}

// Ingest принимает координату врача. Координата не новее последней
// отбрасывается с Reason "stale", закрытая сессия возвращает Conflict.
func (s *Session) Ingest(pos geo.Coordinate, ts time.Time) (IngestResult, error) {
	if !pos.Valid() {
		return IngestResult{}, apperr.Invalid("некорректные координаты")
	}
	if ts.IsZero() {
		return IngestResult{}, apperr.Invalid("не указано время координаты")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return IngestResult{}, apperr.Conflict("отслеживание заявки %s завершено", s.appointmentID)
	}
	if !ts.After(s.updatedAt) {
		s.log.Debug().
			Time("ts", ts).
			Time("last", s.updatedAt).
			Msg("устаревшая координата отброшена")
		ingestTotal.WithLabelValues(ReasonStale).Inc()
		return IngestResult{Accepted: false, Reason: ReasonStale}, nil
	}

	s.position = pos
	s.updatedAt = ts
	ingestTotal.WithLabelValues("accepted").Inc()

	s.scheduleFetchLocked()
	return IngestResult{Accepted: true}, nil
}

// SetDestination задает адрес визита, если он стал известен позже
func (s *Session) SetDestination(c geo.Coordinate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	d := c
	s.destination = &d
	s.route = nil
	s.scheduleFetchLocked()
}

// Estimate возвращает оценку. ok=false, пока адрес визита неизвестен.
func (s *Session) Estimate() (Estimate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.estimateLocked()
}

func (s *Session) estimateLocked() (Estimate, bool) {
	est := Estimate{
		Position:  s.position,
		UpdatedAt: s.updatedAt,
		Stale:     s.staleLocked(),
	}
	if s.destination == nil {
		return est, false
	}

	if s.route != nil {
		est.DistanceKm = s.route.DistanceKm
		est.EtaMinutes = s.route.DurationMinutes
		est.Source = models.EtaSourceRoute
		est.Geometry = s.route.Geometry
		return est, true
	}

	est.DistanceKm = geo.DistanceKm(s.position, *s.destination)
	est.EtaMinutes = geo.EstimateTravelMinutesAt(est.DistanceKm, s.cfg.SpeedKmh)
	est.Source = models.EtaSourceStraightLine
	return est, true
}

// Stale - давно не было координат от врача
func (s *Session) Stale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staleLocked()
}

func (s *Session) staleLocked() bool {
	return s.clock().Sub(s.updatedAt) > s.cfg.StaleAfter
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close останавливает сессию и отменяет запрос маршрута
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelFetch != nil {
		s.cancelFetch()
		s.cancelFetch = nil
	}
}

func (s *Session) scheduleFetchLocked() {
	if s.router == nil || s.destination == nil {
		return
	}
	if s.timer != nil {
		// запрос уже запланирован, он возьмет самую свежую координату
		return
	}

	wait := s.cfg.RouteDebounce - s.clock().Sub(s.lastFetchAt)
	if s.lastFetchAt.IsZero() || wait <= 0 {
		s.startFetchLocked()
		return
	}

	s.timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timer = nil
		if !s.closed {
			s.startFetchLocked()
		}
	})
}

func (s *Session) startFetchLocked() {
	if s.cancelFetch != nil {
		s.cancelFetch()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RouteTimeout)
	s.cancelFetch = cancel
	s.fetchSeq++
	seq := s.fetchSeq
	s.lastFetchAt = s.clock()
	from, to := s.position, *s.destination

	go s.fetch(ctx, cancel, seq, from, to)
}

func (s *Session) fetch(ctx context.Context, cancel context.CancelFunc, seq uint64, from, to geo.Coordinate) {
	defer cancel()

	started := time.Now()
	route, err := s.router.Route(ctx, from, to)

	s.mu.Lock()
	if s.closed || seq != s.fetchSeq {
		s.mu.Unlock()
		routeFetchTotal.WithLabelValues("superseded").Inc()
		return
	}
	s.cancelFetch = nil

	if err != nil || route == nil {
		if err == nil {
			err = errors.New("пустой маршрут")
		}
		s.route = nil
		s.log.Warn().Err(apperr.TransientProvider("routing", err)).
			Dur("elapsed", time.Since(started)).
			Msg("маршрут недоступен, используется оценка по прямой")
		routeFetchTotal.WithLabelValues("error").Inc()
	} else {
		s.route = route
		routeFetchTotal.WithLabelValues("ok").Inc()
	}

	est, ok := s.estimateLocked()
	onRoute := s.onRoute
	s.mu.Unlock()

	if ok && onRoute != nil {
		onRoute(est)
	}
}

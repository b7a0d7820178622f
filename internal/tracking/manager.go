package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/events"
	"homecare-backend/internal/geo"
	"homecare-backend/internal/models"
)

// stoppedTTL - сколько помнить остановленные сессии. Снимок заявки,
// прочитанный до остановки, дольше этого срока не живет.
const stoppedTTL = 10 * time.Minute

// RouteListener вызывается, когда пришел (или не пришел) маршрут и оценка изменилась
type RouteListener func(appointmentID string, est Estimate)

// Manager держит по одной сессии на заявку в статусе en-route
type Manager struct {
	cfg       Config
	router    Router
	publisher events.Publisher
	log       zerolog.Logger
	clock     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	stale    map[string]bool
	stopped  map[string]time.Time
	listener RouteListener
}

func NewManager(cfg Config, router Router, publisher events.Publisher, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		router:    router,
		publisher: publisher,
		log:       log.With().Str("component", "tracking").Logger(),
		clock:     time.Now,
		sessions:  make(map[string]*Session),
		stale:     make(map[string]bool),
		stopped:   make(map[string]time.Time),
	}
}

// SetClock подменяет часы, используется в тестах
func (m *Manager) SetClock(clock func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
}

func (m *Manager) SetRouteListener(l RouteListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = l
}

func (m *Manager) now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clock()
}

// Start создает сессию для заявки после перехода в en-route.
// Существующая сессия заменяется.
func (m *Manager) Start(appt *models.Appointment, pos geo.Coordinate, ts time.Time) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stopped, appt.ID)
	return m.startLocked(appt, pos, ts)
}

func (m *Manager) startLocked(appt *models.Appointment, pos geo.Coordinate, ts time.Time) *Session {
	if old, ok := m.sessions[appt.ID]; ok {
		old.Close()
	}

	s := newSession(appt.ID, pos, ts, appt.Destination(), m.cfg, m.router, m.clock, m.log)
	id := appt.ID
	s.onRoute = func(est Estimate) {
		m.mu.Lock()
		listener := m.listener
		m.mu.Unlock()
		if listener != nil {
			listener(id, est)
		}
	}
	m.sessions[appt.ID] = s
	delete(m.stale, appt.ID)
	activeSessions.Set(float64(len(m.sessions)))

	s.mu.Lock()
	s.scheduleFetchLocked()
	s.mu.Unlock()

	m.log.Info().Str("appointment_id", appt.ID).Msg("отслеживание врача начато")
	return s
}

func (m *Manager) Get(appointmentID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[appointmentID]
	return s, ok
}

// Ensure возвращает сессию заявки, восстанавливая ее по последней
// сохраненной координате врача (например, после перезапуска сервиса).
// Для остановленной сессии возвращает Conflict: снимок заявки устарел.
func (m *Manager) Ensure(appt *models.Appointment) (*Session, error) {
	if appt.Status != models.StatusEnRoute {
		return nil, apperr.Conflict("заявка %s не в пути", appt.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[appt.ID]; ok {
		return s, nil
	}
	if _, ok := m.stopped[appt.ID]; ok {
		return nil, apperr.Conflict("отслеживание по заявке %s завершено", appt.ID)
	}

	info, ok := appt.Tracking()
	if !ok {
		return nil, apperr.NotFound("нет данных о местоположении врача по заявке %s", appt.ID)
	}
	m.log.Info().Str("appointment_id", appt.ID).Msg("сессия отслеживания восстановлена")
	return m.startLocked(appt, info.DoctorLocation, info.UpdatedAt), nil
}

// Stop закрывает сессию заявки, покинувшей en-route. Восстановить ее
// через Ensure больше нельзя.
func (m *Manager) Stop(appointmentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopped[appointmentID] = m.clock()
	s, ok := m.sessions[appointmentID]
	if !ok {
		return
	}
	s.Close()
	delete(m.sessions, appointmentID)
	delete(m.stale, appointmentID)
	activeSessions.Set(float64(len(m.sessions)))
	m.log.Info().Str("appointment_id", appointmentID).Msg("отслеживание врача завершено")
}

// Active возвращает число открытых сессий
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Run проверяет сессии на отсутствие координат до отмены контекста
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep публикует события при смене признака устаревания. Статус заявки не меняется.
func (m *Manager) Sweep(ctx context.Context) {
	type flip struct {
		id    string
		stale bool
		est   Estimate
	}

	m.mu.Lock()
	now := m.clock()
	for id, at := range m.stopped {
		if now.Sub(at) > stoppedTTL {
			delete(m.stopped, id)
		}
	}
	sessions := make(map[string]*Session, len(m.sessions))
	for id, s := range m.sessions {
		sessions[id] = s
	}
	m.mu.Unlock()

	var flips []flip
	for id, s := range sessions {
		est, _ := s.Estimate()
		m.mu.Lock()
		if m.stale[id] != est.Stale {
			if _, alive := m.sessions[id]; alive {
				m.stale[id] = est.Stale
				flips = append(flips, flip{id: id, stale: est.Stale, est: est})
			}
		}
		m.mu.Unlock()
	}

	for _, f := range flips {
		typ := events.TrackingResumed
		if f.stale {
			typ = events.TrackingStale
			m.log.Warn().Str("appointment_id", f.id).Time("last_update", f.est.UpdatedAt).Msg("нет координат от врача")
		}
		if m.publisher == nil {
			continue
		}
		_ = m.publisher.Publish(ctx, events.Event{
			Type:          typ,
			AppointmentID: f.id,
			Status:        models.StatusEnRoute,
			Payload:       f.est,
			At:            m.now(),
		})
	}
}

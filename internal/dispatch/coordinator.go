// Package dispatch - координатор заявок: создание, принятие врачом,
// дорога, завершение, отмена и отслеживание врача в пути.
//
// Все переходы выполняются внутри store.Update, поэтому проверка
// предусловий и запись атомарны. Побочные эффекты (сессии отслеживания,
// события) выполняются после успешной записи.
package dispatch

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/directory"
	"homecare-backend/internal/events"
	"homecare-backend/internal/geo"
	"homecare-backend/internal/lifecycle"
	"homecare-backend/internal/middleware"
	"homecare-backend/internal/models"
	"homecare-backend/internal/presence"
	"homecare-backend/internal/scoring"
	"homecare-backend/internal/store"
	"homecare-backend/internal/tracking"
)

const (
	DefaultGeocodeTimeout = 3 * time.Second
	DefaultCandidateLimit = 5
)

// errSkip отменяет запись в store.Update без ошибки для вызывающего
var errSkip = errors.New("skip")

// Geocoder ищет координату по адресу
type Geocoder interface {
	Geocode(ctx context.Context, query string) (*models.GeocodeResult, error)
}

type Config struct {
	GeocodeTimeout time.Duration
	CandidateLimit int
	SpeedKmh       float64
}

type Deps struct {
	Store     store.AppointmentStore
	Sessions  *tracking.Manager
	Presence  presence.Service
	Directory directory.Directory
	Geocoder  Geocoder
	Hub       *events.Hub
	Publisher events.Publisher
}

type Coordinator struct {
	store     store.AppointmentStore
	sessions  *tracking.Manager
	presence  presence.Service
	directory directory.Directory
	geocoder  Geocoder
	hub       *events.Hub
	publisher events.Publisher
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time
}

// New создает координатор. Publisher по умолчанию - сам хаб.
func New(deps Deps, cfg Config, log zerolog.Logger) *Coordinator {
	if cfg.GeocodeTimeout <= 0 {
		cfg.GeocodeTimeout = DefaultGeocodeTimeout
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = DefaultCandidateLimit
	}
	if cfg.SpeedKmh <= 0 {
		cfg.SpeedKmh = geo.DefaultUrbanSpeedKmh
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = deps.Hub
	}

	c := &Coordinator{
		store:     deps.Store,
		sessions:  deps.Sessions,
		presence:  deps.Presence,
		directory: deps.Directory,
		geocoder:  deps.Geocoder,
		hub:       deps.Hub,
		publisher: publisher,
		cfg:       cfg,
		log:       log.With().Str("component", "dispatch").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	c.sessions.SetRouteListener(c.onRouteEstimate)
	return c
}

// RequestInput - данные новой заявки от пациента
type RequestInput struct {
	Description  string
	Address      string
	City         string
	Location     *geo.Coordinate
	Specialty    string
	Urgency      models.Urgency
	ContactPhone string
	Notes        string
}

func (in *RequestInput) normalize() error {
	in.Description = strings.TrimSpace(in.Description)
	in.Address = strings.TrimSpace(in.Address)
	in.City = strings.TrimSpace(in.City)
	in.Specialty = strings.TrimSpace(in.Specialty)

	if in.Description == "" {
		return apperr.Invalid("не указано описание симптомов")
	}
	if in.Address == "" && in.Location == nil {
		return apperr.Invalid("не указан адрес визита")
	}
	if in.Location != nil && !in.Location.Valid() {
		return apperr.Invalid("некорректные координаты адреса")
	}
	if in.Urgency == "" {
		in.Urgency = models.UrgencyMedium
	}
	if !in.Urgency.Valid() {
		return apperr.Invalid("неизвестная срочность %q", in.Urgency)
	}
	return nil
}

// CreateRequest создает заявку в статусе pending
func (c *Coordinator) CreateRequest(ctx context.Context, actor lifecycle.Actor, in RequestInput) (*models.Appointment, error) {
	if !actor.IsPatient() || actor.ID == "" {
		return nil, apperr.Conflict("создать заявку может только пациент")
	}
	if err := in.normalize(); err != nil {
		return nil, err
	}

	a := &models.Appointment{
		ID:           uuid.New().String(),
		PatientID:    actor.ID,
		Status:       models.StatusPending,
		Description:  in.Description,
		Address:      in.Address,
		City:         in.City,
		Specialty:    in.Specialty,
		Urgency:      in.Urgency,
		ContactPhone: in.ContactPhone,
		Notes:        in.Notes,
		RequestedAt:  c.now(),
	}
	if in.Location != nil {
		a.SetDestination(*in.Location)
	} else if loc := c.geocode(ctx, in.Address); loc != nil {
		a.SetDestination(*loc)
	}

	if err := c.store.Create(ctx, a); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("appointment_id", a.ID).
		Str("patient_id", a.PatientID).
		Str("urgency", string(a.Urgency)).
		Bool("has_location", a.Destination() != nil).
		Msg("создана заявка на визит")
	c.publish(ctx, events.AppointmentCreated, a, nil)
	return a, nil
}

// geocode ищет координату адреса. Ошибка провайдера не мешает созданию заявки.
func (c *Coordinator) geocode(ctx context.Context, address string) *geo.Coordinate {
	if c.geocoder == nil || address == "" {
		return nil
	}
	gctx, cancel := context.WithTimeout(ctx, c.cfg.GeocodeTimeout)
	defer cancel()

	res, err := c.geocoder.Geocode(gctx, address)
	if err != nil {
		c.log.Warn().Err(err).Msg("не удалось определить координаты адреса")
		return nil
	}
	if res == nil || !res.Location.Valid() {
		return nil
	}
	loc := res.Location
	return &loc
}

// ListPending возвращает ожидающие заявки, новые первыми
func (c *Coordinator) ListPending(ctx context.Context, filter store.PendingFilter) ([]*models.Appointment, error) {
	if filter.Urgency != "" && !filter.Urgency.Valid() {
		return nil, apperr.Invalid("неизвестная срочность %q", filter.Urgency)
	}
	if filter.Limit < 0 {
		return nil, apperr.Invalid("некорректный limit")
	}
	return c.store.ListPending(ctx, filter)
}

// Get возвращает заявку участнику. Посторонним заявка не видна.
func (c *Coordinator) Get(ctx context.Context, id string, actor lifecycle.Actor) (*models.Appointment, error) {
	a, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !canView(a, actor) {
		return nil, apperr.NotFound("заявка %s не найдена", id)
	}
	return a, nil
}

// GetIfNewer возвращает заявку, только если ее версия больше since
func (c *Coordinator) GetIfNewer(ctx context.Context, id string, actor lifecycle.Actor, since int64) (*models.Appointment, bool, error) {
	a, err := c.Get(ctx, id, actor)
	if err != nil {
		return nil, false, err
	}
	if a.Version <= since {
		return nil, false, nil
	}
	return a, true, nil
}

// Subscribe подписывает участника на изменения заявки и возвращает снимок.
// Подписка создается до чтения снимка, поэтому изменения между ними не
// теряются: события с версией не выше снимка клиент пропускает.
func (c *Coordinator) Subscribe(ctx context.Context, id string, actor lifecycle.Actor) (*events.Subscription, *models.Appointment, error) {
	sub := c.hub.Subscribe(id, actor.ID)
	a, err := c.Get(ctx, id, actor)
	if err != nil {
		sub.Close()
		return nil, nil, err
	}
	return sub, a, nil
}

// SubscribePending подписывает врача на изменения списка ожидающих заявок
func (c *Coordinator) SubscribePending(actor lifecycle.Actor) (*events.Subscription, error) {
	if !actor.IsDoctor() {
		return nil, apperr.Conflict("список заявок доступен только врачам")
	}
	return c.hub.SubscribePending(), nil
}

func canView(a *models.Appointment, actor lifecycle.Actor) bool {
	switch {
	case actor.IsPatient():
		return a.PatientID == actor.ID
	case actor.IsDoctor():
		return a.AssignedTo(actor.ID) || (a.Status == models.StatusPending && a.DoctorID == nil)
	}
	return false
}

func (c *Coordinator) transition(ctx context.Context, id string, ev lifecycle.Event, in lifecycle.Input) (*models.Appointment, error) {
	if in.At.IsZero() {
		in.At = c.now()
	}
	return c.store.Update(ctx, id, func(a *models.Appointment) error {
		return lifecycle.Apply(a, ev, in)
	})
}

// Accept закрепляет заявку за врачом. Из нескольких одновременных
// попыток успешна ровно одна, остальные получают Conflict. Подписки
// врачей, смотревших ожидающую заявку, закрываются: дальше заявку видят
// только пациент и назначенный врач.
func (c *Coordinator) Accept(ctx context.Context, id string, actor lifecycle.Actor) (*models.Appointment, error) {
	a, err := c.transition(ctx, id, lifecycle.EventAccept, lifecycle.Input{Actor: actor})
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			middleware.AcceptConflictsTotal.Inc()
		}
		return nil, err
	}

	if c.hub != nil {
		if n := c.hub.Restrict(id, a.PatientID, actor.ID); n > 0 {
			c.log.Debug().Str("appointment_id", id).Int("revoked", n).Msg("закрыты подписки посторонних врачей")
		}
	}

	c.log.Info().Str("appointment_id", id).Str("doctor_id", actor.ID).Msg("заявка принята врачом")
	c.publish(ctx, events.AppointmentAccepted, a, nil)
	return a, nil
}

// StartRoute переводит заявку в en-route и открывает сессию отслеживания
func (c *Coordinator) StartRoute(ctx context.Context, id string, actor lifecycle.Actor, pos geo.Coordinate, ts time.Time) (*models.Appointment, error) {
	now := c.now()
	if ts.IsZero() {
		ts = now
	}

	a, err := c.store.Update(ctx, id, func(a *models.Appointment) error {
		if err := lifecycle.Apply(a, lifecycle.EventStartRoute, lifecycle.Input{Actor: actor, Position: &pos, At: now}); err != nil {
			return err
		}
		a.SetDoctorLocation(pos, ts)
		c.applyStraightLine(a, pos)
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.sessions.Start(a, pos, ts)
	c.updatePresence(ctx, actor.ID, pos, ts)

	c.log.Info().Str("appointment_id", id).Str("doctor_id", actor.ID).Msg("врач выехал к пациенту")
	c.publish(ctx, events.AppointmentEnRoute, a, nil)
	return a, nil
}

// applyStraightLine записывает оценку по прямой, если адрес визита известен
func (c *Coordinator) applyStraightLine(a *models.Appointment, pos geo.Coordinate) {
	dest := a.Destination()
	if dest == nil {
		return
	}
	d := geo.DistanceKm(pos, *dest)
	a.SetEstimate(d, geo.EstimateTravelMinutesAt(d, c.cfg.SpeedKmh), models.EtaSourceStraightLine)
}

// MarkArrived отмечает прибытие врача. Статус остается en-route.
func (c *Coordinator) MarkArrived(ctx context.Context, id string, actor lifecycle.Actor) (*models.Appointment, error) {
	a, err := c.transition(ctx, id, lifecycle.EventArrive, lifecycle.Input{Actor: actor})
	if err != nil {
		return nil, err
	}
	c.log.Info().Str("appointment_id", id).Msg("врач прибыл")
	c.publish(ctx, events.AppointmentArrived, a, nil)
	return a, nil
}

// Complete завершает визит и закрывает сессию отслеживания
func (c *Coordinator) Complete(ctx context.Context, id string, actor lifecycle.Actor) (*models.Appointment, error) {
	a, err := c.transition(ctx, id, lifecycle.EventComplete, lifecycle.Input{Actor: actor})
	if err != nil {
		return nil, err
	}
	c.sessions.Stop(id)
	c.log.Info().Str("appointment_id", id).Msg("визит завершен")
	c.publish(ctx, events.AppointmentCompleted, a, nil)
	return a, nil
}

// Cancel отменяет заявку по просьбе пациента (из pending или accepted)
func (c *Coordinator) Cancel(ctx context.Context, id string, actor lifecycle.Actor, reason string) (*models.Appointment, error) {
	a, err := c.transition(ctx, id, lifecycle.EventCancel, lifecycle.Input{Actor: actor, Reason: strings.TrimSpace(reason)})
	if err != nil {
		return nil, err
	}
	c.sessions.Stop(id)
	c.log.Info().Str("appointment_id", id).Str("reason", a.CancellationReason).Msg("заявка отменена")
	c.publish(ctx, events.AppointmentCancelled, a, nil)
	return a, nil
}

// LocationResult - итог приема координаты врача
type LocationResult struct {
	tracking.IngestResult
	Estimate *tracking.Estimate `json:"estimate,omitempty"`
	Version  int64              `json:"version"`
}

// ReportLocation принимает координату врача в пути. Координата старше уже
// сохраненной отбрасывается без ошибки.
func (c *Coordinator) ReportLocation(ctx context.Context, id string, actor lifecycle.Actor, pos geo.Coordinate, ts time.Time) (*LocationResult, error) {
	if !pos.Valid() {
		return nil, apperr.Invalid("некорректные координаты")
	}
	if ts.IsZero() {
		ts = c.now()
	}

	current, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !current.AssignedTo(actor.ID) || !actor.IsDoctor() {
		return nil, apperr.Conflict("заявка назначена другому врачу")
	}
	if current.Status != models.StatusEnRoute {
		return nil, apperr.Conflict("врач не в пути, статус заявки %s", current.Status)
	}

	session, err := c.sessions.Ensure(current)
	if err != nil {
		return nil, err
	}
	res, err := session.Ingest(pos, ts)
	if err != nil {
		return nil, err
	}
	if !res.Accepted {
		return c.locationResult(res, session, current.Version), nil
	}

	est, hasEstimate := session.Estimate()
	updated, err := c.store.Update(ctx, id, func(a *models.Appointment) error {
		if a.Status != models.StatusEnRoute {
			return apperr.Conflict("врач не в пути, статус заявки %s", a.Status)
		}
		if info, ok := a.Tracking(); ok && !ts.After(info.UpdatedAt) {
			return errSkip
		}
		a.SetDoctorLocation(pos, ts)
		if hasEstimate {
			a.SetEstimate(est.DistanceKm, est.EtaMinutes, est.Source)
		}
		return nil
	})
	if errors.Is(err, errSkip) {
		return c.locationResult(tracking.IngestResult{Reason: tracking.ReasonStale}, session, current.Version), nil
	}
	if err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			c.sessions.Stop(id)
		}
		return nil, err
	}

	c.updatePresence(ctx, actor.ID, pos, ts)
	c.publish(ctx, events.TrackingLocation, updated, c.trackingPayload(updated, session))

	return c.locationResult(res, session, updated.Version), nil
}

func (c *Coordinator) locationResult(res tracking.IngestResult, s *tracking.Session, version int64) *LocationResult {
	out := &LocationResult{IngestResult: res, Version: version}
	if est, ok := s.Estimate(); ok {
		out.Estimate = &est
	}
	return out
}

func (c *Coordinator) trackingPayload(a *models.Appointment, s *tracking.Session) interface{} {
	if est, ok := s.Estimate(); ok {
		return est
	}
	if info, ok := a.Tracking(); ok {
		return info
	}
	return nil
}

// onRouteEstimate сохраняет оценку, пришедшую от провайдера маршрутов
func (c *Coordinator) onRouteEstimate(id string, est tracking.Estimate) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updated, err := c.store.Update(ctx, id, func(a *models.Appointment) error {
		if a.Status != models.StatusEnRoute {
			return errSkip
		}
		if !a.SetEstimate(est.DistanceKm, est.EtaMinutes, est.Source) {
			return errSkip
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, errSkip) {
			c.log.Error().Err(err).Str("appointment_id", id).Msg("не удалось сохранить оценку маршрута")
		}
		return
	}
	c.publish(ctx, events.TrackingLocation, updated, est)
}

// TrackingView - текущее положение врача и оценка прибытия
type TrackingView struct {
	AppointmentID string                   `json:"appointment_id"`
	Status        models.AppointmentStatus `json:"status"`
	Version       int64                    `json:"version"`
	Estimate      tracking.Estimate        `json:"estimate"`
	HasEta        bool                     `json:"has_eta"`
}

// Tracking возвращает живую оценку для заявки в пути
func (c *Coordinator) Tracking(ctx context.Context, id string, actor lifecycle.Actor) (*TrackingView, error) {
	a, err := c.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if a.Status != models.StatusEnRoute {
		return nil, apperr.Conflict("врач не в пути, статус заявки %s", a.Status)
	}

	session, err := c.sessions.Ensure(a)
	if err != nil {
		return nil, err
	}
	est, ok := session.Estimate()
	return &TrackingView{
		AppointmentID: a.ID,
		Status:        a.Status,
		Version:       a.Version,
		Estimate:      est,
		HasEta:        ok,
	}, nil
}

// RankCandidates подбирает врачей для ожидающей заявки
func (c *Coordinator) RankCandidates(ctx context.Context, id string, actor lifecycle.Actor, limit int) ([]scoring.Ranked, error) {
	a, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsPatient() || a.PatientID != actor.ID {
		return nil, apperr.NotFound("заявка %s не найдена", id)
	}
	if a.Status != models.StatusPending {
		return nil, apperr.Conflict("подбор врачей доступен только для ожидающей заявки")
	}
	if limit <= 0 {
		limit = c.cfg.CandidateLimit
	}

	doctors, err := c.directory.Candidates(ctx, directory.Filter{Specialty: a.Specialty, City: a.City})
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(doctors))
	for i, d := range doctors {
		ids[i] = d.ID
	}
	statuses, err := c.presence.GetMany(ctx, ids)
	if err != nil {
		// без присутствия ранжируем как будто все не на связи
		c.log.Warn().Err(err).Msg("не удалось получить присутствие врачей")
		statuses = map[string]presence.Status{}
	}

	candidates := make([]scoring.Candidate, len(doctors))
	for i, d := range doctors {
		st := statuses[d.ID]
		candidates[i] = scoring.Candidate{
			DoctorID:          d.ID,
			Online:            st.Online,
			YearsOfExperience: d.YearsOfExperience,
			Verified:          d.Verified,
			Location:          st.Location,
			Specialty:         d.Specialty,
			City:              d.City,
			ConsultationPrice: d.ConsultationPrice,
		}
	}

	ranked := scoring.Rank(scoring.Request{Location: a.Destination()}, candidates)
	return scoring.Top(ranked, limit), nil
}

// SetOnline меняет доступность врача
func (c *Coordinator) SetOnline(ctx context.Context, actor lifecycle.Actor, online bool, at time.Time) (bool, error) {
	if !actor.IsDoctor() {
		return false, apperr.Conflict("статус доступности есть только у врача")
	}
	if at.IsZero() {
		at = c.now()
	}
	return c.presence.SetOnline(ctx, actor.ID, online, at)
}

// UpdatePresenceLocation сохраняет текущую координату свободного врача
func (c *Coordinator) UpdatePresenceLocation(ctx context.Context, actor lifecycle.Actor, pos geo.Coordinate, at time.Time) (bool, error) {
	if !actor.IsDoctor() {
		return false, apperr.Conflict("местоположение передает только врач")
	}
	if at.IsZero() {
		at = c.now()
	}
	return c.presence.UpdateLocation(ctx, actor.ID, pos, at)
}

func (c *Coordinator) updatePresence(ctx context.Context, doctorID string, pos geo.Coordinate, ts time.Time) {
	if _, err := c.presence.UpdateLocation(ctx, doctorID, pos, ts); err != nil {
		c.log.Warn().Err(err).Str("doctor_id", doctorID).Msg("не удалось обновить местоположение врача")
	}
}

func (c *Coordinator) publish(ctx context.Context, typ events.Type, a *models.Appointment, payload interface{}) {
	if c.publisher == nil {
		return
	}
	if payload == nil {
		payload = a.ToResponse()
	}
	ev := events.Event{
		Type:          typ,
		AppointmentID: a.ID,
		Version:       a.Version,
		Status:        a.Status,
		Payload:       payload,
		At:            c.now(),
	}
	if err := c.publisher.Publish(ctx, ev); err != nil {
		c.log.Error().Err(err).Str("appointment_id", a.ID).Str("type", string(typ)).Msg("ошибка публикации события")
	}
}

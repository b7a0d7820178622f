// Package events - поток изменений заявок. Подписчик получает события одной
// заявки строго в порядке публикации. Если подписчик не успевает читать и его
// буфер переполнен, подписка закрывается: клиент должен перечитать заявку
// по токену версии и подписаться заново.
package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"homecare-backend/internal/models"
)

type Type string

const (
	AppointmentCreated   Type = "appointment.created"
	AppointmentAccepted  Type = "appointment.accepted"
	AppointmentEnRoute   Type = "appointment.en_route"
	AppointmentArrived   Type = "appointment.arrived"
	AppointmentCompleted Type = "appointment.completed"
	AppointmentCancelled Type = "appointment.cancelled"
	TrackingLocation     Type = "tracking.location"
	TrackingStale        Type = "tracking.stale"
	TrackingResumed      Type = "tracking.resumed"
)

// PendingFeed - тема, в которую дублируются события, меняющие список ожидающих заявок
const PendingFeed = "feed:pending"

const DefaultBufferSize = 64

// Event - изменение заявки. Version совпадает с версией заявки после изменения
type Event struct {
	Type          Type                     `json:"type"`
	AppointmentID string                   `json:"appointment_id"`
	Version       int64                    `json:"version"`
	Status        models.AppointmentStatus `json:"status"`
	Payload       interface{}              `json:"payload,omitempty"`
	At            time.Time                `json:"at"`
}

// Publisher - получатель событий (хаб, брокер сообщений)
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

var droppedSubscribers = promauto.NewCounter(prometheus.CounterOpts{
	Name: "events_subscribers_dropped_total",
	Help: "Subscriptions closed because the consumer fell behind",
})

var (
	// ErrSlowConsumer - подписчик не успевал читать, нужно перечитать заявку
	ErrSlowConsumer = errors.New("подписчик не успевает читать события")
	// ErrAccessRevoked - подписчик больше не участник заявки
	ErrAccessRevoked = errors.New("доступ к заявке закрыт")
)

// Subscription - подписка на тему
type Subscription struct {
	topic      string
	subscriber string
	ch         chan Event
	hub        *Hub
	closed     bool
	err        error
}

// Events возвращает канал событий. Канал закрывается при Close,
// переполнении или отзыве доступа.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Topic() string {
	return s.topic
}

// Err возвращает причину закрытия подписки хабом. nil, пока подписка
// открыта или если ее закрыл сам подписчик.
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *Subscription) Close() {
	s.hub.remove(s, nil)
}

type topic struct {
	subs map[*Subscription]struct{}
	// last - версия последнего доставленного события заявки
	last int64
}

type Hub struct {
	mu         sync.Mutex
	topics     map[string]*topic
	bufferSize int
	log        zerolog.Logger
}

func NewHub(bufferSize int, log zerolog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		topics:     make(map[string]*topic),
		bufferSize: bufferSize,
		log:        log,
	}
}

// Subscribe подписывает пользователя subscriberID на события заявки
func (h *Hub) Subscribe(appointmentID, subscriberID string) *Subscription {
	return h.subscribe(appointmentID, subscriberID)
}

// SubscribePending подписывает на изменения списка ожидающих заявок
func (h *Hub) SubscribePending() *Subscription {
	return h.subscribe(PendingFeed, "")
}

func (h *Hub) subscribe(name, subscriberID string) *Subscription {
	sub := &Subscription{
		topic:      name,
		subscriber: subscriberID,
		ch:         make(chan Event, h.bufferSize),
		hub:        h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[name]
	if t == nil {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[name] = t
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Restrict закрывает подписки на заявку всех, кроме allowed. Возвращает
// число закрытых подписок.
func (h *Hub) Restrict(appointmentID string, allowed ...string) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := h.topics[appointmentID]
	if t == nil {
		return 0
	}
	revoked := 0
	for sub := range t.subs {
		if !contains(allowed, sub.subscriber) {
			h.removeLocked(sub, ErrAccessRevoked)
			revoked++
		}
	}
	return revoked
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// Publish рассылает событие подписчикам заявки. Никогда не блокируется.
// Событие заявки с версией не новее уже доставленной отбрасывается:
// публикации после записи в хранилище могут прийти не по порядку.
// События без версии (устаревание сессии) доставляются всегда.
func (h *Hub) Publish(ctx context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t := h.topics[ev.AppointmentID]; t != nil {
		if ev.Version > 0 && ev.Version <= t.last {
			h.log.Debug().
				Str("appointment_id", ev.AppointmentID).
				Int64("version", ev.Version).
				Int64("delivered", t.last).
				Msg("устаревшее событие пропущено")
		} else {
			if ev.Version > 0 {
				t.last = ev.Version
			}
			h.deliver(t, ev)
		}
	}
	if onPendingFeed(ev.Type) {
		if t := h.topics[PendingFeed]; t != nil {
			h.deliver(t, ev)
		}
	}
	return nil
}

func (h *Hub) deliver(t *topic, ev Event) {
	for sub := range t.subs {
		select {
		case sub.ch <- ev:
		default:
			h.log.Warn().
				Str("topic", sub.topic).
				Int64("version", ev.Version).
				Msg("подписчик не успевает читать события, подписка закрыта")
			droppedSubscribers.Inc()
			h.removeLocked(sub, ErrSlowConsumer)
		}
	}
}

// Subscribers возвращает число подписчиков темы
func (h *Hub) Subscribers(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t := h.topics[name]; t != nil {
		return len(t.subs)
	}
	return 0
}

func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(sub, reason)
}

func (h *Hub) removeLocked(sub *Subscription, reason error) {
	if sub.closed {
		return
	}
	sub.closed = true
	sub.err = reason
	if t, ok := h.topics[sub.topic]; ok {
		delete(t.subs, sub)
		if len(t.subs) == 0 {
			delete(h.topics, sub.topic)
		}
	}
	close(sub.ch)
}

func onPendingFeed(t Type) bool {
	switch t {
	case AppointmentCreated, AppointmentAccepted, AppointmentCancelled:
		return true
	}
	return false
}

// Fanout рассылает событие нескольким получателям. Ошибка одного не мешает остальным.
type Fanout struct {
	publishers []Publisher
	log        zerolog.Logger
}

func NewFanout(log zerolog.Logger, publishers ...Publisher) *Fanout {
	return &Fanout{publishers: publishers, log: log}
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	for _, p := range f.publishers {
		if err := p.Publish(ctx, ev); err != nil {
			f.log.Error().Err(err).
				Str("appointment_id", ev.AppointmentID).
				Str("type", string(ev.Type)).
				Msg("ошибка публикации события")
		}
	}
	return nil
}

// Package broker публикует события заявок в RabbitMQ для соседних сервисов
// (уведомления, аналитика). Ключ маршрутизации совпадает с типом события,
// например appointment.accepted.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"homecare-backend/internal/events"
)

const (
	DefaultExchange = "appointments_topic"
	reconnectDelay  = 3 * time.Second
)

var ErrClosed = errors.New("rabbitmq publisher closed")

type RabbitPublisher struct {
	url      string
	exchange string
	log      zerolog.Logger

	mu        sync.RWMutex
	conn      *amqp091.Connection
	ch        *amqp091.Channel
	connClose chan *amqp091.Error
	isClosed  atomic.Bool
}

func NewRabbitPublisher(url, exchange string, log zerolog.Logger) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	p := &RabbitPublisher{
		url:      url,
		exchange: exchange,
		log:      log.With().Str("component", "rabbitmq").Logger(),
	}

	if err := p.createChannel(); err != nil {
		return nil, fmt.Errorf("ошибка подключения к RabbitMQ: %w", err)
	}

	go p.reconnectConn()
	return p, nil
}

func (p *RabbitPublisher) createChannel() error {
	conn, err := amqp091.Dial(p.url)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return errors.Join(conn.Close(), err)
	}
	err = ch.ExchangeDeclare(
		p.exchange, // имя exchange
		"topic",    // тип
		true,       // durable
		false,      // auto-deleted
		false,      // internal
		false,      // no-wait
		nil,        // args
	)
	if err != nil {
		return errors.Join(conn.Close(), err)
	}

	connClose := make(chan *amqp091.Error, 1)
	conn.NotifyClose(connClose)

	p.mu.Lock()
	p.conn = conn
	p.ch = ch
	p.connClose = connClose
	p.mu.Unlock()
	return nil
}

func (p *RabbitPublisher) reconnectConn() {
	for {
		p.mu.RLock()
		connClose := p.connClose
		p.mu.RUnlock()

		<-connClose
		if p.isClosed.Load() {
			return
		}
		p.log.Warn().Msg("соединение с RabbitMQ потеряно")
		for {
			if p.isClosed.Load() {
				return
			}
			p.log.Info().Msg("переподключение к RabbitMQ")
			if err := p.createChannel(); err != nil {
				time.Sleep(reconnectDelay)
				continue
			}
			p.log.Info().Msg("подключение к RabbitMQ восстановлено")
			break
		}
	}
}

// Publish отправляет событие в exchange
func (p *RabbitPublisher) Publish(ctx context.Context, ev events.Event) error {
	if p.isClosed.Load() {
		return ErrClosed
	}

	key, msg, err := buildPublishing(ev)
	if err != nil {
		return err
	}

	p.mu.RLock()
	ch := p.ch
	p.mu.RUnlock()

	if err := ch.PublishWithContext(ctx, p.exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("ошибка публикации события %s: %w", key, err)
	}
	return nil
}

func buildPublishing(ev events.Event) (string, amqp091.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return "", amqp091.Publishing{}, fmt.Errorf("ошибка сериализации события: %w", err)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	return string(ev.Type), amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    fmt.Sprintf("%s:%d:%s", ev.AppointmentID, ev.Version, ev.Type),
		Timestamp:    at,
		Body:         body,
	}, nil
}

func (p *RabbitPublisher) Close() error {
	p.isClosed.Store(true)
	defer p.log.Info().Msg("rabbit closed")

	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.conn.Close()
}

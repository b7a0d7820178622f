// Package websocket отдает клиентам поток изменений заявки.
//
// Пациент и назначенный врач подключаются с ?appointment_id=..., врач без
// параметра получает ленту ожидающих заявок. Первым сообщением приходит
// снимок заявки с версией, дальше события хаба по порядку. Если клиент
// не успевает читать, соединение закрывается с кодом 4000: нужно
// перечитать заявку и подключиться снова. Врач, смотревший ожидающую
// заявку, отключается с кодом 4003, когда ее принимает другой врач.
package websocket

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"homecare-backend/internal/dispatch"
	"homecare-backend/internal/events"
	"homecare-backend/internal/handlers"
	"homecare-backend/internal/middleware"
	"homecare-backend/internal/models"
)

// Типы сообщений, которые не являются событиями хаба
const (
	SnapshotType = "snapshot"
	PongType     = "pong"
)

const (
	// CloseResubscribe - подписка закрыта из-за переполнения буфера
	CloseResubscribe = 4000
	// CloseAccessRevoked - заявку принял другой врач
	CloseAccessRevoked = 4003
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1024
)

var activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "websocket_connections_active",
	Help: "Текущее количество WebSocket подключений",
})

// Message - служебное сообщение клиенту
type Message struct {
	Type    string      `json:"type"`
	Version int64       `json:"version,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Time    int64       `json:"time,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Разрешаем подключения с любых источников
	},
}

type client struct {
	id   string
	conn *websocket.Conn
	sub  *events.Subscription
	send chan interface{}
	done chan struct{}
	log  zerolog.Logger
}

// Handler подключает клиента к потоку изменений. Должен стоять после JWTAuth.
func Handler(d *dispatch.Coordinator, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := middleware.CurrentActor(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Требуется авторизация"})
			return
		}

		var (
			sub      *events.Subscription
			snapshot *Message
			err      error
		)
		appointmentID := c.Query("appointment_id")
		if appointmentID != "" {
			var a *models.Appointment
			sub, a, err = d.Subscribe(c.Request.Context(), appointmentID, actor)
			if err == nil {
				snapshot = &Message{Type: SnapshotType, Version: a.Version, Payload: a.ToResponse()}
			}
		} else if actor.IsDoctor() {
			sub, err = d.SubscribePending(actor)
		} else {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Не указан appointment_id"})
			return
		}
		if err != nil {
			handlers.RespondError(c, err)
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			sub.Close()
			log.Warn().Err(err).Msg("ошибка обновления соединения до WebSocket")
			return
		}

		cl := &client{
			id:   uuid.New().String(),
			conn: conn,
			sub:  sub,
			send: make(chan interface{}, 8),
			done: make(chan struct{}),
			log: log.With().
				Str("component", "websocket").
				Str("user_id", actor.ID).
				Str("topic", sub.Topic()).
				Logger(),
		}
		cl.log.Info().Str("client_id", cl.id).Msg("клиент подключен")
		activeConnections.Inc()

		go cl.writePump(snapshot)
		cl.readPump()
	}
}

// readPump читает сообщения клиента: ping от приложения и контрольные pong
func (cl *client) readPump() {
	defer close(cl.done)

	cl.conn.SetReadLimit(maxMessage)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				cl.log.Debug().Err(err).Msg("соединение прервано")
			}
			return
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == "ping" {
			select {
			case cl.send <- Message{Type: PongType, Time: time.Now().Unix()}:
			default:
			}
		}
	}
}

// writePump - единственный писатель в соединение. Снимок уходит первым.
func (cl *client) writePump(snapshot *Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.sub.Close()
		cl.conn.Close()
		activeConnections.Dec()
		cl.log.Info().Str("client_id", cl.id).Msg("клиент отключен")
	}()

	if snapshot != nil {
		if err := cl.write(snapshot); err != nil {
			return
		}
	}

	for {
		select {
		case msg := <-cl.send:
			if err := cl.write(msg); err != nil {
				return
			}

		case ev, ok := <-cl.sub.Events():
			if !ok {
				cl.closeWith(cl.sub.Err())
				return
			}
			if err := cl.write(ev); err != nil {
				return
			}

		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-cl.done:
			return
		}
	}
}

func (cl *client) closeWith(reason error) {
	msg := websocket.FormatCloseMessage(CloseResubscribe, "resubscribe")
	if errors.Is(reason, events.ErrAccessRevoked) {
		msg = websocket.FormatCloseMessage(CloseAccessRevoked, "access revoked")
	}
	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = cl.conn.WriteMessage(websocket.CloseMessage, msg)
}

func (cl *client) write(v interface{}) error {
	_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cl.conn.WriteJSON(v); err != nil {
		cl.log.Debug().Err(err).Msg("ошибка при отправке сообщения")
		return err
	}
	return nil
}

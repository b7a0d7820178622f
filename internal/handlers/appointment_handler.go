package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/dispatch"
	"homecare-backend/internal/geo"
	"homecare-backend/internal/models"
	"homecare-backend/internal/store"
)

type createAppointmentRequest struct {
	Description  string         `json:"description" binding:"required"`
	Address      string         `json:"address"`
	City         string         `json:"city"`
	Latitude     *float64       `json:"latitude"`
	Longitude    *float64       `json:"longitude"`
	Specialty    string         `json:"specialty"`
	Urgency      models.Urgency `json:"urgency"`
	ContactPhone string         `json:"contact_phone"`
	Notes        string         `json:"notes"`
}

type positionRequest struct {
	Latitude  *float64   `json:"latitude" binding:"required"`
	Longitude *float64   `json:"longitude" binding:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

func (r positionRequest) position() (geo.Coordinate, time.Time) {
	var ts time.Time
	if r.Timestamp != nil {
		ts = r.Timestamp.UTC()
	}
	return geo.Coordinate{Lat: *r.Latitude, Lng: *r.Longitude}, ts
}

// startRequest - координата при выезде. Поля необязательны для привязки,
// отсутствие координаты проверяется отдельно.
type startRequest struct {
	Latitude  *float64   `json:"latitude"`
	Longitude *float64   `json:"longitude"`
	Timestamp *time.Time `json:"timestamp"`
}

func (r startRequest) position() (geo.Coordinate, time.Time) {
	return positionRequest(r).position()
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func toResponses(list []*models.Appointment) []models.AppointmentResponse {
	resp := make([]models.AppointmentResponse, 0, len(list))
	for _, a := range list {
		resp = append(resp, a.ToResponse())
	}
	return resp
}

// AppointmentCreate создает заявку на визит от имени пациента
func AppointmentCreate(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}

		var req createAppointmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат запроса"})
			return
		}

		in := dispatch.RequestInput{
			Description:  req.Description,
			Address:      req.Address,
			City:         req.City,
			Specialty:    req.Specialty,
			Urgency:      req.Urgency,
			ContactPhone: req.ContactPhone,
			Notes:        req.Notes,
		}
		switch {
		case req.Latitude != nil && req.Longitude != nil:
			in.Location = &geo.Coordinate{Lat: *req.Latitude, Lng: *req.Longitude}
		case req.Latitude != nil || req.Longitude != nil:
			RespondError(c, apperr.Invalid("нужно указать и широту, и долготу"))
			return
		}

		a, err := d.CreateRequest(c.Request.Context(), actor, in)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, a.ToResponse())
	}
}

// AppointmentListPending - лента ожидающих заявок для врачей
func AppointmentListPending(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryInt(c, "limit")
		if err != nil {
			RespondError(c, err)
			return
		}
		filter := store.PendingFilter{
			Specialty: c.Query("specialty"),
			City:      c.Query("city"),
			Urgency:   models.Urgency(c.Query("urgency")),
			Limit:     limit,
		}

		list, err := d.ListPending(c.Request.Context(), filter)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toResponses(list))
	}
}

// AppointmentGet возвращает заявку. С since_version отвечает 304, если
// заявка не менялась после этой версии.
func AppointmentGet(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		id := c.Param("id")

		if raw := c.Query("since_version"); raw != "" {
			since, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || since < 0 {
				RespondError(c, apperr.Invalid("некорректный параметр since_version"))
				return
			}
			a, changed, err := d.GetIfNewer(c.Request.Context(), id, actor, since)
			if err != nil {
				RespondError(c, err)
				return
			}
			if !changed {
				c.Status(http.StatusNotModified)
				return
			}
			c.JSON(http.StatusOK, a.ToResponse())
			return
		}

		a, err := d.Get(c.Request.Context(), id, actor)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, a.ToResponse())
	}
}

func AppointmentAccept(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		a, err := d.Accept(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, a.ToResponse())
	}
}

// AppointmentStart - врач выезжает, в теле его текущая координата
func AppointmentStart(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		var req startRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат данных"})
			return
		}
		// без координаты выезд невозможен: это невыполненное предусловие, а не ошибка формата
		if req.Latitude == nil || req.Longitude == nil {
			RespondError(c, apperr.Conflict("местоположение врача неизвестно"))
			return
		}

		pos, ts := req.position()
		a, err := d.StartRoute(c.Request.Context(), c.Param("id"), actor, pos, ts)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, a.ToResponse())
	}
}

func AppointmentArrive(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		a, err := d.MarkArrived(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, a.ToResponse())
	}
}

func AppointmentComplete(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		a, err := d.Complete(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, a.ToResponse())
	}
}

// AppointmentCancel - отмена пациентом. Тело с причиной необязательно.
func AppointmentCancel(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		var req cancelRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Неверный формат запроса"})
				return
			}
		}

		a, err := d.Cancel(c.Request.Context(), c.Param("id"), actor, req.Reason)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, a.ToResponse())
	}
}

// AppointmentCandidates - подходящие врачи для ожидающей заявки, лучшие первыми
func AppointmentCandidates(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		limit, err := queryInt(c, "limit")
		if err != nil {
			RespondError(c, err)
			return
		}

		ranked, err := d.RankCandidates(c.Request.Context(), c.Param("id"), actor, limit)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, ranked)
	}
}

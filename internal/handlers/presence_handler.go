package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"homecare-backend/internal/dispatch"
)

type presenceRequest struct {
	Online    *bool      `json:"online" binding:"required"`
	Timestamp *time.Time `json:"timestamp"`
}

// DoctorPresenceUpdate включает и выключает прием заявок врачом
func DoctorPresenceUpdate(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		var req presenceRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Не указан статус online"})
			return
		}
		var at time.Time
		if req.Timestamp != nil {
			at = req.Timestamp.UTC()
		}

		applied, err := d.SetOnline(c.Request.Context(), actor, *req.Online, at)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"online": *req.Online, "applied": applied})
	}
}

// DoctorLocationUpdate сохраняет координату свободного врача для подбора
func DoctorLocationUpdate(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		var req positionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Не указаны координаты"})
			return
		}

		pos, ts := req.position()
		applied, err := d.UpdatePresenceLocation(c.Request.Context(), actor, pos, ts)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"applied": applied})
	}
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"homecare-backend/internal/dispatch"
)

// TrackingUpdate принимает координату врача в пути. Устаревшая координата
// не ошибка: ответ 200 с accepted=false.
func TrackingUpdate(d *dispatch.Coordinator) gin.HandlerFunc {
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
		res, err := d.ReportLocation(c.Request.Context(), c.Param("id"), actor, pos, ts)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

// TrackingGet возвращает положение врача и оценку прибытия
func TrackingGet(d *dispatch.Coordinator) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := currentActor(c)
		if !ok {
			return
		}
		view, err := d.Tracking(c.Request.Context(), c.Param("id"), actor)
		if err != nil {
			RespondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	}
}

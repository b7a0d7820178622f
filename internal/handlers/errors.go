package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/lifecycle"
	"homecare-backend/internal/middleware"
)

// RespondError переводит ошибку ядра в HTTP ответ. Внутренние ошибки
// уходят в лог через c.Error, клиент видит общее сообщение.
func RespondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "Внутренняя ошибка сервера"})
		return
	}
	c.JSON(status, gin.H{"error": apperr.Message(err)})
}

func currentActor(c *gin.Context) (lifecycle.Actor, bool) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Требуется авторизация"})
	}
	return actor, ok
}

// queryInt читает необязательный целый параметр
func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, apperr.Invalid("некорректный параметр %s", name)
	}
	return v, nil
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"homecare-backend/internal/lifecycle"
	"homecare-backend/internal/models"
	"homecare-backend/internal/utils"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

// JWTAuth проверяет Bearer токен и кладет user_id и role в контекст.
// Для websocket токен можно передать параметром token, браузер не умеет
// ставить заголовки при подключении.
func JWTAuth(secret string, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Отсутствует токен авторизации"})
			return
		}

		claims, err := utils.ValidateToken(secret, tokenString)
		if err != nil {
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Msg("недействительный токен")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Недействительный токен"})
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, claims.Role)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		if t := c.Query("token"); t != "" {
			return t, true
		}
		return "", false
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// CurrentActor возвращает пользователя, проверенного JWTAuth
func CurrentActor(c *gin.Context) (lifecycle.Actor, bool) {
	id := c.GetString(ctxUserID)
	role, _ := c.Get(ctxRole)
	r, ok := role.(models.Role)
	if id == "" || !ok {
		return lifecycle.Actor{}, false
	}
	return lifecycle.Actor{ID: id, Role: r}, true
}

// RequireRole пропускает только пользователей с одной из ролей
func RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := CurrentActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Требуется авторизация"})
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Недостаточно прав"})
	}
}

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"homecare-backend/internal/dispatch"
	"homecare-backend/internal/handlers"
	"homecare-backend/internal/middleware"
	"homecare-backend/internal/models"
)

func SetupRoutes(api *gin.RouterGroup, d *dispatch.Coordinator, jwtSecret string, log zerolog.Logger) {
	// Все маршруты требуют аутентификации
	protected := api.Group("")
	protected.Use(middleware.JWTAuth(jwtSecret, log))

	patient := middleware.RequireRole(models.RolePatient)
	doctor := middleware.RequireRole(models.RoleDoctor)

	// Роуты для заявок
	appointments := protected.Group("/appointments")
	{
		appointments.POST("", patient, handlers.AppointmentCreate(d))
		appointments.GET("/pending", doctor, handlers.AppointmentListPending(d))
		appointments.GET("/:id", handlers.AppointmentGet(d))
		appointments.GET("/:id/candidates", patient, handlers.AppointmentCandidates(d))

		// Переходы статуса без фильтра по роли: чужой пользователь получает 409
		appointments.PUT("/:id/accept", handlers.AppointmentAccept(d))
		appointments.PUT("/:id/start", handlers.AppointmentStart(d))
		appointments.PUT("/:id/arrive", handlers.AppointmentArrive(d))
		appointments.PUT("/:id/complete", handlers.AppointmentComplete(d))
		appointments.PUT("/:id/cancel", handlers.AppointmentCancel(d))

		// Роуты для отслеживания врача в пути
		appointments.PUT("/:id/tracking", doctor, handlers.TrackingUpdate(d))
		appointments.GET("/:id/tracking", handlers.TrackingGet(d))
	}

	// Роуты для врачей
	doctors := protected.Group("/doctors", doctor)
	{
		doctors.PUT("/presence", handlers.DoctorPresenceUpdate(d))
		doctors.PUT("/location", handlers.DoctorLocationUpdate(d))
	}
}

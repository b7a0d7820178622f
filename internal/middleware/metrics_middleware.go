package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal - общее количество запросов
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Общее количество HTTP запросов",
		},
		[]string{"method", "endpoint", "status"},
	)

	// RequestDuration - длительность запросов
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Длительность HTTP запросов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	RequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Текущее количество запросов в обработке",
		},
	)

	// RoutingRequestsTotal - запросы к провайдеру маршрутов и геокодирования
	RoutingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routing_provider_requests_total",
			Help: "Количество запросов к провайдеру маршрутов и геокодирования",
		},
		[]string{"endpoint", "status", "cached"},
	)

	RoutingRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "routing_provider_request_duration_seconds",
			Help:    "Длительность запросов к провайдеру маршрутов в секундах",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "cached"},
	)

	// AcceptConflictsTotal - проигранные гонки за принятие заявки
	AcceptConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "appointment_accept_conflicts_total",
			Help: "Количество отказов при принятии уже занятой заявки",
		},
	)
)

// PrometheusMiddleware собирает метрики для HTTP запросов
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		RequestsInFlight.Inc()
		defer RequestsInFlight.Dec()

		start := time.Now()
		c.Next()
		duration := time.Since(start).Seconds()

		status := strconv.Itoa(c.Writer.Status())
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}

		RequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
		RequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(duration)
	}
}

// TrackRoutingRequest отслеживает запрос к провайдеру маршрутов
func TrackRoutingRequest(endpoint string, status string, cached bool, duration time.Duration) {
	cachedStr := strconv.FormatBool(cached)
	RoutingRequestsTotal.WithLabelValues(endpoint, status, cachedStr).Inc()
	RoutingRequestDuration.WithLabelValues(endpoint, cachedStr).Observe(duration.Seconds())
}

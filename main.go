package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"homecare-backend/internal/broker"
	"homecare-backend/internal/config"
	"homecare-backend/internal/db"
	"homecare-backend/internal/directory"
	"homecare-backend/internal/dispatch"
	"homecare-backend/internal/events"
	"homecare-backend/internal/logger"
	"homecare-backend/internal/middleware"
	"homecare-backend/internal/presence"
	"homecare-backend/internal/routes"
	"homecare-backend/internal/services/mapbox"
	"homecare-backend/internal/store"
	"homecare-backend/internal/tracking"
	"homecare-backend/internal/websocket"
)

// presenceTTL - запись о враче без обновлений дольше этого срока исчезает
const presenceTTL = 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := logger.New("json", "info")
		bootLog.Fatal().Err(err).Msg("ошибка загрузки конфигурации")
	}
	log := logger.New(cfg.LogFormat, cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("некорректная конфигурация")
	}

	// Устанавливаем режим релиза для продакшена
	if cfg.IsRelease() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appointments, doctors := connectStore(cfg, log)

	// Подключение к Redis. Без него работаем с присутствием в памяти и без кэша.
	redisClient, err := db.NewRedisClient(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Redis недоступен, продолжаем без кэширования")
		redisClient = nil
	} else {
		log.Info().Str("addr", cfg.RedisAddr()).Msg("успешное подключение к Redis")
		defer redisClient.Close()
	}

	presenceService := newPresence(cfg, redisClient, log)

	var (
		router   tracking.Router
		geocoder dispatch.Geocoder
	)
	if cfg.MapboxAccessToken != "" {
		var cache *mapbox.CacheService
		if cfg.CacheEnabled {
			cache = mapbox.NewCacheService(redisClient, cfg.RouteCacheTTL)
		}
		client := mapbox.NewClient(mapbox.Options{
			AccessToken:   cfg.MapboxAccessToken,
			BaseURL:       cfg.MapboxBaseURL,
			DailyLimit:    cfg.RoutingDailyLimit,
			RatePerSecond: cfg.RoutingRatePerSecond,
			Timeout:       cfg.RouteFetchTimeout,
		}, cache, log)
		defer client.Close()
		router = client
		geocoder = client
	} else {
		log.Warn().Msg("MAPBOX_ACCESS_TOKEN не задан, ETA считается по прямой")
	}

	hub := events.NewHub(events.DefaultBufferSize, log)
	var publisher events.Publisher = hub
	if cfg.RabbitMQURL != "" {
		rabbit, err := broker.NewRabbitPublisher(cfg.RabbitMQURL, cfg.RabbitMQExchange, log)
		if err != nil {
			log.Warn().Err(err).Msg("RabbitMQ недоступен, события только внутри сервиса")
		} else {
			defer rabbit.Close()
			publisher = events.NewFanout(log, hub, rabbit)
		}
	}

	sessions := tracking.NewManager(tracking.Config{
		StaleAfter:    cfg.TrackingStaleAfter,
		RouteDebounce: cfg.TrackingRouteDebounce,
		RouteTimeout:  cfg.RouteFetchTimeout,
		SweepInterval: cfg.TrackingSweepInterval,
		SpeedKmh:      cfg.AverageSpeedKmh,
	}, router, publisher, log)
	go sessions.Run(ctx)

	coordinator := dispatch.New(dispatch.Deps{
		Store:     appointments,
		Sessions:  sessions,
		Presence:  presenceService,
		Directory: doctors,
		Geocoder:  geocoder,
		Hub:       hub,
		Publisher: publisher,
	}, dispatch.Config{
		GeocodeTimeout: cfg.GeocodeTimeout,
		SpeedKmh:       cfg.AverageSpeedKmh,
	}, log)

	// Создаем Gin роутер
	r := gin.New()
	r.Use(middleware.RequestLogger(log))
	r.Use(gin.Recovery())
	r.Use(middleware.PrometheusMiddleware())

	// Настройка доверенных прокси
	if err := r.SetTrustedProxies([]string{"127.0.0.1"}); err != nil {
		log.Warn().Err(err).Msg("ошибка настройки доверенных прокси")
	}

	r.Use(cors.New(corsConfig(cfg.CORSOrigins)))

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":            "ok",
			"time":              time.Now().Format(time.RFC3339),
			"tracking_sessions": sessions.Active(),
		})
	})

	api := r.Group("/api")
	routes.SetupRoutes(api, coordinator, cfg.JWTSecret, log)

	// WebSocket маршрут вне группы /api для совместимости с клиентом
	r.GET("/ws", middleware.JWTAuth(cfg.JWTSecret, log), websocket.Handler(coordinator, log))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Msg("сервер запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ошибка запуска сервера")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("получен сигнал завершения, закрываем соединения")

	// Даем 30 секунд на завершение текущих запросов
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ошибка при graceful shutdown")
	}
	log.Info().Msg("сервер корректно завершил работу")
}

func connectStore(cfg *config.Config, log zerolog.Logger) (store.AppointmentStore, directory.Directory) {
	if cfg.StoreDriver == config.DriverMemory {
		log.Warn().Msg("STORE_DRIVER=memory, данные не сохраняются между перезапусками")
		return store.NewMemoryStore(), directory.NewMemoryDirectory()
	}

	gormDB, err := db.ConnectPostgres(cfg, 5, 5*time.Second, log)
	if err != nil {
		log.Fatal().Err(err).Msg("ошибка подключения к базе данных")
	}
	if err := db.Migrate(gormDB); err != nil {
		log.Fatal().Err(err).Msg("ошибка миграции базы данных")
	}
	return store.NewGormStore(gormDB), directory.NewGormDirectory(gormDB)
}

func newPresence(cfg *config.Config, client *redis.Client, log zerolog.Logger) presence.Service {
	if cfg.PresenceDriver == config.DriverRedis && client != nil {
		return presence.NewRedisService(client, presenceTTL)
	}
	if cfg.PresenceDriver == config.DriverRedis {
		log.Warn().Msg("присутствие врачей хранится в памяти процесса")
	}
	return presence.NewMemoryService()
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		// с AllowCredentials cors запрещает "*", разрешаем любой источник явно
		c.AllowOriginFunc = func(string) bool { return true }
	} else {
		c.AllowOrigins = origins
	}
	return c
}

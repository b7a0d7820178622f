// Package config читает настройки сервиса из .env и переменных окружения.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Config struct {
	Port      string `mapstructure:"PORT"`
	GinMode   string `mapstructure:"GIN_MODE"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
	LogLevel  string `mapstructure:"LOG_LEVEL"`

	StoreDriver             string `mapstructure:"STORE_DRIVER"`
	DBHost                  string `mapstructure:"DB_HOST"`
	DBPort                  string `mapstructure:"DB_PORT"`
	DBUser                  string `mapstructure:"DB_USER"`
	DBPassword              string `mapstructure:"DB_PASSWORD"`
	DBName                  string `mapstructure:"DB_NAME"`
	DBSSLMode               string `mapstructure:"DB_SSLMODE"`
	DBMaxOpenConns          int    `mapstructure:"DB_MAX_OPEN_CONNS"`
	DBMaxIdleConns          int    `mapstructure:"DB_MAX_IDLE_CONNS"`
	DBConnMaxLifetimeMinute int    `mapstructure:"DB_CONN_MAX_LIFETIME_MINUTES"`

	RedisHost      string        `mapstructure:"REDIS_HOST"`
	RedisPort      string        `mapstructure:"REDIS_PORT"`
	RedisPassword  string        `mapstructure:"REDIS_PASSWORD"`
	CacheEnabled   bool          `mapstructure:"CACHE_ENABLED"`
	RouteCacheTTL  time.Duration `mapstructure:"ROUTE_CACHE_TTL"`
	PresenceDriver string        `mapstructure:"PRESENCE_DRIVER"`

	MapboxAccessToken    string `mapstructure:"MAPBOX_ACCESS_TOKEN"`
	MapboxBaseURL        string `mapstructure:"MAPBOX_BASE_URL"`
	RoutingDailyLimit    int    `mapstructure:"ROUTING_DAILY_LIMIT"`
	RoutingRatePerSecond int    `mapstructure:"ROUTING_RATE_PER_SECOND"`

	JWTSecret string        `mapstructure:"JWT_SECRET"`
	JWTTTL    time.Duration `mapstructure:"JWT_TTL"`

	RabbitMQURL      string `mapstructure:"RABBITMQ_URL"`
	RabbitMQExchange string `mapstructure:"RABBITMQ_EXCHANGE"`

	TrackingStaleAfter    time.Duration `mapstructure:"TRACKING_STALE_AFTER"`
	TrackingSweepInterval time.Duration `mapstructure:"TRACKING_SWEEP_INTERVAL"`
	TrackingRouteDebounce time.Duration `mapstructure:"TRACKING_ROUTE_DEBOUNCE"`
	RouteFetchTimeout     time.Duration `mapstructure:"ROUTE_FETCH_TIMEOUT"`
	GeocodeTimeout        time.Duration `mapstructure:"GEOCODE_TIMEOUT"`
	AverageSpeedKmh       float64       `mapstructure:"AVERAGE_SPEED_KMH"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

var defaults = map[string]interface{}{
	"PORT":                         "8080",
	"GIN_MODE":                     "debug",
	"LOG_FORMAT":                   "json",
	"LOG_LEVEL":                    "info",
	"STORE_DRIVER":                 DriverPostgres,
	"DB_HOST":                      "localhost",
	"DB_PORT":                      "5432",
	"DB_USER":                      "",
	"DB_PASSWORD":                  "",
	"DB_NAME":                      "",
	"DB_SSLMODE":                   "disable",
	"DB_MAX_OPEN_CONNS":            100,
	"DB_MAX_IDLE_CONNS":            25,
	"DB_CONN_MAX_LIFETIME_MINUTES": 60,
	"REDIS_HOST":                   "localhost",
	"REDIS_PORT":                   "6379",
	"REDIS_PASSWORD":               "",
	"CACHE_ENABLED":                true,
	"ROUTE_CACHE_TTL":              10 * time.Minute,
	"PRESENCE_DRIVER":              DriverRedis,
	"MAPBOX_ACCESS_TOKEN":          "",
	"MAPBOX_BASE_URL":              "https://api.mapbox.com",
	"ROUTING_DAILY_LIMIT":          5000,
	"ROUTING_RATE_PER_SECOND":      5,
	"JWT_SECRET":                   "",
	"JWT_TTL":                      24 * time.Hour,
	"RABBITMQ_URL":                 "",
	"RABBITMQ_EXCHANGE":            "appointments_topic",
	"TRACKING_STALE_AFTER":         60 * time.Second,
	"TRACKING_SWEEP_INTERVAL":      10 * time.Second,
	"TRACKING_ROUTE_DEBOUNCE":      2 * time.Second,
	"ROUTE_FETCH_TIMEOUT":          5 * time.Second,
	"GEOCODE_TIMEOUT":              3 * time.Second,
	"AVERAGE_SPEED_KMH":            30.0,
	"CORS_ORIGINS":                 "*",
}

// Load читает .env (если есть) и переменные окружения
func Load(envFiles ...string) (*Config, error) {
	// .env необязателен, в контейнере настройки приходят через окружение
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("ошибка чтения конфигурации: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.PresenceDriver = strings.ToLower(strings.TrimSpace(cfg.PresenceDriver))
	return cfg, nil
}

func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate проверяет, что с такими настройками можно стартовать
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET не задан"))
	}

	switch c.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if c.DBUser == "" || c.DBName == "" {
			errs = append(errs, errors.New("для STORE_DRIVER=postgres нужны DB_USER и DB_NAME"))
		}
	default:
		errs = append(errs, fmt.Errorf("неизвестный STORE_DRIVER %q", c.StoreDriver))
	}

	switch c.PresenceDriver {
	case DriverMemory, DriverRedis:
	default:
		errs = append(errs, fmt.Errorf("неизвестный PRESENCE_DRIVER %q", c.PresenceDriver))
	}

	for name, d := range map[string]time.Duration{
		"JWT_TTL":                 c.JWTTTL,
		"TRACKING_STALE_AFTER":    c.TrackingStaleAfter,
		"TRACKING_SWEEP_INTERVAL": c.TrackingSweepInterval,
		"ROUTE_FETCH_TIMEOUT":     c.RouteFetchTimeout,
		"GEOCODE_TIMEOUT":         c.GeocodeTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s должен быть положительным", name))
		}
	}
	if c.TrackingRouteDebounce < 0 {
		errs = append(errs, errors.New("TRACKING_ROUTE_DEBOUNCE не может быть отрицательным"))
	}
	if c.AverageSpeedKmh <= 0 {
		errs = append(errs, errors.New("AVERAGE_SPEED_KMH должен быть положительным"))
	}

	return errors.Join(errs...)
}

// DSN строка подключения к postgres
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

func (c *Config) IsRelease() bool {
	return c.GinMode == "release"
}

package mapbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
)

// CacheService кэширует ответы провайдера в redis. Без клиента кэш выключен.
type CacheService struct {
	redisClient *redis.Client
	ttl         time.Duration
	enabled     bool
}

// NewCacheService создает сервис кэширования
func NewCacheService(client *redis.Client, ttl time.Duration) *CacheService {
	if client == nil {
		return &CacheService{enabled: false}
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CacheService{
		redisClient: client,
		ttl:         ttl,
		enabled:     true,
	}
}

// Get получает данные из кэша
func (c *CacheService) Get(ctx context.Context, key string, result interface{}) (bool, error) {
	if !c.enabled {
		return false, nil
	}

	val, err := c.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("ошибка при получении данных из кэша: %w", err)
	}

	if err := json.Unmarshal([]byte(val), result); err != nil {
		return false, fmt.Errorf("ошибка при десериализации данных из кэша: %w", err)
	}

	return true, nil
}

// Set сохраняет данные в кэш
func (c *CacheService) Set(ctx context.Context, key string, value interface{}) error {
	if !c.enabled {
		return nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("ошибка при сериализации данных для кэша: %w", err)
	}

	if err := c.redisClient.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("ошибка при сохранении данных в кэш: %w", err)
	}

	return nil
}

// RouteKey - ключ маршрута. Координаты округляются примерно до метра.
func (c *CacheService) RouteKey(startLat, startLng, endLat, endLng float64) string {
	return fmt.Sprintf("mapbox:route:%.5f:%.5f:%.5f:%.5f", startLat, startLng, endLat, endLng)
}

func (c *CacheService) GeocodingKey(query string) string {
	return "mapbox:geocoding:" + strings.ToLower(strings.TrimSpace(query))
}

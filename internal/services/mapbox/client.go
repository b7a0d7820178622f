// Package mapbox - клиент Directions и Geocoding API Mapbox.
package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/geo"
	"homecare-backend/internal/middleware"
	"homecare-backend/internal/models"
)

const (
	DefaultBaseURL    = "https://api.mapbox.com"
	defaultDailyLimit = 5000
	defaultRate       = 5
	providerName      = "mapbox"
)

var ErrNoResults = errors.New("ничего не найдено")

type Options struct {
	AccessToken   string
	BaseURL       string
	DailyLimit    int
	RatePerSecond int
	Timeout       time.Duration
}

// Client представляет клиент для работы с API Mapbox
type Client struct {
	accessToken   string
	baseURL       string
	httpClient    *http.Client
	cacheService  *CacheService
	rateLimiter   *time.Ticker
	log           zerolog.Logger
	requestsMutex sync.Mutex
	requestsCount int
	requestsLimit int
	resetTime     time.Time
}

// DirectionsResponse - ответ Directions API
type DirectionsResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
	Routes  []struct {
		Distance float64 `json:"distance"` // метры
		Duration float64 `json:"duration"` // секунды
		Geometry struct {
			Coordinates [][]float64 `json:"coordinates"` // [lng, lat]
		} `json:"geometry"`
	} `json:"routes"`
}

// GeocodingResponse - ответ Geocoding API
type GeocodingResponse struct {
	Features []struct {
		PlaceName string    `json:"place_name"`
		Relevance float64   `json:"relevance"`
		Center    []float64 `json:"center"` // [lng, lat]
	} `json:"features"`
}

// NewClient создает новый клиент для работы с API Mapbox
func NewClient(opts Options, cache *CacheService, log zerolog.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.DailyLimit <= 0 {
		opts.DailyLimit = defaultDailyLimit
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = defaultRate
	}
	if opts.RatePerSecond > 1000 {
		opts.RatePerSecond = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if cache == nil {
		cache = NewCacheService(nil, 0)
	}

	return &Client{
		accessToken:   opts.AccessToken,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		httpClient:    &http.Client{Timeout: opts.Timeout},
		cacheService:  cache,
		rateLimiter:   time.NewTicker(time.Second / time.Duration(opts.RatePerSecond)),
		log:           log.With().Str("component", providerName).Logger(),
		requestsLimit: opts.DailyLimit,
		resetTime:     time.Now().Add(24 * time.Hour),
	}
}

// checkRateLimit проверяет дневной лимит и ждет своей очереди
func (c *Client) checkRateLimit(ctx context.Context) error {
	c.requestsMutex.Lock()
	if time.Now().After(c.resetTime) {
		c.requestsCount = 0
		c.resetTime = time.Now().Add(24 * time.Hour)
	}
	if c.requestsCount >= c.requestsLimit {
		c.requestsMutex.Unlock()
		return fmt.Errorf("превышен дневной лимит запросов к Mapbox (%d)", c.requestsLimit)
	}
	c.requestsCount++
	c.requestsMutex.Unlock()

	select {
	case <-c.rateLimiter.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Route строит автомобильный маршрут между двумя точками
func (c *Client) Route(ctx context.Context, from, to geo.Coordinate) (*models.Route, error) {
	start := time.Now()
	cacheKey := c.cacheService.RouteKey(from.Lat, from.Lng, to.Lat, to.Lng)

	var cached models.Route
	found, err := c.cacheService.Get(ctx, cacheKey, &cached)
	if err != nil {
		c.log.Warn().Err(err).Msg("ошибка при получении маршрута из кэша")
	} else if found {
		middleware.TrackRoutingRequest("directions", "ok", true, time.Since(start))
		return &cached, nil
	}

	if err := c.checkRateLimit(ctx); err != nil {
		middleware.TrackRoutingRequest("directions", "rate_limited", false, time.Since(start))
		return nil, apperr.TransientProvider(providerName, err)
	}

	endpoint := fmt.Sprintf("%s/directions/v5/mapbox/driving/%f,%f;%f,%f",
		c.baseURL, from.Lng, from.Lat, to.Lng, to.Lat)
	params := url.Values{}
	params.Add("access_token", c.accessToken)
	params.Add("geometries", "geojson")
	params.Add("overview", "full")

	var result DirectionsResponse
	if err := c.getJSON(ctx, endpoint+"?"+params.Encode(), &result); err != nil {
		middleware.TrackRoutingRequest("directions", "error", false, time.Since(start))
		return nil, apperr.TransientProvider(providerName, err)
	}
	if result.Code != "Ok" || len(result.Routes) == 0 {
		middleware.TrackRoutingRequest("directions", "no_route", false, time.Since(start))
		return nil, apperr.TransientProvider(providerName, fmt.Errorf("маршрут не найден: %s %s", result.Code, result.Message))
	}

	r := result.Routes[0]
	route := &models.Route{
		From:            from,
		To:              to,
		DistanceKm:      r.Distance / 1000,
		DurationMinutes: int(r.Duration/60 + 0.5),
		FetchedAt:       time.Now().UTC(),
	}
	for _, p := range r.Geometry.Coordinates {
		if len(p) >= 2 {
			route.Geometry = append(route.Geometry, geo.Coordinate{Lat: p[1], Lng: p[0]})
		}
	}

	if err := c.cacheService.Set(ctx, cacheKey, route); err != nil {
		c.log.Warn().Err(err).Msg("ошибка при сохранении маршрута в кэш")
	}

	middleware.TrackRoutingRequest("directions", "ok", false, time.Since(start))
	c.log.Debug().
		Float64("distance_km", route.DistanceKm).
		Int("duration_min", route.DurationMinutes).
		Msg("маршрут получен")
	return route, nil
}

// Geocode ищет координату по адресу
func (c *Client) Geocode(ctx context.Context, query string) (*models.GeocodeResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperr.Invalid("пустой адрес")
	}

	start := time.Now()
	cacheKey := c.cacheService.GeocodingKey(query)

	var cached models.GeocodeResult
	found, err := c.cacheService.Get(ctx, cacheKey, &cached)
	if err != nil {
		c.log.Warn().Err(err).Msg("ошибка при получении данных из кэша")
	} else if found {
		middleware.TrackRoutingRequest("geocoding", "ok", true, time.Since(start))
		return &cached, nil
	}

	if err := c.checkRateLimit(ctx); err != nil {
		middleware.TrackRoutingRequest("geocoding", "rate_limited", false, time.Since(start))
		return nil, apperr.TransientProvider(providerName, err)
	}

	endpoint := fmt.Sprintf("%s/geocoding/v5/mapbox.places/%s.json", c.baseURL, url.PathEscape(query))
	params := url.Values{}
	params.Add("access_token", c.accessToken)
	params.Add("limit", "1")

	var result GeocodingResponse
	if err := c.getJSON(ctx, endpoint+"?"+params.Encode(), &result); err != nil {
		middleware.TrackRoutingRequest("geocoding", "error", false, time.Since(start))
		return nil, apperr.TransientProvider(providerName, err)
	}
	if len(result.Features) == 0 || len(result.Features[0].Center) < 2 {
		middleware.TrackRoutingRequest("geocoding", "not_found", false, time.Since(start))
		return nil, ErrNoResults
	}

	f := result.Features[0]
	geocoded := &models.GeocodeResult{
		Location:  geo.Coordinate{Lat: f.Center[1], Lng: f.Center[0]},
		PlaceName: f.PlaceName,
		Relevance: f.Relevance,
	}

	if err := c.cacheService.Set(ctx, cacheKey, geocoded); err != nil {
		c.log.Warn().Err(err).Msg("ошибка при сохранении данных в кэш")
	}

	middleware.TrackRoutingRequest("geocoding", "ok", false, time.Since(start))
	return geocoded, nil
}

func (c *Client) getJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("ошибка при создании запроса: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка при выполнении запроса: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("ошибка при чтении ответа: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.log.Warn().Int("status", resp.StatusCode).Str("body", truncate(string(body), 200)).Msg("Mapbox вернул ошибку")
		return fmt.Errorf("неверный статус ответа: %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ошибка при декодировании ответа: %w", err)
	}
	return nil
}

// Close закрывает ресурсы клиента. Redis клиент закрывает владелец.
func (c *Client) Close() {
	c.rateLimiter.Stop()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

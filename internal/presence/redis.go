package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/geo"
)

// lwwScript записывает поля хэша, только если переданное время новее сохраненного.
// KEYS[1] - ключ врача, ARGV[1] - поле времени, ARGV[2] - время в микросекундах,
// остальные аргументы - пары поле/значение.
var lwwScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if current and tonumber(current) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2], unpack(ARGV, 3))
return 1
`)

const (
	fieldOnline     = "online"
	fieldOnlineAt   = "online_at"
	fieldLat        = "lat"
	fieldLng        = "lng"
	fieldLocationAt = "location_at"
)

// RedisService хранит присутствие врачей в redis, хэш на врача
type RedisService struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisService создает сервис. ttl > 0 ограничивает жизнь записи о враче
func NewRedisService(client *redis.Client, ttl time.Duration) *RedisService {
	return &RedisService{client: client, prefix: "presence:doctor:", ttl: ttl}
}

func (s *RedisService) key(doctorID string) string {
	return s.prefix + doctorID
}

func (s *RedisService) write(ctx context.Context, doctorID, tsField string, at time.Time, fields ...interface{}) (bool, error) {
	key := s.key(doctorID)
	args := append([]interface{}{tsField, at.UnixMicro()}, fields...)

	applied, err := lwwScript.Run(ctx, s.client, []string{key}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("ошибка при обновлении присутствия врача: %w", err)
	}
	if applied == 1 && s.ttl > 0 {
		s.client.Expire(ctx, key, s.ttl)
	}
	return applied == 1, nil
}

func (s *RedisService) SetOnline(ctx context.Context, doctorID string, online bool, at time.Time) (bool, error) {
	if err := validate(doctorID, at); err != nil {
		return false, err
	}
	return s.write(ctx, doctorID, fieldOnlineAt, at, fieldOnline, strconv.FormatBool(online))
}

func (s *RedisService) UpdateLocation(ctx context.Context, doctorID string, c geo.Coordinate, at time.Time) (bool, error) {
	if err := validate(doctorID, at); err != nil {
		return false, err
	}
	if !c.Valid() {
		return false, apperr.Invalid("некорректные координаты")
	}
	return s.write(ctx, doctorID, fieldLocationAt, at,
		fieldLat, strconv.FormatFloat(c.Lat, 'f', -1, 64),
		fieldLng, strconv.FormatFloat(c.Lng, 'f', -1, 64))
}

func (s *RedisService) Get(ctx context.Context, doctorID string) (Status, error) {
	values, err := s.client.HGetAll(ctx, s.key(doctorID)).Result()
	if err != nil {
		return Status{}, fmt.Errorf("ошибка при получении присутствия врача: %w", err)
	}
	return parseStatus(doctorID, values), nil
}

func (s *RedisService) GetMany(ctx context.Context, doctorIDs []string) (map[string]Status, error) {
	result := make(map[string]Status, len(doctorIDs))
	if len(doctorIDs) == 0 {
		return result, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(doctorIDs))
	for i, id := range doctorIDs {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("ошибка при получении присутствия врачей: %w", err)
	}

	for i, id := range doctorIDs {
		result[id] = parseStatus(id, cmds[i].Val())
	}
	return result, nil
}

func parseStatus(doctorID string, values map[string]string) Status {
	st := Status{DoctorID: doctorID}
	if len(values) == 0 {
		return st
	}

	st.Online, _ = strconv.ParseBool(values[fieldOnline])
	if us, err := strconv.ParseInt(values[fieldOnlineAt], 10, 64); err == nil {
		st.OnlineAt = time.UnixMicro(us).UTC()
	}

	lat, latErr := strconv.ParseFloat(values[fieldLat], 64)
	lng, lngErr := strconv.ParseFloat(values[fieldLng], 64)
	if latErr == nil && lngErr == nil {
		st.Location = &geo.Coordinate{Lat: lat, Lng: lng}
		if us, err := strconv.ParseInt(values[fieldLocationAt], 10, 64); err == nil {
			st.LocationAt = time.UnixMicro(us).UTC()
		}
	}
	return st
}

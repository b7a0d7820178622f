package presence

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"homecare-backend/internal/apperr"
	"homecare-backend/internal/geo"
)

func runPresenceSuite(t *testing.T, svc Service) {
	ctx := context.Background()
	t0 := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

	t.Run("unknown doctor is offline", func(t *testing.T) {
		st, err := svc.Get(ctx, uuid.New().String())
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if st.Online || st.Location != nil {
			t.Errorf("expected empty status, got %+v", st)
		}
	})

	t.Run("last write wins for online flag", func(t *testing.T) {
		id := uuid.New().String()
		if ok, err := svc.SetOnline(ctx, id, true, t0.Add(time.Minute)); err != nil || !ok {
			t.Fatalf("set online: ok=%v err=%v", ok, err)
		}
		// запоздавшее сообщение "offline" не должно перезаписать более новое
		ok, err := svc.SetOnline(ctx, id, false, t0)
		if err != nil {
			t.Fatalf("set offline: %v", err)
		}
		if ok {
			t.Error("older write must be dropped")
		}
		st, _ := svc.Get(ctx, id)
		if !st.Online {
			t.Error("doctor must stay online")
		}
	})

	t.Run("location is independent of online flag", func(t *testing.T) {
		id := uuid.New().String()
		_, _ = svc.SetOnline(ctx, id, true, t0.Add(time.Hour))

		ok, err := svc.UpdateLocation(ctx, id, geo.Coordinate{Lat: 4.7, Lng: -74.05}, t0)
		if err != nil || !ok {
			t.Fatalf("update location: ok=%v err=%v", ok, err)
		}
		ok, _ = svc.UpdateLocation(ctx, id, geo.Coordinate{Lat: 1, Lng: 1}, t0)
		if ok {
			t.Error("equal timestamp must be dropped")
		}

		st, _ := svc.Get(ctx, id)
		if st.Location == nil || st.Location.Lat != 4.7 || !st.LocationAt.Equal(t0) {
			t.Errorf("unexpected location: %+v", st)
		}
	})

	t.Run("get many", func(t *testing.T) {
		a, b := uuid.New().String(), uuid.New().String()
		_, _ = svc.SetOnline(ctx, a, true, t0)

		all, err := svc.GetMany(ctx, []string{a, b})
		if err != nil {
			t.Fatalf("get many: %v", err)
		}
		if len(all) != 2 || !all[a].Online || all[b].Online {
			t.Errorf("unexpected result: %+v", all)
		}
	})

	t.Run("invalid input", func(t *testing.T) {
		if _, err := svc.UpdateLocation(ctx, "d", geo.Coordinate{Lat: 100}, t0); !errors.Is(err, apperr.ErrInvalid) {
			t.Errorf("expected invalid coordinate error, got %v", err)
		}
		if _, err := svc.SetOnline(ctx, "", true, t0); !errors.Is(err, apperr.ErrInvalid) {
			t.Errorf("expected invalid doctor error, got %v", err)
		}
	})
}

func TestMemoryService(t *testing.T) {
	runPresenceSuite(t, NewMemoryService())
}

func TestRedisService(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	runPresenceSuite(t, NewRedisService(client, time.Minute))
}

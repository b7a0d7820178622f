package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"homecare-backend/internal/config"
)

func TestConnectPostgres_GivesUp(t *testing.T) {
	cfg := &config.Config{DBHost: "127.0.0.1", DBPort: "1", DBUser: "u", DBName: "x", DBSSLMode: "disable"}

	start := time.Now()
	_, err := ConnectPostgres(cfg, 2, 10*time.Millisecond, zerolog.Nop())
	if err == nil {
		t.Fatal("expected connection error")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Errorf("expected a delay between attempts")
	}
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	cfg := &config.Config{RedisHost: "127.0.0.1", RedisPort: "1"}
	if _, err := NewRedisClient(context.Background(), cfg); err == nil {
		t.Fatal("expected ping error")
	}
}

func TestMigrate(t *testing.T) {
	if os.Getenv("TEST_DATABASE_DSN") == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	db, err := gorm.Open(postgres.Open(os.Getenv("TEST_DATABASE_DSN")), &gorm.Config{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !db.Migrator().HasTable("appointments") || !db.Migrator().HasTable("doctors") {
		t.Fatal("tables not created")
	}
}

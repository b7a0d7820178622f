package store

import (
	"os"
	"testing"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"homecare-backend/internal/models"
)

// Интеграционный тест, запускается только при заданной TEST_DATABASE_DSN
func TestGormStore(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.AutoMigrate(&models.Appointment{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	runStoreSuite(t, func(t *testing.T) AppointmentStore {
		if err := db.Exec("DELETE FROM appointments").Error; err != nil {
			t.Fatalf("cleanup: %v", err)
		}
		return NewGormStore(db)
	})
}

package db

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"homecare-backend/internal/config"
	"homecare-backend/internal/models"
)

// ConnectPostgres подключается к БД с повторными попытками и настраивает пул
func ConnectPostgres(cfg *config.Config, maxAttempts int, delay time.Duration, log zerolog.Logger) (*gorm.DB, error) {
	var err error

	for i := 0; i < maxAttempts; i++ {
		var db *gorm.DB
		db, err = gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Error),
		})
		if err == nil {
			if err = configurePool(db, cfg); err != nil {
				return nil, err
			}
			return db, nil
		}
		log.Warn().Err(err).Msgf("попытка подключения к БД %d из %d не удалась", i+1, maxAttempts)
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("не удалось подключиться к базе данных после %d попыток: %w", maxAttempts, err)
}

func configurePool(db *gorm.DB, cfg *config.Config) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("не удалось получить доступ к sql.DB: %w", err)
	}

	maxOpenConns := 100
	maxIdleConns := 25
	connMaxLifetime := 60

	if cfg.DBMaxOpenConns > 0 {
		maxOpenConns = cfg.DBMaxOpenConns
	}
	if cfg.DBMaxIdleConns > 0 {
		maxIdleConns = cfg.DBMaxIdleConns
	}
	if cfg.DBConnMaxLifetimeMinute > 0 {
		connMaxLifetime = cfg.DBConnMaxLifetimeMinute
	}

	sqlDB.SetMaxOpenConns(maxOpenConns)
	sqlDB.SetMaxIdleConns(maxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(connMaxLifetime) * time.Minute)
	return nil
}

// Migrate создает таблицы заявок и врачей
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&models.Appointment{}, &models.Doctor{}); err != nil {
		return fmt.Errorf("ошибка миграции базы данных: %w", err)
	}
	return nil
}

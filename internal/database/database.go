package database

import (
	"time"

	"github.com/AndreyAD1/telemetry-adapter/config"
	"github.com/AndreyAD1/telemetry-adapter/internal/metrics"
	"github.com/AndreyAD1/telemetry-adapter/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Connect opens the submission ledger database and configures its pool
func Connect(cfg config.DatabaseConfig, debug bool, collector *metrics.Metrics) (*gorm.DB, error) {
	logLevel := logger.Warn
	if debug {
		logLevel = logger.Info
	}

	gormLogger := logger.New(
		&logAdapter{},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logLevel,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to database")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get underlying DB connection")
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if collector != nil {
		if err := RegisterMetricsHooks(db, collector); err != nil {
			return nil, err
		}
	}

	return db, nil
}

// Migrate creates or updates the ledger schema
func Migrate(db *gorm.DB) error {
	if err := models.SetupModels(db); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}
	return nil
}

// Close releases the connection pool
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// logAdapter routes gorm log lines through zerolog
type logAdapter struct{}

func (l *logAdapter) Printf(format string, args ...interface{}) {
	log.Debug().Str("component", "gorm").Msgf(format, args...)
}

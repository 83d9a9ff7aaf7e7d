package database

import (
	"fmt"

	"whatsapp-automation/internal/config"
	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open connects to the configured database and runs the auto-migration
func Open(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
			cfg.DBHost, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBPort, cfg.DBSSLMode)
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(cfg.DBPath)
	default:
		return nil, errors.Errorf("unsupported DB_DRIVER %q", cfg.DBDriver)
	}

	logLevel := logger.Warn
	if cfg.LogLevel == "debug" {
		logLevel = logger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", cfg.DBDriver)
	}

	if cfg.DBDriver == "sqlite" {
		// sqlite allows a single writer
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	log.Info().Str("driver", cfg.DBDriver).Msg("Connected to database")

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&models.Account{},
		&models.Conversation{},
		&models.Message{},
		&models.Flow{},
		&models.FlowStep{},
		&models.FlowTrigger{},
		&models.FlowExecution{},
		&models.Campaign{},
		&models.CampaignTarget{},
	)
	if err != nil {
		return errors.Wrap(err, "auto-migrate")
	}
	log.Info().Msg("Database migration completed")
	return nil
}

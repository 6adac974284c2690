// Package database opens the shared gorm handle and keeps the schema
// current on startup.
package database

import (
	"fmt"

	"github.com/storewise/charging/internal/cdr"
	"github.com/storewise/charging/internal/config"
	"github.com/storewise/charging/internal/docstore"
	"github.com/storewise/charging/internal/ordering/domain"
	"github.com/storewise/charging/internal/organization"
	"github.com/storewise/charging/internal/payout"
	"go.uber.org/fx"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func Open(cfg config.Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=UTC",
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&domain.Order{},
		&domain.Contract{},
		&organization.Organization{},
		&docstore.DocLock{},
		&docstore.DocCounter{},
		&cdr.PlatformContext{},
		&payout.ReportsPayout{},
		&payout.ReportSemiPaid{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

var Module = fx.Module("database",
	fx.Provide(Open),
)

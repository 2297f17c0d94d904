package db

import (
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/chatstack/llm-gateway/internal/db/models"
)

// InitDB opens the gateway database and runs migrations.
func InitDB(dbPath string) (*gorm.DB, error) {
	database, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	if err := database.AutoMigrate(
		&models.Provider{},
		&models.ProviderStatusHistory{},
		&models.Tenant{},
		&models.TenantAgent{},
		&models.UsageRecord{},
		&models.UsageAlert{},
	); err != nil {
		return nil, err
	}

	return database, nil
}

package db

import (
	"github.com/glebarez/sqlite"
	"github.com/orderflow/merchant-connect/internal/db/models"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Init opens the SQLite database and runs migrations.
func Init(dbPath string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// Auto-migrate all models
	if err := db.AutoMigrate(&models.Merchant{}, &models.OAuthState{}, &models.AuditLog{}); err != nil {
		return nil, err
	}

	return db, nil
}

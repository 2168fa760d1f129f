// Package persistence stores session transcripts. The default backend is an
// in-memory store; configuring session.db_path switches to SQLite via GORM.
package persistence

import (
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/lynkr/lynkr/internal/infrastructure/persistence/models"
)

// NewDBConnection opens the SQLite session database and migrates the schema.
func NewDBConnection(dbPath string) (*gorm.DB, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(sqlite.Open(dbPath), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("open session database: %w", err)
	}

	if err := db.AutoMigrate(&models.SessionTurnModel{}); err != nil {
		return nil, fmt.Errorf("migrate session database: %w", err)
	}

	return db, nil
}

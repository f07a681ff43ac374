// Package database wires the relational store (traffic accounting, admin
// action log) behind a process-wide *gorm.DB exposed through
// GetDB()/IsNotFound().
package database

import (
	"errors"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/xpert-gate/xpert/database/model"
)

var (
	db   *gorm.DB
	once sync.Once
)

// Init opens the database connection and runs auto-migration for every
// gorm-backed model. dsn starting with "sqlite://" opens a local sqlite
// file (used in tests and single-node dev); anything else is treated as a
// Postgres DSN.
func Init(dsn string) error {
	var err error
	once.Do(func() {
		var dialector gorm.Dialector
		if len(dsn) >= len("sqlite://") && dsn[:len("sqlite://")] == "sqlite://" {
			dialector = sqlite.Open(dsn[len("sqlite://"):])
		} else {
			dialector = postgres.Open(dsn)
		}

		db, err = gorm.Open(dialector, &gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		})
		if err != nil {
			return
		}

		err = db.AutoMigrate(&model.TrafficRecord{}, &model.AdminActionLog{})
	})
	return err
}

// GetDB returns the process-wide database handle. Callers assume Init has
// already succeeded.
func GetDB() *gorm.DB {
	return db
}

// IsNotFound reports whether err is gorm's record-not-found sentinel.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

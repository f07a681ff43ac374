// Package adminlog implements the admin action log: append-only audit
// rows for every admin mutation across the source registry, direct-config
// store, policy store, and traffic accounting. Logging is best-effort; a
// failure here must never propagate to the caller's own operation.
package adminlog

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/xpert-gate/xpert/database/model"
	"github.com/xpert-gate/xpert/logger"
)

// Logger appends rows to admin_action_logs.
type Logger struct {
	db *gorm.DB
}

// New binds a Logger to db.
func New(db *gorm.DB) *Logger {
	return &Logger{db: db}
}

// Record appends one admin action row. meta is a free-form JSON-ish
// string the caller has already serialized (e.g. jsonutil.Marshal of a
// small struct) — adminlog itself stays opinion-free about its shape.
// Errors are logged and swallowed: callers must never have their own
// mutation fail because the audit trail couldn't be written.
func (l *Logger) Record(adminID *int64, adminUsername, action, targetType, targetUsername, meta string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("adminlog: recovered panic while recording action %q: %v", action, r)
		}
	}()

	row := model.AdminActionLog{
		CreatedAt:      time.Now().Unix(),
		AdminId:        adminID,
		AdminUsername:  adminUsername,
		Action:         action,
		TargetType:     targetType,
		TargetUsername: targetUsername,
		Meta:           meta,
	}
	if err := l.db.Create(&row).Error; err != nil {
		logger.Errorf("adminlog: failed to record action %q for %s: %v", action, targetUsername, err)
	}
}

// NewCorrelationID returns a fresh id a caller can embed in meta to tie
// together a multi-step admin operation's log rows.
func NewCorrelationID() string {
	return uuid.New().String()
}

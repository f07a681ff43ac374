package adminlog

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/xpert-gate/xpert/database/model"
)

func newTestLogger(t *testing.T) (*Logger, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.AdminActionLog{}))
	return New(db), db
}

func TestRecordAppendsRow(t *testing.T) {
	l, db := newTestLogger(t)
	l.Record(nil, "admin1", "source.add", "source", "feed-1", `{"url":"https://example.com"}`)

	var rows []model.AdminActionLog
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "source.add", rows[0].Action)
	assert.Equal(t, "admin1", rows[0].AdminUsername)
}

func TestRecordIsBestEffortOnDBFailure(t *testing.T) {
	l, db := newTestLogger(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	assert.NotPanics(t, func() {
		l.Record(nil, "admin1", "source.add", "source", "feed-1", "{}")
	})
}

func TestNewCorrelationIDIsUnique(t *testing.T) {
	a := NewCorrelationID()
	b := NewCorrelationID()
	assert.NotEqual(t, a, b)
}

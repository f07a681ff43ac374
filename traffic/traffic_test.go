package traffic

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

func newTestService(t *testing.T) *Service {
	t.Helper()
	// A uniquely-named shared-cache memory DB: shared across the gorm
	// pool's connections, but isolated from every other test's DB.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.TrafficRecord{}))
	return New(db)
}

func TestRecordInsertsNewBucket(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 100, 200))

	stats, err := s.UserStats("tok1", 30)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(100), stats[0].UploadBytes)
	assert.Equal(t, int64(200), stats[0].DownloadBytes)
	assert.Equal(t, int64(1), stats[0].Connections)
}

func TestRecordUpsertsSameDayKeyAddsCounters(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 100, 200))
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 50, 25))

	stats, err := s.UserStats("tok1", 30)
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(150), stats[0].UploadBytes)
	assert.Equal(t, int64(225), stats[0].DownloadBytes)
	assert.Equal(t, int64(1), stats[0].Connections, "same-day key upserts, does not add a second row")
}

func TestRecordDistinctPortsAreSeparateBuckets(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 10, 10))
	require.NoError(t, s.Record("tok1", "srv1", 8443, "vless", 20, 20))

	stats, err := s.UserStats("tok1", 30)
	require.NoError(t, err)
	assert.Len(t, stats, 2)
}

func TestGlobalStats(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 100, 100))
	require.NoError(t, s.Record("tok2", "srv2", 443, "trojan", 200, 200))

	g, err := s.GlobalStats(30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), g.TotalUsers)
	assert.Equal(t, int64(2), g.TotalServers)
	assert.Equal(t, int64(600), g.TotalBytes)
	assert.Equal(t, int64(2), g.TotalConnections)
	assert.Equal(t, int64(2), g.TotalProtocols)
}

func TestServerStats(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 100, 100))
	require.NoError(t, s.Record("tok2", "srv1", 443, "vless", 50, 50))

	st, err := s.ServerStats("srv1", 443, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.UniqueUsers)
	assert.Equal(t, int64(300), st.TotalBytes)
	assert.Len(t, st.DailyStats, 1)
}

func TestCleanupSkipsOnNonPositiveDays(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 1, 1))
	n, err := s.Cleanup(0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	stats, err := s.UserStats("tok1", 30)
	require.NoError(t, err)
	assert.Len(t, stats, 1)
}

func TestResetAdminExternalTrafficWipesTable(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 100, 100))

	result, err := s.ResetAdminExternalTraffic("root-admin")
	require.NoError(t, err)
	assert.Equal(t, int64(200), result.ResetBytes)
	assert.Equal(t, int64(1), result.ResetConnections)

	stats, err := s.UserStats("tok1", 30)
	require.NoError(t, err)
	assert.Empty(t, stats)
}

func TestCheckAdminTrafficLimitNonPositiveAlwaysWithin(t *testing.T) {
	s := newTestService(t)
	check, err := s.CheckAdminTrafficLimit("admin1", 0)
	require.NoError(t, err)
	assert.True(t, check.WithinLimit)
}

func TestCheckAdminTrafficLimitOverThreshold(t *testing.T) {
	s := newTestService(t)
	require.NoError(t, s.Record("tok1", "srv1", 443, "vless", 500, 600))

	check, err := s.CheckAdminTrafficLimit("admin1", 1000)
	require.NoError(t, err)
	assert.False(t, check.WithinLimit)
	assert.Equal(t, int64(1100), check.UsedBytes)
	assert.Equal(t, int64(0), check.RemainingBytes)
}

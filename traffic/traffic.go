// Package traffic implements traffic accounting: daily-bucketed
// per-(user_token, server, port) byte counters, upserted under a
// composite unique key, plus the aggregate projections and housekeeping
// operations the admin surface needs.
package traffic

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xpert-gate/xpert/database/model"
	"github.com/xpert-gate/xpert/logger"
)

// Service wraps the gorm handle backing traffic_records.
type Service struct {
	db *gorm.DB
}

// New binds a Service to db (the process-wide handle from
// database.GetDB(), or a dedicated traffic-only connection).
func New(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record upserts one traffic observation on the composite key
// (user_token, server, port, date_utc): existing rows get their counters
// added to and timestamp/protocol refreshed; a new bucket is inserted
// otherwise. Safe under concurrent callers via the table's unique
// constraint — an insert race is resolved by gorm's ON CONFLICT DO
// UPDATE clause rather than a read-then-write race.
func (s *Service) Record(userToken, server string, port int, protocol string, bytesUp, bytesDown int64) error {
	now := time.Now()
	dateUTC := now.UTC().Format("2006-01-02")

	row := model.TrafficRecord{
		UserToken:       userToken,
		Server:          server,
		Port:            port,
		Protocol:        protocol,
		DateUTC:         dateUTC,
		BytesUploaded:   bytesUp,
		BytesDownloaded: bytesDown,
		Timestamp:       now.Unix(),
	}

	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_token"}, {Name: "server"}, {Name: "port"}, {Name: "date_utc"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"bytes_uploaded":   gorm.Expr("traffic_records.bytes_uploaded + ?", bytesUp),
			"bytes_downloaded": gorm.Expr("traffic_records.bytes_downloaded + ?", bytesDown),
			"protocol":         protocol,
			"timestamp":        now.Unix(),
		}),
	}).Create(&row).Error
	if err != nil {
		logger.Errorf("traffic: failed to record usage for %s: %v", userToken, err)
	}
	return err
}

// ServerGroupStat is one (server, port, protocol) aggregate row.
type ServerGroupStat struct {
	Server        string `json:"server"`
	Port          int    `json:"port"`
	Protocol      string `json:"protocol"`
	UploadBytes   int64  `json:"uploadBytes"`
	DownloadBytes int64  `json:"downloadBytes"`
	Connections   int64  `json:"connections"`
	LastUsed      int64  `json:"lastUsed"`
}

// UserStats groups userToken's rows from the last days by
// (server, port, protocol), sorted by total download descending.
func (s *Service) UserStats(userToken string, days int) ([]ServerGroupStat, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()
	var rows []ServerGroupStat
	err := s.db.Model(&model.TrafficRecord{}).
		Select("server, port, protocol, SUM(bytes_uploaded) as upload_bytes, SUM(bytes_downloaded) as download_bytes, COUNT(*) as connections, MAX(timestamp) as last_used").
		Where("user_token = ? AND timestamp >= ?", userToken, since).
		Group("server, port, protocol").
		Order("download_bytes DESC").
		Scan(&rows).Error
	return rows, err
}

// GlobalStats aggregates across every user over the last days.
type GlobalStats struct {
	TotalUsers       int64             `json:"totalUsers"`
	TotalServers     int64             `json:"totalServers"`
	TotalBytes       int64             `json:"totalBytes"`
	TotalConnections int64             `json:"totalConnections"`
	TotalProtocols   int64             `json:"totalProtocols"`
	PeriodDays       int               `json:"periodDays"`
	TopServers       []ServerGroupStat `json:"topServers"`
}

func (s *Service) GlobalStats(days int) (GlobalStats, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()
	out := GlobalStats{PeriodDays: days}

	if err := s.db.Model(&model.TrafficRecord{}).
		Where("timestamp >= ?", since).
		Distinct("user_token").Count(&out.TotalUsers).Error; err != nil {
		return out, err
	}

	var serverRows []struct {
		Server string
		Port   int
	}
	if err := s.db.Model(&model.TrafficRecord{}).
		Where("timestamp >= ?", since).
		Distinct("server", "port").Scan(&serverRows).Error; err != nil {
		return out, err
	}
	out.TotalServers = int64(len(serverRows))

	type totals struct {
		TotalBytes       int64
		TotalConnections int64
	}
	var t totals
	if err := s.db.Model(&model.TrafficRecord{}).
		Select("SUM(bytes_uploaded + bytes_downloaded) as total_bytes, COUNT(*) as total_connections").
		Where("timestamp >= ?", since).
		Scan(&t).Error; err != nil {
		return out, err
	}
	out.TotalBytes = t.TotalBytes
	out.TotalConnections = t.TotalConnections

	if err := s.db.Model(&model.TrafficRecord{}).
		Where("timestamp >= ?", since).
		Distinct("protocol").Count(&out.TotalProtocols).Error; err != nil {
		return out, err
	}

	if err := s.db.Model(&model.TrafficRecord{}).
		Select("server, port, protocol, SUM(bytes_uploaded) as upload_bytes, SUM(bytes_downloaded) as download_bytes, COUNT(*) as connections, MAX(timestamp) as last_used").
		Where("timestamp >= ?", since).
		Group("server, port, protocol").
		Order("(upload_bytes + download_bytes) DESC").
		Limit(10).
		Scan(&out.TopServers).Error; err != nil {
		return out, err
	}

	return out, nil
}

// DailyBucket is one day's totals for a server_stats projection.
type DailyBucket struct {
	Date        string `json:"date"`
	TotalBytes  int64  `json:"totalBytes"`
	UniqueUsers int64  `json:"uniqueUsers"`
}

// ServerStats is the aggregate projection for one (server, port) pair.
type ServerStats struct {
	Server           string        `json:"server"`
	Port             int           `json:"port"`
	PeriodDays       int           `json:"periodDays"`
	UniqueUsers      int64         `json:"uniqueUsers"`
	TotalBytes       int64         `json:"totalBytes"`
	TotalConnections int64         `json:"totalConnections"`
	AvgBytesPerConn  float64       `json:"avgBytesPerConn"`
	DailyStats       []DailyBucket `json:"dailyStats"`
}

func (s *Service) ServerStats(server string, port int, days int) (ServerStats, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()
	out := ServerStats{Server: server, Port: port, PeriodDays: days}

	var agg struct {
		UniqueUsers      int64
		TotalBytes       int64
		TotalConnections int64
		AvgBytes         float64
	}
	if err := s.db.Model(&model.TrafficRecord{}).
		Select("COUNT(DISTINCT user_token) as unique_users, SUM(bytes_uploaded + bytes_downloaded) as total_bytes, COUNT(*) as total_connections, AVG(bytes_uploaded + bytes_downloaded) as avg_bytes").
		Where("server = ? AND port = ? AND timestamp >= ?", server, port, since).
		Scan(&agg).Error; err != nil {
		return out, err
	}
	out.UniqueUsers = agg.UniqueUsers
	out.TotalBytes = agg.TotalBytes
	out.TotalConnections = agg.TotalConnections
	out.AvgBytesPerConn = agg.AvgBytes

	if err := s.db.Model(&model.TrafficRecord{}).
		Select("date_utc as date, SUM(bytes_uploaded + bytes_downloaded) as total_bytes, COUNT(DISTINCT user_token) as unique_users").
		Where("server = ? AND port = ? AND timestamp >= ?", server, port, since).
		Group("date_utc").
		Order("date_utc DESC").
		Scan(&out.DailyStats).Error; err != nil {
		return out, err
	}

	return out, nil
}

// Cleanup deletes every row older than days. days<=0 means "skip" and
// returns (0, nil) without touching the table.
func (s *Service) Cleanup(days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result := s.db.Where("timestamp < ?", cutoff).Delete(&model.TrafficRecord{})
	if result.Error != nil {
		return 0, result.Error
	}
	logger.Infof("traffic: cleaned up %d records older than %d days", result.RowsAffected, days)
	return result.RowsAffected, nil
}

// AdminTrafficUsage is the traffic summary admin quota checks are
// computed against.
type AdminTrafficUsage struct {
	TotalBytes    int64 `json:"totalBytes"`
	UniqueUsers   int64 `json:"uniqueUsers"`
	UniqueServers int64 `json:"uniqueServers"`
	Connections   int64 `json:"connections"`
	PeriodDays    int   `json:"periodDays"`
}

func (s *Service) adminTrafficUsage(days int) (AdminTrafficUsage, error) {
	since := time.Now().AddDate(0, 0, -days).Unix()
	out := AdminTrafficUsage{PeriodDays: days}

	var t struct {
		TotalBytes  int64
		UniqueUsers int64
		Connections int64
	}
	if err := s.db.Model(&model.TrafficRecord{}).
		Select("SUM(bytes_uploaded + bytes_downloaded) as total_bytes, COUNT(DISTINCT user_token) as unique_users, COUNT(*) as connections").
		Where("timestamp >= ?", since).
		Scan(&t).Error; err != nil {
		return out, err
	}
	out.TotalBytes = t.TotalBytes
	out.UniqueUsers = t.UniqueUsers
	out.Connections = t.Connections

	var serverRows []struct {
		Server string
		Port   int
	}
	if err := s.db.Model(&model.TrafficRecord{}).
		Where("timestamp >= ?", since).
		Distinct("server", "port").Scan(&serverRows).Error; err != nil {
		return out, err
	}
	out.UniqueServers = int64(len(serverRows))

	return out, nil
}

// ResetResult is the before-wipe snapshot returned by
// ResetAdminExternalTraffic.
type ResetResult struct {
	ResetBytes       int64 `json:"resetBytes"`
	ResetConnections int64 `json:"resetConnections"`
}

// ResetAdminExternalTraffic wipes every traffic_records row (a
// deliberately coarse, whole-table operation reserved for the
// admin-quota reset path) and logs the deleted totals.
func (s *Service) ResetAdminExternalTraffic(adminUsername string) (ResetResult, error) {
	var t struct {
		TotalBytes  int64
		Connections int64
	}
	if err := s.db.Model(&model.TrafficRecord{}).
		Select("SUM(bytes_uploaded + bytes_downloaded) as total_bytes, COUNT(*) as connections").
		Scan(&t).Error; err != nil {
		return ResetResult{}, err
	}

	if err := s.db.Where("1 = 1").Delete(&model.TrafficRecord{}).Error; err != nil {
		return ResetResult{}, err
	}

	logger.Infof("traffic: reset external traffic for admin %s: %d bytes, %d connections deleted",
		adminUsername, t.TotalBytes, t.Connections)

	return ResetResult{ResetBytes: t.TotalBytes, ResetConnections: t.Connections}, nil
}

// LimitCheck is the outcome of one admin quota check.
type LimitCheck struct {
	WithinLimit    bool    `json:"withinLimit"`
	LimitBytes     int64   `json:"limitBytes"`
	UsedBytes      int64   `json:"usedBytes"`
	RemainingBytes int64   `json:"remainingBytes"`
	PercentageUsed float64 `json:"percentageUsed"`
}

// CheckAdminTrafficLimit computes used-vs-limit over the trailing 30
// days. limitBytes<=0 always reports within-limit with zero usage.
func (s *Service) CheckAdminTrafficLimit(adminUsername string, limitBytes int64) (LimitCheck, error) {
	if limitBytes <= 0 {
		return LimitCheck{WithinLimit: true, LimitBytes: limitBytes}, nil
	}

	usage, err := s.adminTrafficUsage(30)
	if err != nil {
		return LimitCheck{WithinLimit: true, LimitBytes: limitBytes}, err
	}

	remaining := limitBytes - usage.TotalBytes
	if remaining < 0 {
		remaining = 0
	}
	var pct float64
	if limitBytes > 0 {
		pct = float64(usage.TotalBytes) / float64(limitBytes) * 100
	}

	return LimitCheck{
		WithinLimit:    usage.TotalBytes <= limitBytes,
		LimitBytes:     limitBytes,
		UsedBytes:      usage.TotalBytes,
		RemainingBytes: remaining,
		PercentageUsed: pct,
	}, nil
}

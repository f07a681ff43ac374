// Package model defines the gorm-backed database models used by xpertd.
// Only two tables are relational: TrafficRecord (daily usage counters) and
// AdminActionLog (append-only audit trail). Every other piece of state
// (sources, direct configs, subscriber policies) is file-backed — see the
// sources, directconfig, and policy packages.
package model

// TrafficRecord is one daily usage bucket for a (subscriber, server, port)
// triple. The composite unique index on (UserToken, Server, Port,
// DateUTC) is what record() upserts against.
type TrafficRecord struct {
	Id              int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	UserToken       string `json:"userToken" gorm:"column:user_token;index:idx_traffic_user;uniqueIndex:idx_traffic_key,priority:1"`
	Server          string `json:"server" gorm:"column:server;uniqueIndex:idx_traffic_key,priority:2"`
	Port            int    `json:"port" gorm:"column:port;uniqueIndex:idx_traffic_key,priority:3;index:idx_traffic_server_port,priority:2"`
	Protocol        string `json:"protocol" gorm:"column:protocol"`
	DateUTC         string `json:"dateUtc" gorm:"column:date_utc;uniqueIndex:idx_traffic_key,priority:4;index:idx_traffic_date"`
	BytesUploaded   int64  `json:"bytesUploaded" gorm:"column:bytes_uploaded;default:0"`
	BytesDownloaded int64  `json:"bytesDownloaded" gorm:"column:bytes_downloaded;default:0"`
	Timestamp       int64  `json:"timestamp" gorm:"column:timestamp;index:idx_traffic_timestamp"`
}

// TableName pins the table name rather than relying on gorm's
// pluralization.
func (TrafficRecord) TableName() string {
	return "traffic_records"
}

// AdminActionLog is an append-only row written by every admin mutation
// path (source CRUD, direct-config CRUD, policy changes, traffic resets,
// crypto-link issuance). Writing to it must never fail the caller's
// request — see adminlog.Logger.Record.
type AdminActionLog struct {
	Id             int64  `json:"id" gorm:"primaryKey;autoIncrement"`
	CreatedAt      int64  `json:"createdAt" gorm:"column:created_at;index:idx_adminlog_created"`
	AdminId        *int64 `json:"adminId,omitempty" gorm:"column:admin_id"`
	AdminUsername  string `json:"adminUsername" gorm:"column:admin_username;index:idx_adminlog_admin"`
	Action         string `json:"action" gorm:"column:action;index:idx_adminlog_action"`
	TargetType     string `json:"targetType" gorm:"column:target_type"`
	TargetUsername string `json:"targetUsername" gorm:"column:target_username"`
	Meta           string `json:"meta" gorm:"column:meta;type:text"`
}

// TableName pins the table name for AdminActionLog.
func (AdminActionLog) TableName() string {
	return "admin_action_logs"
}

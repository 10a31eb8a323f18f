package model

import "time"

// ForwardMode 转发模式
type ForwardMode string

const (
	// ForwardModeJSON 结构化转发：JSON 信封包装
	ForwardModeJSON ForwardMode = "json"
	// ForwardModeRaw 原样转发：透传原始帧
	ForwardModeRaw ForwardMode = "raw"
	// ForwardModeHeader 自定义帧头转发：帧前追加配置的字节序列
	ForwardModeHeader ForwardMode = "header"
)

// Endpoint 端点（广播域）
// Token 为对外公开的短标识，ID 用于存储关联
type Endpoint struct {
	ID           uint        `gorm:"primaryKey" json:"id"`
	Token        string      `gorm:"size:64;uniqueIndex" json:"token"`
	Name         string      `gorm:"size:128" json:"name"`
	ForwardMode  ForwardMode `gorm:"size:16;default:json" json:"forward_mode"`
	CustomHeader []byte      `gorm:"type:blob" json:"custom_header,omitempty"` // header 模式使用
	Disabled     bool        `gorm:"default:false" json:"disabled"`
	LastActiveAt *time.Time  `json:"last_active_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// TableName 表名
func (Endpoint) TableName() string {
	return "endpoints"
}

// EndpointStats 端点统计
// CurrentConnections 持久化值永不为负（写入时截断）
type EndpointStats struct {
	ID                 uint       `gorm:"primaryKey" json:"id"`
	EndpointID         uint       `gorm:"uniqueIndex" json:"endpoint_id"`
	CurrentConnections int64      `gorm:"default:0" json:"current_connections"`
	TotalConnections   int64      `gorm:"default:0" json:"total_connections"`
	TotalMessages      int64      `gorm:"default:0" json:"total_messages"`
	LastMessageAt      *time.Time `json:"last_message_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName 表名
func (EndpointStats) TableName() string {
	return "endpoint_stats"
}

package model

import "time"

// Device 逻辑设备
// 在线状态由 LastSeenAt 与阈值比较派生，不落库存储
type Device struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	EndpointID uint       `gorm:"index:idx_device_endpoint,priority:1" json:"endpoint_id"`
	DeviceID   string     `gorm:"size:64;index:idx_device_endpoint,priority:2" json:"device_id"`
	CustomName string     `gorm:"size:128" json:"custom_name"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName 表名
func (Device) TableName() string {
	return "devices"
}

// Online 判断设备是否在线
// threshold 为最近活跃阈值
func (d *Device) Online(threshold time.Duration) bool {
	if d.LastSeenAt == nil {
		return false
	}
	return time.Since(*d.LastSeenAt) <= threshold
}

// DeviceData 设备上报数据点
// 由中转的 data 消息落库，供外部告警评估器消费
type DeviceData struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	EndpointID uint      `gorm:"index" json:"endpoint_id"`
	DeviceID   string    `gorm:"size:64;index" json:"device_id"`
	Key        string    `gorm:"size:64" json:"key"`
	Value      float64   `json:"value"`
	Raw        string    `gorm:"type:text" json:"raw,omitempty"` // 非数值时保留原文
	ReportedAt time.Time `gorm:"index" json:"reported_at"`
}

// TableName 表名
func (DeviceData) TableName() string {
	return "device_data"
}

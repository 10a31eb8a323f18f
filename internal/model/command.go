package model

import "time"

// CommandStatus 指令状态
type CommandStatus string

const (
	// CommandStatusPending 待确认
	CommandStatusPending CommandStatus = "pending"
	// CommandStatusSuccess 执行成功
	CommandStatusSuccess CommandStatus = "success"
	// CommandStatusFailed 执行失败
	CommandStatusFailed CommandStatus = "failed"
	// CommandStatusTimeout 确认超时
	CommandStatusTimeout CommandStatus = "timeout"
)

// Terminal 判断是否为终态
// 终态一经进入不可再变更
func (s CommandStatus) Terminal() bool {
	return s == CommandStatusSuccess || s == CommandStatusFailed || s == CommandStatusTimeout
}

// DeviceCommand 下发指令记录
// AckAt 在首次进入终态时写入，且仅写入一次
type DeviceCommand struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	CommandID  string        `gorm:"size:64;uniqueIndex" json:"command_id"`
	EndpointID uint          `gorm:"index" json:"endpoint_id"`
	DeviceID   string        `gorm:"size:64;index" json:"device_id"`
	Type       string        `gorm:"size:64" json:"type"`
	Params     string        `gorm:"type:text" json:"params,omitempty"` // JSON 参数
	Status     CommandStatus `gorm:"size:16;index;default:pending" json:"status"`
	Message    string        `gorm:"size:255" json:"message,omitempty"` // 确认附带信息
	SentAt     time.Time     `json:"sent_at"`
	AckAt      *time.Time    `json:"ack_at,omitempty"`
	TimeoutAt  time.Time     `json:"timeout_at"`
	CreatedAt  time.Time     `json:"created_at"`
}

// TableName 表名
func (DeviceCommand) TableName() string {
	return "device_commands"
}

// Duration 计算指令耗时
// 未进入终态时返回 0 和 false
func (c *DeviceCommand) Duration() (time.Duration, bool) {
	if c.AckAt == nil {
		return 0, false
	}
	return c.AckAt.Sub(c.SentAt), true
}

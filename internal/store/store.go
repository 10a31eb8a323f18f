package store

import (
	"context"
	"time"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
)

// StatsDelta 单个端点在一个批次窗口内的统计增量
// 增量可交换可结合，批次内事件顺序不影响最终结果
type StatsDelta struct {
	Connect       int64      // 连接数增量
	Disconnect    int64      // 断开数增量
	Message       int64      // 消息数增量
	LastMessageAt *time.Time // 最近消息时间（无消息时为 nil）
}

// CommandQuery 指令历史查询条件
type CommandQuery struct {
	EndpointID uint
	DeviceID   string
	Status     model.CommandStatus
	Limit      int
	Offset     int
}

// EndpointStore 端点读取（管理端负责写入，核心只读）
type EndpointStore interface {
	// GetEndpointByToken 按公开 Token 查询端点
	GetEndpointByToken(ctx context.Context, token string) (*model.Endpoint, error)
	// TouchLastActive 更新端点最近活跃时间
	TouchLastActive(ctx context.Context, endpointID uint, at time.Time) error
}

// StatsStore 统计写入
type StatsStore interface {
	// UpsertStats 以增量方式更新端点统计，首次写入时创建记录
	// current_connections 持久化值在写入时向下截断为 0
	UpsertStats(ctx context.Context, endpointID uint, delta StatsDelta) error
	// GetStats 查询端点统计
	GetStats(ctx context.Context, endpointID uint) (*model.EndpointStats, error)
}

// DeviceStore 设备与上报数据
type DeviceStore interface {
	// UpsertDevice 绑定/更新设备身份
	UpsertDevice(ctx context.Context, endpointID uint, deviceID, customName string) (*model.Device, error)
	// TouchDeviceSeen 更新设备最近活跃时间
	TouchDeviceSeen(ctx context.Context, endpointID uint, deviceID string, at time.Time) error
	// SaveDeviceData 保存设备上报数据点
	SaveDeviceData(ctx context.Context, points []*model.DeviceData) error
}

// CommandStore 指令记录
type CommandStore interface {
	// CreateCommand 创建指令记录
	CreateCommand(ctx context.Context, cmd *model.DeviceCommand) error
	// UpdateCommandStatus 更新指令状态
	// 仅允许从 pending 进入终态；已终态的记录不再变更（幂等）
	// 返回值表示本次调用是否真正完成了状态迁移
	UpdateCommandStatus(ctx context.Context, commandID string, status model.CommandStatus, message string, ackAt time.Time) (bool, error)
	// GetCommand 按指令 ID 查询
	GetCommand(ctx context.Context, commandID string) (*model.DeviceCommand, error)
	// ListCommands 查询指令历史
	ListCommands(ctx context.Context, q CommandQuery) ([]*model.DeviceCommand, error)
	// ListPendingExpired 查询已过期但仍为 pending 的指令
	ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]*model.DeviceCommand, error)
}

// Storage 核心依赖的存储协作方
type Storage interface {
	EndpointStore
	StatsStore
	DeviceStore
	CommandStore
}

package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
)

// gormStorage 基于 GORM 的存储实现
type gormStorage struct {
	db *gorm.DB
}

// NewGormStorage 创建 GORM 存储实例
func NewGormStorage(db *gorm.DB) Storage {
	return &gormStorage{db: db}
}

// GetEndpointByToken 按公开 Token 查询端点
func (s *gormStorage) GetEndpointByToken(ctx context.Context, token string) (*model.Endpoint, error) {
	var ep model.Endpoint
	err := s.db.WithContext(ctx).Where("token = ?", token).First(&ep).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrUnknownEndpoint
		}
		return nil, err
	}
	return &ep, nil
}

// TouchLastActive 更新端点最近活跃时间
func (s *gormStorage) TouchLastActive(ctx context.Context, endpointID uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Endpoint{}).
		Where("id = ?", endpointID).
		Update("last_active_at", at).Error
}

// UpsertStats 以增量方式更新端点统计
// 在事务内读改写：持久化的 current_connections 写入时向下截断为 0
func (s *gormStorage) UpsertStats(ctx context.Context, endpointID uint, delta StatsDelta) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stats model.EndpointStats
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("endpoint_id = ?", endpointID).
			First(&stats).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			stats = model.EndpointStats{
				EndpointID:         endpointID,
				CurrentConnections: clampNonNegative(delta.Connect - delta.Disconnect),
				TotalConnections:   delta.Connect,
				TotalMessages:      delta.Message,
				LastMessageAt:      delta.LastMessageAt,
			}
			return tx.Create(&stats).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]any{
			"current_connections": clampNonNegative(stats.CurrentConnections + delta.Connect - delta.Disconnect),
			"total_connections":   stats.TotalConnections + delta.Connect,
			"total_messages":      stats.TotalMessages + delta.Message,
		}
		if delta.LastMessageAt != nil {
			updates["last_message_at"] = *delta.LastMessageAt
		}
		return tx.Model(&model.EndpointStats{}).
			Where("endpoint_id = ?", endpointID).
			Updates(updates).Error
	})
}

// clampNonNegative 向下截断为 0
func clampNonNegative(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

// GetStats 查询端点统计
func (s *gormStorage) GetStats(ctx context.Context, endpointID uint) (*model.EndpointStats, error) {
	var stats model.EndpointStats
	err := s.db.WithContext(ctx).Where("endpoint_id = ?", endpointID).First(&stats).Error
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// UpsertDevice 绑定/更新设备身份
func (s *gormStorage) UpsertDevice(ctx context.Context, endpointID uint, deviceID, customName string) (*model.Device, error) {
	now := time.Now()
	var device model.Device

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("endpoint_id = ? AND device_id = ?", endpointID, deviceID).First(&device).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			device = model.Device{
				EndpointID: endpointID,
				DeviceID:   deviceID,
				CustomName: customName,
				LastSeenAt: &now,
			}
			return tx.Create(&device).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]any{"last_seen_at": now}
		if customName != "" {
			updates["custom_name"] = customName
			device.CustomName = customName
		}
		device.LastSeenAt = &now
		return tx.Model(&model.Device{}).Where("id = ?", device.ID).Updates(updates).Error
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// TouchDeviceSeen 更新设备最近活跃时间
func (s *gormStorage) TouchDeviceSeen(ctx context.Context, endpointID uint, deviceID string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&model.Device{}).
		Where("endpoint_id = ? AND device_id = ?", endpointID, deviceID).
		Update("last_seen_at", at).Error
}

// SaveDeviceData 保存设备上报数据点
func (s *gormStorage) SaveDeviceData(ctx context.Context, points []*model.DeviceData) error {
	if len(points) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&points).Error
}

// CreateCommand 创建指令记录
func (s *gormStorage) CreateCommand(ctx context.Context, cmd *model.DeviceCommand) error {
	return s.db.WithContext(ctx).Create(cmd).Error
}

// UpdateCommandStatus 更新指令状态
// WHERE status = 'pending' 保证终态迁移单调且幂等
func (s *gormStorage) UpdateCommandStatus(ctx context.Context, commandID string, status model.CommandStatus, message string, ackAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.DeviceCommand{}).
		Where("command_id = ? AND status = ?", commandID, model.CommandStatusPending).
		Updates(map[string]any{
			"status":  status,
			"message": message,
			"ack_at":  ackAt,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// GetCommand 按指令 ID 查询
func (s *gormStorage) GetCommand(ctx context.Context, commandID string) (*model.DeviceCommand, error) {
	var cmd model.DeviceCommand
	err := s.db.WithContext(ctx).Where("command_id = ?", commandID).First(&cmd).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.ErrCommandNotFound
		}
		return nil, err
	}
	return &cmd, nil
}

// ListCommands 查询指令历史
func (s *gormStorage) ListCommands(ctx context.Context, q CommandQuery) ([]*model.DeviceCommand, error) {
	db := s.db.WithContext(ctx).Model(&model.DeviceCommand{})
	if q.EndpointID != 0 {
		db = db.Where("endpoint_id = ?", q.EndpointID)
	}
	if q.DeviceID != "" {
		db = db.Where("device_id = ?", q.DeviceID)
	}
	if q.Status != "" {
		db = db.Where("status = ?", q.Status)
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}

	var cmds []*model.DeviceCommand
	err := db.Order("sent_at DESC").Limit(q.Limit).Offset(q.Offset).Find(&cmds).Error
	return cmds, err
}

// ListPendingExpired 查询已过期但仍为 pending 的指令
func (s *gormStorage) ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]*model.DeviceCommand, error) {
	if limit <= 0 {
		limit = 100
	}
	var cmds []*model.DeviceCommand
	err := s.db.WithContext(ctx).
		Where("status = ? AND timeout_at <= ?", model.CommandStatusPending, now).
		Limit(limit).
		Find(&cmds).Error
	return cmds, err
}

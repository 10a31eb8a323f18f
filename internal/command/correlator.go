package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/hub"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// Sender 指令投递面（由 Hub 实现）
type Sender interface {
	// SendToDevice 向指定设备的活跃连接下发消息
	SendToDevice(endpointID uint, deviceID string, payload []byte) error
}

// View 指令查询视图
// DurationMs 仅在指令进入终态后给出
type View struct {
	*model.DeviceCommand
	DurationMs *int64 `json:"duration_ms,omitempty"`
}

// Correlator 指令关联器
// 下发控制指令并跟踪确认：pending → success|failed|timeout，
// 终态单调且不可重入
type Correlator struct {
	storage store.CommandStore
	sender  Sender
	logger  logger.Logger

	defaultTimeout time.Duration
	sweepInterval  time.Duration
}

// NewCorrelator 创建指令关联器
func NewCorrelator(storage store.CommandStore, sender Sender, log logger.Logger, defaultTimeout, sweepInterval time.Duration) *Correlator {
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Second
	}
	return &Correlator{
		storage:        storage,
		sender:         sender,
		logger:         log,
		defaultTimeout: defaultTimeout,
		sweepInterval:  sweepInterval,
	}
}

// Dispatch 下发控制指令
// 设备离线时指令记录以 failed 落库留痕，返回 ErrDeviceOffline
func (c *Correlator) Dispatch(ctx context.Context, endpointID uint, deviceID, cmdType string, params json.RawMessage, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}

	now := time.Now()
	commandID := uuid.NewString()

	cmd := &model.DeviceCommand{
		CommandID:  commandID,
		EndpointID: endpointID,
		DeviceID:   deviceID,
		Type:       cmdType,
		Params:     string(params),
		Status:     model.CommandStatusPending,
		SentAt:     now,
		TimeoutAt:  now.Add(timeout),
	}
	if err := c.storage.CreateCommand(ctx, cmd); err != nil {
		return "", err
	}

	push, err := json.Marshal(hub.NewCommandPush(commandID, cmdType, params))
	if err != nil {
		return "", err
	}

	if err := c.sender.SendToDevice(endpointID, deviceID, push); err != nil {
		// 设备离线：记录落为 failed 留痕，不静默丢弃
		if _, uerr := c.storage.UpdateCommandStatus(ctx, commandID, model.CommandStatusFailed, "device offline", time.Now()); uerr != nil {
			c.logger.Error("[command] 标记离线指令失败",
				zap.String("command_id", commandID),
				zap.Error(uerr))
		}
		return commandID, errs.ErrDeviceOffline.WithError(err)
	}

	c.logger.Info("[command] 指令下发",
		zap.String("command_id", commandID),
		zap.String("device_id", deviceID),
		zap.String("type", cmdType))

	return commandID, nil
}

// OnAck 处理指令确认
// 未知指令返回 ErrCommandNotFound；重复确认已终态指令是幂等空操作
func (c *Correlator) OnAck(ctx context.Context, commandID, status, message string) error {
	var target model.CommandStatus
	switch status {
	case "success":
		target = model.CommandStatusSuccess
	case "failed":
		target = model.CommandStatusFailed
	default:
		return errs.ErrInternal.WithMessage("invalid ack status: " + status)
	}

	moved, err := c.storage.UpdateCommandStatus(ctx, commandID, target, message, time.Now())
	if err != nil {
		return err
	}
	if moved {
		return nil
	}

	// 未迁移：要么指令不存在，要么已处于终态（重复确认，容忍）
	if _, err := c.storage.GetCommand(ctx, commandID); err != nil {
		if errors.Is(err, errs.ErrCommandNotFound) {
			return errs.ErrCommandNotFound
		}
		return err
	}
	return nil
}

// Run 运行超时巡检循环，直到 ctx 取消
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(ctx, now)
		}
	}
}

// Sweep 执行一次超时巡检
// 仍为 pending 且已过 TimeoutAt 的指令迁移为 timeout，
// AckAt 记为巡检时刻；返回迁移数量
func (c *Correlator) Sweep(ctx context.Context, now time.Time) int {
	expired, err := c.storage.ListPendingExpired(ctx, now, 100)
	if err != nil {
		c.logger.Error("[command] 查询超时指令失败", zap.Error(err))
		return 0
	}

	moved := 0
	for _, cmd := range expired {
		ok, err := c.storage.UpdateCommandStatus(ctx, cmd.CommandID, model.CommandStatusTimeout, "ack timeout", now)
		if err != nil {
			c.logger.Error("[command] 标记超时指令失败",
				zap.String("command_id", cmd.CommandID),
				zap.Error(err))
			continue
		}
		if ok {
			moved++
		}
	}

	if moved > 0 {
		c.logger.Info("[command] 超时巡检完成", zap.Int("moved", moved))
	}
	return moved
}

// GetByID 按指令 ID 查询
func (c *Correlator) GetByID(ctx context.Context, commandID string) (*View, error) {
	cmd, err := c.storage.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	return newView(cmd), nil
}

// History 查询指令历史
func (c *Correlator) History(ctx context.Context, q store.CommandQuery) ([]*View, error) {
	cmds, err := c.storage.ListCommands(ctx, q)
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(cmds))
	for _, cmd := range cmds {
		views = append(views, newView(cmd))
	}
	return views, nil
}

// newView 构造查询视图，计算派生耗时
func newView(cmd *model.DeviceCommand) *View {
	v := &View{DeviceCommand: cmd}
	if d, ok := cmd.Duration(); ok {
		ms := d.Milliseconds()
		v.DurationMs = &ms
	}
	return v
}

package command

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/errs"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/hub"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/logger"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/model"
	"github.com/McuXifeng/WebSocket-Relay-Platform-sub002/internal/store"
)

// mockCommandStore 用于测试的内存指令存储
type mockCommandStore struct {
	mu       sync.RWMutex
	commands map[string]*model.DeviceCommand
}

func newMockCommandStore() *mockCommandStore {
	return &mockCommandStore{commands: make(map[string]*model.DeviceCommand)}
}

func (m *mockCommandStore) CreateCommand(ctx context.Context, cmd *model.DeviceCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cmd
	m.commands[cmd.CommandID] = &cp
	return nil
}

func (m *mockCommandStore) UpdateCommandStatus(ctx context.Context, commandID string, status model.CommandStatus, message string, ackAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[commandID]
	if !ok || cmd.Status != model.CommandStatusPending {
		return false, nil
	}
	cmd.Status = status
	cmd.Message = message
	cmd.AckAt = &ackAt
	return true, nil
}

func (m *mockCommandStore) GetCommand(ctx context.Context, commandID string) (*model.DeviceCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cmd, ok := m.commands[commandID]; ok {
		cp := *cmd
		return &cp, nil
	}
	return nil, errs.ErrCommandNotFound
}

func (m *mockCommandStore) ListCommands(ctx context.Context, q store.CommandQuery) ([]*model.DeviceCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.DeviceCommand, 0)
	for _, cmd := range m.commands {
		if q.DeviceID != "" && cmd.DeviceID != q.DeviceID {
			continue
		}
		if q.Status != "" && cmd.Status != q.Status {
			continue
		}
		cp := *cmd
		out = append(out, &cp)
	}
	return out, nil
}

func (m *mockCommandStore) ListPendingExpired(ctx context.Context, now time.Time, limit int) ([]*model.DeviceCommand, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*model.DeviceCommand, 0)
	for _, cmd := range m.commands {
		if cmd.Status == model.CommandStatusPending && now.After(cmd.TimeoutAt) {
			cp := *cmd
			out = append(out, &cp)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// mockSender 用于测试的指令投递面
type mockSender struct {
	mu      sync.Mutex
	sent    [][]byte
	offline bool
}

func (m *mockSender) SendToDevice(endpointID uint, deviceID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offline {
		return hub.ErrDeviceOffline
	}
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mockSender) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func newTestCorrelator() (*Correlator, *mockCommandStore, *mockSender) {
	cs := newMockCommandStore()
	sender := &mockSender{}
	return NewCorrelator(cs, sender, logger.Nop(), 30*time.Second, time.Second), cs, sender
}

// TestDispatchAndAck 测试下发与确认的完整链路
func TestDispatchAndAck(t *testing.T) {
	c, cs, sender := newTestCorrelator()
	ctx := context.Background()

	commandID, err := c.Dispatch(ctx, 1, "dev-1", "reboot", json.RawMessage(`{"delay":5}`), 0)
	require.NoError(t, err)
	require.NotEmpty(t, commandID)
	assert.Equal(t, 1, sender.sentCount(), "指令应该推送到设备连接")

	// 下发的帧是 command 信封
	var push hub.CommandPush
	require.NoError(t, json.Unmarshal(sender.sent[0], &push))
	assert.Equal(t, hub.TypeCommand, push.Type)
	assert.Equal(t, commandID, push.CommandID)
	assert.Equal(t, "reboot", push.CommandType)

	// 落库为 pending
	cmd, err := cs.GetCommand(ctx, commandID)
	require.NoError(t, err)
	assert.Equal(t, model.CommandStatusPending, cmd.Status)

	// 确认成功
	require.NoError(t, c.OnAck(ctx, commandID, "success", "done"))
	cmd, _ = cs.GetCommand(ctx, commandID)
	assert.Equal(t, model.CommandStatusSuccess, cmd.Status)
	assert.Equal(t, "done", cmd.Message)
	assert.NotNil(t, cmd.AckAt)
}

// TestDispatchDeviceOffline 测试设备离线时的留痕
func TestDispatchDeviceOffline(t *testing.T) {
	c, cs, sender := newTestCorrelator()
	sender.offline = true
	ctx := context.Background()

	commandID, err := c.Dispatch(ctx, 1, "dev-1", "reboot", nil, 0)
	assert.ErrorIs(t, err, errs.ErrDeviceOffline)
	require.NotEmpty(t, commandID, "离线下发也应该返回指令 ID")

	// 记录落为 failed，不静默丢弃
	cmd, gerr := cs.GetCommand(ctx, commandID)
	require.NoError(t, gerr)
	assert.Equal(t, model.CommandStatusFailed, cmd.Status)
	assert.Equal(t, "device offline", cmd.Message)
}

// TestAckTerminalMonotonic 测试终态单调：重复确认是幂等空操作
func TestAckTerminalMonotonic(t *testing.T) {
	c, cs, _ := newTestCorrelator()
	ctx := context.Background()

	commandID, err := c.Dispatch(ctx, 1, "dev-1", "reboot", nil, 0)
	require.NoError(t, err)

	require.NoError(t, c.OnAck(ctx, commandID, "success", "done"))
	firstAck, _ := cs.GetCommand(ctx, commandID)

	// 再次确认为 failed：不报错、不覆盖
	require.NoError(t, c.OnAck(ctx, commandID, "failed", "late"))
	cmd, _ := cs.GetCommand(ctx, commandID)
	assert.Equal(t, model.CommandStatusSuccess, cmd.Status, "终态不可被后续确认覆盖")
	assert.Equal(t, "done", cmd.Message)
	assert.Equal(t, firstAck.AckAt, cmd.AckAt, "AckAt 只写入一次")
}

// TestAckUnknownCommand 测试未知指令的确认
func TestAckUnknownCommand(t *testing.T) {
	c, _, _ := newTestCorrelator()

	err := c.OnAck(context.Background(), "no-such-id", "success", "")
	assert.ErrorIs(t, err, errs.ErrCommandNotFound)
}

// TestAckInvalidStatus 测试非法确认状态
func TestAckInvalidStatus(t *testing.T) {
	c, _, _ := newTestCorrelator()

	err := c.OnAck(context.Background(), "any", "exploded", "")
	assert.Error(t, err)
}

// TestSweepTimeout 测试超时巡检
func TestSweepTimeout(t *testing.T) {
	c, cs, _ := newTestCorrelator()
	ctx := context.Background()

	// 短超时指令
	commandID, err := c.Dispatch(ctx, 1, "dev-1", "reboot", nil, 10*time.Millisecond)
	require.NoError(t, err)

	// 未到期，不迁移
	assert.Equal(t, 0, c.Sweep(ctx, time.Now().Add(-time.Hour)))

	// 越过超时时刻
	sweepAt := time.Now().Add(time.Second)
	assert.Equal(t, 1, c.Sweep(ctx, sweepAt))

	cmd, _ := cs.GetCommand(ctx, commandID)
	assert.Equal(t, model.CommandStatusTimeout, cmd.Status)
	require.NotNil(t, cmd.AckAt)
	assert.Equal(t, sweepAt, *cmd.AckAt, "超时指令的 AckAt 记为巡检时刻")

	// 再次巡检为空操作
	assert.Equal(t, 0, c.Sweep(ctx, sweepAt.Add(time.Hour)))
}

// TestAckAfterTimeout 测试迟到确认不覆盖超时终态
func TestAckAfterTimeout(t *testing.T) {
	c, cs, _ := newTestCorrelator()
	ctx := context.Background()

	commandID, err := c.Dispatch(ctx, 1, "dev-1", "reboot", nil, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, c.Sweep(ctx, time.Now().Add(time.Second)))

	// 巡检后设备才确认：幂等空操作
	require.NoError(t, c.OnAck(ctx, commandID, "success", "late"))
	cmd, _ := cs.GetCommand(ctx, commandID)
	assert.Equal(t, model.CommandStatusTimeout, cmd.Status)
}

// TestViewDuration 测试查询视图的派生耗时
func TestViewDuration(t *testing.T) {
	c, cs, _ := newTestCorrelator()
	ctx := context.Background()

	commandID, err := c.Dispatch(ctx, 1, "dev-1", "reboot", nil, 0)
	require.NoError(t, err)

	// pending 阶段不给出耗时
	view, err := c.GetByID(ctx, commandID)
	require.NoError(t, err)
	assert.Nil(t, view.DurationMs)

	// 构造一个确定的确认时刻
	cmd, _ := cs.GetCommand(ctx, commandID)
	ackAt := cmd.SentAt.Add(1500 * time.Millisecond)
	_, err = cs.UpdateCommandStatus(ctx, commandID, model.CommandStatusSuccess, "done", ackAt)
	require.NoError(t, err)

	view, err = c.GetByID(ctx, commandID)
	require.NoError(t, err)
	require.NotNil(t, view.DurationMs)
	assert.Equal(t, int64(1500), *view.DurationMs)
}
